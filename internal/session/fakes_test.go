package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// fakeClock fires callbacks from Advance on the caller's goroutine, outside
// its own lock so callbacks may schedule more work.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*fakeTask
}

type fakeTask struct {
	clock *fakeClock
	at    time.Time
	seq   int
	fn    func()
	done  bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTask{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.tasks = append(c.tasks, t)
	return t
}

func (t *fakeTask) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.done
	t.done = true
	return pending
}

// Advance moves time forward, running every task that falls due in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTask
		live := c.tasks[:0]
		for _, t := range c.tasks {
			if !t.done {
				live = append(live, t)
			}
		}
		c.tasks = live
		sort.Slice(c.tasks, func(i, j int) bool {
			if c.tasks[i].at.Equal(c.tasks[j].at) {
				return c.tasks[i].seq < c.tasks[j].seq
			}
			return c.tasks[i].at.Before(c.tasks[j].at)
		})
		if len(c.tasks) > 0 && !c.tasks[0].at.After(target) {
			next = c.tasks[0]
			next.done = true
			c.now = next.at
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		next.fn()
	}
}

type fakeBackend struct {
	mu sync.Mutex

	exam       *model.ExamDefinition
	fetchErr   error
	refetched  *model.ExamDefinition
	current    *model.Submission
	currentErr error
	started    *model.Submission
	startErr   error
	saveErr    error
	submitErrs []error

	fetches int
	starts  int
	saves   []model.ProgressPayload
	submits []model.SubmitPayload
}

func (b *fakeBackend) FetchExam(_ context.Context, _ uuid.UUID) (*model.ExamDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	if b.fetches > 1 && b.refetched != nil {
		return b.refetched, nil
	}
	return b.exam, nil
}

func (b *fakeBackend) CurrentSubmission(_ context.Context, _ uuid.UUID) (*model.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.currentErr
}

func (b *fakeBackend) StartSubmission(_ context.Context, _ uuid.UUID) (*model.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return b.started, b.startErr
}

func (b *fakeBackend) SaveProgress(_ context.Context, p model.ProgressPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves = append(b.saves, p)
	return b.saveErr
}

func (b *fakeBackend) Submit(_ context.Context, p model.SubmitPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits = append(b.submits, p)
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return err
	}
	return nil
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

func (b *fakeBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves)
}

func (b *fakeBackend) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submits)
}

type fakeSink struct {
	mu         sync.Mutex
	proctoring []model.ProctoringEvent
	journey    []model.JourneyEvent
}

func (s *fakeSink) LogProctoring(_ context.Context, ev model.ProctoringEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proctoring = append(s.proctoring, ev)
	return nil
}

func (s *fakeSink) LogJourney(_ context.Context, ev model.JourneyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journey = append(s.journey, ev)
	return nil
}

func (s *fakeSink) proctoringTypes() []model.ProctoringEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProctoringEventType, 0, len(s.proctoring))
	for _, ev := range s.proctoring {
		out = append(out, ev.Type)
	}
	return out
}

type fakeBeacon struct {
	mu       sync.Mutex
	progress []model.ProgressPayload
	journey  []model.JourneyEvent
}

func (b *fakeBeacon) SendProgress(_ context.Context, p model.ProgressPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, p)
	return nil
}

func (b *fakeBeacon) SendJourney(_ context.Context, ev model.JourneyEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.journey = append(b.journey, ev)
	return nil
}

type fakeView struct {
	mu         sync.Mutex
	shown      []Notice
	dismissed  []NoticeKind
	countdown  []int
	navigated  []NavTarget
	fullscreen int
}

func (v *fakeView) Show(n Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.shown = append(v.shown, n)
}

func (v *fakeView) Dismiss(kind NoticeKind) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dismissed = append(v.dismissed, kind)
}

func (v *fakeView) Countdown(secs int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.countdown = append(v.countdown, secs)
}

func (v *fakeView) Navigate(target NavTarget) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.navigated = append(v.navigated, target)
}

func (v *fakeView) RequestFullscreen() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fullscreen++
}

func (v *fakeView) navigations() []NavTarget {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]NavTarget(nil), v.navigated...)
}

func (v *fakeView) noticeKinds() []NoticeKind {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]NoticeKind, 0, len(v.shown))
	for _, n := range v.shown {
		out = append(out, n.Kind)
	}
	return out
}

func testTimings() config.SessionTimings { return config.DefaultSessionTimings() }

func intPtr(v int) *int { return &v }

func timePtr(v time.Time) *time.Time { return &v }

func testExam(mutate ...func(*model.ExamDefinition)) *model.ExamDefinition {
	e := &model.ExamDefinition{
		ID:    uuid.New(),
		Title: "Physics midterm",
		Questions: []model.Question{
			{ID: uuid.New(), Text: "Q1", Type: model.QuestionTypeShortAnswer, Points: 1},
			{ID: uuid.New(), Text: "Q2", Type: model.QuestionTypeTrueFalse, Points: 1},
			{ID: uuid.New(), Text: "Q3", Type: model.QuestionTypeEssay, Points: 2},
		},
		TimeLimitSeconds: intPtr(3600),
		TimingMode:       model.TimingFlexibleStart,
		ReviewMethod:     model.ReviewMethodAuto,
		Available:        true,
	}
	for _, m := range mutate {
		m(e)
	}
	return e
}

func proctored(max int, block bool) func(*model.ExamDefinition) {
	return func(e *model.ExamDefinition) {
		e.Proctoring = model.ProctoringConfig{
			Enabled:        true,
			Mode:           model.ProctoringModeBasic,
			MaxTabSwitches: max,
			BlockTabSwitch: block,
		}
	}
}

func testSubmission(exam *model.ExamDefinition) *model.Submission {
	return &model.Submission{
		ID:               uuid.New(),
		ExamID:           exam.ID,
		Status:           model.SubmissionStatusInProgress,
		StartedAt:        t0,
		RemainingSeconds: exam.TimeLimitSeconds,
	}
}

func answer(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// activeMachine returns a machine that has processed Ready at t0.
func activeMachine(t *testing.T, exam *model.ExamDefinition) (*Machine, *model.Submission) {
	t.Helper()
	m := NewMachine(testTimings(), zerolog.Nop())
	sub := testSubmission(exam)
	m.Apply(t0, Ready{Exam: exam, Submission: sub})
	return m, sub
}

// effectsOf filters effects by type.
func effectsOf[T Effect](fx []Effect) []T {
	var out []T
	for _, f := range fx {
		if v, ok := f.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
