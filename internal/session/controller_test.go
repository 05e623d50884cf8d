package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type harness struct {
	c       *Controller
	clock   *fakeClock
	backend *fakeBackend
	sink    *fakeSink
	beacon  *fakeBeacon
	view    *fakeView
}

func newHarness(t *testing.T, b *fakeBackend) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(t0),
		backend: b,
		sink:    &fakeSink{},
		beacon:  &fakeBeacon{},
		view:    &fakeView{},
	}
	h.c = NewController(Options{
		Timings: testTimings(),
		Backend: h.backend,
		Sink:    h.sink,
		Beacon:  h.beacon,
		View:    h.view,
		Clock:   h.clock,
		Log:     zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.c.Done()
	})
	return h
}

// resumedHarness starts a session on an existing in-progress attempt.
func resumedHarness(t *testing.T, exam *model.ExamDefinition) *harness {
	t.Helper()
	sub := testSubmission(exam)
	h := newHarness(t, &fakeBackend{exam: exam, current: sub})
	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateActive)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.Snapshot().State == want }, time.Second, 5*time.Millisecond)
}

func (h *harness) waitNotice(t *testing.T, kind NoticeKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, k := range h.view.noticeKinds() {
			if k == kind {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestInitializeStartsNewAttempt(t *testing.T) {
	exam := testExam()
	reordered := *exam
	reordered.Questions = []model.Question{exam.Questions[2], exam.Questions[0], exam.Questions[1]}
	sub := testSubmission(exam)
	b := &fakeBackend{exam: exam, refetched: &reordered, currentErr: backend.ErrNotFound, started: sub}
	h := newHarness(t, b)

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateActive)

	assert.Equal(t, 1, b.startCount())
	b.mu.Lock()
	assert.Equal(t, 2, b.fetches)
	b.mu.Unlock()
	require.Equal(t, 1, b.saveCount())
	assert.Empty(t, b.saves[0].Answers)
	assert.Equal(t, sub.ID, b.saves[0].SubmissionID)
	assert.Equal(t, exam.Questions[2].ID, h.c.exam.Load().Questions[0].ID, "re-fetched order is used")

	assert.ErrorIs(t, h.c.Initialize(context.Background(), exam.ID, false), ErrAlreadyInitialized)
	assert.Equal(t, 1, b.startCount())
}

func TestInitialSaveOpensRateWindow(t *testing.T) {
	exam := testExam()
	b := &fakeBackend{exam: exam, currentErr: backend.ErrNotFound, started: testSubmission(exam)}
	h := newHarness(t, b)

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateActive)
	require.Equal(t, 1, b.saveCount())

	h.clock.Advance(200 * time.Millisecond)
	require.NoError(t, h.c.RecordAnswer(exam.Questions[0].ID, answer("a")))
	require.Eventually(t, func() bool { return h.c.Snapshot().Dirty }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.c.SelectQuestion(1))
	require.Eventually(t, func() bool { return h.c.Snapshot().CurrentIndex == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return b.saveCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return b.saveCount() == 2 && !h.c.Snapshot().Dirty }, time.Second, 5*time.Millisecond)
}

func TestInitializeConcurrentCallsProceedOnce(t *testing.T) {
	exam := testExam()
	b := &fakeBackend{exam: exam, currentErr: backend.ErrNotFound, started: testSubmission(exam)}
	h := newHarness(t, b)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.c.Initialize(context.Background(), exam.ID, false)
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyInitialized)
		}
	}
	assert.Equal(t, 1, ok)
	h.waitState(t, StateActive)
	assert.Equal(t, 1, b.startCount())
}

func TestInitializeUnavailableCreatesNothing(t *testing.T) {
	exam := testExam(func(e *model.ExamDefinition) {
		e.Available = false
		e.UnavailableReason = "Maximum attempts reached."
	})
	b := &fakeBackend{exam: exam, currentErr: backend.ErrNotFound, started: testSubmission(exam)}
	h := newHarness(t, b)

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateUnavailable)

	assert.Zero(t, b.startCount())
	assert.Zero(t, b.saveCount())
	assert.Equal(t, []NavTarget{NavLobby}, h.view.navigations())
	h.clock.Advance(30 * time.Second)
	h.view.mu.Lock()
	assert.Empty(t, h.view.countdown, "no timer runs")
	h.view.mu.Unlock()
}

func TestInitializeOutsideFixedWindow(t *testing.T) {
	exam := testExam(func(e *model.ExamDefinition) {
		e.TimingMode = model.TimingFixedWindow
		e.StartAt = timePtr(t0.Add(time.Hour))
		e.EndAt = timePtr(t0.Add(2 * time.Hour))
	})
	h := newHarness(t, &fakeBackend{exam: exam, currentErr: backend.ErrNotFound})

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateUnavailable)
	assert.Zero(t, h.backend.startCount())
}

func TestInitializeAlreadySubmitted(t *testing.T) {
	exam := testExam()
	sub := testSubmission(exam)
	sub.Status = model.SubmissionStatusSubmitted
	h := newHarness(t, &fakeBackend{exam: exam, current: sub})

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateSubmitted)
	assert.Equal(t, []NavTarget{NavResults}, h.view.navigations())
}

func TestInitializeErrors(t *testing.T) {
	t.Run("fetch fails", func(t *testing.T) {
		h := newHarness(t, &fakeBackend{fetchErr: &backend.APIError{Op: "fetch exam", Status: 500}})
		err := h.c.Initialize(context.Background(), testExam().ID, false)
		require.Error(t, err)
		assert.True(t, backend.IsTemporary(err))
	})

	t.Run("invalid exam", func(t *testing.T) {
		exam := testExam(func(e *model.ExamDefinition) { e.Questions = nil })
		h := newHarness(t, &fakeBackend{exam: exam})
		err := h.c.Initialize(context.Background(), exam.ID, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid exam definition")
	})

	t.Run("exam not available", func(t *testing.T) {
		exam := testExam()
		h := newHarness(t, &fakeBackend{fetchErr: &backend.APIError{Status: 403, Code: "EXAM_NOT_AVAILABLE", Message: "Not published."}})
		require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
		h.waitState(t, StateUnavailable)
		h.view.mu.Lock()
		defer h.view.mu.Unlock()
		require.NotEmpty(t, h.view.shown)
		assert.Equal(t, "Not published.", h.view.shown[0].Message)
	})
}

func TestInitialSaveFailureIsRetried(t *testing.T) {
	exam := testExam()
	b := &fakeBackend{exam: exam, currentErr: backend.ErrNotFound, started: testSubmission(exam), saveErr: errors.New("network down")}
	h := newHarness(t, b)

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateActive)
	assert.True(t, h.c.Snapshot().Dirty)

	b.mu.Lock()
	b.saveErr = nil
	b.mu.Unlock()
	h.clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return !h.c.Snapshot().Dirty }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, b.saveCount())
}

func TestPreviewSessionNeverTouchesBackend(t *testing.T) {
	exam := testExam()
	b := &fakeBackend{exam: exam}
	h := newHarness(t, b)

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, true))
	h.waitState(t, StateActive)
	assert.True(t, h.c.Snapshot().Preview)

	require.NoError(t, h.c.RecordAnswer(exam.Questions[0].ID, answer("a")))
	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.c.RequestSubmit())
	require.NoError(t, h.c.ConfirmSubmit())
	h.waitState(t, StateSubmitted)

	assert.Zero(t, b.saveCount())
	assert.Zero(t, b.submitCount())
	h.sink.mu.Lock()
	assert.Empty(t, h.sink.journey)
	h.sink.mu.Unlock()
}

func TestRecordAnswerValidation(t *testing.T) {
	exam := testExam()
	h := newHarness(t, &fakeBackend{exam: exam, current: testSubmission(exam)})
	assert.ErrorIs(t, h.c.RecordAnswer(exam.Questions[0].ID, answer("a")), ErrNotReady)

	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateActive)

	assert.ErrorIs(t, h.c.RecordAnswer(testExam().Questions[0].ID, answer("a")), model.ErrUnknownQuestion)
	assert.ErrorIs(t, h.c.RecordAnswer(exam.Questions[1].ID, answer("yes")), model.ErrInvalidAnswer)
	assert.NoError(t, h.c.RecordAnswer(exam.Questions[1].ID, []byte("true")))
	assert.Error(t, h.c.SelectQuestion(4))
	assert.NoError(t, h.c.SelectQuestion(3))
}

func TestEditThenNavigateSavesOnce(t *testing.T) {
	exam := testExam()
	h := resumedHarness(t, exam)

	h.clock.Advance(time.Second)
	require.NoError(t, h.c.RecordAnswer(exam.Questions[0].ID, answer("a")))
	require.Eventually(t, func() bool { return h.c.Snapshot().Dirty }, time.Second, 5*time.Millisecond)

	h.clock.Advance(400 * time.Millisecond)
	require.NoError(t, h.c.SelectQuestion(1))
	require.Eventually(t, func() bool { return h.backend.saveCount() == 1 && !h.c.Snapshot().Dirty }, time.Second, 5*time.Millisecond)

	h.clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return h.backend.saveCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRapidEditsCollapseIntoOneSave(t *testing.T) {
	exam := testExam()
	h := resumedHarness(t, exam)

	for i, v := range []string{"a", "ab", "abc", "abcd"} {
		h.clock.Advance(300 * time.Millisecond)
		require.NoError(t, h.c.RecordAnswer(exam.Questions[0].ID, answer(v)))
		require.Eventually(t, func() bool { return h.c.Snapshot().Dirty }, time.Second, 5*time.Millisecond, "edit %d", i)
	}
	require.Never(t, func() bool { return h.backend.saveCount() > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return h.backend.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	h.backend.mu.Lock()
	assert.Equal(t, answer("abcd"), h.backend.saves[0].Answers[exam.Questions[0].ID])
	h.backend.mu.Unlock()
}

func TestSubmitRetryAfterTransientFailure(t *testing.T) {
	exam := testExam()
	sub := testSubmission(exam)
	b := &fakeBackend{exam: exam, current: sub, submitErrs: []error{&backend.APIError{Op: "submit", Status: 500}}}
	h := newHarness(t, b)
	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateActive)

	require.NoError(t, h.c.RequestSubmit())
	require.NoError(t, h.c.ConfirmSubmit())
	h.waitNotice(t, NoticeSubmitError)
	assert.Equal(t, StateActive, h.c.Snapshot().State)

	require.NoError(t, h.c.ConfirmSubmit())
	h.waitState(t, StateSubmitted)
	assert.Equal(t, 2, b.submitCount())
	assert.Equal(t, []NavTarget{NavResults}, h.view.navigations())
}

func TestConcurrentTriggersSubmitOnce(t *testing.T) {
	exam := testExam()
	sub := testSubmission(exam)
	sub.RemainingSeconds = intPtr(3)
	h := newHarness(t, &fakeBackend{exam: exam, current: sub})
	require.NoError(t, h.c.Initialize(context.Background(), exam.ID, false))
	h.waitState(t, StateActive)

	require.NoError(t, h.c.RequestSubmit())
	h.waitNotice(t, NoticeSubmitConfirm)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.c.ConfirmSubmit()
		}()
	}
	h.clock.Advance(3 * time.Second)
	wg.Wait()

	h.waitState(t, StateSubmitted)
	assert.Never(t, func() bool { return h.backend.submitCount() != 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestTabSwitchScenarioThroughController(t *testing.T) {
	exam := testExam(proctored(3, false))
	h := resumedHarness(t, exam)

	require.NoError(t, h.c.Dispatch(ProctoringSetupCompleted{}))
	require.Eventually(t, func() bool {
		h.view.mu.Lock()
		defer h.view.mu.Unlock()
		return h.view.fullscreen == 1
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.clock.Advance(10 * time.Second)
		require.NoError(t, h.c.Dispatch(VisibilityChanged{Hidden: true}))
		h.clock.Advance(2 * time.Second)
		require.NoError(t, h.c.Dispatch(VisibilityChanged{Hidden: false}))
	}
	h.waitNotice(t, NoticeTabViolation)
	assert.Equal(t, StateActive, h.c.Snapshot().State)
	assert.Equal(t, 3, h.c.Snapshot().TabSwitches)

	var warnings int
	for _, k := range h.view.noticeKinds() {
		if k == NoticeTabWarning {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)

	h.clock.Advance(5 * time.Second)
	h.waitState(t, StateSubmitted)
	assert.Equal(t, 1, h.backend.submitCount())
	require.Eventually(t, func() bool {
		types := h.sink.proctoringTypes()
		var auto int
		for _, typ := range types {
			if typ == model.EventAutoSubmit {
				auto++
			}
		}
		return len(types) == 4 && auto == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStaleTimerIsIgnored(t *testing.T) {
	exam := testExam(proctored(3, false))
	h := resumedHarness(t, exam)

	require.NoError(t, h.c.Dispatch(TimerFired{Timer: TimerForcedSubmit, gen: 42}))
	assert.Never(t, func() bool { return h.c.Snapshot().State != StateActive }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, h.backend.submitCount())
}

func TestCloseRunsFinalSave(t *testing.T) {
	exam := testExam()
	h := resumedHarness(t, exam)

	require.NoError(t, h.c.RecordAnswer(exam.Questions[0].ID, answer("last words")))
	require.Eventually(t, func() bool { return h.c.Snapshot().Dirty }, time.Second, 5*time.Millisecond)

	h.c.Close()
	<-h.c.Done()
	require.Equal(t, 1, h.backend.saveCount())
	assert.Equal(t, answer("last words"), h.backend.saves[0].Answers[exam.Questions[0].ID])
	assert.ErrorIs(t, h.c.ConfirmSubmit(), ErrSessionClosed)
}

func TestUnloadUsesBeacon(t *testing.T) {
	exam := testExam()
	h := resumedHarness(t, exam)

	require.NoError(t, h.c.RecordAnswer(exam.Questions[0].ID, answer("a")))
	require.NoError(t, h.c.Dispatch(PageUnloading{}))
	require.Eventually(t, func() bool {
		h.beacon.mu.Lock()
		defer h.beacon.mu.Unlock()
		return len(h.beacon.progress) == 1 && len(h.beacon.journey) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.backend.saveCount())
}
