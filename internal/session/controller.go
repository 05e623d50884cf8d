package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrNotReady           = errors.New("session not ready")
	ErrSessionClosed      = errors.New("session closed")
)

// teardownTimeout bounds the synchronous final save.
const teardownTimeout = 10 * time.Second

// Backend is the system of record for exams and attempts.
type Backend interface {
	FetchExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
	CurrentSubmission(ctx context.Context, examID uuid.UUID) (*model.Submission, error)
	StartSubmission(ctx context.Context, examID uuid.UUID) (*model.Submission, error)
	SaveProgress(ctx context.Context, p model.ProgressPayload) error
	Submit(ctx context.Context, p model.SubmitPayload) error
}

// EventSink receives proctoring and journey events. Delivery is best-effort.
type EventSink interface {
	LogProctoring(ctx context.Context, ev model.ProctoringEvent) error
	LogJourney(ctx context.Context, ev model.JourneyEvent) error
}

// Beacon is the last-resort transport used while the page unloads.
type Beacon interface {
	SendProgress(ctx context.Context, p model.ProgressPayload) error
	SendJourney(ctx context.Context, ev model.JourneyEvent) error
}

// View renders what the student sees.
type View interface {
	Show(n Notice)
	Dismiss(kind NoticeKind)
	Countdown(remainingSeconds int)
	Navigate(target NavTarget)
	RequestFullscreen()
}

type Options struct {
	Timings config.SessionTimings
	Backend Backend
	Sink    EventSink
	Beacon  Beacon
	View    View
	Clock   Clock
	Log     zerolog.Logger
}

type envelope struct {
	at time.Time
	ev Event
}

// Controller runs one Machine on a single goroutine and executes its effects.
// Backend calls run on their own goroutines and report back as events.
type Controller struct {
	machine *Machine
	backend Backend
	sink    EventSink
	beacon  Beacon
	view    View
	clock   Clock
	timings config.SessionTimings
	log     zerolog.Logger

	events  chan envelope
	stopped chan struct{}
	done    chan struct{}

	initialized atomic.Bool
	exam        atomic.Pointer[model.ExamDefinition]
	snapshot    atomic.Pointer[Snapshot]
	inflight    sync.WaitGroup

	// Owned by the Run goroutine.
	callCtx  context.Context
	closing  bool
	timers   map[TimerID]Stopper
	gens     map[TimerID]uint64
	tickers  []*repeater
	stopOnce sync.Once
}

func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	c := &Controller{
		machine: NewMachine(opts.Timings, opts.Log),
		backend: opts.Backend,
		sink:    opts.Sink,
		beacon:  opts.Beacon,
		view:    opts.View,
		clock:   opts.Clock,
		timings: opts.Timings,
		log:     opts.Log.With().Str("component", "session_controller").Logger(),
		events:  make(chan envelope, 64),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		timers:  map[TimerID]Stopper{},
		gens:    map[TimerID]uint64{},
	}
	snap := c.machine.Snapshot(c.clock.Now())
	c.snapshot.Store(&snap)
	return c
}

// Run processes events until Close is called or ctx is cancelled. Both paths
// tear the session down: timers are cancelled and unsaved answers get one
// last save. Run waits for in-flight backend calls before returning.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	c.callCtx = context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			c.teardown(c.clock.Now())
			return ctx.Err()
		case env := <-c.events:
			if _, ok := env.ev.(Teardown); ok {
				c.teardown(env.at)
				return nil
			}
			c.apply(env.at, env.ev)
		}
	}
}

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the state as of the last processed event.
func (c *Controller) Snapshot() Snapshot { return *c.snapshot.Load() }

// Close requests teardown. It does not wait; use Done.
func (c *Controller) Close() { c.post(Teardown{}) }

// RecordAnswer rejects unknown questions and malformed values before they
// reach the answer store.
func (c *Controller) RecordAnswer(questionID uuid.UUID, value json.RawMessage) error {
	exam := c.exam.Load()
	if exam == nil {
		return ErrNotReady
	}
	q, _, err := exam.QuestionByID(questionID)
	if err != nil {
		return err
	}
	if err := q.ValidateAnswer(value); err != nil {
		return err
	}
	return c.Dispatch(AnswerRecorded{QuestionID: questionID, Value: value})
}

// SelectQuestion accepts indices in [0, len(questions)]; the last one is the
// review screen.
func (c *Controller) SelectQuestion(index int) error {
	exam := c.exam.Load()
	if exam == nil {
		return ErrNotReady
	}
	if index < 0 || index > exam.ReviewIndex() {
		return fmt.Errorf("question index %d out of range [0, %d]", index, exam.ReviewIndex())
	}
	return c.Dispatch(QuestionSelected{Index: index})
}

func (c *Controller) RequestSubmit() error { return c.Dispatch(SubmitRequested{}) }
func (c *Controller) ConfirmSubmit() error { return c.Dispatch(SubmitConfirmed{}) }
func (c *Controller) CancelSubmit() error  { return c.Dispatch(SubmitCancelled{}) }
func (c *Controller) RequestLeave() error  { return c.Dispatch(LeaveRequested{}) }
func (c *Controller) ConfirmLeave() error  { return c.Dispatch(LeaveConfirmed{}) }

// Dispatch delivers a browser signal or view input to the session.
func (c *Controller) Dispatch(ev Event) error {
	if !c.post(ev) {
		return ErrSessionClosed
	}
	return nil
}

func (c *Controller) post(ev Event) bool {
	env := envelope{at: c.clock.Now(), ev: ev}
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.events <- env:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Controller) apply(at time.Time, ev Event) {
	if tf, ok := ev.(TimerFired); ok {
		if tf.gen != c.gens[tf.Timer] {
			return
		}
		delete(c.timers, tf.Timer)
	}
	if r, ok := ev.(Ready); ok {
		c.exam.Store(r.Exam)
	}
	for _, fx := range c.machine.Apply(at, ev) {
		c.execute(fx)
	}
	snap := c.machine.Snapshot(at)
	c.snapshot.Store(&snap)
}

func (c *Controller) teardown(at time.Time) {
	c.closing = true
	c.stopOnce.Do(func() { close(c.stopped) })

	for _, fx := range c.machine.Apply(at, Teardown{}) {
		c.execute(fx)
	}
	snap := c.machine.Snapshot(at)
	c.snapshot.Store(&snap)
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.stopTickers()
	c.inflight.Wait()
	c.log.Debug().Str("state", snap.State.String()).Msg("Session torn down")
}

func (c *Controller) execute(fx Effect) {
	switch fx := fx.(type) {
	case SaveProgress:
		c.call(func(ctx context.Context) Event {
			err := c.backend.SaveProgress(ctx, fx.Payload)
			return SaveCompleted{Revision: fx.Revision, Purpose: fx.Purpose, Err: err}
		})
	case StartSubmission:
		c.call(func(ctx context.Context) Event {
			sub, err := c.backend.StartSubmission(ctx, fx.ExamID)
			return SubmissionStarted{Submission: sub, Err: err}
		})
	case SubmitAttempt:
		c.call(func(ctx context.Context) Event {
			return SubmitCompleted{Err: c.backend.Submit(ctx, fx.Payload)}
		})
	case SendBeacon:
		c.call(func(ctx context.Context) Event {
			if err := c.beacon.SendProgress(ctx, fx.Payload); err != nil {
				c.log.Debug().Err(err).Msg("Beacon dropped")
			}
			return nil
		})
	case LogProctoring:
		c.call(func(ctx context.Context) Event {
			if err := c.sink.LogProctoring(ctx, fx.Event); err != nil {
				c.log.Debug().Err(err).Str("event_type", string(fx.Event.Type)).Msg("Proctoring event dropped")
			}
			return nil
		})
	case LogJourney:
		c.call(func(ctx context.Context) Event {
			var err error
			if fx.Beacon {
				err = c.beacon.SendJourney(ctx, fx.Event)
			} else {
				err = c.sink.LogJourney(ctx, fx.Event)
			}
			if err != nil {
				c.log.Debug().Err(err).Str("event_type", string(fx.Event.Type)).Msg("Journey event dropped")
			}
			return nil
		})
	case ArmTimer:
		c.disarm(fx.Timer)
		gen := c.gens[fx.Timer]
		id := fx.Timer
		c.timers[id] = c.clock.AfterFunc(fx.After, func() {
			c.post(TimerFired{Timer: id, gen: gen})
		})
	case DisarmTimer:
		c.disarm(fx.Timer)
	case StartTicking:
		if c.closing || len(c.tickers) > 0 {
			return
		}
		c.tickers = append(c.tickers,
			c.repeat(c.timings.TimerTick, Tick{}),
			c.repeat(c.timings.AutosaveInterval, AutosaveTick{}),
		)
	case StopTicking:
		c.stopTickers()
	case RequestFullscreen:
		c.view.RequestFullscreen()
	case Countdown:
		c.view.Countdown(fx.RemainingSeconds)
	case Notify:
		c.view.Show(fx.Notice)
	case Dismiss:
		c.view.Dismiss(fx.Kind)
	case NavigateTo:
		c.view.Navigate(fx.Target)
	default:
		c.log.Warn().Str("effect", fmt.Sprintf("%T", fx)).Msg("Unhandled session effect")
	}
}

// call runs a backend call off the loop. During teardown it runs inline with
// a bounded context and its completion is discarded.
func (c *Controller) call(fn func(ctx context.Context) Event) {
	if c.closing {
		ctx, cancel := context.WithTimeout(c.callCtx, teardownTimeout)
		defer cancel()
		if ev := fn(ctx); ev != nil {
			c.logTeardownResult(ev)
		}
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if ev := fn(c.callCtx); ev != nil {
			c.post(ev)
		}
	}()
}

func (c *Controller) logTeardownResult(ev Event) {
	switch e := ev.(type) {
	case SaveCompleted:
		if e.Err != nil {
			c.log.Warn().Err(e.Err).Msg("Final save failed")
		}
	case SubmitCompleted:
		if e.Err != nil {
			c.log.Warn().Err(e.Err).Msg("Submit on teardown failed")
		}
	}
}

func (c *Controller) disarm(id TimerID) {
	c.gens[id]++
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) stopTickers() {
	for _, r := range c.tickers {
		r.Stop()
	}
	c.tickers = nil
}

// repeater re-arms a one-shot clock task after every firing.
type repeater struct {
	mu      sync.Mutex
	handle  Stopper
	stopped bool
}

func (c *Controller) repeat(every time.Duration, ev Event) *repeater {
	r := &repeater{}
	var fire func()
	fire = func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.handle = c.clock.AfterFunc(every, fire)
		r.mu.Unlock()
		c.post(ev)
	}
	r.mu.Lock()
	r.handle = c.clock.AfterFunc(every, fire)
	r.mu.Unlock()
	return r
}

func (r *repeater) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.handle != nil {
		r.handle.Stop()
	}
}
