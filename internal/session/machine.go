package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type State int

const (
	StateLoading State = iota
	StateUnavailable
	StateActive
	StateSubmitting
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnavailable:
		return "unavailable"
	case StateActive:
		return "active"
	case StateSubmitting:
		return "submitting"
	case StateSubmitted:
		return "submitted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is the read-only view of a session handed to the view layer.
type Snapshot struct {
	State            State `json:"state"`
	Preview          bool  `json:"preview"`
	CurrentIndex     int   `json:"current_index"`
	QuestionCount    int   `json:"question_count"`
	RemainingSeconds *int  `json:"remaining_seconds,omitempty"`
	Dirty            bool  `json:"dirty"`
	Answered         int   `json:"answered"`
	TabSwitches      int   `json:"tab_switches"`
	FullscreenActive bool  `json:"fullscreen_active"`
	SetupComplete    bool  `json:"setup_complete"`
	Online           bool  `json:"online"`
}

// Machine is the session reducer. Apply consumes one event and returns the
// effects to perform; it never blocks and performs no I/O. Machine is not safe
// for concurrent use; the Controller serialises access.
type Machine struct {
	cfg config.SessionTimings
	log zerolog.Logger

	state         State
	preview       bool
	exam          *model.ExamDefinition
	submissionID  uuid.UUID
	current       int
	online        bool
	setupComplete bool
	closed        bool

	answers    *answerStore
	timer      countdown
	autosave   autosaveScheduler
	window     *transitionWindow
	monitor    visibilityMonitor
	fullscreen fullscreenGuard
	nav        navThrottle
	coord      submissionCoordinator
}

func NewMachine(cfg config.SessionTimings, log zerolog.Logger) *Machine {
	w := &transitionWindow{length: cfg.FullscreenTransition}
	return &Machine{
		cfg:        cfg,
		log:        log.With().Str("component", "session").Logger(),
		state:      StateLoading,
		online:     true,
		answers:    newAnswerStore(nil),
		autosave:   autosaveScheduler{minInterval: cfg.AutosaveMinInterval},
		window:     w,
		monitor:    visibilityMonitor{window: w, debounce: cfg.TabSwitchDebounce},
		fullscreen: fullscreenGuard{window: w, supported: true},
		nav:        navThrottle{window: cfg.NavThrottle},
	}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Apply(now time.Time, ev Event) []Effect {
	if m.closed {
		return nil
	}
	switch e := ev.(type) {
	case Ready:
		return m.onReady(now, e)
	case Unavailable:
		return m.onUnavailable(e)
	case AlreadySubmitted:
		if m.state != StateLoading {
			return nil
		}
		m.state = StateSubmitted
		return []Effect{NavigateTo{Target: NavResults}}
	case Teardown:
		return m.onTeardown(now)

	case AnswerRecorded:
		return m.onAnswer(now, e)
	case QuestionSelected:
		return m.onSelect(now, e)
	case SubmitRequested:
		return m.onSubmitRequested(now)
	case SubmitConfirmed:
		if !m.coord.confirmOpen {
			return nil
		}
		return m.submit(now, triggerManual)
	case SubmitCancelled:
		if m.state != StateActive || !m.coord.confirmOpen {
			return nil
		}
		m.coord.confirmOpen = false
		return []Effect{Dismiss{Kind: NoticeSubmitConfirm}, Dismiss{Kind: NoticeSubmitError}}
	case LeaveRequested:
		if m.state != StateActive {
			return nil
		}
		return []Effect{Notify{Notice: Notice{
			Kind:        NoticeLeaveConfirm,
			Title:       "Leave exam?",
			Message:     "Your answers will be saved and the timer keeps running while you are away.",
			Blocking:    true,
			Dismissable: true,
			Action:      ActionConfirmLeave,
		}}}
	case LeaveConfirmed:
		return m.onLeave(now)
	case ProctoringSetupCompleted:
		if m.state != StateActive || m.setupComplete {
			return nil
		}
		m.setupComplete = true
		return m.requestFullscreen(now)
	case FullscreenRetry:
		if m.state != StateActive || !m.proctoringActive() {
			return nil
		}
		return m.requestFullscreen(now)

	case VisibilityChanged:
		if e.Hidden {
			return m.onHidden(now)
		}
		return m.onVisible(now)
	case FullscreenChanged:
		return m.onFullscreenChanged(now, e)
	case FullscreenUnsupported:
		return m.onFullscreenUnsupported(now)
	case WindowBlurred:
		if m.state != StateActive || !m.proctoringActive() {
			return nil
		}
		return m.proctoring(now, model.EventWindowBlur, model.SeverityInfo, nil)
	case WindowFocused:
		if m.state != StateActive || !m.proctoringActive() {
			return nil
		}
		return m.proctoring(now, model.EventWindowFocus, model.SeverityInfo, nil)
	case ClipboardUsed:
		return m.onClipboard(now, e)
	case ConnectivityChanged:
		return m.onConnectivity(now, e)
	case PageUnloading:
		return m.onUnload(now)

	case Tick:
		return m.onTick(now)
	case AutosaveTick:
		return m.onAutosaveTick(now)
	case TimerFired:
		return m.onTimer(now, e)

	case SaveCompleted:
		return m.onSaveCompleted(now, e)
	case SubmissionStarted:
		return m.onSubmissionStarted(now, e)
	case SubmitCompleted:
		return m.onSubmitCompleted(now, e)
	}
	m.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Unhandled session event")
	return nil
}

func (m *Machine) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		State:            m.state,
		Preview:          m.preview,
		CurrentIndex:     m.current,
		Dirty:            m.answers.Dirty(),
		Answered:         m.answers.Answered(),
		TabSwitches:      m.monitor.tabSwitches,
		FullscreenActive: m.fullscreen.active,
		SetupComplete:    m.setupComplete,
		Online:           m.online,
	}
	if m.exam != nil {
		s.QuestionCount = len(m.exam.Questions)
		s.RemainingSeconds = m.timer.RemainingSeconds(now)
	}
	return s
}

func (m *Machine) onReady(now time.Time, e Ready) []Effect {
	if m.state != StateLoading || e.Exam == nil {
		return nil
	}
	m.state = StateActive
	m.exam = e.Exam
	m.preview = e.Preview
	m.setupComplete = !e.Exam.Proctoring.Enabled

	var remaining *int
	if e.Submission != nil {
		m.submissionID = e.Submission.ID
		m.answers = newAnswerStore(e.Submission.Answers)
		remaining = e.Submission.RemainingSeconds
	}
	if e.Unsaved {
		m.answers.MarkDirty()
	}
	if !e.SavedAt.IsZero() {
		m.autosave.Record(e.SavedAt)
	}
	m.timer = newCountdown(e.Exam, remaining, now)

	fx := []Effect{StartTicking{}}
	if secs := m.timer.RemainingSeconds(now); secs != nil {
		fx = append(fx, Countdown{RemainingSeconds: *secs})
	}
	kind := model.JourneySessionStarted
	if e.Resumed {
		kind = model.JourneySessionResumed
	}
	fx = append(fx, m.journey(now, kind, map[string]interface{}{
		"timing_mode": string(e.Exam.TimingMode),
		"answered":    m.answers.Answered(),
	}, false)...)

	m.log.Info().Str("submission_id", m.submissionID.String()).Bool("resumed", e.Resumed).
		Bool("timed", m.timer.timed).Msg("Session active")
	return fx
}

func (m *Machine) onUnavailable(e Unavailable) []Effect {
	if m.state != StateLoading {
		return nil
	}
	m.state = StateUnavailable
	m.log.Info().Str("reason", e.Reason).Msg("Exam unavailable")
	return []Effect{
		Notify{Notice: Notice{Kind: NoticeUnavailable, Title: "Exam unavailable", Message: e.Reason, Blocking: true}},
		NavigateTo{Target: NavLobby},
	}
}

func (m *Machine) onAnswer(now time.Time, e AnswerRecorded) []Effect {
	if m.state != StateActive {
		return nil
	}
	if _, _, err := m.exam.QuestionByID(e.QuestionID); err != nil {
		m.log.Warn().Str("question_id", e.QuestionID.String()).Msg("Answer for unknown question dropped")
		return nil
	}
	m.answers.Set(e.QuestionID, e.Value)
	return []Effect{ArmTimer{Timer: TimerDebounce, After: m.cfg.AutosaveDebounce}}
}

func (m *Machine) onSelect(now time.Time, e QuestionSelected) []Effect {
	if m.state != StateActive || e.Index < 0 || e.Index > m.exam.ReviewIndex() || e.Index == m.current {
		return nil
	}
	from := m.current
	m.current = e.Index

	fx := m.save(now, SaveNavigation)
	if m.nav.Allow(from, e.Index, now) {
		fx = append(fx, m.journey(now, model.JourneyNavigation, map[string]interface{}{
			"from":      from,
			"to":        e.Index,
			"direction": navDirection(from, e.Index, m.exam.ReviewIndex()),
		}, false)...)
	}
	return fx
}

func (m *Machine) onSubmitRequested(now time.Time) []Effect {
	if m.state != StateActive {
		return nil
	}
	m.coord.confirmOpen = true
	fx := []Effect{Notify{Notice: submitConfirmNotice(m.answers.Answered(), len(m.exam.Questions))}}
	return append(fx, m.journey(now, model.JourneySubmitConfirmOpen, map[string]interface{}{
		"answered": m.answers.Answered(),
	}, false)...)
}

func (m *Machine) onLeave(now time.Time) []Effect {
	if m.state != StateActive {
		return nil
	}
	fx := m.save(now, SaveLeave)
	fx = append(fx, m.journey(now, model.JourneyLeave, nil, false)...)
	return append(fx, NavigateTo{Target: NavLobby})
}

func (m *Machine) requestFullscreen(now time.Time) []Effect {
	if !m.exam.Proctoring.Enabled || !m.fullscreen.supported {
		return nil
	}
	return []Effect{m.fullscreen.Request(now)}
}

// proctoringActive: monitoring counts only once setup is done.
func (m *Machine) proctoringActive() bool {
	return m.exam != nil && m.exam.Proctoring.Enabled && m.setupComplete
}

func (m *Machine) onHidden(now time.Time) []Effect {
	if m.state != StateActive {
		return nil
	}
	var fx []Effect
	if m.proctoringActive() {
		switch m.monitor.OnHidden(now, m.fullscreen.active) {
		case hideCounted:
			m.log.Info().Int("tab_switches", m.monitor.tabSwitches).Msg("Tab switch detected")
			fx = append(fx, m.proctoring(now, model.EventTabSwitch, model.SeverityWarning, map[string]interface{}{
				"count": m.monitor.tabSwitches,
				"max":   m.exam.Proctoring.MaxTabSwitches,
			})...)
		case hideDuringTransition, hideWhileFullscreen:
			m.log.Debug().Msg("Visibility change ignored during fullscreen transition")
		}
	}
	return append(fx, m.save(now, SaveTabHidden)...)
}

func (m *Machine) onVisible(now time.Time) []Effect {
	if m.state != StateActive || !m.proctoringActive() {
		return nil
	}
	p := m.exam.Proctoring
	d := m.monitor.OnVisible(now, m.fullscreen.active, p)
	switch d.verdict {
	case returnWarn:
		return []Effect{Notify{Notice: tabWarningNotice(m.monitor.tabSwitches, d.remaining)}}
	case returnForce:
		grace := m.cfg.GraceExceeded
		if d.blocked {
			grace = m.cfg.GraceBlocked
		}
		m.log.Warn().Int("tab_switches", m.monitor.tabSwitches).Dur("grace", grace).Msg("Tab switch limit reached, forcing submit")
		return []Effect{
			Notify{Notice: tabViolationNotice(d.blocked, p.MaxTabSwitches, int(grace/time.Second))},
			ArmTimer{Timer: TimerForcedSubmit, After: grace},
		}
	}
	return nil
}

func (m *Machine) onFullscreenChanged(now time.Time, e FullscreenChanged) []Effect {
	exited := m.fullscreen.Observe(now, e.Active)
	if m.state != StateActive {
		return nil
	}
	if e.Active && m.fullscreen.modalOpen {
		m.fullscreen.modalOpen = false
		return []Effect{Dismiss{Kind: NoticeFullscreenRequired}}
	}
	if !exited || !m.proctoringActive() {
		return nil
	}
	m.fullscreen.modalOpen = true
	fx := []Effect{Notify{Notice: fullscreenRequiredNotice()}}
	return append(fx, m.proctoring(now, model.EventFullscreenExit, model.SeverityWarning, nil)...)
}

func (m *Machine) onFullscreenUnsupported(now time.Time) []Effect {
	if !m.fullscreen.supported {
		return nil
	}
	m.fullscreen.supported = false
	fx := []Effect{Notify{Notice: Notice{
		Kind:        NoticeFullscreenUnsupported,
		Title:       "Fullscreen unavailable",
		Message:     "Your browser does not support fullscreen mode. You can continue the exam.",
		Dismissable: true,
	}}}
	return append(fx, m.proctoring(now, model.EventFullscreenUnsupported, model.SeverityInfo, nil)...)
}

func (m *Machine) onClipboard(now time.Time, e ClipboardUsed) []Effect {
	if m.state != StateActive || !m.proctoringActive() {
		return nil
	}
	blocked := m.exam.Proctoring.BlockCopyPaste
	fx := m.proctoring(now, model.EventCopyPaste, model.SeverityWarning, map[string]interface{}{
		"action":  e.Action,
		"blocked": blocked,
	})
	if blocked {
		fx = append(fx, Notify{Notice: Notice{
			Kind:        NoticeClipboardBlocked,
			Title:       "Not allowed",
			Message:     "Copy and paste are disabled during this exam.",
			Dismissable: true,
		}})
	}
	return fx
}

func (m *Machine) onConnectivity(now time.Time, e ConnectivityChanged) []Effect {
	if (m.state != StateActive && m.state != StateSubmitting) || m.online == e.Online {
		return nil
	}
	m.online = e.Online
	fx := m.proctoring(now, model.EventConnectivity, model.SeverityInfo, map[string]interface{}{
		"online": e.Online,
	})
	if !e.Online {
		return append(fx, Notify{Notice: Notice{
			Kind:    NoticeOffline,
			Title:   "You are offline",
			Message: "Your answers are kept and will be saved when the connection returns.",
		}})
	}
	fx = append(fx, Dismiss{Kind: NoticeOffline})
	if m.state == StateActive {
		fx = append(fx, m.save(now, SaveReconnect)...)
	}
	return fx
}

func (m *Machine) onUnload(now time.Time) []Effect {
	if m.state != StateActive && m.state != StateSubmitting {
		return nil
	}
	fx := m.journey(now, model.JourneyPageUnload, nil, true)
	if m.preview || m.submissionID == uuid.Nil || !m.answers.Dirty() {
		return fx
	}
	payload, _ := m.progressPayload(now)
	return append(fx, SendBeacon{Payload: payload})
}

func (m *Machine) onTick(now time.Time) []Effect {
	if m.state != StateActive && m.state != StateSubmitting {
		return nil
	}
	secs := m.timer.RemainingSeconds(now)
	if secs == nil {
		return nil
	}
	fx := []Effect{Countdown{RemainingSeconds: *secs}}
	timeUp, warnings := m.timer.Tick(now)
	for _, w := range warnings {
		fx = append(fx, Notify{Notice: Notice{
			Kind:        NoticeTimeWarning,
			Title:       "Time is running out",
			Message:     fmt.Sprintf("%d minute(s) remaining.", int(w/time.Minute)),
			Dismissable: true,
		}})
	}
	if timeUp {
		m.log.Info().Msg("Time is up")
		fx = append(fx, Notify{Notice: Notice{
			Kind:     NoticeTimeUp,
			Title:    "Time is up",
			Message:  "Your exam is being submitted.",
			Blocking: true,
		}})
		fx = append(fx, m.submit(now, triggerTimeUp)...)
	}
	return fx
}

// onAutosaveTick runs the wall-clock guard before the periodic save. The guard
// also retries a submit whose time-up attempt failed.
func (m *Machine) onAutosaveTick(now time.Time) []Effect {
	if m.state != StateActive {
		return nil
	}
	if m.timer.PastWindow(now) || m.timer.Expired(now) {
		m.log.Info().Msg("Exam deadline passed, forcing submit")
		return m.submit(now, triggerDeadline)
	}
	return m.save(now, SavePeriodic)
}

func (m *Machine) onTimer(now time.Time, e TimerFired) []Effect {
	switch e.Timer {
	case TimerDebounce:
		if m.state != StateActive {
			return nil
		}
		return m.save(now, SaveDebounced)
	case TimerForcedSubmit:
		if m.state != StateActive {
			return nil
		}
		fx := m.proctoring(now, model.EventAutoSubmit, model.SeverityCritical, map[string]interface{}{
			"reason":       "tab_switch_limit",
			"tab_switches": m.monitor.tabSwitches,
		})
		return append(fx, m.submit(now, triggerTabViolation)...)
	}
	return nil
}

func (m *Machine) onSaveCompleted(now time.Time, e SaveCompleted) []Effect {
	if e.Err != nil {
		m.log.Warn().Err(e.Err).Str("purpose", string(e.Purpose)).Msg("Autosave failed")
	} else {
		m.answers.MarkSaved(e.Revision)
		m.log.Debug().Str("purpose", string(e.Purpose)).Uint64("revision", e.Revision).Msg("Progress saved")
	}
	if e.Purpose == SavePreSubmit && m.state == StateSubmitting {
		return []Effect{m.submitAttempt()}
	}
	return nil
}

// onTeardown cancels scheduled work and makes one last attempt to persist. A
// session torn down during the forced-submit grace period is submitted.
func (m *Machine) onTeardown(now time.Time) []Effect {
	m.closed = true
	fx := []Effect{StopTicking{}, DisarmTimer{Timer: TimerDebounce}, DisarmTimer{Timer: TimerForcedSubmit}}
	if m.state != StateActive || m.preview || m.submissionID == uuid.Nil {
		return fx
	}
	if m.monitor.forcedPending {
		m.state = StateSubmitting
		m.coord.inFlight = true
		m.coord.trigger = triggerTabViolation
		return append(fx, m.submitAttempt())
	}
	if !m.answers.Dirty() {
		return fx
	}
	payload, rev := m.progressPayload(now)
	if m.autosave.Allow(now) {
		m.autosave.Record(now)
		return append(fx, SaveProgress{Payload: payload, Revision: rev, Purpose: SaveFinal})
	}
	return append(fx, SendBeacon{Payload: payload})
}

// save issues a full-state save if the store is dirty and the rate window
// allows it. Dropped requests are not queued.
func (m *Machine) save(now time.Time, purpose SavePurpose) []Effect {
	if m.preview || m.submissionID == uuid.Nil || !m.answers.Dirty() {
		return nil
	}
	if !m.autosave.Allow(now) {
		m.log.Debug().Str("purpose", string(purpose)).Msg("Save dropped inside rate window")
		return nil
	}
	m.autosave.Record(now)
	payload, rev := m.progressPayload(now)
	return []Effect{DisarmTimer{Timer: TimerDebounce}, SaveProgress{Payload: payload, Revision: rev, Purpose: purpose}}
}

func (m *Machine) progressPayload(now time.Time) (model.ProgressPayload, uint64) {
	answers, rev := m.answers.Snapshot()
	return model.ProgressPayload{
		SubmissionID:     m.submissionID,
		ExamID:           m.exam.ID,
		Answers:          answers,
		RemainingSeconds: m.timer.RemainingSeconds(now),
		SavedAt:          now,
	}, rev
}

func (m *Machine) proctoring(now time.Time, typ model.ProctoringEventType, sev model.Severity, meta map[string]interface{}) []Effect {
	if m.preview {
		return nil
	}
	return []Effect{LogProctoring{Event: model.ProctoringEvent{
		ID:           uuid.New(),
		ExamID:       m.exam.ID,
		SubmissionID: m.submissionID,
		Type:         typ,
		Severity:     sev,
		Metadata:     meta,
		OccurredAt:   now,
	}}}
}

func (m *Machine) journey(now time.Time, typ model.JourneyEventType, meta map[string]interface{}, beacon bool) []Effect {
	if m.preview {
		return nil
	}
	return []Effect{LogJourney{Beacon: beacon, Event: model.JourneyEvent{
		ID:           uuid.New(),
		ExamID:       m.exam.ID,
		SubmissionID: m.submissionID,
		Type:         typ,
		Metadata:     meta,
		OccurredAt:   now,
	}}}
}
