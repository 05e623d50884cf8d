package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Event is an input to Machine.Apply: user input, browser signal, timer
// expiry or the completion of a backend call.
type Event interface{ isEvent() }

// Lifecycle.
type (
	// Ready starts an Active session. Submission is nil in preview mode.
	Ready struct {
		Exam       *model.ExamDefinition
		Submission *model.Submission
		Preview    bool
		Resumed    bool
		// Unsaved marks the initial empty save as failed; autosave retries it.
		Unsaved bool
		// SavedAt is when the initial empty save was attempted. It opens the
		// autosave rate window.
		SavedAt time.Time
	}
	// Unavailable ends the session before it starts.
	Unavailable struct{ Reason string }
	// AlreadySubmitted: the attempt was finished in an earlier session.
	AlreadySubmitted struct{}
	// Teardown: the host is going away (connection closed, process stopping).
	Teardown struct{}
)

// View layer input.
type (
	AnswerRecorded struct {
		QuestionID uuid.UUID
		Value      json.RawMessage
	}
	QuestionSelected struct{ Index int }
	SubmitRequested  struct{}
	SubmitConfirmed  struct{}
	SubmitCancelled  struct{}
	LeaveRequested   struct{}
	LeaveConfirmed   struct{}
	// ProctoringSetupCompleted: consent/camera checks are done.
	ProctoringSetupCompleted struct{}
	// FullscreenRetry is the modal's re-enter button (a user gesture).
	FullscreenRetry struct{}
)

// Browser signals.
type (
	VisibilityChanged     struct{ Hidden bool }
	FullscreenChanged     struct{ Active bool }
	FullscreenUnsupported struct{}
	WindowBlurred         struct{}
	WindowFocused         struct{}
	ClipboardUsed         struct{ Action string }
	ConnectivityChanged   struct{ Online bool }
	PageUnloading         struct{}
)

// Scheduled tasks.
type (
	// Tick drives the countdown.
	Tick struct{}
	// AutosaveTick is the periodic autosave and wall-clock guard.
	AutosaveTick struct{}
	// TimerFired is the expiry of a one-shot timer armed with ArmTimer.
	TimerFired struct {
		Timer TimerID
		gen   uint64
	}
)

// Backend completions.
type (
	SaveCompleted struct {
		Revision uint64
		Purpose  SavePurpose
		Err      error
	}
	SubmissionStarted struct {
		Submission *model.Submission
		Err        error
	}
	SubmitCompleted struct{ Err error }
)

func (Ready) isEvent()                    {}
func (Unavailable) isEvent()              {}
func (AlreadySubmitted) isEvent()         {}
func (Teardown) isEvent()                 {}
func (AnswerRecorded) isEvent()           {}
func (QuestionSelected) isEvent()         {}
func (SubmitRequested) isEvent()          {}
func (SubmitConfirmed) isEvent()          {}
func (SubmitCancelled) isEvent()          {}
func (LeaveRequested) isEvent()           {}
func (LeaveConfirmed) isEvent()           {}
func (ProctoringSetupCompleted) isEvent() {}
func (FullscreenRetry) isEvent()          {}
func (VisibilityChanged) isEvent()        {}
func (FullscreenChanged) isEvent()        {}
func (FullscreenUnsupported) isEvent()    {}
func (WindowBlurred) isEvent()            {}
func (WindowFocused) isEvent()            {}
func (ClipboardUsed) isEvent()            {}
func (ConnectivityChanged) isEvent()      {}
func (PageUnloading) isEvent()            {}
func (Tick) isEvent()                     {}
func (AutosaveTick) isEvent()             {}
func (TimerFired) isEvent()               {}
func (SaveCompleted) isEvent()            {}
func (SubmissionStarted) isEvent()        {}
func (SubmitCompleted) isEvent()          {}
