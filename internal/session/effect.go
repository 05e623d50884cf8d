package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Effect is an instruction produced by Machine.Apply. The Controller executes
// effects; the machine itself performs no I/O.
type Effect interface{ isEffect() }

type TimerID string

const (
	TimerDebounce     TimerID = "autosave_debounce"
	TimerForcedSubmit TimerID = "forced_submit"
)

type SavePurpose string

const (
	SaveInitial    SavePurpose = "initial"
	SaveDebounced  SavePurpose = "debounced"
	SavePeriodic   SavePurpose = "periodic"
	SaveNavigation SavePurpose = "navigation"
	SaveTabHidden  SavePurpose = "tab_hidden"
	SaveLeave      SavePurpose = "leave"
	SaveReconnect  SavePurpose = "reconnect"
	SavePreSubmit  SavePurpose = "pre_submit"
	SaveFinal      SavePurpose = "final"
)

type NavTarget string

const (
	NavResults NavTarget = "results"
	NavLobby   NavTarget = "lobby"
)

type (
	// SaveProgress persists a full-state snapshot through the normal request path.
	SaveProgress struct {
		Payload  model.ProgressPayload
		Revision uint64
		Purpose  SavePurpose
	}
	// SendBeacon hands a snapshot to the last-resort transport. Not awaited.
	SendBeacon struct{ Payload model.ProgressPayload }
	// StartSubmission lazily creates the attempt during submit.
	StartSubmission struct{ ExamID uuid.UUID }
	SubmitAttempt   struct{ Payload model.SubmitPayload }
	LogProctoring   struct{ Event model.ProctoringEvent }
	// LogJourney sends telemetry; Beacon routes it through the unload transport.
	LogJourney struct {
		Event  model.JourneyEvent
		Beacon bool
	}
	ArmTimer struct {
		Timer TimerID
		After time.Duration
	}
	DisarmTimer       struct{ Timer TimerID }
	StartTicking      struct{}
	StopTicking       struct{}
	RequestFullscreen struct{}
	Countdown         struct{ RemainingSeconds int }
	Notify            struct{ Notice Notice }
	Dismiss           struct{ Kind NoticeKind }
	NavigateTo        struct{ Target NavTarget }
)

func (SaveProgress) isEffect()      {}
func (SendBeacon) isEffect()        {}
func (StartSubmission) isEffect()   {}
func (SubmitAttempt) isEffect()     {}
func (LogProctoring) isEffect()     {}
func (LogJourney) isEffect()        {}
func (ArmTimer) isEffect()          {}
func (DisarmTimer) isEffect()       {}
func (StartTicking) isEffect()      {}
func (StopTicking) isEffect()       {}
func (RequestFullscreen) isEffect() {}
func (Countdown) isEffect()         {}
func (Notify) isEffect()            {}
func (Dismiss) isEffect()           {}
func (NavigateTo) isEffect()        {}
