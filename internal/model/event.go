package model

import (
	"time"

	"github.com/google/uuid"
)

type ProctoringEventType string

const (
	EventTabSwitch             ProctoringEventType = "tab_switch"
	EventWindowBlur            ProctoringEventType = "window_blur"
	EventWindowFocus           ProctoringEventType = "window_focus"
	EventFullscreenExit        ProctoringEventType = "fullscreen_exit"
	EventFullscreenUnsupported ProctoringEventType = "fullscreen_unsupported"
	EventCopyPaste             ProctoringEventType = "copy_paste"
	EventConnectivity          ProctoringEventType = "connectivity"
	EventAutoSubmit            ProctoringEventType = "auto_submit"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ProctoringEvent is an append-only audit record. Delivery is best-effort.
type ProctoringEvent struct {
	ID           uuid.UUID              `json:"id"`
	ExamID       uuid.UUID              `json:"exam_id"`
	SubmissionID uuid.UUID              `json:"submission_id"`
	Type         ProctoringEventType    `json:"event_type"`
	Severity     Severity               `json:"severity"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

type JourneyEventType string

const (
	JourneySessionStarted    JourneyEventType = "session_started"
	JourneySessionResumed    JourneyEventType = "session_resumed"
	JourneyNavigation        JourneyEventType = "question_navigation"
	JourneySubmitConfirmOpen JourneyEventType = "submit_confirm_opened"
	JourneySubmitted         JourneyEventType = "submitted"
	JourneyLeave             JourneyEventType = "leave_confirmed"
	JourneyPageUnload        JourneyEventType = "page_unload"
)

// JourneyEvent is navigation/UX telemetry; same shape as ProctoringEvent.
type JourneyEvent struct {
	ID           uuid.UUID              `json:"id"`
	ExamID       uuid.UUID              `json:"exam_id"`
	SubmissionID uuid.UUID              `json:"submission_id"`
	Type         JourneyEventType       `json:"event_type"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}
