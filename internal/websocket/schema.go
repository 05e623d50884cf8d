package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer                Action = "answer"
	ActionSelect                Action = "select"
	ActionVisibility            Action = "visibility"
	ActionFullscreen            Action = "fullscreen"
	ActionFullscreenUnsupported Action = "fullscreen_unsupported"
	ActionFullscreenRetry       Action = "fullscreen_retry"
	ActionBlur                  Action = "blur"
	ActionFocus                 Action = "focus"
	ActionCopy                  Action = "copy"
	ActionPaste                 Action = "paste"
	ActionCut                   Action = "cut"
	ActionOnline                Action = "online"
	ActionOffline               Action = "offline"
	ActionSetupComplete         Action = "setup_complete"
	ActionSubmitRequest         Action = "submit_request"
	ActionSubmitConfirm         Action = "submit_confirm"
	ActionSubmitCancel          Action = "submit_cancel"
	ActionLeaveRequest          Action = "leave_request"
	ActionLeaveConfirm          Action = "leave_confirm"
	ActionUnload                Action = "unload"
	ActionPing                  Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest records the current value of one question.
type AnswerRequest struct {
	Action     Action          `json:"action"`
	QuestionID string          `json:"question_id" validate:"required,uuid"`
	Answer     json.RawMessage `json:"answer" validate:"required"`
}

// SelectRequest moves to a question; the index one past the last question is
// the review screen.
type SelectRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" validate:"required,min=0"`
}

// VisibilityRequest mirrors document.visibilitychange.
type VisibilityRequest struct {
	Action Action `json:"action"`
	Hidden *bool  `json:"hidden" validate:"required"`
}

// FullscreenRequest mirrors fullscreenchange.
type FullscreenRequest struct {
	Action Action `json:"action"`
	Active *bool  `json:"active" validate:"required"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventNotice            Event = "notice"
	EventDismiss           Event = "dismiss"
	EventCountdown         Event = "countdown"
	EventNavigate          Event = "navigate"
	EventRequestFullscreen Event = "request_fullscreen"
	EventSnapshot          Event = "snapshot"
	EventError             Event = "error"
	EventPong              Event = "pong"
)

type NoticeResponse struct {
	Event  Event          `json:"event"`
	Notice session.Notice `json:"notice"`
}

type DismissResponse struct {
	Event Event              `json:"event"`
	Kind  session.NoticeKind `json:"kind"`
}

type CountdownResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}

type NavigateResponse struct {
	Event  Event             `json:"event"`
	Target session.NavTarget `json:"target"`
}

type RequestFullscreenResponse struct {
	Event Event `json:"event"`
}

type SnapshotResponse struct {
	Event    Event            `json:"event"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
