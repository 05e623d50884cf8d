package outbox

import (
	"encoding/json"
	"time"
)

// Kind tells the beacon worker what an envelope carries.
type Kind string

const (
	KindProctoring Kind = "proctoring"
	KindJourney    Kind = "journey"
	KindProgress   Kind = "progress"
)

// MaxAttempts bounds how often a failed item is requeued before it is dropped.
const MaxAttempts = 3

// envelope is the JSON pushed onto every outbox queue.
type envelope struct {
	Kind      Kind            `json:"kind"`
	StudentID int             `json:"student_id"`
	Attempts  int             `json:"attempts"`
	QueuedAt  time.Time       `json:"queued_at"`
	Data      json.RawMessage `json:"data"`
}
