package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SubmissionStatus string

const (
	SubmissionStatusInProgress SubmissionStatus = "IN_PROGRESS"
	SubmissionStatusSubmitted  SubmissionStatus = "SUBMITTED"
)

// AnswerSet maps question id to the raw answer value (string, boolean or
// option id depending on the question type).
type AnswerSet map[uuid.UUID]json.RawMessage

// Clone returns an independent copy. Save payloads always carry a clone so an
// in-flight request never observes later edits.
func (a AnswerSet) Clone() AnswerSet {
	out := make(AnswerSet, len(a))
	for k, v := range a {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Submission is the backend record of one student's attempt.
type Submission struct {
	ID               uuid.UUID        `json:"id"`
	ExamID           uuid.UUID        `json:"exam_id"`
	Status           SubmissionStatus `json:"status"`
	StartedAt        time.Time        `json:"started_at"`
	RemainingSeconds *int             `json:"remaining_seconds,omitempty"`
	Answers          AnswerSet        `json:"answers,omitempty"`
}

// ProgressPayload is a full-state overwrite of an attempt's answers.
type ProgressPayload struct {
	SubmissionID     uuid.UUID `json:"submission_id"`
	ExamID           uuid.UUID `json:"exam_id"`
	Answers          AnswerSet `json:"answers"`
	RemainingSeconds *int      `json:"remaining_seconds,omitempty"`
	SavedAt          time.Time `json:"saved_at"`
}

type SubmitPayload struct {
	SubmissionID uuid.UUID    `json:"submission_id"`
	ExamID       uuid.UUID    `json:"exam_id"`
	Answers      AnswerSet    `json:"answers"`
	ReviewMethod ReviewMethod `json:"review_method,omitempty"`
}
