package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimingMode decides how the attempt's deadline is derived.
type TimingMode string

const (
	// TimingFixedWindow: every student shares the same absolute end instant.
	TimingFixedWindow TimingMode = "FIXED_WINDOW"
	// TimingFlexibleStart: each student gets a personal duration from their start.
	TimingFlexibleStart TimingMode = "FLEXIBLE_START"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
	QuestionTypeEssay          QuestionType = "ESSAY"
	QuestionTypeTrueFalse      QuestionType = "TRUE_FALSE"
)

type ReviewMethod string

const (
	ReviewMethodAuto   ReviewMethod = "AUTO"
	ReviewMethodManual ReviewMethod = "MANUAL"
)

type ProctoringMode string

const (
	ProctoringModeBasic  ProctoringMode = "BASIC"
	ProctoringModeWebcam ProctoringMode = "WEBCAM"
)

// ProctoringConfig is the per-exam anti-cheating policy.
type ProctoringConfig struct {
	Enabled bool           `json:"enabled"`
	Mode    ProctoringMode `json:"mode" validate:"omitempty,oneof=BASIC WEBCAM"`
	// MaxTabSwitches <= 0 means switches are logged but never force submission,
	// unless BlockTabSwitch is set.
	MaxTabSwitches int  `json:"max_tab_switches" validate:"min=0"`
	BlockTabSwitch bool `json:"block_tab_switch"`
	BlockCopyPaste bool `json:"block_copy_paste"`
}

// Option is a selectable choice of a MULTIPLE_CHOICE question.
type Option struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text"`
}

// Question is immutable for the life of a session.
type Question struct {
	ID      uuid.UUID    `json:"id" validate:"required"`
	Text    string       `json:"question_text" validate:"required"`
	Type    QuestionType `json:"question_type" validate:"required,oneof=MULTIPLE_CHOICE SHORT_ANSWER ESSAY TRUE_FALSE"`
	Points  float64      `json:"points" validate:"min=0"`
	Options []Option     `json:"options" validate:"required_if=Type MULTIPLE_CHOICE,dive"`
}

// ExamDefinition is loaded once at session entry. A re-fetch after the
// attempt is started may replace it wholesale (server-side randomized order).
type ExamDefinition struct {
	ID               uuid.UUID        `json:"id" validate:"required"`
	Title            string           `json:"title" validate:"required"`
	Questions        []Question       `json:"questions" validate:"required,min=1,dive"`
	TimeLimitSeconds *int             `json:"time_limit_seconds,omitempty" validate:"omitempty,min=1"`
	TimingMode       TimingMode       `json:"timing_mode" validate:"required,oneof=FIXED_WINDOW FLEXIBLE_START"`
	StartAt          *time.Time       `json:"start_at,omitempty"`
	EndAt            *time.Time       `json:"end_at,omitempty" validate:"required_if=TimingMode FIXED_WINDOW"`
	Proctoring       ProctoringConfig `json:"proctoring"`
	ReviewMethod     ReviewMethod     `json:"review_method" validate:"omitempty,oneof=AUTO MANUAL"`

	// Availability as judged by the backend (attempt limits, publication).
	Available         bool   `json:"available"`
	UnavailableReason string `json:"unavailable_reason,omitempty"`
}

// Question errors.
var (
	ErrUnknownQuestion = errors.New("unknown question")
	ErrInvalidAnswer   = errors.New("invalid answer for question type")
)

// QuestionByID returns the question and its position, or ErrUnknownQuestion.
func (e *ExamDefinition) QuestionByID(id uuid.UUID) (*Question, int, error) {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i], i, nil
		}
	}
	return nil, -1, ErrUnknownQuestion
}

// ReviewIndex is the navigation index of the review screen that follows the
// last question.
func (e *ExamDefinition) ReviewIndex() int {
	return len(e.Questions)
}

// AvailabilityAt combines the backend's availability flag with the exam's
// absolute window. The returned reason is meant for students.
func (e *ExamDefinition) AvailabilityAt(now time.Time) (bool, string) {
	if !e.Available {
		reason := e.UnavailableReason
		if reason == "" {
			reason = "This exam is not available."
		}
		return false, reason
	}
	if e.StartAt != nil && now.Before(*e.StartAt) {
		return false, fmt.Sprintf("This exam opens at %s.", e.StartAt.Format(time.RFC1123))
	}
	if e.EndAt != nil && !now.Before(*e.EndAt) {
		return false, "This exam has closed."
	}
	return true, ""
}

// ValidateAnswer checks that raw is the JSON shape the question type expects:
// option id for MULTIPLE_CHOICE, boolean for TRUE_FALSE, string otherwise.
// JSON null is never an answer.
func (q *Question) ValidateAnswer(raw json.RawMessage) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("%w: answer is null", ErrInvalidAnswer)
	}
	switch q.Type {
	case QuestionTypeTrueFalse:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("%w: expected boolean", ErrInvalidAnswer)
		}
	case QuestionTypeMultipleChoice:
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("%w: expected option id", ErrInvalidAnswer)
		}
		for _, o := range q.Options {
			if o.ID == id {
				return nil
			}
		}
		return fmt.Errorf("%w: option %q does not exist", ErrInvalidAnswer, id)
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: expected text", ErrInvalidAnswer)
		}
	}
	return nil
}
