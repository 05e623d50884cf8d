package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const defaultUnavailableReason = "This exam is not available."

// Initialize loads the exam and the attempt and starts the session. Only the
// first call proceeds; the guard is taken before any network call.
//
// An exam outside its availability window ends in the Unavailable state
// without creating a submission. A new attempt is started, the exam is
// re-fetched to pick up per-attempt ordering, and an empty save makes the
// attempt durable before the student interacts with it.
func (c *Controller) Initialize(ctx context.Context, examID uuid.UUID, preview bool) error {
	if !c.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	ev, err := c.bootstrap(ctx, examID, preview)
	if err != nil {
		return err
	}
	if !c.post(ev) {
		return ErrSessionClosed
	}
	return nil
}

func (c *Controller) bootstrap(ctx context.Context, examID uuid.UUID, preview bool) (Event, error) {
	exam, err := c.fetchExam(ctx, examID)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			return Unavailable{Reason: unavailableReason(err)}, nil
		}
		return nil, err
	}

	if preview {
		c.log.Info().Str("exam_id", examID.String()).Msg("Starting preview session")
		return Ready{Exam: exam, Preview: true}, nil
	}

	if ok, reason := exam.AvailabilityAt(c.clock.Now()); !ok {
		return Unavailable{Reason: reason}, nil
	}

	sub, err := c.backend.CurrentSubmission(ctx, examID)
	switch {
	case err == nil:
		if sub.Status == model.SubmissionStatusSubmitted {
			return AlreadySubmitted{}, nil
		}
		return Ready{Exam: exam, Submission: sub, Resumed: true}, nil
	case !errors.Is(err, backend.ErrNotFound):
		return nil, fmt.Errorf("fetch current submission: %w", err)
	}

	sub, err = c.backend.StartSubmission(ctx, examID)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			return Unavailable{Reason: unavailableReason(err)}, nil
		}
		if errors.Is(err, backend.ErrAlreadySubmitted) {
			return AlreadySubmitted{}, nil
		}
		return nil, fmt.Errorf("start submission: %w", err)
	}

	// The server may randomize question and option order per attempt.
	if refreshed, err := c.fetchExam(ctx, examID); err != nil {
		c.log.Warn().Err(err).Msg("Re-fetching exam after start failed, keeping original order")
	} else {
		exam = refreshed
	}

	unsaved := false
	savedAt := c.clock.Now()
	err = c.backend.SaveProgress(ctx, model.ProgressPayload{
		SubmissionID:     sub.ID,
		ExamID:           exam.ID,
		Answers:          model.AnswerSet{},
		RemainingSeconds: sub.RemainingSeconds,
		SavedAt:          savedAt,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("submission_id", sub.ID.String()).Msg("Initial save failed, autosave will retry")
		unsaved = true
	}
	return Ready{Exam: exam, Submission: sub, Unsaved: unsaved, SavedAt: savedAt}, nil
}

func (c *Controller) fetchExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := c.backend.FetchExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("fetch exam: %w", err)
	}
	if err := validator.Struct(exam); err != nil {
		return nil, fmt.Errorf("invalid exam definition: %s", validator.Describe(err))
	}
	return exam, nil
}

func unavailableReason(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return defaultUnavailableReason
}
