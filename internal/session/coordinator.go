package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var errSubmissionMissing = errors.New("submission still missing after lazy start")

type submitTrigger string

const (
	triggerManual       submitTrigger = "manual"
	triggerTimeUp       submitTrigger = "time_up"
	triggerDeadline     submitTrigger = "deadline"
	triggerTabViolation submitTrigger = "tab_violation"
	triggerLazyRetry    submitTrigger = "lazy_retry"
)

// submissionCoordinator is the single authority over the terminal submit.
// inFlight is set inside Apply before any effect leaves the machine and is
// only cleared by failSubmit.
type submissionCoordinator struct {
	inFlight    bool
	lazyTried   bool
	trigger     submitTrigger
	revision    uint64
	confirmOpen bool
}

func (m *Machine) submit(now time.Time, trigger submitTrigger) []Effect {
	if m.state != StateActive || m.coord.inFlight {
		m.log.Debug().Str("trigger", string(trigger)).Str("state", m.state.String()).Msg("Submit rejected")
		return nil
	}
	m.coord.inFlight = true
	m.coord.trigger = trigger
	m.state = StateSubmitting
	m.log.Info().Str("trigger", string(trigger)).Msg("Submitting attempt")

	if m.preview {
		return m.finishSubmit(now)
	}
	return m.proceedSubmit(now)
}

func (m *Machine) proceedSubmit(now time.Time) []Effect {
	if m.submissionID == uuid.Nil {
		if m.coord.lazyTried {
			return m.failSubmit(now, errSubmissionMissing)
		}
		m.coord.lazyTried = true
		return []Effect{StartSubmission{ExamID: m.exam.ID}}
	}
	if m.answers.Dirty() && m.autosave.Allow(now) {
		m.autosave.Record(now)
		payload, rev := m.progressPayload(now)
		return []Effect{DisarmTimer{Timer: TimerDebounce}, SaveProgress{Payload: payload, Revision: rev, Purpose: SavePreSubmit}}
	}
	return []Effect{m.submitAttempt()}
}

// submitAttempt carries the full AnswerSet, so a skipped pre-submit save
// loses nothing.
func (m *Machine) submitAttempt() Effect {
	answers, rev := m.answers.Snapshot()
	m.coord.revision = rev
	return SubmitAttempt{Payload: model.SubmitPayload{
		SubmissionID: m.submissionID,
		ExamID:       m.exam.ID,
		Answers:      answers,
		ReviewMethod: m.exam.ReviewMethod,
	}}
}

func (m *Machine) onSubmissionStarted(now time.Time, e SubmissionStarted) []Effect {
	if m.state != StateSubmitting {
		return nil
	}
	if e.Err != nil {
		return m.failSubmit(now, e.Err)
	}
	if e.Submission == nil || e.Submission.ID == uuid.Nil {
		return m.failSubmit(now, errSubmissionMissing)
	}
	m.submissionID = e.Submission.ID
	m.answers.MarkDirty()
	m.log.Info().Str("submission_id", m.submissionID.String()).Str("trigger", string(triggerLazyRetry)).
		Msg("Submission created during submit, retrying")
	return m.proceedSubmit(now)
}

func (m *Machine) onSubmitCompleted(now time.Time, e SubmitCompleted) []Effect {
	if m.state != StateSubmitting {
		return nil
	}
	if e.Err == nil || errors.Is(e.Err, backend.ErrAlreadySubmitted) {
		if e.Err != nil {
			m.log.Info().Msg("Attempt was already submitted, treating as success")
		}
		m.answers.MarkSaved(m.coord.revision)
		return m.finishSubmit(now)
	}
	return m.failSubmit(now, e.Err)
}

func (m *Machine) finishSubmit(now time.Time) []Effect {
	m.state = StateSubmitted
	m.coord.confirmOpen = false
	fx := []Effect{
		StopTicking{},
		DisarmTimer{Timer: TimerDebounce},
		DisarmTimer{Timer: TimerForcedSubmit},
		Dismiss{Kind: NoticeSubmitConfirm},
		Dismiss{Kind: NoticeSubmitError},
	}
	fx = append(fx, m.journey(now, model.JourneySubmitted, map[string]interface{}{
		"trigger": string(m.coord.trigger),
	}, false)...)
	return append(fx, NavigateTo{Target: NavResults})
}

// failSubmit releases the guard and keeps the answers; the confirmation stays
// open so the student can retry.
func (m *Machine) failSubmit(now time.Time, err error) []Effect {
	m.log.Warn().Err(err).Str("trigger", string(m.coord.trigger)).Msg("Submit failed")
	m.coord.inFlight = false
	m.coord.lazyTried = false
	m.coord.confirmOpen = true
	m.state = StateActive
	return []Effect{Notify{Notice: submitErrorNotice()}}
}
