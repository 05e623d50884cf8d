package session

import "fmt"

type NoticeKind string

const (
	NoticeUnavailable           NoticeKind = "unavailable"
	NoticeTabWarning            NoticeKind = "tab_warning"
	NoticeTabViolation          NoticeKind = "tab_violation"
	NoticeFullscreenRequired    NoticeKind = "fullscreen_required"
	NoticeFullscreenUnsupported NoticeKind = "fullscreen_unsupported"
	NoticeClipboardBlocked      NoticeKind = "clipboard_blocked"
	NoticeSubmitConfirm         NoticeKind = "submit_confirm"
	NoticeSubmitError           NoticeKind = "submit_error"
	NoticeLeaveConfirm          NoticeKind = "leave_confirm"
	NoticeTimeWarning           NoticeKind = "time_warning"
	NoticeTimeUp                NoticeKind = "time_up"
	NoticeOffline               NoticeKind = "offline"
)

type NoticeAction string

const (
	ActionReenterFullscreen NoticeAction = "reenter_fullscreen"
	ActionConfirmSubmit     NoticeAction = "confirm_submit"
	ActionRetrySubmit       NoticeAction = "retry_submit"
	ActionConfirmLeave      NoticeAction = "confirm_leave"
)

// Notice is something the view must show. Blocking notices are modal;
// non-dismissable ones can only be closed through Action.
type Notice struct {
	Kind        NoticeKind   `json:"kind"`
	Title       string       `json:"title"`
	Message     string       `json:"message"`
	Blocking    bool         `json:"blocking"`
	Dismissable bool         `json:"dismissable"`
	Action      NoticeAction `json:"action,omitempty"`
}

func tabWarningNotice(count, remaining int) Notice {
	n := Notice{
		Kind:        NoticeTabWarning,
		Title:       "Tab switch detected",
		Dismissable: true,
	}
	if remaining == 1 {
		n.Title = "Final warning"
		n.Message = "You have left the exam window again. One more tab switch will submit your exam automatically."
		return n
	}
	n.Message = fmt.Sprintf(
		"You have left the exam window %d time(s). %d more tab switches will submit your exam automatically.",
		count, remaining)
	return n
}

func tabViolationNotice(blocked bool, max int, graceSeconds int) Notice {
	msg := fmt.Sprintf("You have reached the maximum of %d tab switches. Your exam will be submitted in %d seconds.",
		max, graceSeconds)
	if blocked {
		msg = fmt.Sprintf("Switching tabs is not allowed during this exam. Your exam will be submitted in %d seconds.",
			graceSeconds)
	}
	return Notice{
		Kind:     NoticeTabViolation,
		Title:    "Exam will be submitted",
		Message:  msg,
		Blocking: true,
	}
}

func fullscreenRequiredNotice() Notice {
	return Notice{
		Kind:     NoticeFullscreenRequired,
		Title:    "Fullscreen required",
		Message:  "This exam must be taken in fullscreen mode. Leaving fullscreen has been recorded.",
		Blocking: true,
		Action:   ActionReenterFullscreen,
	}
}

func submitConfirmNotice(answered, total int) Notice {
	msg := fmt.Sprintf("You have answered %d of %d questions. Submit your exam now?", answered, total)
	if answered < total {
		msg = fmt.Sprintf("You have answered %d of %d questions. Unanswered questions will be scored as blank. Submit your exam now?",
			answered, total)
	}
	return Notice{
		Kind:        NoticeSubmitConfirm,
		Title:       "Submit exam",
		Message:     msg,
		Blocking:    true,
		Dismissable: true,
		Action:      ActionConfirmSubmit,
	}
}

func submitErrorNotice() Notice {
	return Notice{
		Kind:        NoticeSubmitError,
		Title:       "Submission failed",
		Message:     "Your exam could not be submitted. Your answers are safe. Please try again.",
		Blocking:    true,
		Dismissable: true,
		Action:      ActionRetrySubmit,
	}
}
