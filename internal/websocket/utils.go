package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// Session is the part of the session controller a connection drives.
type Session interface {
	RecordAnswer(questionID uuid.UUID, value json.RawMessage) error
	SelectQuestion(index int) error
	Dispatch(ev session.Event) error
}

// signals maps payload-free actions to their session events.
var signals = map[Action]session.Event{
	ActionFullscreenUnsupported: session.FullscreenUnsupported{},
	ActionFullscreenRetry:       session.FullscreenRetry{},
	ActionBlur:                  session.WindowBlurred{},
	ActionFocus:                 session.WindowFocused{},
	ActionCopy:                  session.ClipboardUsed{Action: "copy"},
	ActionPaste:                 session.ClipboardUsed{Action: "paste"},
	ActionCut:                   session.ClipboardUsed{Action: "cut"},
	ActionOnline:                session.ConnectivityChanged{Online: true},
	ActionOffline:               session.ConnectivityChanged{Online: false},
	ActionSetupComplete:         session.ProctoringSetupCompleted{},
	ActionSubmitRequest:         session.SubmitRequested{},
	ActionSubmitConfirm:         session.SubmitConfirmed{},
	ActionSubmitCancel:          session.SubmitCancelled{},
	ActionLeaveRequest:          session.LeaveRequested{},
	ActionLeaveConfirm:          session.LeaveConfirmed{},
	ActionUnload:                session.PageUnloading{},
}

// Route decodes one client message and forwards it to s. Ping is returned to
// the caller unhandled since only the connection can answer it.
func Route(s Session, raw []byte) (Action, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("invalid message format: %w", err)
	}

	switch env.Action {
	case ActionPing:
		return env.Action, nil

	case ActionAnswer:
		var req AnswerRequest
		if err := decode(raw, &req); err != nil {
			return env.Action, err
		}
		return env.Action, s.RecordAnswer(uuid.MustParse(req.QuestionID), req.Answer)

	case ActionSelect:
		var req SelectRequest
		if err := decode(raw, &req); err != nil {
			return env.Action, err
		}
		return env.Action, s.SelectQuestion(*req.Index)

	case ActionVisibility:
		var req VisibilityRequest
		if err := decode(raw, &req); err != nil {
			return env.Action, err
		}
		return env.Action, s.Dispatch(session.VisibilityChanged{Hidden: *req.Hidden})

	case ActionFullscreen:
		var req FullscreenRequest
		if err := decode(raw, &req); err != nil {
			return env.Action, err
		}
		return env.Action, s.Dispatch(session.FullscreenChanged{Active: *req.Active})
	}

	ev, ok := signals[env.Action]
	if !ok {
		return env.Action, fmt.Errorf("unknown action: %q", env.Action)
	}
	return env.Action, s.Dispatch(ev)
}

func decode(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if err := validator.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %s", validator.Describe(err))
	}
	return nil
}

// ReadMessage reads one raw message. It sets a read deadline; clients ping
// well within it.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	_, raw, err := conn.ReadMessage()
	return raw, err
}
