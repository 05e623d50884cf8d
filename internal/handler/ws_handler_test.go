package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims service.Claims) string {
	t.Helper()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func adminToken(t *testing.T) string {
	return signToken(t, service.Claims{
		TokenType:   service.TokenTypeAdmin,
		UserID:      1,
		Permissions: []string{string(model.PermissionExamsPreview)},
	})
}

// previewServer wires the session route against a stub backend serving one
// short-answer exam. Preview sessions touch neither Redis nor the registry.
func previewServer(t *testing.T, examID, questionID uuid.UUID) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/student/exams/"+examID.String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{
			"id":          examID,
			"title":       "Biology",
			"timing_mode": "FLEXIBLE_START",
			"available":   true,
			"questions": []map[string]interface{}{
				{"id": questionID, "question_text": "Name the powerhouse of the cell.", "question_type": "SHORT_ANSWER", "points": 1},
			},
		}})
	}))
	t.Cleanup(api.Close)

	cfg := &config.Config{JWTSecret: testSecret, Session: config.DefaultSessionTimings()}
	ctx, cancel := context.WithCancel(context.Background())
	h := NewWSHandler(ctx, nil, backend.New(api.URL, 2*time.Second, zerolog.Nop()), nil, cfg, zerolog.Nop())

	r := gin.New()
	r.GET("/ws/v1/student/exams/:exam_id/session",
		middleware.RequireSessionWSAuth(service.NewAuthService(cfg)), h.ExamSession)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		h.Wait()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, examID uuid.UUID, query string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws/v1/student/exams/%s/session?%s", strings.TrimPrefix(srv.URL, "http"), examID, query)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// readUntil returns the first message satisfying match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func event(name string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool { return m["event"] == name }
}

func waitActive(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for i := 0; i < 50; i++ {
		send(t, conn, `{"action":"ping"}`)
		msg := readUntil(t, conn, event("snapshot"))
		snap := msg["snapshot"].(map[string]interface{})
		if snap["state"] == "active" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never became active")
}

func TestExamSession_PreviewSubmitNavigatesToResults(t *testing.T) {
	examID, questionID := uuid.New(), uuid.New()
	srv := previewServer(t, examID, questionID)
	conn := dial(t, srv, examID, "preview=1&token="+adminToken(t))

	waitActive(t, conn)

	send(t, conn, fmt.Sprintf(`{"action":"answer","question_id":"%s","answer":"mitochondria"}`, questionID))
	send(t, conn, `{"action":"submit_request"}`)
	notice := readUntil(t, conn, event("notice"))
	assert.Equal(t, string(session.NoticeSubmitConfirm), notice["notice"].(map[string]interface{})["kind"])

	send(t, conn, `{"action":"submit_confirm"}`)
	nav := readUntil(t, conn, event("navigate"))
	assert.Equal(t, string(session.NavResults), nav["target"])
}

func TestExamSession_RejectsBadMessages(t *testing.T) {
	examID, questionID := uuid.New(), uuid.New()
	srv := previewServer(t, examID, questionID)
	conn := dial(t, srv, examID, "preview=1&token="+adminToken(t))
	waitActive(t, conn)

	send(t, conn, fmt.Sprintf(`{"action":"answer","question_id":"%s","answer":"x"}`, uuid.New()))
	msg := readUntil(t, conn, event("error"))
	assert.Equal(t, string(response.ErrNotFound), msg["code"])

	send(t, conn, fmt.Sprintf(`{"action":"answer","question_id":"%s","answer":true}`, questionID))
	msg = readUntil(t, conn, event("error"))
	assert.Equal(t, string(response.ErrInvalidPayload), msg["code"])

	send(t, conn, `{"action":"teleport"}`)
	msg = readUntil(t, conn, event("error"))
	assert.Equal(t, string(response.ErrInvalidPayload), msg["code"])
}

func TestExamSession_Auth(t *testing.T) {
	examID := uuid.New()
	srv := previewServer(t, examID, uuid.New())
	student := signToken(t, service.Claims{TokenType: service.TokenTypeStudent, UserID: 7})
	noPerm := signToken(t, service.Claims{TokenType: service.TokenTypeAdmin, UserID: 2})

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "token=abc", http.StatusUnauthorized},
		{"student preview", "preview=1&token=" + student, http.StatusForbidden},
		{"admin without preview", "token=" + adminToken(t), http.StatusForbidden},
		{"admin without permission", "preview=1&token=" + noPerm, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := fmt.Sprintf("%s/ws/v1/student/exams/%s/session?%s", srv.URL, examID, tt.query)
			resp, err := http.Get(url)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestErrCodes(t *testing.T) {
	assert.Equal(t, response.ErrConflict, messageErrCode(session.ErrNotReady))
	assert.Equal(t, response.ErrNotFound, messageErrCode(model.ErrUnknownQuestion))
	assert.Equal(t, response.ErrInvalidPayload, messageErrCode(fmt.Errorf("%w: expected text", model.ErrInvalidAnswer)))

	assert.Equal(t, response.ErrNotFound, initErrCode(fmt.Errorf("fetch exam: %w", backend.ErrNotFound)))
	assert.Equal(t, response.ErrInternal, initErrCode(fmt.Errorf("invalid exam definition: title is required")))
}
