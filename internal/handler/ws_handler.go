package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/outbox"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// statusInterval is how often a session's status is mirrored for monitors
// and pushed to the client when it changed.
const statusInterval = 2 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler hosts one exam session per WebSocket connection.
type WSHandler struct {
	baseCtx  context.Context
	rdb      *redis.Client
	backend  *backend.Client
	marks    *outbox.SaveWatermark
	registry *service.SessionRegistry
	timings  config.SessionTimings
	log      zerolog.Logger
	upgrader websocket.Upgrader
	sessions sync.WaitGroup
}

// NewWSHandler creates a new WSHandler. Sessions are torn down when baseCtx is
// cancelled; Wait blocks until their final saves are done.
func NewWSHandler(
	baseCtx context.Context,
	rdb *redis.Client,
	backendClient *backend.Client,
	registry *service.SessionRegistry,
	cfg *config.Config,
	log zerolog.Logger,
) *WSHandler {
	return &WSHandler{
		baseCtx:  baseCtx,
		rdb:      rdb,
		backend:  backendClient,
		marks:    outbox.NewSaveWatermark(rdb),
		registry: registry,
		timings:  cfg.Session,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(cfg.AllowedOrigins),
	}
}

// Wait blocks until every hosted session has been torn down.
func (h *WSHandler) Wait() { h.sessions.Wait() }

// ExamSession godoc
// WS /ws/v1/student/exams/:exam_id/session?token=...&preview=1
// Upgrades to WebSocket and drives an exam session from browser signals.
func (h *WSHandler) ExamSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	preview := middleware.IsPreview(c)

	wsLog := logger.ForSession(h.log, examID.String(), claims.UserID, preview)

	// One live connection per attempt; previews create no attempt.
	var lock *service.AttemptLock
	if !preview {
		lock, err = h.registry.Acquire(c.Request.Context(), examID, claims.UserID)
		if errors.Is(err, service.ErrAttemptOpenElsewhere) {
			response.Fail(c, http.StatusConflict, response.ErrAttemptOpenElsewhere)
			return
		}
		if err != nil {
			wsLog.Error().Err(err).Msg("Failed to acquire attempt lock")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wsLog.Error().Err(err).Msg("WebSocket upgrade failed")
		h.releaseLock(lock, wsLog)
		return
	}
	defer conn.Close()

	h.sessions.Add(1)
	defer h.sessions.Done()

	ctx, cancel := context.WithCancel(h.baseCtx)
	defer cancel()

	view := &wsView{conn: conn, log: wsLog}
	publisher := outbox.NewPublisher(h.rdb, claims.UserID, wsLog)
	ctrl := session.NewController(session.Options{
		Timings: h.timings,
		Backend: outbox.NewWatermarkedClient(h.backend.WithToken(middleware.GetToken(c)), h.marks, wsLog),
		Sink:    publisher,
		Beacon:  publisher,
		View:    view,
		Log:     wsLog,
	})
	go ctrl.Run(ctx)

	wsLog.Info().Msg("Session connected")

	var lockLost <-chan struct{}
	if lock != nil {
		lockLost = lock.KeepAlive(ctx)
	}

	go func() {
		if err := ctrl.Initialize(ctx, examID, preview); err != nil {
			wsLog.Error().Err(err).Msg("Session initialization failed")
			view.write(ws.ErrorResponse{Event: ws.EventError, Code: string(initErrCode(err)), Error: "the exam could not be loaded"})
			conn.Close()
		}
	}()

	go h.statusLoop(ctx, ctrl, view, examID, claims.UserID, preview, lockLost, conn)

	h.readLoop(conn, ctrl, view, wsLog)

	ctrl.Close()
	<-ctrl.Done()
	cancel()

	if !preview {
		h.publishStatus(examID, claims.UserID, ctrl.Snapshot(), wsLog)
	}
	h.releaseLock(lock, wsLog)
	wsLog.Info().Str("state", ctrl.Snapshot().State.String()).Msg("Session disconnected")
}

// readLoop forwards client messages until the connection closes.
func (h *WSHandler) readLoop(conn *websocket.Conn, ctrl *session.Controller, view *wsView, wsLog zerolog.Logger) {
	for {
		raw, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		action, err := ws.Route(ctrl, raw)
		switch {
		case errors.Is(err, session.ErrSessionClosed):
			return
		case err != nil:
			wsLog.Debug().Err(err).Str("action", string(action)).Msg("Rejected client message")
			view.write(ws.ErrorResponse{Event: ws.EventError, Code: string(messageErrCode(err)), Error: err.Error()})
		case action == ws.ActionPing:
			view.write(ws.PongResponse{Event: ws.EventPong})
			view.write(ws.SnapshotResponse{Event: ws.EventSnapshot, Snapshot: ctrl.Snapshot()})
		}
	}
}

// statusLoop pushes snapshot changes to the client and mirrors them for the
// exam monitor. Losing the attempt lock ends the connection.
func (h *WSHandler) statusLoop(
	ctx context.Context,
	ctrl *session.Controller,
	view *wsView,
	examID uuid.UUID,
	studentID int,
	preview bool,
	lockLost <-chan struct{},
	conn *websocket.Conn,
) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			// Unblocks the read loop when the server shuts down.
			conn.Close()
			return
		case <-lockLost:
			view.write(ws.ErrorResponse{
				Event: ws.EventError,
				Code:  string(response.ErrAttemptOpenElsewhere),
				Error: response.GetMessage(response.ErrAttemptOpenElsewhere),
			})
			conn.Close()
			return
		case <-ticker.C:
			snap := ctrl.Snapshot()
			raw, err := json.Marshal(snap)
			if err != nil || bytes.Equal(raw, last) {
				continue
			}
			last = raw
			view.write(ws.SnapshotResponse{Event: ws.EventSnapshot, Snapshot: snap})
			if !preview && snap.State != session.StateLoading {
				h.publishStatus(examID, studentID, snap, h.log)
			}
		}
	}
}

func (h *WSHandler) publishStatus(examID uuid.UUID, studentID int, snap session.Snapshot, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.registry.PublishStatus(ctx, examID, service.NewSessionStatus(studentID, snap, time.Now())); err != nil {
		log.Warn().Err(err).Msg("Failed to publish session status")
	}
}

func (h *WSHandler) releaseLock(lock *service.AttemptLock, log zerolog.Logger) {
	if lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to release attempt lock")
	}
}

// initErrCode maps a bootstrap failure to the code sent before closing.
func initErrCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return response.ErrNotFound
	case errors.Is(err, session.ErrAlreadyInitialized):
		return response.ErrConflict
	}
	return response.ErrInternal
}

// messageErrCode maps a rejected client message to an error code.
func messageErrCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, session.ErrNotReady):
		return response.ErrConflict
	case errors.Is(err, model.ErrUnknownQuestion):
		return response.ErrNotFound
	}
	return response.ErrInvalidPayload
}

// wsView renders session output as typed events. Writes are serialized since
// the controller, the read loop and the status loop all write.
type wsView struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  zerolog.Logger
}

func (v *wsView) write(payload interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := ws.WriteTyped(v.conn, payload); err != nil {
		v.log.Debug().Err(err).Msg("WebSocket write failed")
	}
}

func (v *wsView) Show(n session.Notice) {
	v.write(ws.NoticeResponse{Event: ws.EventNotice, Notice: n})
}

func (v *wsView) Dismiss(kind session.NoticeKind) {
	v.write(ws.DismissResponse{Event: ws.EventDismiss, Kind: kind})
}

func (v *wsView) Countdown(remainingSeconds int) {
	v.write(ws.CountdownResponse{Event: ws.EventCountdown, RemainingSeconds: remainingSeconds})
}

func (v *wsView) Navigate(target session.NavTarget) {
	v.write(ws.NavigateResponse{Event: ws.EventNavigate, Target: target})
}

func (v *wsView) RequestFullscreen() {
	v.write(ws.RequestFullscreenResponse{Event: ws.EventRequestFullscreen})
}
