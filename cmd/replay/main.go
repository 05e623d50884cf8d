// Command replay drives one exam session from a JSON-lines script of browser
// messages and prints everything the session would show the student. It is
// used to check exam configurations and proctoring policies without a browser.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"golang.org/x/term"
)

func main() {
	examArg := flag.String("exam", "", "exam id (required)")
	scriptPath := flag.String("script", "-", "JSON-lines script, - for stdin")
	preview := flag.Bool("preview", false, "run as a preview (no attempt, no saves)")
	linger := flag.Duration("linger", 0, "keep the session open after the last step")
	flag.Parse()

	cfg := config.Load()
	// stdout carries the transcript; logs go to stderr.
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	examID, err := uuid.Parse(*examArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay: -exam must be a valid UUID")
		os.Exit(2)
	}

	steps, err := loadScript(*scriptPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load script")
	}

	token, err := readToken(*scriptPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read token")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := &transcript{enc: json.NewEncoder(os.Stdout)}
	ctrl := session.NewController(session.Options{
		Timings: cfg.Session,
		Backend: backend.New(cfg.BackendURL, cfg.BackendTimeout, log).WithToken(token),
		Sink:    out,
		Beacon:  out,
		View:    out,
		Log:     log,
	})
	go ctrl.Run(ctx)

	if err := ctrl.Initialize(ctx, examID, *preview); err != nil {
		log.Fatal().Err(err).Msg("Session initialization failed")
	}
	if err := waitStarted(ctx, ctrl); err != nil {
		log.Fatal().Err(err).Msg("Session never started")
	}

	if err := replay(ctx, ctrl, steps, out, log); err != nil {
		log.Error().Err(err).Msg("Replay aborted")
	}

	if *linger > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*linger):
		}
	}

	ctrl.Close()
	<-ctrl.Done()
	out.write(ws.SnapshotResponse{Event: ws.EventSnapshot, Snapshot: ctrl.Snapshot()})
}

func loadScript(path string) ([]step, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return parseScript(r)
}

// readToken takes the bearer token from PROCTOR_TOKEN, or prompts for it
// without echo when stdin is a terminal not used for the script.
func readToken(scriptPath string) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("PROCTOR_TOKEN")); tok != "" {
		return tok, nil
	}
	fd := int(os.Stdin.Fd())
	if scriptPath == "-" || !term.IsTerminal(fd) {
		return "", errors.New("set PROCTOR_TOKEN or run from a terminal")
	}

	fmt.Fprint(os.Stderr, "Bearer token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(raw))
	if tok == "" {
		return "", errors.New("empty token")
	}
	return tok, nil
}

func waitStarted(ctx context.Context, ctrl *session.Controller) error {
	for ctrl.Snapshot().State == session.StateLoading {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func replay(ctx context.Context, ctrl *session.Controller, steps []step, out *transcript, log zerolog.Logger) error {
	for _, s := range steps {
		if s.after > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.after):
			}
		}

		action, err := ws.Route(ctrl, s.raw)
		switch {
		case errors.Is(err, session.ErrSessionClosed):
			return err
		case err != nil:
			log.Warn().Err(err).Int("line", s.line).Msg("Step rejected")
			out.write(ws.ErrorResponse{Event: ws.EventError, Error: fmt.Sprintf("line %d: %v", s.line, err)})
		case action == ws.ActionPing:
			out.write(ws.SnapshotResponse{Event: ws.EventSnapshot, Snapshot: ctrl.Snapshot()})
		}
	}
	return nil
}

// transcript prints what the student would see, plus the audit traffic the
// session emits, one JSON object per line.
type transcript struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (t *transcript) write(v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.enc.Encode(v)
}

func (t *transcript) Show(n session.Notice) {
	t.write(ws.NoticeResponse{Event: ws.EventNotice, Notice: n})
}

func (t *transcript) Dismiss(kind session.NoticeKind) {
	t.write(ws.DismissResponse{Event: ws.EventDismiss, Kind: kind})
}

func (t *transcript) Countdown(remainingSeconds int) {
	t.write(ws.CountdownResponse{Event: ws.EventCountdown, RemainingSeconds: remainingSeconds})
}

func (t *transcript) Navigate(target session.NavTarget) {
	t.write(ws.NavigateResponse{Event: ws.EventNavigate, Target: target})
}

func (t *transcript) RequestFullscreen() {
	t.write(ws.RequestFullscreenResponse{Event: ws.EventRequestFullscreen})
}

func (t *transcript) LogProctoring(_ context.Context, ev model.ProctoringEvent) error {
	t.write(map[string]interface{}{"event": "proctoring", "data": ev})
	return nil
}

func (t *transcript) LogJourney(_ context.Context, ev model.JourneyEvent) error {
	t.write(map[string]interface{}{"event": "journey", "data": ev})
	return nil
}

func (t *transcript) SendProgress(_ context.Context, p model.ProgressPayload) error {
	t.write(map[string]interface{}{"event": "beacon_progress", "data": p})
	return nil
}

func (t *transcript) SendJourney(_ context.Context, ev model.JourneyEvent) error {
	t.write(map[string]interface{}{"event": "beacon_journey", "data": ev})
	return nil
}
