package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ProgressSaver is the part of the backend client the beacon worker needs.
type ProgressSaver interface {
	SaveProgress(ctx context.Context, p model.ProgressPayload) error
	LogJourneyEvents(ctx context.Context, events []model.JourneyEvent) error
}

// errSuperseded marks a progress beacon older than a save already sent.
var errSuperseded = errors.New("superseded by a newer save")

// BeaconWorker delivers what sessions handed off while their page was
// unloading: progress snapshots and unload telemetry. Items are handled one at
// a time, in order. A progress snapshot older than the submission's save
// watermark is dropped.
type BeaconWorker struct {
	rdb   *redis.Client
	saver ProgressSaver
	marks *SaveWatermark
	log   zerolog.Logger
}

func NewBeaconWorker(rdb *redis.Client, saver ProgressSaver, log zerolog.Logger) *BeaconWorker {
	return &BeaconWorker{
		rdb:   rdb,
		saver: saver,
		marks: NewSaveWatermark(rdb),
		log:   log.With().Str("component", "beacon_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *BeaconWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *BeaconWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.BeaconQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			time.Sleep(time.Second)
		}
		return
	}
	if len(result) < 2 {
		return
	}
	w.handle(ctx, result[1])
}

func (w *BeaconWorker) handle(ctx context.Context, raw string) bool {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		w.log.Error().Err(err).Msg("Discarding malformed envelope")
		return true
	}

	err := w.deliver(ctx, &env)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errSuperseded):
		w.log.Info().Int("student_id", env.StudentID).Msg("Beacon superseded by a newer save, dropping")
		return true
	case backend.IsTemporary(err):
		w.log.Warn().Err(err).Int("student_id", env.StudentID).Str("kind", string(env.Kind)).
			Msg("Beacon delivery failed, requeueing")
		requeue(ctx, w.rdb, config.WorkerKey.BeaconQueue, []*envelope{&env}, w.log)
		return false
	default:
		// Includes ALREADY_SUBMITTED: a late snapshot must not reopen an attempt.
		w.log.Info().Err(err).Int("student_id", env.StudentID).Str("kind", string(env.Kind)).
			Msg("Beacon rejected, dropping")
		return true
	}
}

func (w *BeaconWorker) deliver(ctx context.Context, env *envelope) error {
	switch env.Kind {
	case KindProgress:
		var p model.ProgressPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("decode progress: %w", err)
		}
		return w.saveProgress(ctx, p)
	case KindJourney:
		var ev model.JourneyEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("decode journey event: %w", err)
		}
		return w.saver.LogJourneyEvents(ctx, []model.JourneyEvent{ev})
	}
	return fmt.Errorf("unknown beacon kind %q", env.Kind)
}

func (w *BeaconWorker) saveProgress(ctx context.Context, p model.ProgressPayload) error {
	stale, err := w.marks.Superseded(ctx, p.SubmissionID, p.SavedAt)
	if err != nil {
		w.log.Warn().Err(err).Str("submission_id", p.SubmissionID.String()).Msg("Reading save watermark failed")
	}
	if stale {
		return errSuperseded
	}
	if err := w.saver.SaveProgress(ctx, p); err != nil {
		return err
	}
	if err := w.marks.Advance(ctx, p.SubmissionID, p.SavedAt); err != nil {
		w.log.Warn().Err(err).Str("submission_id", p.SubmissionID.String()).Msg("Recording save watermark failed")
	}
	return nil
}

// drain delivers what is left before shutdown. It stops at the first
// transient failure; that item is already requeued.
func (w *BeaconWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.BeaconQueue).Result()
		if err != nil {
			break
		}
		if !w.handle(ctx, result) {
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
