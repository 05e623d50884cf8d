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

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// requeueBackoff is the pause after requeueing while the backend is failing.
var requeueBackoff = 2 * time.Second

// EventPoster is the part of the backend client the event workers need.
type EventPoster interface {
	LogProctoringEvents(ctx context.Context, events []model.ProctoringEvent) error
	LogJourneyEvents(ctx context.Context, events []model.JourneyEvent) error
}

// EventWorker drains one event queue and posts batches to the backend.
type EventWorker struct {
	rdb    *redis.Client
	poster EventPoster
	queue  string
	post   func(ctx context.Context, batch []*envelope) error
	log    zerolog.Logger
}

func NewProctoringWorker(rdb *redis.Client, poster EventPoster, log zerolog.Logger) *EventWorker {
	w := &EventWorker{
		rdb:    rdb,
		poster: poster,
		queue:  config.WorkerKey.ProctoringEventsQueue,
		log:    log.With().Str("component", "proctoring_worker").Logger(),
	}
	w.post = w.postProctoring
	return w
}

func NewJourneyWorker(rdb *redis.Client, poster EventPoster, log zerolog.Logger) *EventWorker {
	w := &EventWorker{
		rdb:    rdb,
		poster: poster,
		queue:  config.WorkerKey.JourneyEventsQueue,
		log:    log.With().Str("component", "journey_worker").Logger(),
	}
	w.post = w.postJourney
	return w
}

// Start runs until ctx is cancelled, then flushes what it buffered.
func (w *EventWorker) Start(ctx context.Context) {
	w.log.Info().Str("queue", w.queue).Msg("Worker started")

	buffer := make([]*envelope, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// BLPop blocks for PollTimeout. Returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			// Malformed JSON can never succeed. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed envelope")
			continue
		}
		buffer = append(buffer, &env)
	}
}

// flushSafe tries the whole batch, then item by item, then requeues what
// failed transiently.
func (w *EventWorker) flushSafe(ctx context.Context, batch []*envelope) {
	if err := w.post(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Batch post failed, attempting one-by-one recovery")
		w.fallback(ctx, batch)
	}
}

func (w *EventWorker) fallback(ctx context.Context, batch []*envelope) {
	requeueList := make([]*envelope, 0)

	for _, env := range batch {
		err := w.post(ctx, []*envelope{env})
		if err == nil {
			continue
		}
		if !backend.IsTemporary(err) {
			w.log.Error().Err(err).Int("student_id", env.StudentID).Msg("Dropping rejected event")
			continue
		}
		requeueList = append(requeueList, env)
	}

	if len(requeueList) > 0 {
		requeue(ctx, w.rdb, w.queue, requeueList, w.log)
	}
}

func (w *EventWorker) postProctoring(ctx context.Context, batch []*envelope) error {
	events := make([]model.ProctoringEvent, 0, len(batch))
	for _, env := range batch {
		var ev model.ProctoringEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("decode proctoring event: %w", err)
		}
		events = append(events, ev)
	}
	return w.poster.LogProctoringEvents(ctx, events)
}

func (w *EventWorker) postJourney(ctx context.Context, batch []*envelope) error {
	events := make([]model.JourneyEvent, 0, len(batch))
	for _, env := range batch {
		var ev model.JourneyEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("decode journey event: %w", err)
		}
		events = append(events, ev)
	}
	return w.poster.LogJourneyEvents(ctx, events)
}

func (w *EventWorker) shutdown(buffer []*envelope) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

// requeue pushes failed items back with their attempt counter bumped. Items
// that used up MaxAttempts are dropped: delivery is best-effort.
func requeue(ctx context.Context, rdb *redis.Client, queue string, items []*envelope, log zerolog.Logger) {
	pipe := rdb.Pipeline()
	queued, dropped := 0, 0
	for _, env := range items {
		env.Attempts++
		if env.Attempts >= MaxAttempts {
			dropped++
			continue
		}
		data, _ := json.Marshal(env)
		pipe.RPush(ctx, queue, data)
		queued++
	}
	if dropped > 0 {
		log.Warn().Int("count", dropped).Msg("Dropping items after max attempts")
	}
	if queued == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	log.Info().Int("count", queued).Msg("Requeued failed items back to Redis")
	time.Sleep(requeueBackoff)
}
