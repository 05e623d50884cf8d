package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Publisher pushes one student's session events onto the redis outbox.
// It is the production session.EventSink and session.Beacon: the session
// never waits on the backend for audit traffic.
type Publisher struct {
	rdb       *redis.Client
	studentID int
	log       zerolog.Logger
}

func NewPublisher(rdb *redis.Client, studentID int, log zerolog.Logger) *Publisher {
	return &Publisher{
		rdb:       rdb,
		studentID: studentID,
		log:       log.With().Str("component", "outbox_publisher").Logger(),
	}
}

func (p *Publisher) LogProctoring(ctx context.Context, ev model.ProctoringEvent) error {
	return p.push(ctx, config.WorkerKey.ProctoringEventsQueue, KindProctoring, ev)
}

func (p *Publisher) LogJourney(ctx context.Context, ev model.JourneyEvent) error {
	return p.push(ctx, config.WorkerKey.JourneyEventsQueue, KindJourney, ev)
}

// SendProgress queues an unload-time snapshot for the beacon worker.
func (p *Publisher) SendProgress(ctx context.Context, payload model.ProgressPayload) error {
	return p.push(ctx, config.WorkerKey.BeaconQueue, KindProgress, payload)
}

// SendJourney routes unload telemetry through the beacon queue.
func (p *Publisher) SendJourney(ctx context.Context, ev model.JourneyEvent) error {
	return p.push(ctx, config.WorkerKey.BeaconQueue, KindJourney, ev)
}

func (p *Publisher) push(ctx context.Context, queue string, kind Kind, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	raw, err := json.Marshal(envelope{
		Kind:      kind,
		StudentID: p.studentID,
		QueuedAt:  time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.rdb.RPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queue, err)
	}
	return nil
}
