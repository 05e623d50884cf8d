package outbox

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// watermarkTTL outlives any exam plus the outbox retry window.
const watermarkTTL = 24 * time.Hour

// advanceScript only ever moves the watermark forward.
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if tonumber(ARGV[1]) > cur then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0`)

// SaveWatermark remembers the newest progress snapshot sent for each
// submission. A queued beacon older than the watermark would roll the
// backend back to answers a later session has already replaced.
type SaveWatermark struct {
	rdb *redis.Client
}

func NewSaveWatermark(rdb *redis.Client) *SaveWatermark {
	return &SaveWatermark{rdb: rdb}
}

// Advance raises the watermark for submissionID to at, if at is newer.
func (s *SaveWatermark) Advance(ctx context.Context, submissionID uuid.UUID, at time.Time) error {
	key := config.CacheKey.SubmissionSavedAtKey(submissionID.String())
	return advanceScript.Run(ctx, s.rdb, []string{key}, at.UnixMilli(), watermarkTTL.Milliseconds()).Err()
}

// Superseded reports whether a snapshot taken at at is older than the newest
// one already sent for submissionID.
func (s *SaveWatermark) Superseded(ctx context.Context, submissionID uuid.UUID, at time.Time) (bool, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.SubmissionSavedAtKey(submissionID.String())).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, err
	}
	return ms > at.UnixMilli(), nil
}

// WatermarkedClient is a backend client whose progress saves advance the
// watermark before they are sent. A save still goes out when redis is down.
type WatermarkedClient struct {
	*backend.Client
	marks *SaveWatermark
	log   zerolog.Logger
}

func NewWatermarkedClient(client *backend.Client, marks *SaveWatermark, log zerolog.Logger) *WatermarkedClient {
	return &WatermarkedClient{Client: client, marks: marks, log: log}
}

func (c *WatermarkedClient) SaveProgress(ctx context.Context, p model.ProgressPayload) error {
	if err := c.marks.Advance(ctx, p.SubmissionID, p.SavedAt); err != nil {
		c.log.Warn().Err(err).Str("submission_id", p.SubmissionID.String()).Msg("Recording save watermark failed")
	}
	return c.Client.SaveProgress(ctx, p)
}
