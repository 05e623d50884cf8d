package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// ErrAttemptOpenElsewhere is returned when another live connection already
// drives the same attempt.
var ErrAttemptOpenElsewhere = errors.New("attempt is already open in another connection")

// statusTTL keeps finished sessions visible on the monitor for the rest of the day.
const statusTTL = 24 * time.Hour

// Compare-and-act scripts: only the owner may refresh or release a lock.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// SessionRegistry tracks live sessions in Redis: one lock per attempt, so
// last-write-wins saves never race between tabs, and a status record plus
// monitor channel for live dashboards.
type SessionRegistry struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

func NewSessionRegistry(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *SessionRegistry {
	return &SessionRegistry{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "session_registry").Logger(),
	}
}

// AttemptLock is a held lock. The zero value is not usable.
type AttemptLock struct {
	registry *SessionRegistry
	key      string
	token    string
}

// Acquire takes the attempt lock or fails with ErrAttemptOpenElsewhere.
func (r *SessionRegistry) Acquire(ctx context.Context, examID uuid.UUID, studentID int) (*AttemptLock, error) {
	key := config.CacheKey.AttemptLockKey(examID.String(), studentID)
	token := uuid.New().String()

	ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire attempt lock: %w", err)
	}
	if !ok {
		return nil, ErrAttemptOpenElsewhere
	}
	return &AttemptLock{registry: r, key: key, token: token}, nil
}

// Refresh extends the lock. It fails if the lock expired and was taken over.
func (l *AttemptLock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.registry.rdb, []string{l.key}, l.token, l.registry.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh attempt lock: %w", err)
	}
	if n == 0 {
		return ErrAttemptOpenElsewhere
	}
	return nil
}

// KeepAlive refreshes the lock every third of its TTL until ctx is done. The
// returned channel is closed when the lock is lost.
func (l *AttemptLock) KeepAlive(ctx context.Context) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.registry.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := l.Refresh(ctx)
				if err == nil {
					continue
				}
				if errors.Is(err, ErrAttemptOpenElsewhere) {
					l.registry.log.Warn().Str("key", l.key).Msg("Attempt lock lost")
					close(lost)
					return
				}
				l.registry.log.Error().Err(err).Str("key", l.key).Msg("Attempt lock refresh failed")
			}
		}
	}()
	return lost
}

// Release drops the lock if it is still ours.
func (l *AttemptLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.registry.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release attempt lock: %w", err)
	}
	return nil
}

// SessionStatus is the monitor's view of one live session.
type SessionStatus struct {
	StudentID        int       `json:"student_id"`
	State            string    `json:"state"`
	Answered         int       `json:"answered"`
	QuestionCount    int       `json:"question_count"`
	TabSwitches      int       `json:"tab_switches"`
	FullscreenActive bool      `json:"fullscreen_active"`
	Online           bool      `json:"online"`
	RemainingSeconds *int      `json:"remaining_seconds,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewSessionStatus projects a controller snapshot.
func NewSessionStatus(studentID int, snap session.Snapshot, at time.Time) SessionStatus {
	return SessionStatus{
		StudentID:        studentID,
		State:            snap.State.String(),
		Answered:         snap.Answered,
		QuestionCount:    snap.QuestionCount,
		TabSwitches:      snap.TabSwitches,
		FullscreenActive: snap.FullscreenActive,
		Online:           snap.Online,
		RemainingSeconds: snap.RemainingSeconds,
		UpdatedAt:        at.UTC(),
	}
}

// PublishStatus stores a session's status, adds the student to the exam's
// live set and notifies the exam's monitor channel. Failures only cost
// dashboard freshness.
func (r *SessionRegistry) PublishStatus(ctx context.Context, examID uuid.UUID, status SessionStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal session status: %w", err)
	}
	exam := examID.String()

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.SessionStatusKey(exam, status.StudentID), raw, statusTTL)
	pipe.SAdd(ctx, config.CacheKey.ExamLiveSessionsKey(exam), status.StudentID)
	pipe.Expire(ctx, config.CacheKey.ExamLiveSessionsKey(exam), statusTTL)
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(exam), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish session status: %w", err)
	}
	return nil
}

// Statuses returns the last known status of every session seen for an exam,
// ordered by student id. Expired entries are skipped.
func (r *SessionRegistry) Statuses(ctx context.Context, examID uuid.UUID) ([]SessionStatus, error) {
	exam := examID.String()
	ids, err := r.rdb.SMembers(ctx, config.CacheKey.ExamLiveSessionsKey(exam)).Result()
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	if len(ids) == 0 {
		return []SessionStatus{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		sid, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		keys = append(keys, config.CacheKey.SessionStatusKey(exam, sid))
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read session statuses: %w", err)
	}

	statuses := make([]SessionStatus, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st SessionStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			r.log.Warn().Err(err).Msg("Skipping malformed session status")
			continue
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].StudentID < statuses[j].StudentID })
	return statuses, nil
}

// Subscribe attaches to an exam's monitor channel. Callers must Close it.
func (r *SessionRegistry) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return r.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}
