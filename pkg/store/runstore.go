package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hash fields of a run's metric hash. Field names double as the JSON
// field names of the reporting interface.
const (
	FieldItemsCount        = "items_count"
	FieldImportedCount     = "items_imported_count"
	FieldHitsCount         = "rate_limit_hits_count"
	FieldSleepsCount       = "rate_limit_sleeps_count"
	FieldSleepSeconds      = "total_sleep_seconds"
	FieldPermanentlyFailed = "permanently_failed_count"
	FieldCompletionPolls   = "completion_polls"
	FieldStartedAt         = "started_at"
	FieldEndedAt           = "ended_at"
)

// markEndedScript ends a run exactly once. The first caller to set
// ended_at wins and records the permanently-failed count; later calls
// are no-ops so the completion poll stays idempotent.
var markEndedScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'ended_at', ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], 'permanently_failed_count', ARGV[2])
  return 1
end
return 0
`)

// RunSnapshot is a point-in-time read of a run's shared counters.
type RunSnapshot struct {
	ItemsCount             int64
	ImportedCount          int64
	HitsCount              int64
	SleepsCount            int64
	SleepSeconds           int64
	PermanentlyFailedCount int64
	CompletionPolls        int64
	StartedAt              time.Time
	EndedAt                time.Time // zero while the run is live
}

// Ended reports whether the run has been marked ended.
func (s *RunSnapshot) Ended() bool {
	return !s.EndedAt.IsZero()
}

// RunStore persists per-run import metrics and failure timestamps in the
// shared store. All counter mutations are atomic HINCRBY operations so
// any worker may update any run concurrently.
type RunStore interface {
	CreateRun(ctx context.Context, runID string, total int64, startedAt time.Time) error
	IncrField(ctx context.Context, runID, field string, n int64) error
	GetRun(ctx context.Context, runID string) (*RunSnapshot, error)

	// MarkEnded ends the run exactly once. Returns true for the single
	// caller that actually ended it.
	MarkEnded(ctx context.Context, runID string, endedAt time.Time, permanentlyFailed int64) (bool, error)

	// RecordFailure upserts the last-failure timestamp of an item;
	// ClearFailure removes it once the item eventually imports.
	RecordFailure(ctx context.Context, runID, itemID string, at time.Time) error
	ClearFailure(ctx context.Context, runID, itemID string) error

	// Failures returns the last-failure timestamp of every currently
	// failed item of the run.
	Failures(ctx context.Context, runID string) (map[string]time.Time, error)
}

func runKey(runID string) string {
	return RunKeyPrefix + runID
}

func failuresKey(runID string) string {
	return RunKeyPrefix + runID + ":failures"
}

// RedisRunStore implements RunStore on Redis hashes.
type RedisRunStore struct {
	redis *redis.Client
}

// NewRedisRunStore creates a run store backed by the given Redis client.
func NewRedisRunStore(redisClient *redis.Client) *RedisRunStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisRunStore{redis: redisClient}
}

// CreateRun initializes the run hash.
func (s *RedisRunStore) CreateRun(ctx context.Context, runID string, total int64, startedAt time.Time) error {
	err := s.redis.HSet(ctx, runKey(runID),
		FieldItemsCount, total,
		FieldStartedAt, startedAt.Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: create run %s: %v", ErrStoreUnavailable, runID, err)
	}
	return nil
}

// IncrField atomically increments one run counter.
func (s *RedisRunStore) IncrField(ctx context.Context, runID, field string, n int64) error {
	if err := s.redis.HIncrBy(ctx, runKey(runID), field, n).Err(); err != nil {
		return fmt.Errorf("%w: incr %s.%s: %v", ErrStoreUnavailable, runID, field, err)
	}
	return nil
}

// GetRun reads the run hash into a snapshot.
func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*RunSnapshot, error) {
	fields, err := s.redis.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get run %s: %v", ErrStoreUnavailable, runID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	snap := &RunSnapshot{
		ItemsCount:             parseIntField(fields, FieldItemsCount),
		ImportedCount:          parseIntField(fields, FieldImportedCount),
		HitsCount:              parseIntField(fields, FieldHitsCount),
		SleepsCount:            parseIntField(fields, FieldSleepsCount),
		SleepSeconds:           parseIntField(fields, FieldSleepSeconds),
		PermanentlyFailedCount: parseIntField(fields, FieldPermanentlyFailed),
		CompletionPolls:        parseIntField(fields, FieldCompletionPolls),
	}
	if ts := parseIntField(fields, FieldStartedAt); ts > 0 {
		snap.StartedAt = time.Unix(ts, 0)
	}
	if ts := parseIntField(fields, FieldEndedAt); ts > 0 {
		snap.EndedAt = time.Unix(ts, 0)
	}
	return snap, nil
}

// MarkEnded ends the run, first writer wins.
func (s *RedisRunStore) MarkEnded(ctx context.Context, runID string, endedAt time.Time, permanentlyFailed int64) (bool, error) {
	won, err := markEndedScript.Run(ctx, s.redis,
		[]string{runKey(runID)},
		endedAt.Unix(), permanentlyFailed,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: mark run %s ended: %v", ErrStoreUnavailable, runID, err)
	}
	return won == 1, nil
}

// RecordFailure notes the item's last failure time.
func (s *RedisRunStore) RecordFailure(ctx context.Context, runID, itemID string, at time.Time) error {
	if err := s.redis.HSet(ctx, failuresKey(runID), itemID, at.Unix()).Err(); err != nil {
		return fmt.Errorf("%w: record failure %s/%s: %v", ErrStoreUnavailable, runID, itemID, err)
	}
	return nil
}

// ClearFailure removes the item's failure record after a successful import.
func (s *RedisRunStore) ClearFailure(ctx context.Context, runID, itemID string) error {
	if err := s.redis.HDel(ctx, failuresKey(runID), itemID).Err(); err != nil {
		return fmt.Errorf("%w: clear failure %s/%s: %v", ErrStoreUnavailable, runID, itemID, err)
	}
	return nil
}

// Failures lists the last-failure timestamps of all failed items.
func (s *RedisRunStore) Failures(ctx context.Context, runID string) (map[string]time.Time, error) {
	fields, err := s.redis.HGetAll(ctx, failuresKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failures %s: %v", ErrStoreUnavailable, runID, err)
	}
	failures := make(map[string]time.Time, len(fields))
	for itemID, raw := range fields {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		failures[itemID] = time.Unix(ts, 0)
	}
	return failures, nil
}

func parseIntField(fields map[string]string, name string) int64 {
	v, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
