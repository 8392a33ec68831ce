package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithTTLScript increments a counter and attaches the TTL only when
// this increment created the key, so the window is anchored at the first
// request in it.
var incrWithTTLScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// extendCooldownScript compares the requested cooldown end against the
// current marker and extends it only when the request lies further out.
// Returns the additional seconds gained: the delta on extension, the full
// remaining duration on a fresh set, 0 otherwise.
var extendCooldownScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]))
local new = tonumber(ARGV[1])
local now = tonumber(ARGV[3])
if cur == nil then
  redis.call('SET', KEYS[1], new, 'EX', ARGV[2])
  return new - now
end
if new > cur then
  redis.call('SET', KEYS[1], new, 'EX', ARGV[2])
  return new - cur
end
return 0
`)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
		now:   time.Now,
	}
}

// IncrWithTTL atomically increments a counter, setting the TTL only on
// first creation of the key.
func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	v, err := incrWithTTLScript.Run(ctx, s.redis, []string{key}, seconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", ErrStoreUnavailable, key, err)
	}
	return v, nil
}

// Get returns a counter value, ok=false when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, key, err)
	}
	return v, true, nil
}

// TTL reads the remaining lifetime of a counter key. Redis reports
// missing keys and keys without expiry as negative durations; both map
// to ok=false.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.redis.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("%w: ttl %s: %v", ErrStoreUnavailable, key, err)
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// CooldownUntil reads the global cooldown marker.
func (s *RedisStore) CooldownUntil(ctx context.Context) (time.Time, bool, error) {
	ts, err := s.redis.Get(ctx, KeyCooldownUntil).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: get cooldown: %v", ErrStoreUnavailable, err)
	}
	return time.Unix(ts, 0), true, nil
}

// TryAcquireCooldown sets the cooldown marker if absent. True only for
// the single caller that wins the SETNX race.
func (s *RedisStore) TryAcquireCooldown(ctx context.Context, until time.Time, ttl time.Duration) (bool, error) {
	won, err := s.redis.SetNX(ctx, KeyCooldownUntil, until.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire cooldown: %v", ErrStoreUnavailable, err)
	}
	return won, nil
}

// ExtendCooldown compare-and-extends the cooldown marker, returning the
// additional seconds added.
func (s *RedisStore) ExtendCooldown(ctx context.Context, until time.Time, ttl time.Duration) (int64, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	delta, err := extendCooldownScript.Run(ctx, s.redis,
		[]string{KeyCooldownUntil},
		until.Unix(), seconds, s.now().Unix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: extend cooldown: %v", ErrStoreUnavailable, err)
	}
	if delta < 0 {
		delta = 0
	}
	return delta, nil
}
