// Package store implements the shared coordination keyspace used by all
// import workers. Every operation is a single round trip to Redis backed
// by an atomic primitive (SETNX, INCR or a Lua script), never a separate
// get followed by a set. Exactly-once sleep attribution across workers
// depends on that.
package store

import (
	"context"
	"errors"
	"time"
)

// Redis keys for shared rate limit coordination.
const (
	// KeyCooldownUntil holds the UNIX timestamp at which the global
	// cooldown ends. Absent when no cooldown is active.
	KeyCooldownUntil = "imports:rate_limit:cooldown_until"

	// TierKeyPrefix prefixes per-tier request counters.
	TierKeyPrefix = "imports:rate_limit:tier:"

	// RunKeyPrefix prefixes per-run metric hashes.
	RunKeyPrefix = "imports:run:"
)

// ErrStoreUnavailable indicates the coordination store cannot be reached.
// Workers must fail closed on this error: an uncoordinated fallback would
// reintroduce the thundering-herd problem the store exists to prevent.
var ErrStoreUnavailable = errors.New("coordination store unavailable")

// Store is the contract the coordination layer requires from the shared
// backing store. All operations are atomic and linearizable with respect
// to each key.
type Store interface {
	// IncrWithTTL atomically increments a counter and sets its TTL only
	// when the increment creates the key. Returns the new value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value of a counter, or ok=false if the key
	// does not exist.
	Get(ctx context.Context, key string) (value int64, ok bool, err error)

	// TTL returns the remaining lifetime of a counter, or ok=false when
	// the key does not exist or carries no expiry.
	TTL(ctx context.Context, key string) (remaining time.Duration, ok bool, err error)

	// CooldownUntil returns the end of the active global cooldown, or
	// ok=false when no cooldown is set.
	CooldownUntil(ctx context.Context) (until time.Time, ok bool, err error)

	// TryAcquireCooldown atomically sets the cooldown marker if absent.
	// Exactly one of any set of concurrent callers receives true; that
	// caller owns metric attribution for the sleep interval.
	TryAcquireCooldown(ctx context.Context, until time.Time, ttl time.Duration) (bool, error)

	// ExtendCooldown atomically extends the cooldown marker if the given
	// end lies beyond the current one, returning the number of additional
	// seconds added. Returns 0 when the existing cooldown already covers
	// the requested end. If the marker expired in the meantime the call
	// behaves like a fresh acquisition and returns the seconds from now
	// until the requested end.
	ExtendCooldown(ctx context.Context, until time.Time, ttl time.Duration) (int64, error)
}
