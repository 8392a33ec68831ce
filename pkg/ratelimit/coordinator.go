package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

// Prometheus metrics for rate limit coordination.
var (
	coordSleepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_rate_limit_sleeps_total",
		Help: "Number of proactive cooldowns this worker acquired",
	})

	coordSleepSecondsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_rate_limit_sleep_seconds_total",
		Help: "Sleep seconds attributed to this worker, including extension deltas",
	})

	coordHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_rate_limit_hits_total",
		Help: "Number of server 429 responses this worker turned into a cooldown",
	})

	coordCooldownWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "import_rate_limit_cooldown_waits_total",
		Help: "Times this worker slept on a cooldown another worker owned",
	})
)

// Recorder receives sleep attribution events for the current run.
// Exactly one worker per sleep interval calls RecordSleep or RecordHit;
// workers that merely lengthen an existing cooldown call RecordSleepDelta
// with the incremental seconds only.
type Recorder interface {
	// RecordSleep credits this worker with a proactive sleep interval.
	RecordSleep(ctx context.Context, seconds int64) error

	// RecordSleepDelta credits this worker with the additional seconds a
	// cooldown extension added on top of the existing one.
	RecordSleepDelta(ctx context.Context, seconds int64) error

	// RecordHit credits this worker with a cooldown caused by a server
	// 429 response.
	RecordHit(ctx context.Context, seconds int64) error
}

// NopRecorder discards all attribution events.
type NopRecorder struct{}

func (NopRecorder) RecordSleep(context.Context, int64) error      { return nil }
func (NopRecorder) RecordSleepDelta(context.Context, int64) error { return nil }
func (NopRecorder) RecordHit(context.Context, int64) error        { return nil }

// Coordinator decides, per outbound call attempt, whether the calling
// worker waits, for how long, and whether it is the one worker that
// records the wait. All coordination state lives in the shared store;
// the coordinator itself holds no mutable state and is safe for
// concurrent use.
type Coordinator struct {
	store  store.Store
	tiers  []TierPolicy
	rec    Recorder
	logger zerolog.Logger

	// Overridable in tests to avoid real sleeping.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator for the given tier set.
func NewCoordinator(st store.Store, tiers []TierPolicy, rec Recorder, logger zerolog.Logger) (*Coordinator, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := ValidatePolicies(tiers); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = NopRecorder{}
	}
	return &Coordinator{
		store:  st,
		tiers:  tiers,
		rec:    rec,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

// Acquire blocks until the calling worker may send one request, then
// consumes one slot from every tier counter. It returns an error only
// when the context ends or the shared store is unreachable; rate limit
// pressure itself never surfaces as an error, only as elapsed time.
func (c *Coordinator) Acquire(ctx context.Context) error {
	for {
		// Step 1: respect an active global cooldown. Whoever set it
		// already attributed the sleep, so record nothing here.
		until, active, err := c.store.CooldownUntil(ctx)
		if err != nil {
			return fmt.Errorf("read cooldown: %w", err)
		}
		if active {
			remaining := until.Sub(c.now())
			if remaining > 0 {
				coordCooldownWaitsTotal.Inc()
				c.logger.Debug().
					Dur("remaining", remaining).
					Time("cooldown_until", until).
					Msg("Waiting on active cooldown")
				if err := c.sleep(ctx, remaining); err != nil {
					return err
				}
				// A concurrent extension may have occurred while
				// sleeping, so re-check from the top.
				continue
			}
		}

		// Step 2: check every tier counter for a local breach.
		breached, dur, err := c.breachedWindow(ctx)
		if err != nil {
			return err
		}
		if breached {
			if err := c.enterCooldown(ctx, dur, false); err != nil {
				return err
			}
			continue
		}

		// Step 3: all tiers have headroom, consume one slot from each.
		for _, tier := range c.tiers {
			if _, err := c.store.IncrWithTTL(ctx, tier.Key(), tier.Window); err != nil {
				return fmt.Errorf("increment tier %s: %w", tier, err)
			}
		}
		return nil
	}
}

// ReportRejection reacts to a server 429 by converting the retry hint
// into a shared cooldown through the same acquire/extend path as a
// locally predicted breach, then sleeping it off. Only the worker that
// wins the cooldown records the hit.
func (c *Coordinator) ReportRejection(ctx context.Context, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		return nil
	}
	c.logger.Warn().
		Dur("retry_after", retryAfter).
		Msg("Server rate limit hit - entering shared cooldown")
	return c.enterCooldown(ctx, retryAfter, true)
}

// breachedWindow returns whether any tier counter is at its limit and,
// if so, how long until the longest breached tier frees up. The wait is
// the counter key's remaining TTL, not the full window: requests spread
// across the window only need to sleep until the window the first of
// them opened expires. The full window is the fallback when the TTL
// cannot be read, which over-sleeps but never under-sleeps.
func (c *Coordinator) breachedWindow(ctx context.Context) (bool, time.Duration, error) {
	var longest time.Duration
	breached := false
	for _, tier := range c.tiers {
		count, ok, err := c.store.Get(ctx, tier.Key())
		if err != nil {
			return false, 0, fmt.Errorf("read tier %s: %w", tier, err)
		}
		if !ok || count < int64(tier.MaxRequests) {
			continue
		}
		breached = true

		wait := tier.Window
		if remaining, ok, err := c.store.TTL(ctx, tier.Key()); err != nil {
			return false, 0, fmt.Errorf("read tier ttl %s: %w", tier, err)
		} else if ok && remaining > 0 {
			wait = remaining
		}
		if wait > longest {
			longest = wait
		}
		c.logger.Debug().
			Str("tier", tier.String()).
			Int64("count", count).
			Dur("wait", wait).
			Msg("Tier limit reached")
	}
	return breached, longest, nil
}

// enterCooldown acquires or extends the global cooldown for the given
// duration, attributes the interval per the delta policy, and sleeps.
func (c *Coordinator) enterCooldown(ctx context.Context, dur time.Duration, hit bool) error {
	now := c.now()
	until := now.Add(dur)
	seconds := int64(dur / time.Second)

	won, err := c.store.TryAcquireCooldown(ctx, until, dur)
	if err != nil {
		return fmt.Errorf("acquire cooldown: %w", err)
	}

	if won {
		// This worker owns attribution for the whole interval.
		if hit {
			coordHitsTotal.Inc()
			if err := c.rec.RecordHit(ctx, seconds); err != nil {
				return fmt.Errorf("record hit: %w", err)
			}
		} else {
			coordSleepsTotal.Inc()
			if err := c.rec.RecordSleep(ctx, seconds); err != nil {
				return fmt.Errorf("record sleep: %w", err)
			}
		}
		coordSleepSecondsTotal.Add(float64(seconds))
		c.logger.Info().
			Bool("server_hit", hit).
			Int64("sleep_seconds", seconds).
			Time("cooldown_until", until).
			Msg("Acquired global cooldown")
		return c.sleep(ctx, dur)
	}

	// Another worker holds the cooldown. Extend it if our end lies
	// further out; the atomic compare inside the store decides, and only
	// the incremental delta is attributed, which keeps total sleep
	// seconds bounded by elapsed time under overlapping cooldowns.
	delta, err := c.store.ExtendCooldown(ctx, until, dur)
	if err != nil {
		return fmt.Errorf("extend cooldown: %w", err)
	}
	if delta > 0 {
		coordSleepSecondsTotal.Add(float64(delta))
		if err := c.rec.RecordSleepDelta(ctx, delta); err != nil {
			return fmt.Errorf("record sleep delta: %w", err)
		}
		c.logger.Info().
			Int64("delta_seconds", delta).
			Time("cooldown_until", until).
			Msg("Extended global cooldown")
	}

	// Sleep whatever remains of the (possibly extended) cooldown.
	current, active, err := c.store.CooldownUntil(ctx)
	if err != nil {
		return fmt.Errorf("read cooldown: %w", err)
	}
	if !active {
		return nil
	}
	remaining := current.Sub(c.now())
	if remaining <= 0 {
		return nil
	}
	return c.sleep(ctx, remaining)
}

// sleepContext sleeps for d or until the context ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
