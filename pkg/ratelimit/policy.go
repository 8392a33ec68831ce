// Package ratelimit implements multi-worker rate limit coordination over
// a shared store. Workers agree on a single global cooldown through an
// atomic test-and-set marker, and exactly one worker per sleep interval
// is credited with the sleep in the run metrics.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/store"
)

// TierPolicy is one (MaxRequests, Window) rate constraint. Several tiers
// may apply simultaneously; a request goes out only when every tier has
// headroom.
type TierPolicy struct {
	MaxRequests int
	Window      time.Duration
}

// Key returns the shared-store counter key for this tier.
func (p TierPolicy) Key() string {
	return fmt.Sprintf("%s%d:%d", store.TierKeyPrefix, p.MaxRequests, int64(p.Window/time.Second))
}

// Validate checks that the tier is usable.
func (p TierPolicy) Validate() error {
	if p.MaxRequests < 1 {
		return fmt.Errorf("tier max_requests must be >= 1 (got %d)", p.MaxRequests)
	}
	if p.Window < time.Second {
		return fmt.Errorf("tier window must be >= 1s (got %s)", p.Window)
	}
	return nil
}

func (p TierPolicy) String() string {
	return fmt.Sprintf("%d req / %s", p.MaxRequests, p.Window)
}

// ValidatePolicies checks a full tier set.
func ValidatePolicies(tiers []TierPolicy) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one tier policy is required")
	}
	for _, tier := range tiers {
		if err := tier.Validate(); err != nil {
			return err
		}
	}
	return nil
}
