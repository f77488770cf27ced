package entitle

import (
	"context"
	"time"
)

// CooldownTracker enforces a minimum interval between two actions on
// the same (user, resource) pair, independent of the global rate
// limits. Denials report the exact remaining wait so callers can back
// off precisely.
type CooldownTracker struct {
	storage  Storage
	interval time.Duration
	clock    func() time.Time
}

// NewCooldownTracker creates a tracker with the given minimum interval.
func NewCooldownTracker(storage Storage, interval time.Duration, clock func() time.Time) *CooldownTracker {
	if clock == nil {
		clock = time.Now
	}
	return &CooldownTracker{storage: storage, interval: interval, clock: clock}
}

// CheckAndTouch allows the action and stamps the pair's last-action
// time, or denies with the remaining wait. Check and stamp are one
// atomic update, so concurrent requests on the same pair cannot both
// slip under the interval.
func (c *CooldownTracker) CheckAndTouch(ctx context.Context, userID, resource string) (Decision, error) {
	now := c.clock()
	var decision Decision

	_, err := c.storage.UpdateCooldown(ctx, userID, resource, func(s *SetCooldown) error {
		if !s.LastActionTime.IsZero() {
			elapsed := now.Sub(s.LastActionTime)
			if elapsed < c.interval {
				decision = Deny(DenyCooldownActive, c.interval-elapsed)
				return nil
			}
		}
		s.LastActionTime = now
		decision = Allow()
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}
