package entitle

import (
	"context"
	"time"
)

// RateLimiter enforces per-user sliding-window ceilings with cooldown
// and lockout escalation. Check-and-record is a single atomic storage
// update: two concurrent requests are serialized by the store, so the
// second always observes the first's timestamp.
type RateLimiter struct {
	storage Storage
	limits  Limits
	clock   func() time.Time
}

// NewRateLimiter creates a rate limiter over the given storage.
func NewRateLimiter(storage Storage, limits Limits, clock func() time.Time) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{storage: storage, limits: limits, clock: clock}
}

// CheckAndRecord evaluates the user's windows at now and, when the
// action is allowed, records its timestamp in the same transaction.
// Denials update cooldown/lockout/violation state instead.
func (r *RateLimiter) CheckAndRecord(ctx context.Context, userID string) (Decision, error) {
	now := r.clock()
	var decision Decision

	_, err := r.storage.UpdateRateState(ctx, userID, func(s *RateLimitState) error {
		decision = evalRateState(s, now, r.limits)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Blocked reports whether the user is currently in cooldown or
// lockout. It reads the state without writing it back, so status
// checks never refresh the entry's retention clock.
func (r *RateLimiter) Blocked(ctx context.Context, userID string) (bool, time.Duration, error) {
	now := r.clock()

	s, err := r.storage.GetRateState(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	if s == nil {
		return false, 0, nil
	}

	var until time.Time
	if now.Before(s.LockoutUntil) {
		until = s.LockoutUntil
	} else if now.Before(s.CooldownUntil) {
		until = s.CooldownUntil
	}
	if until.IsZero() {
		return false, 0, nil
	}
	return true, until.Sub(now), nil
}

// evalRateState is the pure transition function of the per-user rate
// limit state machine. It mutates s (pruning, recording, escalating)
// and returns the decision. Running it twice over the same snapshot
// yields the same result, which optimistic storage adapters rely on.
func evalRateState(s *RateLimitState, now time.Time, limits Limits) Decision {
	if now.Before(s.LockoutUntil) {
		return Deny(DenyRateLimited, s.LockoutUntil.Sub(now))
	}
	if now.Before(s.CooldownUntil) {
		return Deny(DenyRateLimited, s.CooldownUntil.Sub(now))
	}

	// Prune beyond the largest window we count over.
	dayCutoff := now.Add(-24 * time.Hour)
	kept := s.Timestamps[:0]
	for _, ts := range s.Timestamps {
		if ts.After(dayCutoff) {
			kept = append(kept, ts)
		}
	}
	s.Timestamps = kept

	day := len(s.Timestamps)
	if day+1 > limits.DailyCeiling {
		s.ConsecutiveViolations++
		s.LockoutUntil = now.Add(limits.LockoutDuration)
		return Deny(DenyRateLimited, limits.LockoutDuration)
	}

	burst := countSince(s.Timestamps, now.Add(-limits.BurstWindow))
	minute := countSince(s.Timestamps, now.Add(-time.Minute))
	hour := countSince(s.Timestamps, now.Add(-time.Hour))

	switch {
	case burst+1 > limits.BurstCeiling:
		s.ConsecutiveViolations++
		if s.ConsecutiveViolations >= limits.MaxConsecutiveViolations {
			s.LockoutUntil = now.Add(limits.LockoutDuration)
			return Deny(DenyRateLimited, limits.LockoutDuration)
		}
		// Precise wait: when the oldest burst timestamp leaves the window.
		wait := oldestSince(s.Timestamps, now.Add(-limits.BurstWindow)).
			Add(limits.BurstWindow).Sub(now)
		return Deny(DenyRateLimited, wait)

	case minute+1 > limits.PerMinuteCeiling, hour+1 > limits.PerHourCeiling:
		s.ConsecutiveViolations++
		if s.ConsecutiveViolations >= limits.MaxConsecutiveViolations {
			s.LockoutUntil = now.Add(limits.LockoutDuration)
			return Deny(DenyRateLimited, limits.LockoutDuration)
		}
		s.CooldownUntil = now.Add(limits.CooldownDuration)
		return Deny(DenyRateLimited, limits.CooldownDuration)
	}

	// Allowed: record and forgive past violations.
	s.Timestamps = append(s.Timestamps, now)
	s.ConsecutiveViolations = 0
	return Allow()
}

func countSince(timestamps []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// oldestSince returns the oldest timestamp after cutoff. Callers only
// invoke it when at least one such timestamp exists.
func oldestSince(timestamps []time.Time, cutoff time.Time) time.Time {
	var oldest time.Time
	for _, ts := range timestamps {
		if ts.After(cutoff) && (oldest.IsZero() || ts.Before(oldest)) {
			oldest = ts
		}
	}
	return oldest
}
