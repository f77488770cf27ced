package entitle

import (
	"context"
	"time"
)

// ReputationTracker maintains additive abuse counters per device
// fingerprint and per network origin. It never consumes ledger
// balance; it only gates the orchestrator's allow/deny decision.
type ReputationTracker struct {
	storage Storage
	limits  Limits
	clock   func() time.Time
	review  ReviewQueue
	logger  Logger
}

// NewReputationTracker creates a tracker over the given storage.
func NewReputationTracker(storage Storage, limits Limits, clock func() time.Time) *ReputationTracker {
	if clock == nil {
		clock = time.Now
	}
	return &ReputationTracker{
		storage: storage,
		limits:  limits,
		clock:   clock,
		review:  &NoopReviewQueue{},
		logger:  &NoopLogger{},
	}
}

// CheckDevice records the (device, user) association and denies when
// the device has been tied to too many distinct accounts within the
// rolling window. A flagged device is reported to the manual-review
// queue and the user receives a challenge-gated block.
func (t *ReputationTracker) CheckDevice(ctx context.Context, fingerprint, userID string) (Decision, error) {
	now := t.clock()
	cutoff := now.Add(-t.limits.DeviceWindow)
	flagged := false

	_, err := t.storage.UpdateDevice(ctx, fingerprint, func(d *DeviceSignature) error {
		if d.UserIDs == nil {
			d.UserIDs = make(map[string]time.Time)
		}
		// Age out stale associations before counting.
		for id, firstSeen := range d.UserIDs {
			if firstSeen.Before(cutoff) {
				delete(d.UserIDs, id)
			}
		}
		if _, known := d.UserIDs[userID]; !known {
			d.UserIDs[userID] = now
		}
		d.LastSeen = now
		flagged = len(d.UserIDs) >= t.limits.MultiAccountThreshold
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if !flagged {
		return Allow(), nil
	}

	// Flagging the device is best-effort; the denial stands either way.
	if ferr := t.review.Flag(ctx, fingerprint, "multi_account_device", now); ferr != nil {
		t.logger.Warn("review queue flag failed",
			Field{Key: "fingerprint", Value: fingerprint}, Field{Key: "error", Value: ferr})
	}

	block := &BlockState{
		UserID:            userID,
		BlockedUntil:      now.Add(t.limits.DeviceBlockDuration),
		Reason:            string(DenyDeviceFlagged),
		RequiresChallenge: true,
	}
	if berr := t.storage.PutBlock(ctx, block); berr != nil {
		t.logger.Error("device block write failed",
			Field{Key: "user_id", Value: userID}, Field{Key: "error", Value: berr})
	}

	return Decision{
		Reason:            DenyDeviceFlagged,
		RetryAfter:        t.limits.DeviceBlockDuration,
		RequiresChallenge: true,
		BlockDuration:     t.limits.DeviceBlockDuration,
	}, nil
}

// CheckIP denies when the origin is inside a temporary block.
func (t *ReputationTracker) CheckIP(ctx context.Context, origin string) (Decision, error) {
	now := t.clock()
	var blockUntil time.Time

	_, err := t.storage.UpdateIPReputation(ctx, origin, func(ip *IPReputation) error {
		t.decay(ip, now)
		blockUntil = ip.BlockUntil
		ip.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if now.Before(blockUntil) {
		return Deny(DenyIPBlocked, blockUntil.Sub(now)), nil
	}
	return Allow(), nil
}

// RecordAuthFailure counts one authentication failure from the origin,
// blocking it once the threshold is reached.
func (t *ReputationTracker) RecordAuthFailure(ctx context.Context, origin string) error {
	now := t.clock()
	_, err := t.storage.UpdateIPReputation(ctx, origin, func(ip *IPReputation) error {
		t.decay(ip, now)
		ip.AuthFailures++
		ip.LastFailure = now
		ip.UpdatedAt = now
		if ip.AuthFailures >= t.limits.IPAuthFailureThreshold {
			ip.BlockUntil = now.Add(t.limits.IPBlockDuration)
		}
		return nil
	})
	return err
}

// RecordRateViolation counts one rate-limit violation from the origin,
// blocking it once the threshold is reached.
func (t *ReputationTracker) RecordRateViolation(ctx context.Context, origin string) error {
	now := t.clock()
	_, err := t.storage.UpdateIPReputation(ctx, origin, func(ip *IPReputation) error {
		t.decay(ip, now)
		ip.RateViolations++
		ip.LastFailure = now
		ip.UpdatedAt = now
		if ip.RateViolations >= t.limits.IPViolationThreshold {
			ip.BlockUntil = now.Add(t.limits.IPBlockDuration)
		}
		return nil
	})
	return err
}

// decay zeroes the counters of an origin that has been quiet for
// longer than the decay window. Counters are additive otherwise.
func (t *ReputationTracker) decay(ip *IPReputation, now time.Time) {
	if ip.LastFailure.IsZero() {
		return
	}
	if now.Sub(ip.LastFailure) > t.limits.IPDecayWindow {
		ip.AuthFailures = 0
		ip.RateViolations = 0
	}
}
