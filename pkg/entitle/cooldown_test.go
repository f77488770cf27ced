package entitle_test

import (
	"context"
	"testing"
	"time"

	"github.com/studydeck/entitle/pkg/entitle"
	"github.com/studydeck/entitle/storage/memory"
)

func TestCooldown_SameResourceDeniedWithinInterval(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	tracker := entitle.NewCooldownTracker(memory.New(), 10*time.Second, clock.Now)
	ctx := context.Background()

	d, err := tracker.CheckAndTouch(ctx, "user1", "deck-42")
	if err != nil {
		t.Fatalf("CheckAndTouch failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("first touch denied")
	}

	// 9s later: denied with the exact remaining wait.
	clock.Advance(9 * time.Second)
	d, err = tracker.CheckAndTouch(ctx, "user1", "deck-42")
	if err != nil {
		t.Fatalf("CheckAndTouch failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected denial inside interval")
	}
	if d.Reason != entitle.DenyCooldownActive {
		t.Errorf("expected reason %s, got %s", entitle.DenyCooldownActive, d.Reason)
	}
	if d.RetryAfter != time.Second {
		t.Errorf("expected 1s remaining, got %v", d.RetryAfter)
	}
}

func TestCooldown_AllowedAfterInterval(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	tracker := entitle.NewCooldownTracker(memory.New(), 10*time.Second, clock.Now)
	ctx := context.Background()

	if _, err := tracker.CheckAndTouch(ctx, "user1", "deck-42"); err != nil {
		t.Fatalf("CheckAndTouch failed: %v", err)
	}
	clock.Advance(11 * time.Second)

	d, err := tracker.CheckAndTouch(ctx, "user1", "deck-42")
	if err != nil {
		t.Fatalf("CheckAndTouch failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("expected allowed after interval, got %s retry=%v", d.Reason, d.RetryAfter)
	}
}

func TestCooldown_DenialDoesNotExtendInterval(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	tracker := entitle.NewCooldownTracker(memory.New(), 10*time.Second, clock.Now)
	ctx := context.Background()

	if _, err := tracker.CheckAndTouch(ctx, "user1", "deck-42"); err != nil {
		t.Fatalf("CheckAndTouch failed: %v", err)
	}

	// A denied attempt at 9s must not re-stamp the pair, so 11s after
	// the original touch the action goes through.
	clock.Advance(9 * time.Second)
	if d, _ := tracker.CheckAndTouch(ctx, "user1", "deck-42"); d.Allowed {
		t.Fatalf("expected denial at 9s")
	}
	clock.Advance(2 * time.Second)
	d, err := tracker.CheckAndTouch(ctx, "user1", "deck-42")
	if err != nil {
		t.Fatalf("CheckAndTouch failed: %v", err)
	}
	if !d.Allowed {
		t.Errorf("denied attempt extended the cooldown: retry=%v", d.RetryAfter)
	}
}

func TestCooldown_PairsIndependent(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	tracker := entitle.NewCooldownTracker(memory.New(), 10*time.Second, clock.Now)
	ctx := context.Background()

	if _, err := tracker.CheckAndTouch(ctx, "user1", "deck-42"); err != nil {
		t.Fatalf("CheckAndTouch failed: %v", err)
	}

	// Another resource of the same user, and the same resource under
	// another user, are separate pairs.
	for _, pair := range []struct{ user, resource string }{
		{"user1", "deck-7"},
		{"user2", "deck-42"},
	} {
		d, err := tracker.CheckAndTouch(ctx, pair.user, pair.resource)
		if err != nil {
			t.Fatalf("CheckAndTouch failed: %v", err)
		}
		if !d.Allowed {
			t.Errorf("pair (%s, %s) inherited a foreign cooldown", pair.user, pair.resource)
		}
	}
}
