package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studydeck/entitle/pkg/entitle"
	"github.com/studydeck/entitle/storage/memory"
)

var baseTime = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

func debitReq(userID string, amount int, now time.Time) *entitle.DebitRequest {
	return &entitle.DebitRequest{
		UserID:       userID,
		Amount:       amount,
		RequestType:  "test",
		Now:          now,
		MonthKey:     entitle.MonthKey(now, time.UTC),
		MonthlyQuota: 10,
	}
}

func TestAccountLifecycle(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.GetAccount(ctx, "user1"); !errors.Is(err, entitle.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	acct := &entitle.Account{UserID: "user1", MonthlyRemaining: 10, CreatedAt: baseTime}
	if err := store.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := store.CreateAccount(ctx, acct); !errors.Is(err, entitle.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	got, err := store.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.MonthlyRemaining != 10 {
		t.Errorf("monthly = %d, want 10", got.MonthlyRemaining)
	}

	// The store hands out copies.
	got.MonthlyRemaining = 0
	again, _ := store.GetAccount(ctx, "user1")
	if again.MonthlyRemaining != 10 {
		t.Errorf("caller mutation leaked into the store")
	}
}

func TestDebitAutoCreatesAccount(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	res, err := store.DebitAccount(ctx, debitReq("user1", 3, baseTime))
	if err != nil {
		t.Fatalf("DebitAccount failed: %v", err)
	}
	if res.FromMonthly != 3 || res.MonthlyRemaining != 7 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDebitMonthlyBeforePurchased(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.CreditAccount(ctx, &entitle.CreditRequest{
		UserID: "user1", TransactionID: "tx-1", Amount: 5, Now: baseTime,
	}); err != nil {
		t.Fatalf("CreditAccount failed: %v", err)
	}

	res, err := store.DebitAccount(ctx, debitReq("user1", 12, baseTime))
	if err != nil {
		t.Fatalf("DebitAccount failed: %v", err)
	}
	if res.FromMonthly != 10 || res.FromPurchased != 2 {
		t.Errorf("split %d/%d, want 10/2", res.FromMonthly, res.FromPurchased)
	}
	if res.PurchasedBalance != 3 {
		t.Errorf("purchased = %d, want 3", res.PurchasedBalance)
	}
}

func TestDebitInsufficientIsAtomic(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.DebitAccount(ctx, debitReq("user1", 11, baseTime)); !errors.Is(err, entitle.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	acct, err := store.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.MonthlyRemaining != 10 || acct.PurchasedBalance != 0 {
		t.Errorf("failed debit moved the balance: %+v", acct)
	}

	usage, err := store.ListUsage(ctx, "user1", time.Time{})
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(usage) != 0 {
		t.Errorf("failed debit logged usage")
	}
}

func TestDebitAppliesMonthRollover(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.DebitAccount(ctx, debitReq("user1", 10, baseTime)); err != nil {
		t.Fatalf("DebitAccount failed: %v", err)
	}

	// Next month: the same request succeeds, the usage log restarts
	// and the purchased balance is untouched.
	nextMonth := baseTime.AddDate(0, 1, 0)
	res, err := store.DebitAccount(ctx, debitReq("user1", 4, nextMonth))
	if err != nil {
		t.Fatalf("DebitAccount after rollover failed: %v", err)
	}
	if !res.ResetApplied {
		t.Errorf("rollover not applied")
	}
	if res.MonthlyRemaining != 6 {
		t.Errorf("monthly = %d, want 6", res.MonthlyRemaining)
	}

	usage, err := store.ListUsage(ctx, "user1", time.Time{})
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(usage) != 1 {
		t.Errorf("usage log not cleared on rollover: %d records", len(usage))
	}
}

func TestCreditIdempotencyPerTransaction(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	first, err := store.CreditAccount(ctx, &entitle.CreditRequest{
		UserID: "user1", TransactionID: "tx-1", Amount: 5, Source: "appstore", Now: baseTime,
	})
	if err != nil {
		t.Fatalf("CreditAccount failed: %v", err)
	}
	if first.AlreadyCredited {
		t.Errorf("first credit marked as replay")
	}

	second, err := store.CreditAccount(ctx, &entitle.CreditRequest{
		UserID: "user1", TransactionID: "tx-1", Amount: 99, Now: baseTime,
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.AlreadyCredited || second.Amount != 5 || second.PurchasedBalance != 5 {
		t.Errorf("replay result wrong: %+v", second)
	}

	record, err := store.GetCreditRecord(ctx, "user1", "tx-1")
	if err != nil {
		t.Fatalf("GetCreditRecord failed: %v", err)
	}
	if record == nil || record.Amount != 5 || record.Source != "appstore" {
		t.Errorf("credit record wrong: %+v", record)
	}

	// Absent transactions are nil, nil.
	record, err = store.GetCreditRecord(ctx, "user1", "tx-missing")
	if err != nil || record != nil {
		t.Errorf("expected nil, nil for absent record, got %v, %v", record, err)
	}
}

func TestUpdateRateStateIsCopyOnWrite(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	state, err := store.UpdateRateState(ctx, "user1", func(s *entitle.RateLimitState) error {
		s.Timestamps = append(s.Timestamps, baseTime)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRateState failed: %v", err)
	}
	if len(state.Timestamps) != 1 {
		t.Fatalf("timestamp not recorded")
	}

	// Mutating the returned state must not touch the stored copy.
	state.Timestamps = append(state.Timestamps, baseTime.Add(time.Second))
	after, err := store.UpdateRateState(ctx, "user1", func(s *entitle.RateLimitState) error { return nil })
	if err != nil {
		t.Fatalf("UpdateRateState failed: %v", err)
	}
	if len(after.Timestamps) != 1 {
		t.Errorf("returned state aliases the stored one")
	}
}

func TestUpdateRateStateErrorDiscardsWrite(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	sentinel := errors.New("abort")
	_, err := store.UpdateRateState(ctx, "user1", func(s *entitle.RateLimitState) error {
		s.Timestamps = append(s.Timestamps, baseTime)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	state, err := store.UpdateRateState(ctx, "user1", func(s *entitle.RateLimitState) error { return nil })
	if err != nil {
		t.Fatalf("UpdateRateState failed: %v", err)
	}
	if len(state.Timestamps) != 0 {
		t.Errorf("aborted update persisted")
	}
}

func TestUpdateDeviceCopiesUserMap(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	device, err := store.UpdateDevice(ctx, "fp-1", func(d *entitle.DeviceSignature) error {
		if d.UserIDs == nil {
			d.UserIDs = make(map[string]time.Time)
		}
		d.UserIDs["user1"] = baseTime
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateDevice failed: %v", err)
	}

	device.UserIDs["user2"] = baseTime
	after, err := store.UpdateDevice(ctx, "fp-1", func(d *entitle.DeviceSignature) error { return nil })
	if err != nil {
		t.Fatalf("UpdateDevice failed: %v", err)
	}
	if len(after.UserIDs) != 1 {
		t.Errorf("returned device aliases the stored map")
	}
}

func TestCooldownKeysIncludeResource(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.UpdateCooldown(ctx, "user1", "deck-1", func(cd *entitle.SetCooldown) error {
		cd.LastActionTime = baseTime
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateCooldown failed: %v", err)
	}

	other, err := store.UpdateCooldown(ctx, "user1", "deck-2", func(cd *entitle.SetCooldown) error { return nil })
	if err != nil {
		t.Fatalf("UpdateCooldown failed: %v", err)
	}
	if !other.LastActionTime.IsZero() {
		t.Errorf("cooldowns bleed across resources")
	}
}

func TestPurgeExpiredHonorsCutoffs(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := baseTime.Add(48 * time.Hour)

	// Idle rate state, stale device, stale cooldown, quiet IP, expired
	// challenge and elapsed block: all purgeable.
	if _, err := store.UpdateRateState(ctx, "stale", func(s *entitle.RateLimitState) error {
		s.UpdatedAt = baseTime
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	// Locked-out state stays even when idle.
	if _, err := store.UpdateRateState(ctx, "locked", func(s *entitle.RateLimitState) error {
		s.UpdatedAt = baseTime
		s.LockoutUntil = now.Add(time.Hour)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateDevice(ctx, "fp-stale", func(d *entitle.DeviceSignature) error {
		d.LastSeen = baseTime
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateCooldown(ctx, "user1", "deck-1", func(cd *entitle.SetCooldown) error {
		cd.LastActionTime = baseTime
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateIPReputation(ctx, "203.0.113.9", func(ip *entitle.IPReputation) error {
		ip.UpdatedAt = baseTime
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutChallenge(ctx, &entitle.ChallengeState{
		ChallengeID: "ch-1", UserID: "user1", ExpiresAt: baseTime,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutBlock(ctx, &entitle.BlockState{
		UserID: "user1", BlockedUntil: baseTime,
	}); err != nil {
		t.Fatal(err)
	}

	purged, err := store.PurgeExpired(ctx, entitle.PurgeCutoffs{
		RateLimitBefore: now.Add(-24 * time.Hour),
		DeviceBefore:    now.Add(-24 * time.Hour),
		CooldownBefore:  now.Add(-time.Hour),
		IPBefore:        now.Add(-7 * 24 * time.Hour),
		Now:             now,
	})
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	// IP retention is 7 days, so the quiet IP survives this pass.
	if purged != 5 {
		t.Errorf("purged %d entries, want 5", purged)
	}

	locked, err := store.UpdateRateState(ctx, "locked", func(s *entitle.RateLimitState) error { return nil })
	if err != nil {
		t.Fatalf("UpdateRateState failed: %v", err)
	}
	if locked.LockoutUntil.IsZero() {
		t.Errorf("active lockout was purged")
	}
	if _, err := store.GetChallenge(ctx, "ch-1"); err == nil {
		t.Errorf("expired challenge survived")
	}
}

func TestConcurrentDebitsAndCredits(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.DebitAccount(ctx, debitReq("user1", 1, baseTime))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.CreditAccount(ctx, &entitle.CreditRequest{
				UserID: "user1", TransactionID: "tx-1", Amount: 5, Now: baseTime,
			})
		}()
	}
	wg.Wait()

	acct, err := store.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.MonthlyRemaining+acct.PurchasedBalance < 0 {
		t.Errorf("balance went negative: %+v", acct)
	}
	record, err := store.GetCreditRecord(ctx, "user1", "tx-1")
	if err != nil || record == nil {
		t.Fatalf("credit record missing: %v", err)
	}
	if record.Amount != 5 {
		t.Errorf("credit recorded %d, want 5", record.Amount)
	}
}
