package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studydeck/entitle/pkg/entitle"
)

// setupTestRedis creates a Redis client for testing.
// Requires Redis running on localhost:6379.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := New(setupTestRedis(t), DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return storage
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Errorf("nil client accepted")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	storage, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if storage.config.KeyPrefix != "entitle:" {
		t.Errorf("empty prefix not defaulted: %q", storage.config.KeyPrefix)
	}
	if storage.config.MaxRetries != 5 {
		t.Errorf("zero retries not defaulted: %d", storage.config.MaxRetries)
	}
}

func TestDebitCreatesAndSplits(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := storage.DebitAccount(ctx, &entitle.DebitRequest{
		UserID:       "user1",
		Amount:       3,
		RequestType:  "flashcard_gen",
		Now:          now,
		MonthKey:     entitle.MonthKey(now, time.UTC),
		MonthlyQuota: 10,
	})
	if err != nil {
		t.Fatalf("DebitAccount failed: %v", err)
	}
	if res.FromMonthly != 3 || res.MonthlyRemaining != 7 {
		t.Errorf("unexpected result: %+v", res)
	}

	acct, err := storage.GetAccount(ctx, "user1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.MonthlyRemaining != 7 || acct.ResetMonth != entitle.MonthKey(now, time.UTC) {
		t.Errorf("account state wrong: %+v", acct)
	}
}

func TestDebitInsufficient(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := storage.DebitAccount(ctx, &entitle.DebitRequest{
		UserID:       "user1",
		Amount:       11,
		Now:          now,
		MonthKey:     entitle.MonthKey(now, time.UTC),
		MonthlyQuota: 10,
	})
	if !errors.Is(err, entitle.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDebitAppliesRollover(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := storage.DebitAccount(ctx, &entitle.DebitRequest{
		UserID: "user1", Amount: 10, Now: now,
		MonthKey: "2026-08", MonthlyQuota: 10,
	}); err != nil {
		t.Fatalf("DebitAccount failed: %v", err)
	}

	res, err := storage.DebitAccount(ctx, &entitle.DebitRequest{
		UserID: "user1", Amount: 4, Now: now,
		MonthKey: "2026-09", MonthlyQuota: 10,
	})
	if err != nil {
		t.Fatalf("DebitAccount after rollover failed: %v", err)
	}
	if !res.ResetApplied || res.MonthlyRemaining != 6 {
		t.Errorf("rollover wrong: %+v", res)
	}

	usage, err := storage.ListUsage(ctx, "user1", time.Time{})
	if err != nil {
		t.Fatalf("ListUsage failed: %v", err)
	}
	if len(usage) != 1 {
		t.Errorf("usage log not cleared on rollover: %d records", len(usage))
	}
}

func TestCreditIdempotent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := storage.CreditAccount(ctx, &entitle.CreditRequest{
		UserID: "user1", TransactionID: "tx-1", Amount: 5, Source: "appstore", Now: now,
	})
	if err != nil {
		t.Fatalf("CreditAccount failed: %v", err)
	}
	if first.AlreadyCredited || first.PurchasedBalance != 5 {
		t.Errorf("first credit wrong: %+v", first)
	}

	second, err := storage.CreditAccount(ctx, &entitle.CreditRequest{
		UserID: "user1", TransactionID: "tx-1", Amount: 99, Now: now,
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.AlreadyCredited || second.Amount != 5 || second.PurchasedBalance != 5 {
		t.Errorf("replay wrong: %+v", second)
	}

	record, err := storage.GetCreditRecord(ctx, "user1", "tx-1")
	if err != nil || record == nil || record.Amount != 5 {
		t.Errorf("credit record wrong: %+v err=%v", record, err)
	}
	if record, err := storage.GetCreditRecord(ctx, "user1", "tx-missing"); err != nil || record != nil {
		t.Errorf("absent record should be nil, nil: %v, %v", record, err)
	}
}

func TestUpdateRateStateRoundtrip(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	state, err := storage.UpdateRateState(ctx, "user1", func(s *entitle.RateLimitState) error {
		s.Timestamps = append(s.Timestamps, now)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRateState failed: %v", err)
	}
	if len(state.Timestamps) != 1 {
		t.Fatalf("timestamp not recorded")
	}

	state, err = storage.UpdateRateState(ctx, "user1", func(s *entitle.RateLimitState) error { return nil })
	if err != nil {
		t.Fatalf("UpdateRateState reload failed: %v", err)
	}
	if len(state.Timestamps) != 1 || !state.Timestamps[0].Equal(now) {
		t.Errorf("state did not survive the roundtrip: %+v", state)
	}

	read, err := storage.GetRateState(ctx, "user1")
	if err != nil {
		t.Fatalf("GetRateState failed: %v", err)
	}
	if read == nil || len(read.Timestamps) != 1 || !read.Timestamps[0].Equal(now) {
		t.Errorf("read-only state mismatch: %+v", read)
	}
	if missing, err := storage.GetRateState(ctx, "nobody"); err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown user, got %+v, %v", missing, err)
	}

	if err := storage.DeleteRateState(ctx, "user1"); err != nil {
		t.Fatalf("DeleteRateState failed: %v", err)
	}
	state, err = storage.UpdateRateState(ctx, "user1", func(s *entitle.RateLimitState) error { return nil })
	if err != nil {
		t.Fatalf("UpdateRateState after delete failed: %v", err)
	}
	if len(state.Timestamps) != 0 {
		t.Errorf("deleted state came back")
	}
}

func TestUpdateFnErrorDiscardsWrite(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	_, err := storage.UpdateIPReputation(ctx, "203.0.113.9", func(ip *entitle.IPReputation) error {
		ip.AuthFailures = 99
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	ip, err := storage.UpdateIPReputation(ctx, "203.0.113.9", func(ip *entitle.IPReputation) error { return nil })
	if err != nil {
		t.Fatalf("UpdateIPReputation failed: %v", err)
	}
	if ip.AuthFailures != 0 {
		t.Errorf("aborted update persisted")
	}
}

func TestChallengeAndBlockRoundtrip(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := storage.PutChallenge(ctx, &entitle.ChallengeState{
		ChallengeID: "ch-1",
		UserID:      "user1",
		Type:        entitle.ChallengeArithmetic,
		Prompt:      "What is 2 + 2?",
		Answer:      "4",
		IssuedAt:    now,
		ExpiresAt:   now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("PutChallenge failed: %v", err)
	}

	ch, err := storage.GetChallenge(ctx, "ch-1")
	if err != nil {
		t.Fatalf("GetChallenge failed: %v", err)
	}
	if ch.Answer != "4" || ch.UserID != "user1" {
		t.Errorf("challenge roundtrip wrong: %+v", ch)
	}

	if err := storage.DeleteChallenge(ctx, "ch-1"); err != nil {
		t.Fatalf("DeleteChallenge failed: %v", err)
	}
	if _, err := storage.GetChallenge(ctx, "ch-1"); !errors.Is(err, entitle.ErrChallengeNotFound) {
		t.Errorf("expected ErrChallengeNotFound, got %v", err)
	}

	err = storage.PutBlock(ctx, &entitle.BlockState{
		UserID:            "user1",
		BlockedUntil:      now.Add(time.Hour),
		Reason:            "device_flagged",
		RequiresChallenge: true,
	})
	if err != nil {
		t.Fatalf("PutBlock failed: %v", err)
	}
	block, err := storage.GetBlock(ctx, "user1")
	if err != nil || block == nil || !block.RequiresChallenge {
		t.Errorf("block roundtrip wrong: %+v err=%v", block, err)
	}

	if err := storage.DeleteBlock(ctx, "user1"); err != nil {
		t.Fatalf("DeleteBlock failed: %v", err)
	}
	if block, err := storage.GetBlock(ctx, "user1"); err != nil || block != nil {
		t.Errorf("deleted block still present: %v, %v", block, err)
	}
}

func TestGuardEndToEndOnRedis(t *testing.T) {
	storage := setupTestStorage(t)

	g, err := entitle.NewGuard(storage, entitle.Config{PlanQuota: 2})
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	ctx := context.Background()

	res, err := g.CheckAndConsume(ctx, &entitle.ActionRequest{
		UserID: "user1", ActionType: "flashcard_gen", Amount: 1,
	})
	if err != nil {
		t.Fatalf("CheckAndConsume failed: %v", err)
	}
	if !res.Allowed || res.MonthlyRemaining != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}
