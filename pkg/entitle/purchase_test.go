package entitle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studydeck/entitle/pkg/entitle"
)

func TestPurchase_VerifierNotConfigured(t *testing.T) {
	g, _, _ := newTestGuard(t, entitle.Config{PlanQuota: 10, Limits: openLimits()})

	_, err := g.PurchaseVerifyAndCredit(context.Background(), &entitle.PurchaseRequest{
		UserID: "user1", TransactionID: "tx-1",
	})
	if !errors.Is(err, entitle.ErrVerifierNotConfigured) {
		t.Fatalf("expected ErrVerifierNotConfigured, got %v", err)
	}
}

func TestPurchase_EmptyTransactionIDRejected(t *testing.T) {
	g, _, _ := newTestGuard(t, entitle.Config{
		PlanQuota:        10,
		Limits:           openLimits(),
		PurchaseVerifier: &fakePurchaseVerifier{},
	})

	if _, err := g.PurchaseVerifyAndCredit(context.Background(), &entitle.PurchaseRequest{
		UserID: "user1",
	}); err == nil {
		t.Fatalf("empty transaction id accepted")
	}
}

func TestPurchase_ReplayReturnsOriginalWithoutSecondCredit(t *testing.T) {
	verifier := &fakePurchaseVerifier{verdict: entitle.VerificationResult{Verified: true, Tokens: 5}}
	g, _, _ := newTestGuard(t, entitle.Config{
		PlanQuota:        0,
		Limits:           openLimits(),
		PurchaseVerifier: verifier,
	})
	ctx := context.Background()

	req := &entitle.PurchaseRequest{
		UserID:        "user1",
		ProductID:     "tokens_5",
		TransactionID: "tx-1",
		Platform:      "playstore",
	}

	first, err := g.PurchaseVerifyAndCredit(ctx, req)
	if err != nil {
		t.Fatalf("first attempt failed: %v", err)
	}
	if first.IsReplay || first.TokensCredited != 5 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := g.PurchaseVerifyAndCredit(ctx, req)
	if err != nil {
		t.Fatalf("replay attempt failed: %v", err)
	}
	if !second.IsReplay {
		t.Errorf("replay not detected")
	}
	if second.TokensCredited != 5 || second.Outcome != entitle.OutcomeVerifiedCredited {
		t.Errorf("replay changed the result: %+v", second)
	}

	// The replay never reached the external authority again.
	if verifier.callCount() != 1 {
		t.Errorf("verifier called %d times, want 1", verifier.callCount())
	}

	status, err := g.AccountStatus(ctx, "user1")
	if err != nil {
		t.Fatalf("AccountStatus failed: %v", err)
	}
	if status.PurchasedBalance != 5 {
		t.Errorf("double credit: purchased=%d, want 5", status.PurchasedBalance)
	}
}

func TestPurchase_RejectedByVerifier(t *testing.T) {
	verifier := &fakePurchaseVerifier{verdict: entitle.VerificationResult{
		Verified: false, ErrorMessage: "receipt signature mismatch",
	}}
	g, _, _ := newTestGuard(t, entitle.Config{
		PlanQuota:        0,
		Limits:           openLimits(),
		PurchaseVerifier: verifier,
	})
	ctx := context.Background()

	res, err := g.PurchaseVerifyAndCredit(ctx, &entitle.PurchaseRequest{
		UserID: "user1", TransactionID: "tx-bad",
	})
	if err != nil {
		t.Fatalf("PurchaseVerifyAndCredit failed: %v", err)
	}
	if res.Verified || res.Outcome != entitle.OutcomeRejectedByVerifier {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ErrorMessage != "receipt signature mismatch" {
		t.Errorf("verifier message lost: %q", res.ErrorMessage)
	}

	status, err := g.AccountStatus(ctx, "user1")
	if err != nil {
		t.Fatalf("AccountStatus failed: %v", err)
	}
	if status.PurchasedBalance != 0 {
		t.Errorf("rejected purchase credited: %d", status.PurchasedBalance)
	}
}

func TestPurchase_VerifierOutageIsRetryable(t *testing.T) {
	verifier := &fakePurchaseVerifier{err: errors.New("upstream 503")}
	g, _, _ := newTestGuard(t, entitle.Config{
		PlanQuota:        0,
		Limits:           openLimits(),
		PurchaseVerifier: verifier,
	})
	ctx := context.Background()

	req := &entitle.PurchaseRequest{UserID: "user1", TransactionID: "tx-1"}
	_, err := g.PurchaseVerifyAndCredit(ctx, req)
	if !errors.Is(err, entitle.ErrVerificationUnavailable) {
		t.Fatalf("expected ErrVerificationUnavailable, got %v", err)
	}

	// Once the authority recovers, the same transaction ID goes
	// through cleanly.
	verifier.mu.Lock()
	verifier.err = nil
	verifier.verdict = entitle.VerificationResult{Verified: true, Tokens: 3}
	verifier.mu.Unlock()

	res, err := g.PurchaseVerifyAndCredit(ctx, req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.TokensCredited != 3 || res.IsReplay {
		t.Errorf("unexpected retry result: %+v", res)
	}
}

func TestPurchase_DeniedByAbuseGate(t *testing.T) {
	verifier := &fakePurchaseVerifier{verdict: entitle.VerificationResult{Verified: true, Tokens: 5}}
	g, store, clock := newTestGuard(t, entitle.Config{
		PlanQuota:        0,
		Limits:           openLimits(),
		PurchaseVerifier: verifier,
	})
	ctx := context.Background()

	err := store.PutBlock(ctx, &entitle.BlockState{
		UserID:       "user1",
		BlockedUntil: clock.Now().Add(time.Hour),
		Reason:       "manual",
	})
	if err != nil {
		t.Fatalf("PutBlock failed: %v", err)
	}

	res, err := g.PurchaseVerifyAndCredit(ctx, &entitle.PurchaseRequest{
		UserID: "user1", TransactionID: "tx-1",
	})
	if err != nil {
		t.Fatalf("PurchaseVerifyAndCredit failed: %v", err)
	}
	if res.Outcome != entitle.OutcomeDeniedByAbuseGate {
		t.Fatalf("expected gate denial, got %+v", res)
	}
	if verifier.callCount() != 0 {
		t.Errorf("gate failure reached the verifier")
	}
}

func TestPurchase_ConcurrentAttemptsCollapse(t *testing.T) {
	verifier := &fakePurchaseVerifier{verdict: entitle.VerificationResult{Verified: true, Tokens: 5}}
	g, _, _ := newTestGuard(t, entitle.Config{
		PlanQuota:        0,
		Limits:           openLimits(),
		PurchaseVerifier: verifier,
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*entitle.PurchaseResult, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.PurchaseVerifyAndCredit(ctx, &entitle.PurchaseRequest{
				UserID: "user1", TransactionID: "tx-race",
			})
			if err != nil {
				t.Errorf("attempt %d failed: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res == nil {
			continue
		}
		if res.TokensCredited != 5 || res.Outcome != entitle.OutcomeVerifiedCredited {
			t.Errorf("attempt %d got %+v", i, res)
		}
	}

	status, err := g.AccountStatus(ctx, "user1")
	if err != nil {
		t.Fatalf("AccountStatus failed: %v", err)
	}
	if status.PurchasedBalance != 5 {
		t.Errorf("credited %d, want exactly 5", status.PurchasedBalance)
	}
}

func TestPurchase_CollapsedAttemptsReportReplay(t *testing.T) {
	verifier := &fakePurchaseVerifier{
		verdict: entitle.VerificationResult{Verified: true, Tokens: 5},
		gate:    make(chan struct{}),
	}
	g, _, _ := newTestGuard(t, entitle.Config{
		PlanQuota:        0,
		Limits:           openLimits(),
		PurchaseVerifier: verifier,
	})
	ctx := context.Background()

	// Hold the verifier open so every attempt joins the same flight,
	// then release them all at once.
	var wg sync.WaitGroup
	results := make([]*entitle.PurchaseResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.PurchaseVerifyAndCredit(ctx, &entitle.PurchaseRequest{
				UserID: "user1", TransactionID: "tx-race",
			})
			if err != nil {
				t.Errorf("attempt %d failed: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(verifier.gate)
	wg.Wait()

	// Exactly one attempt performed the credit; every other caller,
	// whether collapsed into that flight or arriving after it, must
	// see a replay. The credits all agree on the amount.
	fresh := 0
	for i, res := range results {
		if res == nil {
			continue
		}
		if res.TokensCredited != 5 {
			t.Errorf("attempt %d credited %d, want 5", i, res.TokensCredited)
		}
		if !res.IsReplay {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d attempts reported a fresh credit, want exactly 1", fresh)
	}
}

func TestPurchase_CacheShortCircuitsReplay(t *testing.T) {
	verifier := &fakePurchaseVerifier{verdict: entitle.VerificationResult{Verified: true, Tokens: 5}}
	g, store, _ := newTestGuard(t, entitle.Config{
		PlanQuota:        0,
		Limits:           openLimits(),
		PurchaseVerifier: verifier,
		CacheConfig:      &entitle.CacheConfig{Enabled: true, MaxAccounts: 16, MaxPurchases: 16},
	})
	ctx := context.Background()

	req := &entitle.PurchaseRequest{UserID: "user1", TransactionID: "tx-1", Platform: "appstore"}
	if _, err := g.PurchaseVerifyAndCredit(ctx, req); err != nil {
		t.Fatalf("first attempt failed: %v", err)
	}

	// Wipe storage: the cached outcome alone must answer the replay.
	store.Clear()

	res, err := g.PurchaseVerifyAndCredit(ctx, req)
	if err != nil {
		t.Fatalf("cached replay failed: %v", err)
	}
	if !res.IsReplay || res.TokensCredited != 5 {
		t.Errorf("cache miss on replay: %+v", res)
	}
	if verifier.callCount() != 1 {
		t.Errorf("verifier called %d times, want 1", verifier.callCount())
	}
}
