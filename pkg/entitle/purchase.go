package entitle

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// reconciler implements the purchase reconciliation protocol: abuse
// gate, replay check against the ledger, external verification with a
// bounded timeout, idempotent credit. Concurrent attempts for the
// same (user, transaction) collapse into one flight.
type reconciler struct {
	guard  *Guard
	flight singleflight.Group
}

func newReconciler(g *Guard) *reconciler {
	return &reconciler{guard: g}
}

func (r *reconciler) verifyAndCredit(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error) {
	g := r.guard
	if g.cfg.PurchaseVerifier == nil {
		return nil, ErrVerifierNotConfigured
	}
	if req.TransactionID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", ErrInvalidAmount)
	}

	// Purchase attempts go through the same abuse gate as any other
	// metered action. A gate failure never reaches the verifier.
	decision, err := g.CanPerformAction(ctx, &ActionRequest{
		UserID:           req.UserID,
		ActionType:       "purchase",
		DeviceAttributes: req.DeviceAttributes,
		Fingerprint:      req.Fingerprint,
		IPOrigin:         req.IPOrigin,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		res := &PurchaseResult{
			Outcome:      OutcomeDeniedByAbuseGate,
			ErrorMessage: string(decision.Reason),
		}
		r.record(req, res)
		return res, nil
	}

	key := req.UserID + "|" + req.TransactionID

	// The purchase cache short-circuits replays without a ledger scan.
	// The ledger scan inside the flight remains authoritative; this is
	// an optimization, not an invariant.
	if cached, ok := g.cache.GetPurchase(key); ok {
		g.cfg.Metrics.RecordCacheHit("purchase")
		replay := *cached
		replay.IsReplay = true
		r.record(req, &replay)
		return &replay, nil
	}
	g.cfg.Metrics.RecordCacheMiss("purchase")

	var leader bool
	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		leader = true
		return r.reconcile(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*PurchaseResult)
	if leader {
		return res, nil
	}

	// Collapsed into another caller's flight: this attempt did not
	// perform the credit itself, so it reports as a replay, the same
	// as a request arriving just after the flight finished.
	cp := *res
	if cp.Verified {
		cp.IsReplay = true
	}
	r.record(req, &cp)
	return &cp, nil
}

func (r *reconciler) reconcile(ctx context.Context, req *PurchaseRequest, cacheKey string) (*PurchaseResult, error) {
	g := r.guard

	// Replay check: the ledger's credit records are the source of
	// truth. A matching transaction returns the original result
	// unchanged, with no second credit.
	record, err := g.ledger.CreditRecord(ctx, req.UserID, req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("replay scan: %w", err)
	}
	if record != nil {
		res := &PurchaseResult{
			Verified:       true,
			TokensCredited: record.Amount,
			IsReplay:       true,
			Outcome:        OutcomeVerifiedCredited,
		}
		r.cache(cacheKey, res)
		r.record(req, res)
		return res, nil
	}

	// External verification is the only cancellable step. A timeout
	// means not-yet-verified: no credit, and the same transaction ID
	// is safe to retry.
	vctx, cancel := context.WithTimeout(ctx, g.cfg.VerifyTimeout)
	defer cancel()

	verdict, err := g.cfg.PurchaseVerifier.VerifyPurchase(vctx, &ReceiptInfo{
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		TransactionID: req.TransactionID,
		PurchaseToken: req.PurchaseToken,
		Platform:      req.Platform,
		ReceiptData:   req.ReceiptData,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	if !verdict.Verified {
		res := &PurchaseResult{
			Outcome:      OutcomeRejectedByVerifier,
			ErrorMessage: verdict.ErrorMessage,
		}
		r.record(req, res)
		return res, nil
	}

	credit, err := g.ledger.Credit(ctx, req.UserID, req.TransactionID, verdict.Tokens, req.Platform)
	if err != nil {
		// A verified purchase with a failed ledger write is a failed
		// purchase. It must not be masked as success; the caller
		// retries with the same transaction ID, protected by the
		// replay check above.
		res := &PurchaseResult{
			Outcome:      OutcomeVerifiedLedgerFail,
			ErrorMessage: err.Error(),
		}
		r.record(req, res)
		if errors.Is(err, ErrLedgerWriteFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	res := &PurchaseResult{
		Verified:       true,
		TokensCredited: credit.Amount,
		IsReplay:       credit.AlreadyCredited,
		Outcome:        OutcomeVerifiedCredited,
	}
	g.cache.InvalidateAccount(req.UserID)
	r.cache(cacheKey, res)
	r.record(req, res)
	return res, nil
}

func (r *reconciler) cache(key string, res *PurchaseResult) {
	cfg := r.guard.cfg.CacheConfig
	if cfg != nil && cfg.Enabled {
		r.guard.cache.SetPurchase(key, res, cfg.PurchaseTTL)
	}
}

// record emits the per-attempt outcome to metrics and telemetry.
func (r *reconciler) record(req *PurchaseRequest, res *PurchaseResult) {
	g := r.guard
	g.cfg.Metrics.RecordPurchaseOutcome(res.Outcome)
	g.emit("purchase_attempt", map[string]interface{}{
		"user_id":        req.UserID,
		"product_id":     req.ProductID,
		"transaction_id": req.TransactionID,
		"platform":       req.Platform,
		"outcome":        string(res.Outcome),
		"is_replay":      res.IsReplay,
	})
}
