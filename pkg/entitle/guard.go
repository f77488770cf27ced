package entitle

import (
	"context"
	"errors"
	"time"
)

// Guard composes the abuse-prevention trackers and the entitlement
// ledger into a single engine. It is the one entry point request
// handlers talk to; one Guard serves many concurrent callers.
type Guard struct {
	storage    Storage
	cfg        Config
	ledger     *Ledger
	limiter    *RateLimiter
	reputation *ReputationTracker
	cooldowns  *CooldownTracker
	challenges *Challenges
	reconciler *reconciler
	cache      Cache
	clock      func() time.Time
}

// NewGuard creates a Guard over the given storage. Zero-valued config
// fields are replaced with defaults.
func NewGuard(storage Storage, cfg Config) (*Guard, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	applyDefaults(&cfg)

	ledger, err := NewLedger(storage, cfg.PlanQuota, cfg.Location, cfg.Clock)
	if err != nil {
		return nil, err
	}
	ledger.logger = cfg.Logger
	ledger.metrics = cfg.Metrics

	reputation := NewReputationTracker(storage, cfg.Limits, cfg.Clock)
	reputation.review = cfg.ReviewQueue
	reputation.logger = cfg.Logger

	challenges := NewChallenges(storage, cfg.Verifier, cfg.Limits, cfg.Clock)
	challenges.logger = cfg.Logger

	var cache Cache = NewNoopCache()
	if cfg.CacheConfig != nil && cfg.CacheConfig.Enabled {
		cache = NewLRUCache(cfg.CacheConfig.MaxAccounts, cfg.CacheConfig.MaxPurchases)
	}

	g := &Guard{
		storage:    storage,
		cfg:        cfg,
		ledger:     ledger,
		limiter:    NewRateLimiter(storage, cfg.Limits, cfg.Clock),
		reputation: reputation,
		cooldowns:  NewCooldownTracker(storage, cfg.Limits.ResourceCooldown, cfg.Clock),
		challenges: challenges,
		cache:      cache,
		clock:      cfg.Clock,
	}
	g.reconciler = newReconciler(g)
	return g, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Retention == (Retention{}) {
		cfg.Retention = DefaultRetention()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.VerifyTimeout == 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &NoopTelemetry{}
	}
	if cfg.ReviewQueue == nil {
		cfg.ReviewQueue = &NoopReviewQueue{}
	}
	if cfg.CacheConfig != nil && cfg.CacheConfig.Enabled {
		if cfg.CacheConfig.AccountTTL == 0 {
			cfg.CacheConfig.AccountTTL = 10 * time.Second
		}
		if cfg.CacheConfig.PurchaseTTL == 0 {
			cfg.CacheConfig.PurchaseTTL = 24 * time.Hour
		}
	}
}

// Ledger exposes the entitlement ledger for direct balance operations.
func (g *Guard) Ledger() *Ledger { return g.ledger }

// CanPerformAction runs the abuse-prevention checks in order, cheapest
// and most decisive first: user block, device, IP, user rate limit,
// resource cooldown. It short-circuits on the first denial. Each
// check records its own state atomically with its verdict, so two
// concurrent requests cannot both slip under a ceiling.
func (g *Guard) CanPerformAction(ctx context.Context, req *ActionRequest) (Decision, error) {
	start := g.clock()
	decision, err := g.canPerformAction(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	g.cfg.Metrics.RecordDecision(req.ActionType, decision.Reason, decision.Allowed)
	g.cfg.Metrics.RecordCheckDuration(req.ActionType, g.clock().Sub(start))
	if !decision.Allowed {
		g.emit("action_denied", map[string]interface{}{
			"user_id":     req.UserID,
			"action_type": req.ActionType,
			"reason":      string(decision.Reason),
		})
	}
	return decision, nil
}

func (g *Guard) canPerformAction(ctx context.Context, req *ActionRequest) (Decision, error) {
	now := g.clock()

	// Active block gates everything, including purchases. Expired
	// blocks are removed lazily; the sweeper catches the rest.
	block, err := g.storage.GetBlock(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}
	if block != nil {
		if now.Before(block.BlockedUntil) {
			return Decision{
				Reason:            DenyUserBlocked,
				RetryAfter:        block.BlockedUntil.Sub(now),
				RequiresChallenge: block.RequiresChallenge,
			}, nil
		}
		if err := g.storage.DeleteBlock(ctx, req.UserID); err != nil {
			g.cfg.Logger.Warn("expired block cleanup failed",
				Field{Key: "user_id", Value: req.UserID}, Field{Key: "error", Value: err})
		}
	}

	if fp := g.fingerprintOf(req); fp != "" {
		decision, err := g.reputation.CheckDevice(ctx, fp, req.UserID)
		if err != nil {
			return Decision{}, err
		}
		if !decision.Allowed {
			return decision, nil
		}
	}

	if req.IPOrigin != "" {
		decision, err := g.reputation.CheckIP(ctx, req.IPOrigin)
		if err != nil {
			return Decision{}, err
		}
		if !decision.Allowed {
			return decision, nil
		}
	}

	decision, err := g.limiter.CheckAndRecord(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allowed {
		// A rate violation also counts against the origin.
		if req.IPOrigin != "" {
			if verr := g.reputation.RecordRateViolation(ctx, req.IPOrigin); verr != nil {
				g.cfg.Logger.Warn("ip violation record failed",
					Field{Key: "origin", Value: req.IPOrigin}, Field{Key: "error", Value: verr})
			}
		}
		return decision, nil
	}

	if req.ResourceID != "" {
		decision, err := g.cooldowns.CheckAndTouch(ctx, req.UserID, req.ResourceID)
		if err != nil {
			return Decision{}, err
		}
		if !decision.Allowed {
			return decision, nil
		}
	}

	return Allow(), nil
}

// CheckAndConsume is the combined gate-and-debit operation: the abuse
// gate runs first and a gate failure never debits. An insufficient
// balance surfaces as a structured denial, not an error.
func (g *Guard) CheckAndConsume(ctx context.Context, req *ActionRequest) (*ConsumeResult, error) {
	decision, err := g.CanPerformAction(ctx, req)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &ConsumeResult{Decision: decision}, nil
	}

	res, err := g.ledger.Debit(ctx, req.UserID, req.Amount, req.ActionType)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			acct, aerr := g.ledger.Account(ctx, req.UserID)
			if aerr != nil {
				return nil, aerr
			}
			return &ConsumeResult{
				Decision:         Deny(DenyInsufficientBalance, 0),
				MonthlyRemaining: acct.MonthlyRemaining,
				PurchasedBalance: acct.PurchasedBalance,
			}, nil
		}
		return nil, err
	}

	g.cache.InvalidateAccount(req.UserID)
	g.emit("action_consumed", map[string]interface{}{
		"user_id":     req.UserID,
		"action_type": req.ActionType,
		"amount":      req.Amount,
	})
	return &ConsumeResult{
		Decision:         Allow(),
		MonthlyRemaining: res.MonthlyRemaining,
		PurchasedBalance: res.PurchasedBalance,
	}, nil
}

// RecordAuthFailure reports a failed authentication from an origin so
// the IP reputation tracker can count it.
func (g *Guard) RecordAuthFailure(ctx context.Context, origin string) error {
	return g.reputation.RecordAuthFailure(ctx, origin)
}

// IssueChallenge creates a human-verification challenge for the user.
func (g *Guard) IssueChallenge(ctx context.Context, userID string, typ ChallengeType) (*Challenge, error) {
	return g.challenges.Issue(ctx, userID, typ)
}

// VerifyChallenge checks a challenge response. See Challenges.Verify.
func (g *Guard) VerifyChallenge(ctx context.Context, challengeID, response string) (bool, error) {
	return g.challenges.Verify(ctx, challengeID, response)
}

// PurchaseVerifyAndCredit verifies a purchase receipt exactly once and
// credits the ledger idempotently. See the reconciler for the
// protocol.
func (g *Guard) PurchaseVerifyAndCredit(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error) {
	return g.reconciler.verifyAndCredit(ctx, req)
}

// AccountStatus returns the caller-facing balance and block summary.
func (g *Guard) AccountStatus(ctx context.Context, userID string) (*AccountStatus, error) {
	now := g.clock()

	acct, cached := g.cache.GetAccount(userID)
	if cached {
		g.cfg.Metrics.RecordCacheHit("account")
	} else {
		g.cfg.Metrics.RecordCacheMiss("account")
		var err error
		acct, err = g.ledger.Account(ctx, userID)
		if err != nil {
			return nil, err
		}
		if g.cfg.CacheConfig != nil && g.cfg.CacheConfig.Enabled {
			g.cache.SetAccount(userID, acct, g.cfg.CacheConfig.AccountTTL)
		}
	}

	status := &AccountStatus{
		UserID:           userID,
		MonthlyRemaining: acct.MonthlyRemaining,
		PurchasedBalance: acct.PurchasedBalance,
		NextResetAt:      NextReset(now, g.cfg.Location),
	}

	block, err := g.storage.GetBlock(ctx, userID)
	if err != nil {
		return nil, err
	}
	if block != nil && now.Before(block.BlockedUntil) {
		status.IsBlocked = true
		status.BlockReason = block.Reason
	} else {
		blocked, _, err := g.limiter.Blocked(ctx, userID)
		if err != nil {
			return nil, err
		}
		if blocked {
			status.IsBlocked = true
			status.BlockReason = string(DenyRateLimited)
		}
	}
	return status, nil
}

// MonthlyUsage reports the current month's usage for budget estimation.
func (g *Guard) MonthlyUsage(ctx context.Context, userID string) (*UsageSummary, error) {
	return g.ledger.MonthlyUsage(ctx, userID)
}

// NewSweeper returns a background sweeper bound to this guard's
// storage and retention policy.
func (g *Guard) NewSweeper() *Sweeper {
	return NewSweeper(g.storage, g.cfg.Retention, g.cfg.SweepInterval, g.clock, g.cfg.Logger, g.cfg.Metrics)
}

func (g *Guard) fingerprintOf(req *ActionRequest) string {
	if req.Fingerprint != "" {
		return req.Fingerprint
	}
	if len(req.DeviceAttributes) > 0 {
		return Fingerprint(req.DeviceAttributes)
	}
	return ""
}

// emit sends a telemetry event; panics in the sink are swallowed so a
// misbehaving sink can never fail the primary operation.
func (g *Guard) emit(event string, params map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			g.cfg.Logger.Warn("telemetry panic",
				Field{Key: "event", Value: event}, Field{Key: "panic", Value: r})
		}
	}()
	g.cfg.Telemetry.Emit(event, params)
}
