package entitle

import (
	"context"
	"time"
)

// Account holds a user's metered token balances. The monthly allowance
// is renewable and expires at each calendar-month boundary; the
// purchased balance never expires.
type Account struct {
	UserID           string
	MonthlyRemaining int
	PurchasedBalance int

	// LastMonthlyReset is when the monthly allowance was last refilled.
	// ResetMonth is its calendar month in the engine's reference
	// timezone, stored explicitly so storage adapters can detect a due
	// reset without timezone arithmetic of their own.
	LastMonthlyReset time.Time
	ResetMonth       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Total returns the combined spendable balance.
func (a *Account) Total() int {
	return a.MonthlyRemaining + a.PurchasedBalance
}

// UsageRecord is an immutable log entry appended on every successful
// debit. Records are purged on monthly reset.
type UsageRecord struct {
	Timestamp   time.Time
	Amount      int
	RequestType string
}

// UsageSummary aggregates the usage records of the current month.
type UsageSummary struct {
	Total         int
	ByRequestType map[string]int
	Records       []UsageRecord
}

// CreditRecord is the durable trace of a purchase credit. At most one
// record exists per (user, transaction) for the lifetime of the
// account; it is what makes replayed purchases idempotent.
type CreditRecord struct {
	UserID        string
	TransactionID string
	Amount        int
	Source        string
	Timestamp     time.Time
}

// RateLimitState tracks a user's recent actions and any active
// cooldown or lockout. Blocked-ness is always derived from the two
// until-times, never stored.
type RateLimitState struct {
	UserID                string
	Timestamps            []time.Time
	CooldownUntil         time.Time
	LockoutUntil          time.Time
	ConsecutiveViolations int
	UpdatedAt             time.Time
}

// Blocked reports whether the state gates further actions at now.
func (s *RateLimitState) Blocked(now time.Time) bool {
	return now.Before(s.CooldownUntil) || now.Before(s.LockoutUntil)
}

// DeviceSignature tracks which user accounts a device fingerprint has
// been associated with. Associations age out of the rolling window.
type DeviceSignature struct {
	Fingerprint string
	// UserIDs maps an associated user ID to when the association was
	// first seen on this device.
	UserIDs  map[string]time.Time
	LastSeen time.Time
}

// RecentUsers counts distinct user associations first seen at or after
// the cutoff.
func (d *DeviceSignature) RecentUsers(cutoff time.Time) int {
	n := 0
	for _, firstSeen := range d.UserIDs {
		if !firstSeen.Before(cutoff) {
			n++
		}
	}
	return n
}

// IPReputation holds additive abuse counters for one network origin.
type IPReputation struct {
	Origin         string
	AuthFailures   int
	RateViolations int
	LastFailure    time.Time
	BlockUntil     time.Time
	UpdatedAt      time.Time
}

// SetCooldown enforces the minimum spacing between two actions on the
// same (user, resource) pair.
type SetCooldown struct {
	UserID         string
	Resource       string
	LastActionTime time.Time
}

// ChallengeType selects the verification payload for a challenge.
type ChallengeType string

const (
	// ChallengeArithmetic asks the user to solve a small addition.
	ChallengeArithmetic ChallengeType = "arithmetic"
	// ChallengePhrase asks the user to type back a fixed phrase.
	ChallengePhrase ChallengeType = "phrase"
)

// ChallengeState is a pending human-verification challenge. It is
// terminal on success (removed) or once FailureCount reaches the
// configured maximum (converted to a BlockState).
type ChallengeState struct {
	ChallengeID  string
	UserID       string
	Type         ChallengeType
	Prompt       string
	Answer       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	FailureCount int
}

// Challenge is the caller-facing view of an issued challenge. The
// expected answer never leaves the engine.
type Challenge struct {
	ChallengeID string
	Type        ChallengeType
	Prompt      string
	ExpiresAt   time.Time
}

// BlockState is a temporary account block created by the orchestrator
// or by repeated challenge failures.
type BlockState struct {
	UserID            string
	BlockedUntil      time.Time
	Reason            string
	RequiresChallenge bool
}

// DenyReason identifies why an action was denied.
type DenyReason string

const (
	DenyNone                DenyReason = ""
	DenyUserBlocked         DenyReason = "user_blocked"
	DenyDeviceFlagged       DenyReason = "device_flagged"
	DenyIPBlocked           DenyReason = "ip_blocked"
	DenyRateLimited         DenyReason = "rate_limited"
	DenyCooldownActive      DenyReason = "cooldown_active"
	DenyInsufficientBalance DenyReason = "insufficient_balance"
)

// Decision is the structured outcome of an abuse-prevention check.
// Denials always carry a reason and, where one exists, a precise
// retry-after duration so callers can back off accurately.
type Decision struct {
	Allowed           bool
	Reason            DenyReason
	RetryAfter        time.Duration
	RequiresChallenge bool
	BlockDuration     time.Duration
}

// Allow returns the affirmative decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denial with the given reason and retry-after.
func Deny(reason DenyReason, retryAfter time.Duration) Decision {
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// ActionRequest describes one metered action to gate (and, for
// CheckAndConsume, to debit).
type ActionRequest struct {
	UserID     string
	ActionType string
	Amount     int

	// DeviceAttributes are hashed into a device fingerprint. If
	// Fingerprint is set it is used as-is and the attributes are
	// ignored.
	DeviceAttributes map[string]string
	Fingerprint      string

	// ResourceID scopes the per-resource cooldown. Empty skips the
	// cooldown check.
	ResourceID string

	// IPOrigin is the caller's network origin. Empty skips the IP
	// reputation check.
	IPOrigin string
}

// ConsumeResult is the outcome of a combined gate-and-debit operation.
type ConsumeResult struct {
	Decision
	MonthlyRemaining int
	PurchasedBalance int
}

// AccountStatus is the caller-facing balance and block summary.
type AccountStatus struct {
	UserID           string
	MonthlyRemaining int
	PurchasedBalance int
	NextResetAt      time.Time
	IsBlocked        bool
	BlockReason      string
}

// Limits holds every abuse-prevention threshold. Zero values are
// replaced with the defaults from DefaultLimits by NewGuard.
type Limits struct {
	// Burst ceiling: at most BurstCeiling actions per BurstWindow.
	BurstWindow  time.Duration
	BurstCeiling int

	PerMinuteCeiling int
	PerHourCeiling   int
	DailyCeiling     int

	// CooldownDuration is applied when a minute or hour ceiling is
	// exceeded. LockoutDuration is applied on the daily ceiling or
	// after MaxConsecutiveViolations violations in a row.
	CooldownDuration         time.Duration
	LockoutDuration          time.Duration
	MaxConsecutiveViolations int

	// ResourceCooldown is the minimum interval between two actions on
	// the same (user, resource) pair.
	ResourceCooldown time.Duration

	// MultiAccountThreshold is the number of distinct accounts seen on
	// one device within DeviceWindow before the device is flagged.
	MultiAccountThreshold int
	DeviceWindow          time.Duration
	DeviceBlockDuration   time.Duration

	IPAuthFailureThreshold int
	IPViolationThreshold   int
	IPBlockDuration        time.Duration
	// IPDecayWindow ages out IP counters: an origin quiet for longer
	// than this starts from zero again.
	IPDecayWindow time.Duration

	ChallengeTTL           time.Duration
	ChallengeMaxFailures   int
	ChallengeBlockDuration time.Duration
}

// DefaultLimits returns the production thresholds.
func DefaultLimits() Limits {
	return Limits{
		BurstWindow:              10 * time.Second,
		BurstCeiling:             4,
		PerMinuteCeiling:         10,
		PerHourCeiling:           60,
		DailyCeiling:             300,
		CooldownDuration:         30 * time.Second,
		LockoutDuration:          30 * time.Minute,
		MaxConsecutiveViolations: 3,
		ResourceCooldown:         10 * time.Second,
		MultiAccountThreshold:    3,
		DeviceWindow:             24 * time.Hour,
		DeviceBlockDuration:      24 * time.Hour,
		IPAuthFailureThreshold:   5,
		IPViolationThreshold:     3,
		IPBlockDuration:          30 * time.Minute,
		IPDecayWindow:            time.Hour,
		ChallengeTTL:             10 * time.Minute,
		ChallengeMaxFailures:     3,
		ChallengeBlockDuration:   24 * time.Hour,
	}
}

// Retention holds how long idle abuse state is kept before the
// background sweeper purges it.
type Retention struct {
	RateLimitState time.Duration
	DeviceState    time.Duration
	Cooldowns      time.Duration
	IPReputation   time.Duration
}

// DefaultRetention returns the production retention windows.
func DefaultRetention() Retention {
	return Retention{
		RateLimitState: 24 * time.Hour,
		DeviceState:    24 * time.Hour,
		Cooldowns:      time.Hour,
		IPReputation:   7 * 24 * time.Hour,
	}
}

// CacheConfig configures the in-process cache in front of storage.
type CacheConfig struct {
	Enabled bool

	// AccountTTL is the TTL for cached account snapshots.
	AccountTTL time.Duration

	// PurchaseTTL is the TTL for cached purchase outcomes used to
	// short-circuit replays without a ledger scan.
	PurchaseTTL time.Duration

	MaxAccounts  int
	MaxPurchases int
}

// Config holds engine configuration.
type Config struct {
	// PlanQuota is the monthly allowance granted on account creation
	// and on every monthly reset.
	PlanQuota int

	Limits    Limits
	Retention Retention

	// Location is the single reference timezone for monthly-reset
	// arithmetic. Defaults to UTC.
	Location *time.Location

	// SweepInterval is how often the background sweeper runs
	// (default: 5 minutes).
	SweepInterval time.Duration

	// VerifyTimeout bounds calls to the purchase verification
	// authority (default: 10 seconds).
	VerifyTimeout time.Duration

	CacheConfig *CacheConfig

	// Verifier generates and checks challenge payloads
	// (default: ArithmeticVerifier).
	Verifier ChallengeVerifier

	// PurchaseVerifier validates purchase receipts with the external
	// authority. Required for PurchaseVerifyAndCredit.
	PurchaseVerifier PurchaseVerifier

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks engine operations (default: NoopMetrics).
	Metrics Metrics

	// Telemetry receives fire-and-forget events; it can never fail an
	// operation (default: NoopTelemetry).
	Telemetry Telemetry

	// ReviewQueue receives flagged devices for manual review
	// (default: NoopReviewQueue).
	ReviewQueue ReviewQueue

	// Clock overrides the time source, for tests (default: time.Now).
	Clock func() time.Time
}

// ReceiptInfo identifies one purchase attempt for verification.
type ReceiptInfo struct {
	UserID        string
	ProductID     string
	TransactionID string
	PurchaseToken string
	Platform      string
	ReceiptData   string
}

// VerificationResult is the verdict of the external purchase
// verification authority.
type VerificationResult struct {
	Verified     bool
	Tokens       int
	ErrorMessage string
}

// PurchaseVerifier validates a purchase receipt with an external
// authority and determines the token amount it grants. The engine does
// not assume the authority is idempotent; replay protection is
// enforced locally.
type PurchaseVerifier interface {
	VerifyPurchase(ctx context.Context, receipt *ReceiptInfo) (*VerificationResult, error)
}

// PurchaseOutcome classifies one purchase attempt.
type PurchaseOutcome string

const (
	OutcomeVerifiedCredited   PurchaseOutcome = "verified_credited"
	OutcomeVerifiedLedgerFail PurchaseOutcome = "verified_ledger_failed"
	OutcomeRejectedByVerifier PurchaseOutcome = "rejected_by_verifier"
	OutcomeDeniedByAbuseGate  PurchaseOutcome = "denied_by_abuse_gate"
)

// PurchaseRequest describes one purchase attempt.
type PurchaseRequest struct {
	UserID        string
	ProductID     string
	TransactionID string
	PurchaseToken string
	Platform      string
	ReceiptData   string

	// Device/IP context for the abuse gate, same as ActionRequest.
	DeviceAttributes map[string]string
	Fingerprint      string
	IPOrigin         string
}

// PurchaseResult is the outcome of PurchaseVerifyAndCredit.
type PurchaseResult struct {
	Verified       bool
	TokensCredited int
	IsReplay       bool
	ErrorMessage   string
	Outcome        PurchaseOutcome
}
