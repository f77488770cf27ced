package entitle

import (
	"context"
	"time"
)

// Storage defines the persistence contract for the engine. All methods
// use concrete types from this package to avoid import cycles.
//
// Atomicity requirements:
//   - DebitAccount, CreditAccount and ResetAllowance are transactions
//     over a single account: concurrent calls must never produce a
//     negative balance or a double credit.
//   - The Update* methods perform an atomic read-modify-write of one
//     state entry. fn receives the current state (zero-valued with key
//     fields set if absent), mutates it in place, and the result is
//     written back in the same transaction. fn must be pure over its
//     argument: optimistic implementations may invoke it more than
//     once. Returning an error from fn aborts without writing.
type Storage interface {
	// GetAccount retrieves a user's account.
	// Returns ErrAccountNotFound if it does not exist.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// CreateAccount stores a new account if none exists.
	// Returns ErrAccountExists if one does.
	CreateAccount(ctx context.Context, acct *Account) error

	// DebitAccount atomically debits an account, monthly allowance
	// first, then purchased balance. A due monthly reset (stored
	// ResetMonth differing from req.MonthKey) is applied inside the
	// same transaction before the debit. On success a UsageRecord is
	// appended. Fails closed with ErrInsufficientBalance: no partial
	// debit.
	DebitAccount(ctx context.Context, req *DebitRequest) (*DebitResult, error)

	// CreditAccount atomically adds to the purchased balance. If the
	// transaction ID was already credited for this user, no second
	// credit is applied and the result carries AlreadyCredited with
	// the original amount.
	CreditAccount(ctx context.Context, req *CreditRequest) (*CreditResult, error)

	// GetCreditRecord retrieves the credit record for a transaction
	// ID. Returns nil, nil if no record exists.
	GetCreditRecord(ctx context.Context, userID, transactionID string) (*CreditRecord, error)

	// ListUsage returns the usage records logged at or after since,
	// oldest first.
	ListUsage(ctx context.Context, userID string, since time.Time) ([]UsageRecord, error)

	// ResetAllowance refills the monthly allowance if the stored
	// ResetMonth differs from req.MonthKey, clearing usage records.
	// The purchased balance is untouched. No-op when no reset is due.
	// Returns the account after the (possible) reset.
	ResetAllowance(ctx context.Context, req *ResetRequest) (*Account, error)

	// UpdateRateState atomically updates a user's rate-limit state.
	UpdateRateState(ctx context.Context, userID string, fn func(*RateLimitState) error) (*RateLimitState, error)

	// GetRateState reads a user's rate-limit state without writing it
	// back. Returns nil, nil when the user has no recorded state.
	GetRateState(ctx context.Context, userID string) (*RateLimitState, error)

	// DeleteRateState removes a user's rate-limit state (monthly reset).
	DeleteRateState(ctx context.Context, userID string) error

	// UpdateDevice atomically updates a device signature.
	UpdateDevice(ctx context.Context, fingerprint string, fn func(*DeviceSignature) error) (*DeviceSignature, error)

	// UpdateIPReputation atomically updates an origin's reputation.
	UpdateIPReputation(ctx context.Context, origin string, fn func(*IPReputation) error) (*IPReputation, error)

	// UpdateCooldown atomically updates a (user, resource) cooldown.
	UpdateCooldown(ctx context.Context, userID, resource string, fn func(*SetCooldown) error) (*SetCooldown, error)

	// PutChallenge stores or replaces a challenge.
	PutChallenge(ctx context.Context, ch *ChallengeState) error

	// GetChallenge retrieves a challenge by ID.
	// Returns ErrChallengeNotFound if it does not exist.
	GetChallenge(ctx context.Context, challengeID string) (*ChallengeState, error)

	// DeleteChallenge removes a challenge. Unknown IDs are not an error.
	DeleteChallenge(ctx context.Context, challengeID string) error

	// PutBlock stores or replaces a user block.
	PutBlock(ctx context.Context, b *BlockState) error

	// GetBlock retrieves a user's block. Returns nil, nil when the
	// user is not blocked.
	GetBlock(ctx context.Context, userID string) (*BlockState, error)

	// DeleteBlock removes a user's block. Absence is not an error.
	DeleteBlock(ctx context.Context, userID string) error

	// PurgeExpired removes provably expired state: rate-limit, device,
	// cooldown and IP entries idle since before their cutoffs, and
	// challenges and blocks past their expiry. It may run concurrently
	// with request handling. Returns the number of entries removed.
	PurgeExpired(ctx context.Context, cutoffs PurgeCutoffs) (int, error)
}

// DebitRequest describes one atomic debit.
type DebitRequest struct {
	UserID      string
	Amount      int
	RequestType string
	Now         time.Time

	// MonthKey is the calendar month of Now in the engine's reference
	// timezone; MonthlyQuota is the refill applied when the stored
	// ResetMonth differs from it.
	MonthKey     string
	MonthlyQuota int
}

// DebitResult reports how a debit was satisfied.
type DebitResult struct {
	FromMonthly      int
	FromPurchased    int
	MonthlyRemaining int
	PurchasedBalance int
	ResetApplied     bool
}

// CreditRequest describes one idempotent purchase credit.
type CreditRequest struct {
	UserID        string
	TransactionID string
	Amount        int
	Source        string
	Now           time.Time
}

// CreditResult reports the outcome of a credit. When AlreadyCredited
// is true, Amount is the originally credited amount, not the requested
// one.
type CreditResult struct {
	AlreadyCredited  bool
	Amount           int
	PurchasedBalance int
}

// ResetRequest describes a monthly allowance reset.
type ResetRequest struct {
	UserID   string
	Quota    int
	Now      time.Time
	MonthKey string
}

// PurgeCutoffs carries the sweep boundaries. Entries idle since before
// a cutoff are removed; challenges and blocks are removed once their
// expiry precedes Now.
type PurgeCutoffs struct {
	RateLimitBefore time.Time
	DeviceBefore    time.Time
	CooldownBefore  time.Time
	IPBefore        time.Time
	Now             time.Time
}
