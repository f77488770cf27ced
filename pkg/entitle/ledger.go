package entitle

import (
	"errors"
	"fmt"
	"time"

	"context"
)

// Ledger owns the entitlement accounts: the renewable monthly
// allowance and the non-expiring purchased balance. Every mutation
// happens inside a storage transaction; the ledger itself holds no
// balance state.
type Ledger struct {
	storage Storage
	quota   int
	loc     *time.Location
	clock   func() time.Time
	logger  Logger
	metrics Metrics
}

// NewLedger creates a ledger over the given storage. quota is the
// monthly allowance granted on account creation and on every monthly
// reset.
func NewLedger(storage Storage, quota int, loc *time.Location, clock func() time.Time) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		storage: storage,
		quota:   quota,
		loc:     loc,
		clock:   clock,
		logger:  &NoopLogger{},
		metrics: &NoopMetrics{},
	}, nil
}

// Account returns the user's account with any pending monthly reset
// applied, creating it with the plan quota on first touch.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	acct, err := l.ensure(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := l.clock()
	if ResetDue(acct.LastMonthlyReset, now, l.loc) {
		return l.reset(ctx, userID, now)
	}
	return acct, nil
}

// CanAfford reports whether the combined balance covers amount, after
// applying any pending monthly reset.
func (l *Ledger) CanAfford(ctx context.Context, userID string, amount int) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	return acct.Total() >= amount, nil
}

// Debit atomically consumes amount tokens, monthly allowance first,
// then purchased balance. Fails closed with ErrInsufficientBalance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int, requestType string) (*DebitResult, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := l.ensure(ctx, userID); err != nil {
		return nil, err
	}

	now := l.clock()
	res, err := l.storage.DebitAccount(ctx, &DebitRequest{
		UserID:       userID,
		Amount:       amount,
		RequestType:  requestType,
		Now:          now,
		MonthKey:     MonthKey(now, l.loc),
		MonthlyQuota: l.quota,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			l.metrics.RecordDebit(requestType, amount, false)
			return nil, err
		}
		l.metrics.RecordDebit(requestType, amount, false)
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}
	if res.ResetApplied {
		// the usage log was cleared inside the transaction; the
		// rate-limit state resets with the same cadence.
		if derr := l.storage.DeleteRateState(ctx, userID); derr != nil {
			l.logger.Warn("rate state reset failed",
				Field{Key: "user_id", Value: userID}, Field{Key: "error", Value: derr})
		}
	}

	l.metrics.RecordDebit(requestType, amount, true)
	l.logger.Debug("debited",
		Field{Key: "user_id", Value: userID},
		Field{Key: "amount", Value: amount},
		Field{Key: "from_monthly", Value: res.FromMonthly},
		Field{Key: "from_purchased", Value: res.FromPurchased})
	return res, nil
}

// Credit adds amount tokens to the purchased balance, at most once per
// transaction ID for the lifetime of the account. A replayed
// transaction returns the original result with AlreadyCredited set.
func (l *Ledger) Credit(ctx context.Context, userID, transactionID string, amount int, source string) (*CreditResult, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if transactionID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", ErrInvalidAmount)
	}
	if _, err := l.ensure(ctx, userID); err != nil {
		return nil, err
	}

	res, err := l.storage.CreditAccount(ctx, &CreditRequest{
		UserID:        userID,
		TransactionID: transactionID,
		Amount:        amount,
		Source:        source,
		Now:           l.clock(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	l.metrics.RecordCredit(source, res.Amount, res.AlreadyCredited)
	l.logger.Info("credited",
		Field{Key: "user_id", Value: userID},
		Field{Key: "transaction_id", Value: transactionID},
		Field{Key: "amount", Value: res.Amount},
		Field{Key: "replay", Value: res.AlreadyCredited})
	return res, nil
}

// CreditRecord returns the stored credit for a transaction ID, or
// nil, nil when the transaction was never credited.
func (l *Ledger) CreditRecord(ctx context.Context, userID, transactionID string) (*CreditRecord, error) {
	return l.storage.GetCreditRecord(ctx, userID, transactionID)
}

// MonthlyUsage summarizes the usage records of the current calendar
// month, for reporting and budget estimation.
func (l *Ledger) MonthlyUsage(ctx context.Context, userID string) (*UsageSummary, error) {
	since := StartOfMonth(l.clock(), l.loc)
	records, err := l.storage.ListUsage(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{
		ByRequestType: make(map[string]int),
		Records:       records,
	}
	for _, r := range records {
		summary.Total += r.Amount
		summary.ByRequestType[r.RequestType] += r.Amount
	}
	return summary, nil
}

// ResetMonthlyAllowance applies the monthly reset if one is due.
// Purchased balance is untouched.
func (l *Ledger) ResetMonthlyAllowance(ctx context.Context, userID string) error {
	if _, err := l.ensure(ctx, userID); err != nil {
		return err
	}
	_, err := l.reset(ctx, userID, l.clock())
	return err
}

// NextResetAt returns when the user's next monthly refill happens.
func (l *Ledger) NextResetAt() time.Time {
	return NextReset(l.clock(), l.loc)
}

func (l *Ledger) reset(ctx context.Context, userID string, now time.Time) (*Account, error) {
	acct, err := l.storage.ResetAllowance(ctx, &ResetRequest{
		UserID:   userID,
		Quota:    l.quota,
		Now:      now,
		MonthKey: MonthKey(now, l.loc),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}
	if err := l.storage.DeleteRateState(ctx, userID); err != nil {
		l.logger.Warn("rate state reset failed",
			Field{Key: "user_id", Value: userID}, Field{Key: "error", Value: err})
	}
	return acct, nil
}

// ensure fetches the account, creating it with the plan quota when it
// does not exist yet. Creation is put-if-absent, so a concurrent
// create cannot clobber a racing debit.
func (l *Ledger) ensure(ctx context.Context, userID string) (*Account, error) {
	acct, err := l.storage.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := l.clock()
	fresh := &Account{
		UserID:           userID,
		MonthlyRemaining: l.quota,
		PurchasedBalance: 0,
		LastMonthlyReset: now,
		ResetMonth:       MonthKey(now, l.loc),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.storage.CreateAccount(ctx, fresh); err != nil && !errors.Is(err, ErrAccountExists) {
		return nil, err
	}
	return l.storage.GetAccount(ctx, userID)
}
