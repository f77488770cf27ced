package entitle

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit exceeds the
	// combined monthly and purchased balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAccountNotFound is returned when no account exists for a user.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned by CreateAccount when the account
	// already exists.
	ErrAccountExists = errors.New("account already exists")

	// ErrStorageUnavailable is returned when storage is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrLedgerWriteFailed wraps storage-layer failures during a
	// credit or debit. It must never be masked as success; the caller
	// retries the whole operation under idempotency protection.
	ErrLedgerWriteFailed = errors.New("ledger write failed")

	// ErrChallengeNotFound is returned for unknown challenge IDs.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeExpired is returned when a challenge is verified
	// after its expiry. Expired challenges are purged on sight.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrVerifierNotConfigured is returned by PurchaseVerifyAndCredit
	// when no purchase verifier was injected.
	ErrVerifierNotConfigured = errors.New("purchase verifier not configured")

	// ErrVerificationUnavailable is returned when the external
	// verification authority could not be reached or timed out. The
	// purchase is not yet verified and is safe to retry with the same
	// transaction ID.
	ErrVerificationUnavailable = errors.New("purchase verification unavailable")
)
