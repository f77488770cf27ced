// Package postgres provides a PostgreSQL implementation of the
// entitle.Storage interface. Balance operations run inside SQL
// transactions with SELECT FOR UPDATE; abuse state is kept as JSONB
// rows locked the same way, so the closure-based updates are
// serialized per entity by the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studydeck/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a PostgreSQL storage adapter and verifies the connection.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// InitSchema creates the tables this adapter needs if they do not
// exist. Run it once at deploy time or on startup.
func (s *Storage) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id            TEXT PRIMARY KEY,
			monthly_remaining  INTEGER NOT NULL DEFAULT 0,
			purchased_balance  INTEGER NOT NULL DEFAULT 0,
			last_monthly_reset TIMESTAMPTZ NOT NULL,
			reset_month        TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_records (
			user_id        TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			amount         INTEGER NOT NULL,
			source         TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, transaction_id)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id           BIGSERIAL PRIMARY KEY,
			user_id      TEXT NOT NULL,
			ts           TIMESTAMPTZ NOT NULL,
			amount       INTEGER NOT NULL,
			request_type TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS usage_records_user_ts ON usage_records (user_id, ts)`,
		`CREATE TABLE IF NOT EXISTS abuse_state (
			kind         TEXT NOT NULL,
			key          TEXT NOT NULL,
			state        JSONB NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			active_until TIMESTAMPTZ,
			PRIMARY KEY (kind, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Storage) GetAccount(ctx context.Context, userID string) (*entitle.Account, error) {
	var acct entitle.Account
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, monthly_remaining, purchased_balance, last_monthly_reset,
			reset_month, created_at, updated_at
			FROM accounts WHERE user_id = $1`,
		userID).Scan(
		&acct.UserID,
		&acct.MonthlyRemaining,
		&acct.PurchasedBalance,
		&acct.LastMonthlyReset,
		&acct.ResetMonth,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

func (s *Storage) CreateAccount(ctx context.Context, acct *entitle.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts
			(user_id, monthly_remaining, purchased_balance, last_monthly_reset,
			 reset_month, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			ON CONFLICT (user_id) DO NOTHING`,
		acct.UserID, acct.MonthlyRemaining, acct.PurchasedBalance,
		acct.LastMonthlyReset, acct.ResetMonth, acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitle.ErrAccountExists
	}
	return nil
}

func (s *Storage) DebitAccount(ctx context.Context, req *entitle.DebitRequest) (*entitle.DebitResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Ensure the row exists so SELECT FOR UPDATE always locks one.
	_, err = tx.Exec(ctx,
		`INSERT INTO accounts
			(user_id, monthly_remaining, purchased_balance, last_monthly_reset,
			 reset_month, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $4, $3, $3)
			ON CONFLICT (user_id) DO NOTHING`,
		req.UserID, req.MonthlyQuota, req.Now, req.MonthKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account exists: %w", err)
	}

	var monthly, purchased int
	var resetMonth string
	err = tx.QueryRow(ctx,
		`SELECT monthly_remaining, purchased_balance, reset_month
			FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&monthly, &purchased, &resetMonth)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	res := &entitle.DebitResult{}
	if resetMonth != req.MonthKey {
		monthly = req.MonthlyQuota
		res.ResetApplied = true
		if _, err := tx.Exec(ctx,
			`DELETE FROM usage_records WHERE user_id = $1`, req.UserID); err != nil {
			return nil, fmt.Errorf("failed to clear usage on reset: %w", err)
		}
	}

	if monthly+purchased < req.Amount {
		// The ensure-row and reset still need to land.
		if res.ResetApplied {
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET monthly_remaining = $2, reset_month = $3,
					last_monthly_reset = $4, updated_at = $4 WHERE user_id = $1`,
				req.UserID, monthly, req.MonthKey, req.Now); err != nil {
				return nil, fmt.Errorf("failed to apply reset: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return nil, entitle.ErrInsufficientBalance
	}

	fromMonthly := req.Amount
	if fromMonthly > monthly {
		fromMonthly = monthly
	}
	monthly -= fromMonthly
	purchased -= req.Amount - fromMonthly

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET monthly_remaining = $2, purchased_balance = $3,
			reset_month = $4, last_monthly_reset = CASE WHEN $5 THEN $6 ELSE last_monthly_reset END,
			updated_at = $6
			WHERE user_id = $1`,
		req.UserID, monthly, purchased, req.MonthKey, res.ResetApplied, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO usage_records (user_id, ts, amount, request_type) VALUES ($1, $2, $3, $4)`,
		req.UserID, req.Now, req.Amount, req.RequestType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	res.FromMonthly = fromMonthly
	res.FromPurchased = req.Amount - fromMonthly
	res.MonthlyRemaining = monthly
	res.PurchasedBalance = purchased
	return res, nil
}

func (s *Storage) CreditAccount(ctx context.Context, req *entitle.CreditRequest) (*entitle.CreditResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts
			(user_id, monthly_remaining, purchased_balance, last_monthly_reset,
			 reset_month, created_at, updated_at)
			VALUES ($1, 0, 0, $2, '', $2, $2)
			ON CONFLICT (user_id) DO NOTHING`,
		req.UserID, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account exists: %w", err)
	}

	var purchased int
	err = tx.QueryRow(ctx,
		`SELECT purchased_balance FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&purchased)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	// Replay: the original record wins.
	var existingAmount int
	err = tx.QueryRow(ctx,
		`SELECT amount FROM credit_records WHERE user_id = $1 AND transaction_id = $2`,
		req.UserID, req.TransactionID).Scan(&existingAmount)
	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("failed to commit: %w", commitErr)
		}
		return &entitle.CreditResult{
			AlreadyCredited:  true,
			Amount:           existingAmount,
			PurchasedBalance: purchased,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check credit record: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_records (user_id, transaction_id, amount, source, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
		req.UserID, req.TransactionID, req.Amount, req.Source, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit record: %w", err)
	}

	purchased += req.Amount
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET purchased_balance = $2, updated_at = $3 WHERE user_id = $1`,
		req.UserID, purchased, req.Now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &entitle.CreditResult{Amount: req.Amount, PurchasedBalance: purchased}, nil
}

func (s *Storage) GetCreditRecord(ctx context.Context, userID, transactionID string) (*entitle.CreditRecord, error) {
	var record entitle.CreditRecord
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, transaction_id, amount, source, created_at
			FROM credit_records WHERE user_id = $1 AND transaction_id = $2`,
		userID, transactionID).Scan(
		&record.UserID,
		&record.TransactionID,
		&record.Amount,
		&record.Source,
		&record.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit record: %w", err)
	}
	return &record, nil
}

func (s *Storage) ListUsage(ctx context.Context, userID string, since time.Time) ([]entitle.UsageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, amount, request_type FROM usage_records
			WHERE user_id = $1 AND ts >= $2 ORDER BY ts`,
		userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var out []entitle.UsageRecord
	for rows.Next() {
		var r entitle.UsageRecord
		if err := rows.Scan(&r.Timestamp, &r.Amount, &r.RequestType); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage records: %w", err)
	}
	return out, nil
}

func (s *Storage) ResetAllowance(ctx context.Context, req *entitle.ResetRequest) (*entitle.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var resetMonth string
	err = tx.QueryRow(ctx,
		`SELECT reset_month FROM accounts WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&resetMonth)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	if resetMonth != req.MonthKey {
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET monthly_remaining = $2, reset_month = $3,
				last_monthly_reset = $4, updated_at = $4 WHERE user_id = $1`,
			req.UserID, req.Quota, req.MonthKey, req.Now)
		if err != nil {
			return nil, fmt.Errorf("failed to apply reset: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM usage_records WHERE user_id = $1`, req.UserID); err != nil {
			return nil, fmt.Errorf("failed to clear usage on reset: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s.GetAccount(ctx, req.UserID)
}

// Abuse state kinds in the abuse_state table.
const (
	kindRateState = "rate"
	kindDevice    = "device"
	kindIP        = "ip"
	kindCooldown  = "cooldown"
	kindChallenge = "challenge"
	kindBlock     = "block"
)

func (s *Storage) UpdateRateState(ctx context.Context, userID string, fn func(*entitle.RateLimitState) error) (*entitle.RateLimitState, error) {
	state := &entitle.RateLimitState{UserID: userID}
	err := s.updateState(ctx, kindRateState, userID, state, func() (time.Time, *time.Time) {
		until := state.LockoutUntil
		if state.CooldownUntil.After(until) {
			until = state.CooldownUntil
		}
		if until.IsZero() {
			return state.UpdatedAt, nil
		}
		return state.UpdatedAt, &until
	}, func() error { return fn(state) })
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Storage) GetRateState(ctx context.Context, userID string) (*entitle.RateLimitState, error) {
	var state entitle.RateLimitState
	found, err := s.getState(ctx, kindRateState, userID, &state)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &state, nil
}

func (s *Storage) DeleteRateState(ctx context.Context, userID string) error {
	return s.deleteState(ctx, kindRateState, userID)
}

func (s *Storage) UpdateDevice(ctx context.Context, fingerprint string, fn func(*entitle.DeviceSignature) error) (*entitle.DeviceSignature, error) {
	device := &entitle.DeviceSignature{Fingerprint: fingerprint}
	err := s.updateState(ctx, kindDevice, fingerprint, device, func() (time.Time, *time.Time) {
		return device.LastSeen, nil
	}, func() error { return fn(device) })
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *Storage) UpdateIPReputation(ctx context.Context, origin string, fn func(*entitle.IPReputation) error) (*entitle.IPReputation, error) {
	ip := &entitle.IPReputation{Origin: origin}
	err := s.updateState(ctx, kindIP, origin, ip, func() (time.Time, *time.Time) {
		if ip.BlockUntil.IsZero() {
			return ip.UpdatedAt, nil
		}
		until := ip.BlockUntil
		return ip.UpdatedAt, &until
	}, func() error { return fn(ip) })
	if err != nil {
		return nil, err
	}
	return ip, nil
}

func (s *Storage) UpdateCooldown(ctx context.Context, userID, resource string, fn func(*entitle.SetCooldown) error) (*entitle.SetCooldown, error) {
	cd := &entitle.SetCooldown{UserID: userID, Resource: resource}
	key := userID + ":" + resource
	err := s.updateState(ctx, kindCooldown, key, cd, func() (time.Time, *time.Time) {
		return cd.LastActionTime, nil
	}, func() error { return fn(cd) })
	if err != nil {
		return nil, err
	}
	return cd, nil
}

func (s *Storage) PutChallenge(ctx context.Context, ch *entitle.ChallengeState) error {
	if ch == nil || ch.ChallengeID == "" {
		return fmt.Errorf("invalid challenge")
	}
	return s.putState(ctx, kindChallenge, ch.ChallengeID, ch, ch.IssuedAt, &ch.ExpiresAt)
}

func (s *Storage) GetChallenge(ctx context.Context, challengeID string) (*entitle.ChallengeState, error) {
	var ch entitle.ChallengeState
	found, err := s.getState(ctx, kindChallenge, challengeID, &ch)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, entitle.ErrChallengeNotFound
	}
	return &ch, nil
}

func (s *Storage) DeleteChallenge(ctx context.Context, challengeID string) error {
	return s.deleteState(ctx, kindChallenge, challengeID)
}

func (s *Storage) PutBlock(ctx context.Context, b *entitle.BlockState) error {
	if b == nil || b.UserID == "" {
		return fmt.Errorf("invalid block")
	}
	return s.putState(ctx, kindBlock, b.UserID, b, b.BlockedUntil, &b.BlockedUntil)
}

func (s *Storage) GetBlock(ctx context.Context, userID string) (*entitle.BlockState, error) {
	var b entitle.BlockState
	found, err := s.getState(ctx, kindBlock, userID, &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &b, nil
}

func (s *Storage) DeleteBlock(ctx context.Context, userID string) error {
	return s.deleteState(ctx, kindBlock, userID)
}

func (s *Storage) PurgeExpired(ctx context.Context, cutoffs entitle.PurgeCutoffs) (int, error) {
	purged := 0

	// Idle state goes once past its retention cutoff, unless a
	// cooldown, lockout or block is still running.
	idle := []struct {
		kind   string
		before time.Time
	}{
		{kindRateState, cutoffs.RateLimitBefore},
		{kindDevice, cutoffs.DeviceBefore},
		{kindCooldown, cutoffs.CooldownBefore},
		{kindIP, cutoffs.IPBefore},
	}
	for _, c := range idle {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM abuse_state WHERE kind = $1 AND updated_at < $2
				AND (active_until IS NULL OR active_until < $3)`,
			c.kind, c.before, cutoffs.Now)
		if err != nil {
			return purged, fmt.Errorf("failed to purge %s state: %w", c.kind, err)
		}
		purged += int(tag.RowsAffected())
	}

	// Challenges and blocks go as soon as they have elapsed.
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM abuse_state WHERE kind IN ($1, $2) AND active_until < $3`,
		kindChallenge, kindBlock, cutoffs.Now)
	if err != nil {
		return purged, fmt.Errorf("failed to purge elapsed state: %w", err)
	}
	purged += int(tag.RowsAffected())
	return purged, nil
}

// updateState locks (kind, key), unmarshals the stored JSONB into v,
// runs fn and writes v back with its recomputed freshness columns.
func (s *Storage) updateState(
	ctx context.Context, kind, key string, v interface{},
	freshness func() (updatedAt time.Time, activeUntil *time.Time),
	fn func() error,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO abuse_state (kind, key, state, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (kind, key) DO NOTHING`,
		kind, key, mustJSON(v))
	if err != nil {
		return fmt.Errorf("failed to ensure state row exists: %w", err)
	}

	var data []byte
	err = tx.QueryRow(ctx,
		`SELECT state FROM abuse_state WHERE kind = $1 AND key = $2 FOR UPDATE`,
		kind, key).Scan(&data)
	if err != nil {
		return fmt.Errorf("failed to lock state: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s state: %w", kind, err)
	}

	if err := fn(); err != nil {
		return err
	}

	updatedAt, activeUntil := freshness()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`UPDATE abuse_state SET state = $3, updated_at = $4, active_until = $5
			WHERE kind = $1 AND key = $2`,
		kind, key, mustJSON(v), updatedAt, activeUntil)
	if err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Storage) putState(ctx context.Context, kind, key string, v interface{}, updatedAt time.Time, activeUntil *time.Time) error {
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO abuse_state (kind, key, state, updated_at, active_until)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (kind, key) DO UPDATE SET
				state = EXCLUDED.state,
				updated_at = EXCLUDED.updated_at,
				active_until = EXCLUDED.active_until`,
		kind, key, mustJSON(v), updatedAt, activeUntil)
	if err != nil {
		return fmt.Errorf("failed to put %s state: %w", kind, err)
	}
	return nil
}

func (s *Storage) getState(ctx context.Context, kind, key string, v interface{}) (bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM abuse_state WHERE kind = $1 AND key = $2`,
		kind, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s state: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s state: %w", kind, err)
	}
	return true, nil
}

func (s *Storage) deleteState(ctx context.Context, kind, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM abuse_state WHERE kind = $1 AND key = $2`, kind, key); err != nil {
		return fmt.Errorf("failed to delete %s state: %w", kind, err)
	}
	return nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All state types marshal cleanly; this indicates a programming
		// error, not a runtime condition.
		panic(fmt.Sprintf("marshal state: %v", err))
	}
	return data
}
