// Package redis provides a Redis implementation of the entitle.Storage
// interface. Account debits and credits run as Lua scripts so the
// check-and-write is atomic on the server; the closure-based state
// updates use optimistic WATCH transactions and retry on contention.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studydeck/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using Redis.
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitle:").
	KeyPrefix string

	// RateStateTTL, DeviceTTL, CooldownTTL and IPTTL bound how long
	// idle abuse state lives. Redis expiry replaces most of the
	// sweeper's work for this adapter (0 = no expiration).
	RateStateTTL time.Duration
	DeviceTTL    time.Duration
	CooldownTTL  time.Duration
	IPTTL        time.Duration

	// MaxRetries caps optimistic-transaction retries on contention
	// (default: 5).
	MaxRetries int
}

// DefaultConfig returns a Config aligned with the engine's default
// retention windows.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "entitle:",
		RateStateTTL: 24 * time.Hour,
		DeviceTTL:    24 * time.Hour,
		CooldownTTL:  time.Hour,
		IPTTL:        7 * 24 * time.Hour,
		MaxRetries:   5,
	}
}

// New creates a Redis storage adapter. The client can be *redis.Client,
// *redis.ClusterClient or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitle:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Debit: apply a due monthly reset, check the combined balance,
	// split the amount monthly-first and append the usage record, all
	// in one atomic step.
	s.scripts["debit"] = redis.NewScript(`
		local acctKey = KEYS[1]
		local usageKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local monthKey = ARGV[2]
		local quota = tonumber(ARGV[3])
		local nowUnix = ARGV[4]
		local usageData = ARGV[5]

		if redis.call('EXISTS', acctKey) == 0 then
			redis.call('HSET', acctKey,
				'monthly', quota,
				'purchased', 0,
				'reset_month', monthKey,
				'last_reset', nowUnix,
				'created_at', nowUnix)
		end

		local resetApplied = 0
		if redis.call('HGET', acctKey, 'reset_month') ~= monthKey then
			redis.call('HSET', acctKey,
				'monthly', quota,
				'reset_month', monthKey,
				'last_reset', nowUnix)
			redis.call('DEL', usageKey)
			resetApplied = 1
		end

		local monthly = tonumber(redis.call('HGET', acctKey, 'monthly'))
		local purchased = tonumber(redis.call('HGET', acctKey, 'purchased'))
		if monthly + purchased < amount then
			return {-1, 0, monthly, purchased, resetApplied}
		end

		local fromMonthly = math.min(amount, monthly)
		local fromPurchased = amount - fromMonthly
		monthly = monthly - fromMonthly
		purchased = purchased - fromPurchased
		redis.call('HSET', acctKey,
			'monthly', monthly,
			'purchased', purchased,
			'updated_at', nowUnix)
		redis.call('RPUSH', usageKey, usageData)

		return {fromMonthly, fromPurchased, monthly, purchased, resetApplied}
	`)

	// Credit: at most one application per transaction ID. A replay
	// returns the originally credited amount.
	s.scripts["credit"] = redis.NewScript(`
		local acctKey = KEYS[1]
		local creditKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local nowUnix = ARGV[2]
		local record = ARGV[3]

		if redis.call('EXISTS', acctKey) == 0 then
			redis.call('HSET', acctKey,
				'monthly', 0,
				'purchased', 0,
				'reset_month', '',
				'last_reset', nowUnix,
				'created_at', nowUnix)
		end

		local existing = redis.call('HGET', creditKey, 'amount')
		if existing then
			local purchased = tonumber(redis.call('HGET', acctKey, 'purchased'))
			return {1, tonumber(existing), purchased}
		end

		redis.call('HSET', creditKey, 'amount', amount, 'record', record)
		local purchased = redis.call('HINCRBY', acctKey, 'purchased', amount)
		redis.call('HSET', acctKey, 'updated_at', nowUnix)
		return {0, amount, purchased}
	`)

	// Reset: refill the monthly allowance once per calendar month.
	s.scripts["reset"] = redis.NewScript(`
		local acctKey = KEYS[1]
		local usageKey = KEYS[2]
		local monthKey = ARGV[1]
		local quota = tonumber(ARGV[2])
		local nowUnix = ARGV[3]

		if redis.call('EXISTS', acctKey) == 0 then
			return 0
		end
		if redis.call('HGET', acctKey, 'reset_month') ~= monthKey then
			redis.call('HSET', acctKey,
				'monthly', quota,
				'reset_month', monthKey,
				'last_reset', nowUnix,
				'updated_at', nowUnix)
			redis.call('DEL', usageKey)
		end
		return 1
	`)
}

func (s *Storage) GetAccount(ctx context.Context, userID string) (*entitle.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, entitle.ErrAccountNotFound
	}
	return accountFromHash(userID, fields)
}

func (s *Storage) CreateAccount(ctx context.Context, acct *entitle.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	key := s.accountKey(acct.UserID)
	// HSETNX on created_at is the existence marker; losing the race
	// surfaces as ErrAccountExists like every other adapter.
	created, err := s.client.HSetNX(ctx, key, "created_at", strconv.FormatInt(acct.CreatedAt.UnixNano(), 10)).Result()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if !created {
		return entitle.ErrAccountExists
	}

	err = s.client.HSet(ctx, key,
		"monthly", acct.MonthlyRemaining,
		"purchased", acct.PurchasedBalance,
		"reset_month", acct.ResetMonth,
		"last_reset", strconv.FormatInt(acct.LastMonthlyReset.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Storage) DebitAccount(ctx context.Context, req *entitle.DebitRequest) (*entitle.DebitResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	usageData, err := json.Marshal(entitle.UsageRecord{
		Timestamp:   req.Now,
		Amount:      req.Amount,
		RequestType: req.RequestType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage record: %w", err)
	}

	result, err := s.scripts["debit"].Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), s.usageKey(req.UserID)},
		req.Amount,
		req.MonthKey,
		req.MonthlyQuota,
		strconv.FormatInt(req.Now.UnixNano(), 10),
		string(usageData),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute debit script: %w", err)
	}

	vals, err := int64Slice(result, 5)
	if err != nil {
		return nil, fmt.Errorf("debit script: %w", err)
	}
	if vals[0] < 0 {
		return nil, entitle.ErrInsufficientBalance
	}
	return &entitle.DebitResult{
		FromMonthly:      int(vals[0]),
		FromPurchased:    int(vals[1]),
		MonthlyRemaining: int(vals[2]),
		PurchasedBalance: int(vals[3]),
		ResetApplied:     vals[4] == 1,
	}, nil
}

func (s *Storage) CreditAccount(ctx context.Context, req *entitle.CreditRequest) (*entitle.CreditResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	record, err := json.Marshal(entitle.CreditRecord{
		UserID:        req.UserID,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Source:        req.Source,
		Timestamp:     req.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credit record: %w", err)
	}

	result, err := s.scripts["credit"].Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), s.creditKey(req.UserID, req.TransactionID)},
		req.Amount,
		strconv.FormatInt(req.Now.UnixNano(), 10),
		string(record),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute credit script: %w", err)
	}

	vals, err := int64Slice(result, 3)
	if err != nil {
		return nil, fmt.Errorf("credit script: %w", err)
	}
	return &entitle.CreditResult{
		AlreadyCredited:  vals[0] == 1,
		Amount:           int(vals[1]),
		PurchasedBalance: int(vals[2]),
	}, nil
}

func (s *Storage) GetCreditRecord(ctx context.Context, userID, transactionID string) (*entitle.CreditRecord, error) {
	data, err := s.client.HGet(ctx, s.creditKey(userID, transactionID), "record").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit record: %w", err)
	}

	var record entitle.CreditRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credit record: %w", err)
	}
	return &record, nil
}

func (s *Storage) ListUsage(ctx context.Context, userID string, since time.Time) ([]entitle.UsageRecord, error) {
	entries, err := s.client.LRange(ctx, s.usageKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	var out []entitle.UsageRecord
	for _, entry := range entries {
		var r entitle.UsageRecord
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage record: %w", err)
		}
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Storage) ResetAllowance(ctx context.Context, req *entitle.ResetRequest) (*entitle.Account, error) {
	result, err := s.scripts["reset"].Run(ctx, s.client,
		[]string{s.accountKey(req.UserID), s.usageKey(req.UserID)},
		req.MonthKey,
		req.Quota,
		strconv.FormatInt(req.Now.UnixNano(), 10),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to execute reset script: %w", err)
	}
	if ok, _ := result.(int64); ok == 0 {
		return nil, entitle.ErrAccountNotFound
	}
	return s.GetAccount(ctx, req.UserID)
}

func (s *Storage) UpdateRateState(ctx context.Context, userID string, fn func(*entitle.RateLimitState) error) (*entitle.RateLimitState, error) {
	key := s.rateStateKey(userID)
	var out *entitle.RateLimitState

	err := s.update(ctx, key, func(tx *redis.Tx) error {
		state := &entitle.RateLimitState{UserID: userID}
		if err := s.loadJSON(ctx, tx, key, state); err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		out = state
		return s.storeJSON(ctx, tx, key, state, s.config.RateStateTTL)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRateState reads the state without rewriting the key, so it does
// not refresh the TTL the way UpdateRateState does.
func (s *Storage) GetRateState(ctx context.Context, userID string) (*entitle.RateLimitState, error) {
	data, err := s.client.Get(ctx, s.rateStateKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate state: %w", err)
	}

	var state entitle.RateLimitState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rate state: %w", err)
	}
	return &state, nil
}

func (s *Storage) DeleteRateState(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.rateStateKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete rate state: %w", err)
	}
	return nil
}

func (s *Storage) UpdateDevice(ctx context.Context, fingerprint string, fn func(*entitle.DeviceSignature) error) (*entitle.DeviceSignature, error) {
	key := s.deviceKey(fingerprint)
	var out *entitle.DeviceSignature

	err := s.update(ctx, key, func(tx *redis.Tx) error {
		device := &entitle.DeviceSignature{Fingerprint: fingerprint}
		if err := s.loadJSON(ctx, tx, key, device); err != nil {
			return err
		}
		if err := fn(device); err != nil {
			return err
		}
		out = device
		return s.storeJSON(ctx, tx, key, device, s.config.DeviceTTL)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) UpdateIPReputation(ctx context.Context, origin string, fn func(*entitle.IPReputation) error) (*entitle.IPReputation, error) {
	key := s.ipKey(origin)
	var out *entitle.IPReputation

	err := s.update(ctx, key, func(tx *redis.Tx) error {
		ip := &entitle.IPReputation{Origin: origin}
		if err := s.loadJSON(ctx, tx, key, ip); err != nil {
			return err
		}
		if err := fn(ip); err != nil {
			return err
		}
		out = ip
		return s.storeJSON(ctx, tx, key, ip, s.config.IPTTL)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) UpdateCooldown(ctx context.Context, userID, resource string, fn func(*entitle.SetCooldown) error) (*entitle.SetCooldown, error) {
	key := s.cooldownKey(userID, resource)
	var out *entitle.SetCooldown

	err := s.update(ctx, key, func(tx *redis.Tx) error {
		cd := &entitle.SetCooldown{UserID: userID, Resource: resource}
		if err := s.loadJSON(ctx, tx, key, cd); err != nil {
			return err
		}
		if err := fn(cd); err != nil {
			return err
		}
		out = cd
		return s.storeJSON(ctx, tx, key, cd, s.config.CooldownTTL)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) PutChallenge(ctx context.Context, ch *entitle.ChallengeState) error {
	if ch == nil || ch.ChallengeID == "" {
		return fmt.Errorf("invalid challenge")
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	// Challenges expire with the key itself; a small grace period lets
	// Verify distinguish expired from unknown.
	ttl := time.Until(ch.ExpiresAt) + time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, s.challengeKey(ch.ChallengeID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set challenge: %w", err)
	}
	return nil
}

func (s *Storage) GetChallenge(ctx context.Context, challengeID string) (*entitle.ChallengeState, error) {
	data, err := s.client.Get(ctx, s.challengeKey(challengeID)).Bytes()
	if err == redis.Nil {
		return nil, entitle.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	var ch entitle.ChallengeState
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return &ch, nil
}

func (s *Storage) DeleteChallenge(ctx context.Context, challengeID string) error {
	if err := s.client.Del(ctx, s.challengeKey(challengeID)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

func (s *Storage) PutBlock(ctx context.Context, b *entitle.BlockState) error {
	if b == nil || b.UserID == "" {
		return fmt.Errorf("invalid block")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	ttl := time.Until(b.BlockedUntil)
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, s.blockKey(b.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set block: %w", err)
	}
	return nil
}

func (s *Storage) GetBlock(ctx context.Context, userID string) (*entitle.BlockState, error) {
	data, err := s.client.Get(ctx, s.blockKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	var b entitle.BlockState
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &b, nil
}

func (s *Storage) DeleteBlock(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.blockKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op for Redis: every abuse-state key carries a
// TTL aligned with its retention window, so expiry is handled by the
// server.
func (s *Storage) PurgeExpired(ctx context.Context, cutoffs entitle.PurgeCutoffs) (int, error) {
	return 0, nil
}

// Close closes the Redis client connection.
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// update runs fn inside a WATCH transaction on key, retrying on
// contention up to MaxRetries times.
func (s *Storage) update(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %s retried %d times: %w", key, s.config.MaxRetries, redis.TxFailedErr)
}

// loadJSON fills v from key inside the transaction; a missing key
// leaves v at its zero state.
func (s *Storage) loadJSON(ctx context.Context, tx *redis.Tx, key string, v interface{}) error {
	data, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Storage) storeJSON(ctx context.Context, tx *redis.Tx, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

func accountFromHash(userID string, fields map[string]string) (*entitle.Account, error) {
	acct := &entitle.Account{UserID: userID, ResetMonth: fields["reset_month"]}

	var err error
	if acct.MonthlyRemaining, err = atoiField(fields, "monthly"); err != nil {
		return nil, err
	}
	if acct.PurchasedBalance, err = atoiField(fields, "purchased"); err != nil {
		return nil, err
	}
	if acct.LastMonthlyReset, err = timeField(fields, "last_reset"); err != nil {
		return nil, err
	}
	if acct.CreatedAt, err = timeField(fields, "created_at"); err != nil {
		return nil, err
	}
	if acct.UpdatedAt, err = timeField(fields, "updated_at"); err != nil {
		return nil, err
	}
	return acct, nil
}

func atoiField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse account field %s: %w", name, err)
	}
	return n, nil
}

func timeField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse account field %s: %w", name, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

func int64Slice(result interface{}, want int) ([]int64, error) {
	slice, ok := result.([]interface{})
	if !ok || len(slice) != want {
		return nil, fmt.Errorf("unexpected script result format")
	}
	out := make([]int64, want)
	for i, v := range slice {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		out[i] = n
	}
	return out, nil
}

func (s *Storage) accountKey(userID string) string {
	return fmt.Sprintf("%saccount:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) usageKey(userID string) string {
	return fmt.Sprintf("%susage:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) creditKey(userID, transactionID string) string {
	return fmt.Sprintf("%scredit:%s:%s", s.config.KeyPrefix, userID, transactionID)
}

func (s *Storage) rateStateKey(userID string) string {
	return fmt.Sprintf("%sratestate:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) deviceKey(fingerprint string) string {
	return fmt.Sprintf("%sdevice:%s", s.config.KeyPrefix, fingerprint)
}

func (s *Storage) ipKey(origin string) string {
	return fmt.Sprintf("%sip:%s", s.config.KeyPrefix, origin)
}

func (s *Storage) cooldownKey(userID, resource string) string {
	return fmt.Sprintf("%scooldown:%s:%s", s.config.KeyPrefix, userID, resource)
}

func (s *Storage) challengeKey(challengeID string) string {
	return fmt.Sprintf("%schallenge:%s", s.config.KeyPrefix, challengeID)
}

func (s *Storage) blockKey(userID string) string {
	return fmt.Sprintf("%sblock:%s", s.config.KeyPrefix, userID)
}
