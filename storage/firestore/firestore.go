// Package firestore provides a Firestore implementation of the
// entitle.Storage interface. Balance operations and the closure-based
// state updates run inside Firestore transactions; Firestore may retry
// a transaction, which is why the update closures must be pure over
// their argument.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/studydeck/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using Google Cloud Firestore.
type Storage struct {
	client *firestore.Client
	config Config
}

// Config holds Firestore storage configuration.
type Config struct {
	// AccountsCollection holds one document per user account.
	// Default: "entitle_accounts"
	AccountsCollection string

	// CreditsCollection holds one document per credited transaction.
	// Default: "entitle_credits"
	CreditsCollection string

	// UsageCollection holds one document per logged debit.
	// Default: "entitle_usage"
	UsageCollection string

	// StateCollections hold abuse-prevention state, one document per
	// entity. Defaults: "entitle_rate_states", "entitle_devices",
	// "entitle_ip_reputation", "entitle_cooldowns",
	// "entitle_challenges", "entitle_blocks".
	RateStatesCollection   string
	DevicesCollection      string
	IPReputationCollection string
	CooldownsCollection    string
	ChallengesCollection   string
	BlocksCollection       string
}

// New creates a Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "entitle_accounts"
	}
	if config.CreditsCollection == "" {
		config.CreditsCollection = "entitle_credits"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "entitle_usage"
	}
	if config.RateStatesCollection == "" {
		config.RateStatesCollection = "entitle_rate_states"
	}
	if config.DevicesCollection == "" {
		config.DevicesCollection = "entitle_devices"
	}
	if config.IPReputationCollection == "" {
		config.IPReputationCollection = "entitle_ip_reputation"
	}
	if config.CooldownsCollection == "" {
		config.CooldownsCollection = "entitle_cooldowns"
	}
	if config.ChallengesCollection == "" {
		config.ChallengesCollection = "entitle_challenges"
	}
	if config.BlocksCollection == "" {
		config.BlocksCollection = "entitle_blocks"
	}

	return &Storage{client: client, config: config}, nil
}

func (s *Storage) accountDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.AccountsCollection).Doc(userID)
}

func (s *Storage) creditDoc(userID, transactionID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.CreditsCollection).Doc(userID + "_" + transactionID)
}

func (s *Storage) GetAccount(ctx context.Context, userID string) (*entitle.Account, error) {
	snap, err := s.accountDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitle.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return accountFromDoc(userID, snap.Data()), nil
}

func (s *Storage) CreateAccount(ctx context.Context, acct *entitle.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}
	_, err := s.accountDoc(acct.UserID).Create(ctx, accountData(acct))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return entitle.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Storage) DebitAccount(ctx context.Context, req *entitle.DebitRequest) (*entitle.DebitResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	doc := s.accountDoc(req.UserID)
	res := &entitle.DebitResult{}
	var clearUsage, insufficient bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		*res = entitle.DebitResult{}
		clearUsage = false
		insufficient = false

		monthly := req.MonthlyQuota
		purchased := 0
		resetMonth := req.MonthKey
		createdAt := req.Now
		lastReset := req.Now

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			data := snap.Data()
			monthly = getInt(data, "monthlyRemaining")
			purchased = getInt(data, "purchasedBalance")
			resetMonth = getString(data, "resetMonth")
			createdAt = getTime(data, "createdAt")
			lastReset = getTime(data, "lastMonthlyReset")

			if resetMonth != req.MonthKey {
				monthly = req.MonthlyQuota
				resetMonth = req.MonthKey
				lastReset = req.Now
				res.ResetApplied = true
				clearUsage = true
			}
		}

		if monthly+purchased < req.Amount {
			// Returning an error would roll back the reset, so commit it
			// and report the shortfall through the captured flag.
			insufficient = true
			return tx.Set(doc, map[string]interface{}{
				"monthlyRemaining": monthly,
				"purchasedBalance": purchased,
				"resetMonth":       resetMonth,
				"lastMonthlyReset": lastReset,
				"createdAt":        createdAt,
				"updatedAt":        req.Now,
			}, firestore.MergeAll)
		}

		fromMonthly := req.Amount
		if fromMonthly > monthly {
			fromMonthly = monthly
		}
		monthly -= fromMonthly
		purchased -= req.Amount - fromMonthly

		if err := tx.Set(doc, map[string]interface{}{
			"monthlyRemaining": monthly,
			"purchasedBalance": purchased,
			"resetMonth":       resetMonth,
			"lastMonthlyReset": lastReset,
			"createdAt":        createdAt,
			"updatedAt":        req.Now,
		}, firestore.MergeAll); err != nil {
			return err
		}

		usageDoc := s.client.Collection(s.config.UsageCollection).NewDoc()
		if err := tx.Create(usageDoc, map[string]interface{}{
			"userId":      req.UserID,
			"timestamp":   req.Now,
			"amount":      req.Amount,
			"requestType": req.RequestType,
		}); err != nil {
			return err
		}

		res.FromMonthly = fromMonthly
		res.FromPurchased = req.Amount - fromMonthly
		res.MonthlyRemaining = monthly
		res.PurchasedBalance = purchased
		return nil
	})
	if err != nil {
		return nil, err
	}
	if clearUsage {
		if err := s.deleteUsage(ctx, req.UserID); err != nil {
			return nil, fmt.Errorf("failed to clear usage on reset: %w", err)
		}
	}
	if insufficient {
		return nil, entitle.ErrInsufficientBalance
	}
	return res, nil
}

func (s *Storage) CreditAccount(ctx context.Context, req *entitle.CreditRequest) (*entitle.CreditResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	acctDoc := s.accountDoc(req.UserID)
	creditDoc := s.creditDoc(req.UserID, req.TransactionID)
	res := &entitle.CreditResult{}

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		*res = entitle.CreditResult{}

		creditSnap, err := tx.Get(creditDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		purchased := 0
		createdAt := req.Now
		acctSnap, err := tx.Get(acctDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && acctSnap.Exists() {
			purchased = getInt(acctSnap.Data(), "purchasedBalance")
			createdAt = getTime(acctSnap.Data(), "createdAt")
		}

		if creditSnap != nil && creditSnap.Exists() {
			res.AlreadyCredited = true
			res.Amount = getInt(creditSnap.Data(), "amount")
			res.PurchasedBalance = purchased
			return nil
		}

		purchased += req.Amount
		if err := tx.Set(acctDoc, map[string]interface{}{
			"purchasedBalance": purchased,
			"createdAt":        createdAt,
			"updatedAt":        req.Now,
		}, firestore.MergeAll); err != nil {
			return err
		}
		if err := tx.Create(creditDoc, map[string]interface{}{
			"userId":        req.UserID,
			"transactionId": req.TransactionID,
			"amount":        req.Amount,
			"source":        req.Source,
			"timestamp":     req.Now,
		}); err != nil {
			return err
		}

		res.Amount = req.Amount
		res.PurchasedBalance = purchased
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Storage) GetCreditRecord(ctx context.Context, userID, transactionID string) (*entitle.CreditRecord, error) {
	snap, err := s.creditDoc(userID, transactionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credit record: %w", err)
	}
	data := snap.Data()
	return &entitle.CreditRecord{
		UserID:        userID,
		TransactionID: transactionID,
		Amount:        getInt(data, "amount"),
		Source:        getString(data, "source"),
		Timestamp:     getTime(data, "timestamp"),
	}, nil
}

func (s *Storage) ListUsage(ctx context.Context, userID string, since time.Time) ([]entitle.UsageRecord, error) {
	iter := s.client.Collection(s.config.UsageCollection).
		Where("userId", "==", userID).
		Where("timestamp", ">=", since).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []entitle.UsageRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list usage: %w", err)
		}
		data := snap.Data()
		out = append(out, entitle.UsageRecord{
			Timestamp:   getTime(data, "timestamp"),
			Amount:      getInt(data, "amount"),
			RequestType: getString(data, "requestType"),
		})
	}
	return out, nil
}

func (s *Storage) ResetAllowance(ctx context.Context, req *entitle.ResetRequest) (*entitle.Account, error) {
	doc := s.accountDoc(req.UserID)
	var resetApplied bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		resetApplied = false

		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitle.ErrAccountNotFound
			}
			return err
		}
		if getString(snap.Data(), "resetMonth") == req.MonthKey {
			return nil
		}
		resetApplied = true
		return tx.Set(doc, map[string]interface{}{
			"monthlyRemaining": req.Quota,
			"resetMonth":       req.MonthKey,
			"lastMonthlyReset": req.Now,
			"updatedAt":        req.Now,
		}, firestore.MergeAll)
	})
	if err != nil {
		return nil, err
	}
	if resetApplied {
		if err := s.deleteUsage(ctx, req.UserID); err != nil {
			return nil, fmt.Errorf("failed to clear usage on reset: %w", err)
		}
	}
	return s.GetAccount(ctx, req.UserID)
}

func (s *Storage) UpdateRateState(ctx context.Context, userID string, fn func(*entitle.RateLimitState) error) (*entitle.RateLimitState, error) {
	state := &entitle.RateLimitState{}
	err := s.updateDoc(ctx, s.config.RateStatesCollection, userID, state, func() error {
		if state.UserID == "" {
			state.UserID = userID
		}
		return fn(state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Storage) GetRateState(ctx context.Context, userID string) (*entitle.RateLimitState, error) {
	snap, err := s.client.Collection(s.config.RateStatesCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rate state: %w", err)
	}
	var state entitle.RateLimitState
	if err := snap.DataTo(&state); err != nil {
		return nil, fmt.Errorf("failed to decode rate state: %w", err)
	}
	return &state, nil
}

func (s *Storage) DeleteRateState(ctx context.Context, userID string) error {
	return s.deleteDoc(ctx, s.config.RateStatesCollection, userID)
}

func (s *Storage) UpdateDevice(ctx context.Context, fingerprint string, fn func(*entitle.DeviceSignature) error) (*entitle.DeviceSignature, error) {
	device := &entitle.DeviceSignature{}
	err := s.updateDoc(ctx, s.config.DevicesCollection, fingerprint, device, func() error {
		if device.Fingerprint == "" {
			device.Fingerprint = fingerprint
		}
		return fn(device)
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (s *Storage) UpdateIPReputation(ctx context.Context, origin string, fn func(*entitle.IPReputation) error) (*entitle.IPReputation, error) {
	ip := &entitle.IPReputation{}
	err := s.updateDoc(ctx, s.config.IPReputationCollection, origin, ip, func() error {
		if ip.Origin == "" {
			ip.Origin = origin
		}
		return fn(ip)
	})
	if err != nil {
		return nil, err
	}
	return ip, nil
}

func (s *Storage) UpdateCooldown(ctx context.Context, userID, resource string, fn func(*entitle.SetCooldown) error) (*entitle.SetCooldown, error) {
	cd := &entitle.SetCooldown{}
	err := s.updateDoc(ctx, s.config.CooldownsCollection, userID+"_"+resource, cd, func() error {
		if cd.UserID == "" {
			cd.UserID = userID
			cd.Resource = resource
		}
		return fn(cd)
	})
	if err != nil {
		return nil, err
	}
	return cd, nil
}

func (s *Storage) PutChallenge(ctx context.Context, ch *entitle.ChallengeState) error {
	if ch == nil || ch.ChallengeID == "" {
		return fmt.Errorf("invalid challenge")
	}
	_, err := s.client.Collection(s.config.ChallengesCollection).Doc(ch.ChallengeID).Set(ctx, ch)
	if err != nil {
		return fmt.Errorf("failed to put challenge: %w", err)
	}
	return nil
}

func (s *Storage) GetChallenge(ctx context.Context, challengeID string) (*entitle.ChallengeState, error) {
	snap, err := s.client.Collection(s.config.ChallengesCollection).Doc(challengeID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitle.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	var ch entitle.ChallengeState
	if err := snap.DataTo(&ch); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &ch, nil
}

func (s *Storage) DeleteChallenge(ctx context.Context, challengeID string) error {
	return s.deleteDoc(ctx, s.config.ChallengesCollection, challengeID)
}

func (s *Storage) PutBlock(ctx context.Context, b *entitle.BlockState) error {
	if b == nil || b.UserID == "" {
		return fmt.Errorf("invalid block")
	}
	_, err := s.client.Collection(s.config.BlocksCollection).Doc(b.UserID).Set(ctx, b)
	if err != nil {
		return fmt.Errorf("failed to put block: %w", err)
	}
	return nil
}

func (s *Storage) GetBlock(ctx context.Context, userID string) (*entitle.BlockState, error) {
	snap, err := s.client.Collection(s.config.BlocksCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	var b entitle.BlockState
	if err := snap.DataTo(&b); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	return &b, nil
}

func (s *Storage) DeleteBlock(ctx context.Context, userID string) error {
	return s.deleteDoc(ctx, s.config.BlocksCollection, userID)
}

// PurgeExpired queries each state collection by its freshness field and
// deletes expired documents. Documents with an active cooldown, lockout
// or block survive their retention cutoff.
func (s *Storage) PurgeExpired(ctx context.Context, cutoffs entitle.PurgeCutoffs) (int, error) {
	purged := 0

	n, err := s.purgeQuery(ctx,
		s.client.Collection(s.config.RateStatesCollection).Where("UpdatedAt", "<", cutoffs.RateLimitBefore),
		func(snap *firestore.DocumentSnapshot) bool {
			var st entitle.RateLimitState
			if err := snap.DataTo(&st); err != nil {
				return false
			}
			return !st.Blocked(cutoffs.Now)
		})
	purged += n
	if err != nil {
		return purged, err
	}

	n, err = s.purgeQuery(ctx,
		s.client.Collection(s.config.DevicesCollection).Where("LastSeen", "<", cutoffs.DeviceBefore), nil)
	purged += n
	if err != nil {
		return purged, err
	}

	n, err = s.purgeQuery(ctx,
		s.client.Collection(s.config.CooldownsCollection).Where("LastActionTime", "<", cutoffs.CooldownBefore), nil)
	purged += n
	if err != nil {
		return purged, err
	}

	n, err = s.purgeQuery(ctx,
		s.client.Collection(s.config.IPReputationCollection).Where("UpdatedAt", "<", cutoffs.IPBefore),
		func(snap *firestore.DocumentSnapshot) bool {
			var ip entitle.IPReputation
			if err := snap.DataTo(&ip); err != nil {
				return false
			}
			return !cutoffs.Now.Before(ip.BlockUntil)
		})
	purged += n
	if err != nil {
		return purged, err
	}

	n, err = s.purgeQuery(ctx,
		s.client.Collection(s.config.ChallengesCollection).Where("ExpiresAt", "<", cutoffs.Now), nil)
	purged += n
	if err != nil {
		return purged, err
	}

	n, err = s.purgeQuery(ctx,
		s.client.Collection(s.config.BlocksCollection).Where("BlockedUntil", "<", cutoffs.Now), nil)
	purged += n
	return purged, err
}

// updateDoc runs fn over the decoded document (zero-valued if absent)
// inside a transaction and writes the result back. Firestore may retry
// the transaction body.
func (s *Storage) updateDoc(ctx context.Context, collection, docID string, v interface{}, fn func() error) error {
	doc := s.client.Collection(collection).Doc(docID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			if err := snap.DataTo(v); err != nil {
				return fmt.Errorf("failed to decode document: %w", err)
			}
		}
		if err := fn(); err != nil {
			return err
		}
		return tx.Set(doc, v)
	})
}

func (s *Storage) deleteDoc(ctx context.Context, collection, docID string) error {
	if _, err := s.client.Collection(collection).Doc(docID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// purgeQuery deletes matching documents, skipping those keep rejects.
func (s *Storage) purgeQuery(ctx context.Context, q firestore.Query, deletable func(*firestore.DocumentSnapshot) bool) (int, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to query expired state: %w", err)
		}
		if deletable != nil && !deletable(snap) {
			continue
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete expired document: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// deleteUsage removes all usage records for a user. Runs outside the
// account transaction; the reset marker on the account makes it safe to
// retry.
func (s *Storage) deleteUsage(ctx context.Context, userID string) error {
	iter := s.client.Collection(s.config.UsageCollection).
		Where("userId", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return err
		}
	}
}

func accountData(acct *entitle.Account) map[string]interface{} {
	return map[string]interface{}{
		"monthlyRemaining": acct.MonthlyRemaining,
		"purchasedBalance": acct.PurchasedBalance,
		"lastMonthlyReset": acct.LastMonthlyReset,
		"resetMonth":       acct.ResetMonth,
		"createdAt":        acct.CreatedAt,
		"updatedAt":        acct.UpdatedAt,
	}
}

func accountFromDoc(userID string, data map[string]interface{}) *entitle.Account {
	return &entitle.Account{
		UserID:           userID,
		MonthlyRemaining: getInt(data, "monthlyRemaining"),
		PurchasedBalance: getInt(data, "purchasedBalance"),
		LastMonthlyReset: getTime(data, "lastMonthlyReset"),
		ResetMonth:       getString(data, "resetMonth"),
		CreatedAt:        getTime(data, "createdAt"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
