// Package memory provides an in-memory implementation of the
// entitle.Storage interface. It is the default for single-process
// deployments, tests and development; distributed deployments should
// use the redis, postgres or firestore adapters.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/studydeck/entitle/pkg/entitle"
)

// Storage implements entitle.Storage using in-memory maps guarded by a
// single mutex. All operations are linearizable per entity by
// construction.
type Storage struct {
	mu         sync.Mutex
	accounts   map[string]*entitle.Account
	credits    map[string]map[string]*entitle.CreditRecord // userID -> txID -> record
	usage      map[string][]entitle.UsageRecord
	rateStates map[string]*entitle.RateLimitState
	devices    map[string]*entitle.DeviceSignature
	ips        map[string]*entitle.IPReputation
	cooldowns  map[string]*entitle.SetCooldown // userID:resource
	challenges map[string]*entitle.ChallengeState
	blocks     map[string]*entitle.BlockState
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		accounts:   make(map[string]*entitle.Account),
		credits:    make(map[string]map[string]*entitle.CreditRecord),
		usage:      make(map[string][]entitle.UsageRecord),
		rateStates: make(map[string]*entitle.RateLimitState),
		devices:    make(map[string]*entitle.DeviceSignature),
		ips:        make(map[string]*entitle.IPReputation),
		cooldowns:  make(map[string]*entitle.SetCooldown),
		challenges: make(map[string]*entitle.ChallengeState),
		blocks:     make(map[string]*entitle.BlockState),
	}
}

func (s *Storage) GetAccount(ctx context.Context, userID string) (*entitle.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, entitle.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *Storage) CreateAccount(ctx context.Context, acct *entitle.Account) error {
	if acct == nil || acct.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return entitle.ErrAccountExists
	}
	cp := *acct
	s.accounts[acct.UserID] = &cp
	return nil
}

func (s *Storage) DebitAccount(ctx context.Context, req *entitle.DebitRequest) (*entitle.DebitResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		acct = &entitle.Account{
			UserID:           req.UserID,
			MonthlyRemaining: req.MonthlyQuota,
			LastMonthlyReset: req.Now,
			ResetMonth:       req.MonthKey,
			CreatedAt:        req.Now,
		}
		s.accounts[req.UserID] = acct
	}

	res := &entitle.DebitResult{}
	if acct.ResetMonth != req.MonthKey {
		acct.MonthlyRemaining = req.MonthlyQuota
		acct.LastMonthlyReset = req.Now
		acct.ResetMonth = req.MonthKey
		s.usage[req.UserID] = nil
		res.ResetApplied = true
	}

	if acct.MonthlyRemaining+acct.PurchasedBalance < req.Amount {
		return nil, entitle.ErrInsufficientBalance
	}

	fromMonthly := req.Amount
	if fromMonthly > acct.MonthlyRemaining {
		fromMonthly = acct.MonthlyRemaining
	}
	acct.MonthlyRemaining -= fromMonthly
	acct.PurchasedBalance -= req.Amount - fromMonthly
	acct.UpdatedAt = req.Now

	s.usage[req.UserID] = append(s.usage[req.UserID], entitle.UsageRecord{
		Timestamp:   req.Now,
		Amount:      req.Amount,
		RequestType: req.RequestType,
	})

	res.FromMonthly = fromMonthly
	res.FromPurchased = req.Amount - fromMonthly
	res.MonthlyRemaining = acct.MonthlyRemaining
	res.PurchasedBalance = acct.PurchasedBalance
	return res, nil
}

func (s *Storage) CreditAccount(ctx context.Context, req *entitle.CreditRequest) (*entitle.CreditResult, error) {
	if req.Amount < 0 {
		return nil, entitle.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		acct = &entitle.Account{
			UserID:           req.UserID,
			LastMonthlyReset: req.Now,
			CreatedAt:        req.Now,
		}
		s.accounts[req.UserID] = acct
	}

	userCredits, ok := s.credits[req.UserID]
	if !ok {
		userCredits = make(map[string]*entitle.CreditRecord)
		s.credits[req.UserID] = userCredits
	}

	if existing, ok := userCredits[req.TransactionID]; ok {
		return &entitle.CreditResult{
			AlreadyCredited:  true,
			Amount:           existing.Amount,
			PurchasedBalance: acct.PurchasedBalance,
		}, nil
	}

	userCredits[req.TransactionID] = &entitle.CreditRecord{
		UserID:        req.UserID,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Source:        req.Source,
		Timestamp:     req.Now,
	}
	acct.PurchasedBalance += req.Amount
	acct.UpdatedAt = req.Now

	return &entitle.CreditResult{
		Amount:           req.Amount,
		PurchasedBalance: acct.PurchasedBalance,
	}, nil
}

func (s *Storage) GetCreditRecord(ctx context.Context, userID, transactionID string) (*entitle.CreditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.credits[userID][transactionID]
	if !ok {
		return nil, nil
	}
	cp := *record
	return &cp, nil
}

func (s *Storage) ListUsage(ctx context.Context, userID string, since time.Time) ([]entitle.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []entitle.UsageRecord
	for _, r := range s.usage[userID] {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Storage) ResetAllowance(ctx context.Context, req *entitle.ResetRequest) (*entitle.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, entitle.ErrAccountNotFound
	}

	if acct.ResetMonth != req.MonthKey {
		acct.MonthlyRemaining = req.Quota
		acct.LastMonthlyReset = req.Now
		acct.ResetMonth = req.MonthKey
		acct.UpdatedAt = req.Now
		s.usage[req.UserID] = nil
	}

	cp := *acct
	return &cp, nil
}

func (s *Storage) UpdateRateState(ctx context.Context, userID string, fn func(*entitle.RateLimitState) error) (*entitle.RateLimitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rateStates[userID]
	if !ok {
		state = &entitle.RateLimitState{UserID: userID}
	}
	cp := copyRateState(state)
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.rateStates[userID] = cp

	out := copyRateState(cp)
	return out, nil
}

func (s *Storage) GetRateState(ctx context.Context, userID string) (*entitle.RateLimitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rateStates[userID]
	if !ok {
		return nil, nil
	}
	return copyRateState(state), nil
}

func (s *Storage) DeleteRateState(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rateStates, userID)
	return nil
}

func (s *Storage) UpdateDevice(ctx context.Context, fingerprint string, fn func(*entitle.DeviceSignature) error) (*entitle.DeviceSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[fingerprint]
	if !ok {
		device = &entitle.DeviceSignature{Fingerprint: fingerprint}
	}
	cp := copyDevice(device)
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.devices[fingerprint] = cp

	out := copyDevice(cp)
	return out, nil
}

func (s *Storage) UpdateIPReputation(ctx context.Context, origin string, fn func(*entitle.IPReputation) error) (*entitle.IPReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ip, ok := s.ips[origin]
	if !ok {
		ip = &entitle.IPReputation{Origin: origin}
	}
	cp := *ip
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.ips[origin] = &cp

	out := cp
	return &out, nil
}

func (s *Storage) UpdateCooldown(ctx context.Context, userID, resource string, fn func(*entitle.SetCooldown) error) (*entitle.SetCooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userID + ":" + resource
	cd, ok := s.cooldowns[key]
	if !ok {
		cd = &entitle.SetCooldown{UserID: userID, Resource: resource}
	}
	cp := *cd
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.cooldowns[key] = &cp

	out := cp
	return &out, nil
}

func (s *Storage) PutChallenge(ctx context.Context, ch *entitle.ChallengeState) error {
	if ch == nil || ch.ChallengeID == "" {
		return fmt.Errorf("invalid challenge")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.ChallengeID] = &cp
	return nil
}

func (s *Storage) GetChallenge(ctx context.Context, challengeID string) (*entitle.ChallengeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[challengeID]
	if !ok {
		return nil, entitle.ErrChallengeNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *Storage) DeleteChallenge(ctx context.Context, challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, challengeID)
	return nil
}

func (s *Storage) PutBlock(ctx context.Context, b *entitle.BlockState) error {
	if b == nil || b.UserID == "" {
		return fmt.Errorf("invalid block")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.blocks[b.UserID] = &cp
	return nil
}

func (s *Storage) GetBlock(ctx context.Context, userID string) (*entitle.BlockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[userID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *Storage) DeleteBlock(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, userID)
	return nil
}

func (s *Storage) PurgeExpired(ctx context.Context, cutoffs entitle.PurgeCutoffs) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for userID, state := range s.rateStates {
		if state.UpdatedAt.Before(cutoffs.RateLimitBefore) &&
			cutoffs.Now.After(state.CooldownUntil) && cutoffs.Now.After(state.LockoutUntil) {
			delete(s.rateStates, userID)
			purged++
		}
	}
	for fp, device := range s.devices {
		if device.LastSeen.Before(cutoffs.DeviceBefore) {
			delete(s.devices, fp)
			purged++
		}
	}
	for key, cd := range s.cooldowns {
		if cd.LastActionTime.Before(cutoffs.CooldownBefore) {
			delete(s.cooldowns, key)
			purged++
		}
	}
	for origin, ip := range s.ips {
		if ip.UpdatedAt.Before(cutoffs.IPBefore) && cutoffs.Now.After(ip.BlockUntil) {
			delete(s.ips, origin)
			purged++
		}
	}
	for id, ch := range s.challenges {
		if cutoffs.Now.After(ch.ExpiresAt) {
			delete(s.challenges, id)
			purged++
		}
	}
	for userID, b := range s.blocks {
		if cutoffs.Now.After(b.BlockedUntil) {
			delete(s.blocks, userID)
			purged++
		}
	}
	return purged, nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*entitle.Account)
	s.credits = make(map[string]map[string]*entitle.CreditRecord)
	s.usage = make(map[string][]entitle.UsageRecord)
	s.rateStates = make(map[string]*entitle.RateLimitState)
	s.devices = make(map[string]*entitle.DeviceSignature)
	s.ips = make(map[string]*entitle.IPReputation)
	s.cooldowns = make(map[string]*entitle.SetCooldown)
	s.challenges = make(map[string]*entitle.ChallengeState)
	s.blocks = make(map[string]*entitle.BlockState)
}

func copyRateState(s *entitle.RateLimitState) *entitle.RateLimitState {
	cp := *s
	cp.Timestamps = append([]time.Time(nil), s.Timestamps...)
	return &cp
}

func copyDevice(d *entitle.DeviceSignature) *entitle.DeviceSignature {
	cp := *d
	cp.UserIDs = make(map[string]time.Time, len(d.UserIDs))
	for k, v := range d.UserIDs {
		cp.UserIDs[k] = v
	}
	return &cp
}
