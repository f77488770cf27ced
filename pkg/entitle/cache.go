package entitle

import (
	"sync"
	"time"
)

// Cache defines the interface for caching account snapshots and
// purchase outcomes in front of storage. The cache is an optimization
// only: the ledger remains authoritative for every invariant.
type Cache interface {
	// GetAccount retrieves a cached account snapshot.
	GetAccount(userID string) (*Account, bool)

	// SetAccount stores an account snapshot with TTL.
	SetAccount(userID string, acct *Account, ttl time.Duration)

	// InvalidateAccount removes an account snapshot.
	InvalidateAccount(userID string)

	// GetPurchase retrieves a cached purchase result by
	// (userID, transactionID) key.
	GetPurchase(key string) (*PurchaseResult, bool)

	// SetPurchase stores a purchase result with TTL.
	SetPurchase(key string, res *PurchaseResult, ttl time.Duration)

	// Clear removes all entries.
	Clear()

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	AccountHits    int64
	AccountMisses  int64
	PurchaseHits   int64
	PurchaseMisses int64
	Evictions      int64
	Size           int
}

// cacheEntry wraps a cached value with expiration and access times for
// LRU eviction.
type cacheEntry struct {
	value      interface{}
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache implementation that does nothing. Used when
// caching is disabled.
type NoopCache struct{}

func NewNoopCache() *NoopCache { return &NoopCache{} }

func (c *NoopCache) GetAccount(_ string) (*Account, bool)                  { return nil, false }
func (c *NoopCache) SetAccount(_ string, _ *Account, _ time.Duration)      {}
func (c *NoopCache) InvalidateAccount(_ string)                            {}
func (c *NoopCache) GetPurchase(_ string) (*PurchaseResult, bool)          { return nil, false }
func (c *NoopCache) SetPurchase(_ string, _ *PurchaseResult, _ time.Duration) {}
func (c *NoopCache) Clear()                                                {}
func (c *NoopCache) Stats() CacheStats                                     { return CacheStats{} }

// LRUCache implements Cache using in-memory maps with TTL support and
// LRU eviction.
type LRUCache struct {
	mu           sync.RWMutex
	accounts     map[string]*cacheEntry
	purchases    map[string]*cacheEntry
	maxAccounts  int
	maxPurchases int

	accountHits    int64
	accountMisses  int64
	purchaseHits   int64
	purchaseMisses int64
	evictions      int64
	sequence       int64

	clock func() time.Time
}

// NewLRUCache creates a new LRU cache with the given maximum sizes.
func NewLRUCache(maxAccounts, maxPurchases int) *LRUCache {
	if maxAccounts <= 0 {
		maxAccounts = 1000
	}
	if maxPurchases <= 0 {
		maxPurchases = 10000
	}
	return &LRUCache{
		accounts:     make(map[string]*cacheEntry, maxAccounts),
		purchases:    make(map[string]*cacheEntry, maxPurchases),
		maxAccounts:  maxAccounts,
		maxPurchases: maxPurchases,
		clock:        time.Now,
	}
}

func (c *LRUCache) GetAccount(userID string) (*Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.accounts[userID]
	if !ok || entry.isExpired(c.clock()) {
		if ok {
			delete(c.accounts, userID)
		}
		c.accountMisses++
		return nil, false
	}

	entry.accessTime = c.clock()
	c.sequence++
	entry.sequence = c.sequence
	c.accountHits++

	acct := *(entry.value.(*Account))
	return &acct, true
}

func (c *LRUCache) SetAccount(userID string, acct *Account, ttl time.Duration) {
	if acct == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.accounts[userID]; !ok && len(c.accounts) >= c.maxAccounts {
		c.evictOldest(c.accounts)
	}

	cp := *acct
	c.sequence++
	c.accounts[userID] = &cacheEntry{
		value:      &cp,
		expiration: c.clock().Add(ttl),
		accessTime: c.clock(),
		sequence:   c.sequence,
	}
}

func (c *LRUCache) InvalidateAccount(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, userID)
}

func (c *LRUCache) GetPurchase(key string) (*PurchaseResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.purchases[key]
	if !ok || entry.isExpired(c.clock()) {
		if ok {
			delete(c.purchases, key)
		}
		c.purchaseMisses++
		return nil, false
	}

	entry.accessTime = c.clock()
	c.sequence++
	entry.sequence = c.sequence
	c.purchaseHits++

	res := *(entry.value.(*PurchaseResult))
	return &res, true
}

func (c *LRUCache) SetPurchase(key string, res *PurchaseResult, ttl time.Duration) {
	if res == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.purchases[key]; !ok && len(c.purchases) >= c.maxPurchases {
		c.evictOldest(c.purchases)
	}

	cp := *res
	c.sequence++
	c.purchases[key] = &cacheEntry{
		value:      &cp,
		expiration: c.clock().Add(ttl),
		accessTime: c.clock(),
		sequence:   c.sequence,
	}
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts = make(map[string]*cacheEntry, c.maxAccounts)
	c.purchases = make(map[string]*cacheEntry, c.maxPurchases)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		AccountHits:    c.accountHits,
		AccountMisses:  c.accountMisses,
		PurchaseHits:   c.purchaseHits,
		PurchaseMisses: c.purchaseMisses,
		Evictions:      c.evictions,
		Size:           len(c.accounts) + len(c.purchases),
	}
}

// evictOldest removes the least recently used entry from m.
// Caller must hold c.mu.
func (c *LRUCache) evictOldest(m map[string]*cacheEntry) {
	var oldestKey string
	var oldest *cacheEntry
	for k, e := range m {
		if oldest == nil || e.accessTime.Before(oldest.accessTime) ||
			(e.accessTime.Equal(oldest.accessTime) && e.sequence < oldest.sequence) {
			oldestKey = k
			oldest = e
		}
	}
	if oldest != nil {
		delete(m, oldestKey)
		c.evictions++
	}
}
