package entitle

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordDecision records an allow/deny decision.
	RecordDecision(actionType string, reason DenyReason, allowed bool)

	// RecordDebit records a debit attempt.
	RecordDebit(requestType string, amount int, success bool)

	// RecordCredit records a purchase credit attempt.
	RecordCredit(source string, amount int, replay bool)

	// RecordPurchaseOutcome records the outcome of a purchase attempt.
	RecordPurchaseOutcome(outcome PurchaseOutcome)

	// RecordCheckDuration records the latency of a gate check.
	RecordCheckDuration(actionType string, duration time.Duration)

	// RecordCacheHit records a cache hit for a cache type
	// (e.g. "account", "purchase").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a cache type.
	RecordCacheMiss(cacheType string)

	// RecordSweep records one sweeper pass and how many entries it
	// purged.
	RecordSweep(purged int, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(actionType string, reason DenyReason, allowed bool) {}
func (n *NoopMetrics) RecordDebit(requestType string, amount int, success bool)          {}
func (n *NoopMetrics) RecordCredit(source string, amount int, replay bool)               {}
func (n *NoopMetrics) RecordPurchaseOutcome(outcome PurchaseOutcome)                     {}
func (n *NoopMetrics) RecordCheckDuration(actionType string, duration time.Duration)     {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                   {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                  {}
func (n *NoopMetrics) RecordSweep(purged int, duration time.Duration)                    {}
