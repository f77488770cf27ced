package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/studydeck/entitle/pkg/entitle"
)

// Metrics implements entitle.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal       *prometheus.CounterVec
	debitsTotal          *prometheus.CounterVec
	debitAmount          *prometheus.HistogramVec
	creditsTotal         *prometheus.CounterVec
	purchaseOutcomes     *prometheus.CounterVec
	checkDuration        *prometheus.HistogramVec
	cacheHitsTotal       *prometheus.CounterVec
	cacheMissesTotal     *prometheus.CounterVec
	sweepPurgedTotal     prometheus.Counter
	sweepDurationSeconds prometheus.Histogram
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of abuse-gate decisions.",
		}, []string{"action_type", "reason", "allowed"}),

		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_total",
			Help:      "Total number of ledger debit attempts.",
		}, []string{"request_type", "success"}),

		debitAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debit_amount",
			Help:      "Distribution of debit amounts.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}, []string{"request_type"}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Total number of purchase credits.",
		}, []string{"source", "replay"}),

		purchaseOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_outcomes_total",
			Help:      "Purchase attempts by outcome.",
		}, []string{"outcome"}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of abuse-gate checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		sweepPurgedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_purged_total",
			Help:      "Total number of expired entries purged by the sweeper.",
		}),

		sweepDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweeper passes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// DefaultMetrics creates a Metrics registered on the default
// Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordDecision(actionType string, reason entitle.DenyReason, allowed bool) {
	m.decisionsTotal.WithLabelValues(actionType, string(reason), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordDebit(requestType string, amount int, success bool) {
	m.debitsTotal.WithLabelValues(requestType, strconv.FormatBool(success)).Inc()
	if success {
		m.debitAmount.WithLabelValues(requestType).Observe(float64(amount))
	}
}

func (m *Metrics) RecordCredit(source string, amount int, replay bool) {
	m.creditsTotal.WithLabelValues(source, strconv.FormatBool(replay)).Inc()
}

func (m *Metrics) RecordPurchaseOutcome(outcome entitle.PurchaseOutcome) {
	m.purchaseOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) RecordCheckDuration(actionType string, duration time.Duration) {
	m.checkDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordSweep(purged int, duration time.Duration) {
	m.sweepPurgedTotal.Add(float64(purged))
	m.sweepDurationSeconds.Observe(duration.Seconds())
}
