package entitle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically purges expired abuse state: idle rate-limit,
// device, cooldown and IP entries, and elapsed challenges and blocks.
// It runs off the request path and only removes state that is provably
// expired by time, so it is safe alongside in-flight checks.
type Sweeper struct {
	storage   Storage
	retention Retention
	interval  time.Duration
	clock     func() time.Time
	logger    Logger
	metrics   Metrics

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper creates a sweeper. Start it with Start and stop it with
// Stop; both are idempotent enough for typical shutdown paths.
func NewSweeper(storage Storage, retention Retention, interval time.Duration, clock func() time.Time, logger Logger, metrics Metrics) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		storage:   storage,
		retention: retention,
		interval:  interval,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background sweep loop. It returns immediately;
// the loop ends when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() { s.started.Store(true); s.run(ctx) })
}

func (s *Sweeper) run(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to drain. Stopping a
// sweeper that was never started returns immediately.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// SweepOnce runs a single purge pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.clock()
	start := now

	purged, err := s.storage.PurgeExpired(ctx, PurgeCutoffs{
		RateLimitBefore: now.Add(-s.retention.RateLimitState),
		DeviceBefore:    now.Add(-s.retention.DeviceState),
		CooldownBefore:  now.Add(-s.retention.Cooldowns),
		IPBefore:        now.Add(-s.retention.IPReputation),
		Now:             now,
	})
	if err != nil {
		s.logger.Error("sweep failed", Field{Key: "error", Value: err})
		return
	}

	s.metrics.RecordSweep(purged, s.clock().Sub(start))
	if purged > 0 {
		s.logger.Debug("sweep purged entries", Field{Key: "count", Value: purged})
	}
}
