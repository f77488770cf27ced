package entitle

import (
	"context"
	"time"
)

// Telemetry is a fire-and-forget event sink. Implementations must not
// block the request path; failures are swallowed and never affect the
// engine's allow/deny or credit/debit outcomes.
type Telemetry interface {
	Emit(event string, params map[string]interface{})
}

// NoopTelemetry discards all events.
type NoopTelemetry struct{}

func (n *NoopTelemetry) Emit(event string, params map[string]interface{}) {}

// ReviewQueue is a durable append-only sink for devices flagged for
// manual review.
type ReviewQueue interface {
	Flag(ctx context.Context, deviceFingerprint, reason string, flaggedAt time.Time) error
}

// NoopReviewQueue discards all flags.
type NoopReviewQueue struct{}

func (n *NoopReviewQueue) Flag(ctx context.Context, deviceFingerprint, reason string, flaggedAt time.Time) error {
	return nil
}
