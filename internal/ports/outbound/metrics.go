package outbound

import (
	"context"
	"time"
)

// LiquidationMetrics records scan-cycle metrics without tying the service to a
// telemetry backend.
type LiquidationMetrics interface {
	RecordCycle(ctx context.Context, status string, duration time.Duration)
	RecordPositionsScanned(ctx context.Context, count int)
	RecordUnhealthy(ctx context.Context, count int)
	RecordOutcome(ctx context.Context, status string)
}
