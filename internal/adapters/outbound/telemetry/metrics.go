package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

var _ outbound.LiquidationMetrics = (*Metrics)(nil)

// Metrics records liquidation cycle metrics with OpenTelemetry instruments.
type Metrics struct {
	cycleDuration    metric.Float64Histogram
	positionsScanned metric.Int64Counter
	unhealthy        metric.Int64Counter
	outcomes         metric.Int64Counter
	chainAttr        attribute.KeyValue
}

// NewMetrics creates a recorder on the global meter provider.
func NewMetrics(meterName string, chainID int64) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName), chainID)
}

// NewMetricsWithMeter creates a recorder on an explicit meter.
func NewMetricsWithMeter(meter metric.Meter, chainID int64) (*Metrics, error) {
	duration, err := meter.Float64Histogram(
		"liquidation_cycle_duration_seconds",
		metric.WithDescription("Time taken by one scan cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create liquidation_cycle_duration_seconds histogram: %w", err)
	}

	scanned, err := meter.Int64Counter(
		"liquidation_positions_scanned_total",
		metric.WithDescription("Positions read from chain"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create liquidation_positions_scanned_total counter: %w", err)
	}

	unhealthy, err := meter.Int64Counter(
		"liquidation_unhealthy_positions_total",
		metric.WithDescription("Positions found above their borrow limit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create liquidation_unhealthy_positions_total counter: %w", err)
	}

	outcomes, err := meter.Int64Counter(
		"liquidation_outcomes_total",
		metric.WithDescription("Liquidation attempts by terminal status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create liquidation_outcomes_total counter: %w", err)
	}

	return &Metrics{
		cycleDuration:    duration,
		positionsScanned: scanned,
		unhealthy:        unhealthy,
		outcomes:         outcomes,
		chainAttr:        attribute.Int64("chain_id", chainID),
	}, nil
}

// RecordCycle records the duration of one scan cycle.
func (m *Metrics) RecordCycle(ctx context.Context, status string, duration time.Duration) {
	m.cycleDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(m.chainAttr, attribute.String("status", status)))
}

func (m *Metrics) RecordPositionsScanned(ctx context.Context, count int) {
	m.positionsScanned.Add(ctx, int64(count), metric.WithAttributes(m.chainAttr))
}

func (m *Metrics) RecordUnhealthy(ctx context.Context, count int) {
	m.unhealthy.Add(ctx, int64(count), metric.WithAttributes(m.chainAttr))
}

// RecordOutcome increments the outcome counter for status.
func (m *Metrics) RecordOutcome(ctx context.Context, status string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(m.chainAttr, attribute.String("status", status)))
}
