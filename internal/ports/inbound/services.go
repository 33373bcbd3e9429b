// Package inbound contains the primary/inbound ports.
package inbound

import (
	"context"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// Liquidator runs scan cycles. Drivers (the CLI, the SQS worker) call it.
type Liquidator interface {
	// RunCycle performs one fetch → evaluate → execute pass. The report is
	// non-nil even when an error is returned.
	RunCycle(ctx context.Context) (*entity.CycleReport, error)
}
