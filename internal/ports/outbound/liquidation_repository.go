package outbound

import (
	"context"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// LiquidationRepository is the write-only audit log of executor outcomes.
// Nothing on the decision path reads from it.
type LiquidationRepository interface {
	RecordOutcome(ctx context.Context, outcome *entity.LiquidationOutcome) error
}
