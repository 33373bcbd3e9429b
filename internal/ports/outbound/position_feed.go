package outbound

import (
	"context"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// PositionFeed supplies the candidate positions and markets to scan.
type PositionFeed interface {
	Fetch(ctx context.Context) (*entity.Feed, error)
}
