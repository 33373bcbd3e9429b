package outbound

import (
	"context"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// ReportArchive stores finished cycle reports.
type ReportArchive interface {
	Archive(ctx context.Context, report *entity.CycleReport) error
}
