package liquidator

import (
	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/fixedpoint"
)

// Evaluate decides whether a position is liquidatable. It is pure: the result
// depends only on its arguments.
//
// A position with no matching market or totals is indeterminate and never
// flagged. Positions without collateral or without debt are never flagged.
func Evaluate(p *entity.Position, market *entity.Market, totals *entity.MultiplierTotals) (*entity.UnhealthyPosition, bool) {
	if p == nil || market == nil || totals == nil {
		return nil, false
	}
	if p.Collateral.IsZero() || p.BorrowShares.IsZero() {
		return nil, false
	}

	borrowed, err := fixedpoint.ToAssetsUp(p.BorrowShares, totals.TotalBorrowAssets, totals.TotalBorrowShares)
	if err != nil {
		// Debt too large for 256 bits cannot exist on chain; treat as bad data.
		return nil, false
	}
	limit := fixedpoint.BorrowLimit(p.Collateral, market.Params.Lltv, market.Price)

	if !borrowed.Gt(limit) {
		return nil, false
	}
	return &entity.UnhealthyPosition{
		Position:       *p,
		Market:         market,
		BorrowedAmount: borrowed,
		BorrowLimit:    limit,
	}, true
}

// EvaluateAll runs Evaluate over positions in order and returns the unhealthy
// ones together with the number skipped for missing market data.
func EvaluateAll(positions []*entity.Position, index *entity.MarketIndex) ([]*entity.UnhealthyPosition, int) {
	var (
		unhealthy []*entity.UnhealthyPosition
		skipped   int
	)
	for _, p := range positions {
		market, totals := index.Lookup(p)
		if market == nil || totals == nil {
			skipped++
			continue
		}
		if u, ok := Evaluate(p, market, totals); ok {
			unhealthy = append(unhealthy, u)
		}
	}
	return unhealthy, skipped
}
