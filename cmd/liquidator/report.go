package main

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// renderReport prints a cycle summary followed by one row per unhealthy position.
func renderReport(w io.Writer, r *entity.CycleReport) error {
	if r == nil {
		return nil
	}

	mode := "live"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(w, "\nrun %s (%s) chain %d block %d: %d positions, %d markets, %d skipped, %d unhealthy in %s\n",
		r.RunID, mode, r.ChainID, r.BlockNumber,
		r.PositionsScanned, r.MarketsLoaded, r.Skipped, len(r.Unhealthy),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	if len(r.Unhealthy) > 0 {
		table := tablewriter.NewWriter(w)
		table.Header("#", "Market", "Borrower", "Collateral", "Borrowed", "Limit", "Outcome")

		for i, p := range r.Unhealthy {
			outcome := string(r.OutcomeFor(p))
			if outcome == "" {
				outcome = "-"
			}
			if err := table.Append(
				fmt.Sprintf("%d", i+1),
				shortHex(p.MarketID),
				p.Borrower,
				p.Collateral,
				p.BorrowedAmount,
				p.BorrowLimit,
				outcome,
			); err != nil {
				return fmt.Errorf("rendering report row: %w", err)
			}
		}

		if err := table.Render(); err != nil {
			return fmt.Errorf("rendering report: %w", err)
		}
	}

	for _, o := range r.Outcomes {
		if o.LiquidateTx != "" {
			fmt.Fprintf(w, "  liquidated %s in %s: %s\n", o.Borrower, shortHex(o.MarketID), o.LiquidateTx)
		}
		if o.Error != "" {
			fmt.Fprintf(w, "  %s %s in %s: %s\n", o.Status, o.Borrower, shortHex(o.MarketID), o.Error)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  cycle error: %s\n", r.Error)
	}
	return nil
}

func shortHex(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + ".." + s[len(s)-4:]
}
