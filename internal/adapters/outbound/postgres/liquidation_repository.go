package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that LiquidationRepository implements outbound.LiquidationRepository.
var _ outbound.LiquidationRepository = (*LiquidationRepository)(nil)

// LiquidationRepository appends executor outcomes to the liquidation_attempt table.
type LiquidationRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLiquidationRepository creates a new PostgreSQL liquidation repository.
func NewLiquidationRepository(pool *pgxpool.Pool, logger *slog.Logger) (*LiquidationRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LiquidationRepository{
		pool:   pool,
		logger: logger.With("component", "liquidation-repository"),
	}, nil
}

const insertAttemptSQL = `
	INSERT INTO liquidation_attempt (
		run_id, chain_id, block_number, market_id, borrower, loan_token, status,
		borrowed_amount, borrow_limit, repaid_shares, balance,
		approve_tx_hash, liquidate_tx_hash, stage, error, completed_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7,
		$8::numeric, $9::numeric, $10::numeric, $11::numeric,
		$12, $13, $14, $15, $16
	)
	ON CONFLICT (run_id, market_id, borrower) DO NOTHING`

// RecordOutcome inserts one outcome. A row already recorded for the same run
// and position is left untouched.
func (r *LiquidationRepository) RecordOutcome(ctx context.Context, outcome *entity.LiquidationOutcome) error {
	if outcome == nil {
		return fmt.Errorf("outcome cannot be nil")
	}

	tag, err := r.pool.Exec(ctx, insertAttemptSQL,
		outcome.RunID,
		outcome.ChainID,
		int64(outcome.BlockNumber),
		outcome.MarketID.Bytes(),
		outcome.Borrower.Bytes(),
		outcome.LoanToken.Bytes(),
		string(outcome.Status),
		numericOrNil(outcome.BorrowedAmount),
		numericOrNil(outcome.BorrowLimit),
		numericOrNil(outcome.RepaidShares),
		numericOrNil(outcome.Balance),
		hashOrNil(outcome.ApproveTxHash),
		hashOrNil(outcome.LiquidateTx),
		textOrNil(outcome.Stage),
		textOrNil(outcome.Error),
		outcome.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting liquidation attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("liquidation attempt already recorded",
			"runId", outcome.RunID,
			"marketId", outcome.MarketID.Hex(),
			"borrower", outcome.Borrower.Hex())
	}
	return nil
}

// numericOrNil renders v for a NUMERIC column. uint256 has no driver value so
// the decimal string is cast in SQL.
func numericOrNil(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}

func hashOrNil(h *common.Hash) []byte {
	if h == nil {
		return nil
	}
	return h.Bytes()
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
