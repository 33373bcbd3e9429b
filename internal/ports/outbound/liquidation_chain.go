package outbound

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// ErrTransactionReverted is wrapped by WaitForConfirmation when a mined
// transaction has a failed status.
var ErrTransactionReverted = errors.New("transaction reverted")

// LiquidationChain is the signer's view of the chain: token reads and the two
// writes the executor submits. Implementations hold exactly one signing key.
type LiquidationChain interface {
	// SignerAddress is the account that pays and receives in liquidations.
	SignerAddress() common.Address

	// MarketsAddress is the lending markets contract, which is also the
	// spender that must be approved for the loan token.
	MarketsAddress() common.Address

	BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)

	// Approve submits token.approve(spender, amount) and returns the tx hash.
	Approve(ctx context.Context, token, spender common.Address, amount *uint256.Int) (common.Hash, error)

	// Liquidate submits markets.liquidate(params, borrower, seizedAssets, repaidShares, data).
	Liquidate(ctx context.Context, params entity.MarketParams, borrower common.Address, seizedAssets, repaidShares *uint256.Int, data []byte) (common.Hash, error)

	// WaitForConfirmation blocks until txHash is mined with the given number of
	// confirmations, or ctx ends.
	WaitForConfirmation(ctx context.Context, txHash common.Hash, confirmations uint64) error
}
