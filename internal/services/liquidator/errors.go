package liquidator

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TransientFetchError is a feed or batched-read failure. It aborts the cycle
// before any transaction is sent.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ExecutionError is a failed chain interaction while working through the
// liquidation queue. Positions after the failing one are not attempted.
type ExecutionError struct {
	Stage    Stage
	MarketID common.Hash
	Borrower common.Address
	TxHash   *common.Hash
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.TxHash != nil {
		return fmt.Sprintf("liquidation %s failed for market=%s borrower=%s tx=%s: %v",
			e.Stage, e.MarketID.Hex(), e.Borrower.Hex(), e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("liquidation %s failed for market=%s borrower=%s: %v",
		e.Stage, e.MarketID.Hex(), e.Borrower.Hex(), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
