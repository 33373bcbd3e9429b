// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Multicaller batches read calls into one atomic on-chain request.
type Multicaller interface {
	// Aggregate executes calls against blockNumber (nil for latest). Any reverting
	// call fails the whole batch. ReturnData has one entry per call, in order.
	Aggregate(ctx context.Context, calls []Call, blockNumber *big.Int) (*AggregateResult, error)
	Address() common.Address
}

type Call struct {
	Target   common.Address
	CallData []byte
}

type AggregateResult struct {
	BlockNumber uint64
	ReturnData  [][]byte
}
