// Package multicall executes batched read calls through the Multicall
// aggregate() entry point.
package multicall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/liquidator/internal/pkg/blockchain/abis"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that Client implements outbound.Multicaller
var _ outbound.Multicaller = (*Client)(nil)

// aggregateCall is the ABI shape of one aggregate() input tuple.
type aggregateCall struct {
	Target   common.Address
	CallData []byte
}

type Client struct {
	caller  ethereum.ContractCaller
	address common.Address
	abi     *abi.ABI
}

// NewClient creates a multicall client. caller is usually an *ethclient.Client.
func NewClient(caller ethereum.ContractCaller, multicallAddress common.Address) (*Client, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller is required")
	}
	multicallABI, err := abis.GetMulticallABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load multicall ABI: %w", err)
	}

	return &Client{
		caller:  caller,
		address: multicallAddress,
		abi:     multicallABI,
	}, nil
}

func (c *Client) Address() common.Address {
	return c.address
}

// Aggregate sends all calls in one eth_call. The batch is atomic: a revert in
// any call surfaces as an error for the whole batch.
func (c *Client) Aggregate(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
	if len(calls) == 0 {
		return &outbound.AggregateResult{ReturnData: [][]byte{}}, nil
	}

	packed := make([]aggregateCall, len(calls))
	for i, call := range calls {
		packed[i] = aggregateCall{Target: call.Target, CallData: call.CallData}
	}

	data, err := c.abi.Pack("aggregate", packed)
	if err != nil {
		return nil, fmt.Errorf("failed to pack multicall: %w", err)
	}

	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to call multicall contract at address=%s block=%s calls=%d: %w",
			c.address.Hex(), blockNumberString(blockNumber), len(calls), err)
	}

	unpacked, err := c.abi.Unpack("aggregate", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack multicall response at block=%s: %w",
			blockNumberString(blockNumber), err)
	}
	if len(unpacked) != 2 {
		return nil, fmt.Errorf("unexpected multicall output count %d", len(unpacked))
	}

	block, ok := unpacked[0].(*big.Int)
	if !ok || !block.IsUint64() {
		return nil, fmt.Errorf("unexpected multicall block number %v", unpacked[0])
	}
	returnData, ok := unpacked[1].([][]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected multicall return data type %T", unpacked[1])
	}
	if len(returnData) != len(calls) {
		return nil, fmt.Errorf("multicall returned %d results for %d calls", len(returnData), len(calls))
	}

	return &outbound.AggregateResult{
		BlockNumber: block.Uint64(),
		ReturnData:  returnData,
	}, nil
}

func blockNumberString(blockNumber *big.Int) string {
	if blockNumber == nil {
		return "latest"
	}
	return blockNumber.String()
}
