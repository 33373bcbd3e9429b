package testutil

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/blockchain"
	"github.com/archon-research/liquidator/internal/pkg/blockchain/abis"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// PackPosition ABI-encodes position() return data.
func PackPosition(t *testing.T, collateral, borrowShares, lastMultiplier *uint256.Int) []byte {
	t.Helper()
	marketsABI, err := abis.GetMarketsABI()
	if err != nil {
		t.Fatalf("loading markets ABI: %v", err)
	}
	data, err := marketsABI.Methods["position"].Outputs.Pack(
		blockchain.ToBig(collateral), blockchain.ToBig(borrowShares), blockchain.ToBig(lastMultiplier))
	if err != nil {
		t.Fatalf("packing position: %v", err)
	}
	return data
}

// PackMarketParams ABI-encodes idToMarketParams() return data.
func PackMarketParams(t *testing.T, p entity.MarketParams) []byte {
	t.Helper()
	data, err := packMarketParams(p)
	if err != nil {
		t.Fatalf("packing market params: %v", err)
	}
	return data
}

// PackUint ABI-encodes a single uint256 return value, as returned by price()
// and the multiplier total getters.
func PackUint(t *testing.T, v *uint256.Int) []byte {
	t.Helper()
	oracleABI, err := abis.GetOracleABI()
	if err != nil {
		t.Fatalf("loading oracle ABI: %v", err)
	}
	data, err := oracleABI.Methods["price"].Outputs.Pack(blockchain.ToBig(v))
	if err != nil {
		t.Fatalf("packing uint: %v", err)
	}
	return data
}

func packMarketParams(p entity.MarketParams) ([]byte, error) {
	marketsABI, err := abis.GetMarketsABI()
	if err != nil {
		return nil, err
	}
	return marketsABI.Methods["idToMarketParams"].Outputs.Pack(
		p.IsPremiumMarket,
		p.LoanToken,
		p.CollateralToken,
		p.Oracle,
		p.InterestRateModel,
		blockchain.ToBig(p.Lltv),
		p.AttestationService,
		blockchain.ToBig(p.MaxLltv),
		blockchain.ToBig(p.CategoryLltv),
	)
}

// PositionState is the on-chain position tuple served by FakeLendingState.
type PositionState struct {
	Collateral     *uint256.Int
	BorrowShares   *uint256.Int
	LastMultiplier *uint256.Int
}

// FakeLendingState answers aggregate calls against an in-memory lending market
// and its oracles. Unknown keys read as zero values, as they would on chain.
// Plug Aggregate into MockMulticaller.AggregateFn.
type FakeLendingState struct {
	MarketsAddr common.Address
	Block       uint64
	Positions   map[entity.FeedPosition]PositionState
	Params      map[common.Hash]entity.MarketParams
	Prices      map[common.Address]*uint256.Int
	Totals      map[entity.MultiplierKey]entity.MultiplierTotals
}

func NewFakeLendingState(marketsAddr common.Address, block uint64) *FakeLendingState {
	return &FakeLendingState{
		MarketsAddr: marketsAddr,
		Block:       block,
		Positions:   make(map[entity.FeedPosition]PositionState),
		Params:      make(map[common.Hash]entity.MarketParams),
		Prices:      make(map[common.Address]*uint256.Int),
		Totals:      make(map[entity.MultiplierKey]entity.MultiplierTotals),
	}
}

func (f *FakeLendingState) Aggregate(_ context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
	marketsABI, err := abis.GetMarketsABI()
	if err != nil {
		return nil, err
	}
	oracleABI, err := abis.GetOracleABI()
	if err != nil {
		return nil, err
	}

	block := f.Block
	if blockNumber != nil {
		block = blockNumber.Uint64()
	}

	out := make([][]byte, len(calls))
	for i, call := range calls {
		if len(call.CallData) < 4 {
			return nil, fmt.Errorf("call %d: short calldata", i)
		}
		if call.Target != f.MarketsAddr {
			price, ok := f.Prices[call.Target]
			if !ok {
				price = new(uint256.Int)
			}
			data, err := oracleABI.Methods["price"].Outputs.Pack(blockchain.ToBig(price))
			if err != nil {
				return nil, err
			}
			out[i] = data
			continue
		}

		method, err := marketsABI.MethodById(call.CallData[:4])
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		args, err := method.Inputs.Unpack(call.CallData[4:])
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		id := common.Hash(args[0].([32]byte))

		switch method.Name {
		case "position":
			p := f.Positions[entity.FeedPosition{MarketID: id, Borrower: args[1].(common.Address)}]
			out[i], err = method.Outputs.Pack(blockchain.ToBig(p.Collateral), blockchain.ToBig(p.BorrowShares), blockchain.ToBig(p.LastMultiplier))
		case "idToMarketParams":
			out[i], err = packMarketParams(f.Params[id])
		case "totalBorrowAssetsForMultiplier", "totalBorrowSharesForMultiplier":
			multiplier, _ := blockchain.FromBig(args[1].(*big.Int))
			totals := f.Totals[entity.NewMultiplierKey(id, multiplier)]
			v := totals.TotalBorrowAssets
			if method.Name == "totalBorrowSharesForMultiplier" {
				v = totals.TotalBorrowShares
			}
			out[i], err = method.Outputs.Pack(blockchain.ToBig(v))
		default:
			return nil, fmt.Errorf("call %d: unexpected method %s", i, method.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
	}

	return &outbound.AggregateResult{BlockNumber: block, ReturnData: out}, nil
}
