package entity

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarketParams mirrors the market's on-chain parameter tuple. Field order matches
// the liquidate() argument struct.
type MarketParams struct {
	IsPremiumMarket    bool
	LoanToken          common.Address
	CollateralToken    common.Address
	Oracle             common.Address
	InterestRateModel  common.Address
	Lltv               *uint256.Int // 1e18 scale
	AttestationService common.Address
	MaxLltv            *uint256.Int
	CategoryLltv       *uint256.Int
}

// Market joins a market's params with the oracle price read in the same block.
type Market struct {
	ID     common.Hash
	Params MarketParams
	Price  *uint256.Int // 1e36 scale
}

// MultiplierKey identifies a (market, multiplier) borrow-totals bucket.
// uint256.Int is a fixed-size array so the key is comparable and usable in maps.
type MultiplierKey struct {
	MarketID   common.Hash
	Multiplier uint256.Int
}

// NewMultiplierKey builds a key from a market ID and multiplier.
func NewMultiplierKey(marketID common.Hash, multiplier *uint256.Int) MultiplierKey {
	k := MultiplierKey{MarketID: marketID}
	if multiplier != nil {
		k.Multiplier = *multiplier
	}
	return k
}

// MultiplierTotals holds the aggregated borrow totals of one bucket.
type MultiplierTotals struct {
	TotalBorrowAssets *uint256.Int
	TotalBorrowShares *uint256.Int
}

// MarketIndex is the per-cycle lookup built by the state fetcher.
type MarketIndex struct {
	BlockNumber uint64
	Markets     map[common.Hash]*Market
	Totals      map[MultiplierKey]*MultiplierTotals
}

// NewMarketIndex returns an empty index pinned to blockNumber.
func NewMarketIndex(blockNumber uint64) *MarketIndex {
	return &MarketIndex{
		BlockNumber: blockNumber,
		Markets:     make(map[common.Hash]*Market),
		Totals:      make(map[MultiplierKey]*MultiplierTotals),
	}
}

// Lookup returns the market and totals for a position. Either may be nil.
func (idx *MarketIndex) Lookup(p *Position) (*Market, *MultiplierTotals) {
	if idx == nil {
		return nil, nil
	}
	return idx.Markets[p.MarketID], idx.Totals[p.Key()]
}
