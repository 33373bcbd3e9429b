package liquidator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/blockchain"
	"github.com/archon-research/liquidator/internal/pkg/blockchain/abis"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// StateFetcher turns feed candidates into on-chain state using two aggregate
// calls: one for positions, one for market params, prices and borrow totals.
type StateFetcher struct {
	multicaller outbound.Multicaller
	markets     common.Address
	marketsABI  *abi.ABI
	oracleABI   *abi.ABI
	logger      *slog.Logger
}

// NewStateFetcher creates a fetcher reading from the markets contract at marketsAddr.
func NewStateFetcher(multicaller outbound.Multicaller, marketsAddr common.Address, logger *slog.Logger) (*StateFetcher, error) {
	if multicaller == nil {
		return nil, fmt.Errorf("multicaller cannot be nil")
	}
	if marketsAddr == (common.Address{}) {
		return nil, fmt.Errorf("markets address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	marketsABI, err := abis.GetMarketsABI()
	if err != nil {
		return nil, fmt.Errorf("loading markets ABI: %w", err)
	}
	oracleABI, err := abis.GetOracleABI()
	if err != nil {
		return nil, fmt.Errorf("loading oracle ABI: %w", err)
	}

	return &StateFetcher{
		multicaller: multicaller,
		markets:     marketsAddr,
		marketsABI:  marketsABI,
		oracleABI:   oracleABI,
		logger:      logger.With("component", "state-fetcher"),
	}, nil
}

// FetchPositions reads position(marketId, user) for every distinct candidate
// and returns the positions with the block the batch executed at.
func (f *StateFetcher) FetchPositions(ctx context.Context, candidates []entity.FeedPosition) ([]*entity.Position, uint64, error) {
	candidates = dedupeCandidates(candidates)
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	calls := make([]outbound.Call, len(candidates))
	for i, c := range candidates {
		data, err := f.marketsABI.Pack("position", c.MarketID, c.Borrower)
		if err != nil {
			return nil, 0, &TransientFetchError{Op: "positions", Err: fmt.Errorf("packing position call: %w", err)}
		}
		calls[i] = outbound.Call{Target: f.markets, CallData: data}
	}

	res, err := f.multicaller.Aggregate(ctx, calls, nil)
	if err != nil {
		return nil, 0, &TransientFetchError{Op: "positions", Err: err}
	}
	if len(res.ReturnData) != len(calls) {
		return nil, 0, &TransientFetchError{Op: "positions", Err: fmt.Errorf("got %d results for %d calls", len(res.ReturnData), len(calls))}
	}

	positions := make([]*entity.Position, 0, len(candidates))
	for i, c := range candidates {
		out, err := f.marketsABI.Unpack("position", res.ReturnData[i])
		if err != nil {
			return nil, 0, &TransientFetchError{Op: "positions", Err: fmt.Errorf("decoding position %d: %w", i, err)}
		}
		values, err := uints(out, 3)
		if err != nil {
			return nil, 0, &TransientFetchError{Op: "positions", Err: fmt.Errorf("decoding position %d: %w", i, err)}
		}
		p, err := entity.NewPosition(c.MarketID, c.Borrower, values[0], values[1], values[2])
		if err != nil {
			return nil, 0, &TransientFetchError{Op: "positions", Err: fmt.Errorf("position %d: %w", i, err)}
		}
		positions = append(positions, p)
	}

	f.logger.Debug("fetched positions", "count", len(positions), "block", res.BlockNumber)
	return positions, res.BlockNumber, nil
}

// FetchMarketState builds the market index for the given positions in one
// aggregate pinned to block. Only feed markets referenced by a position are
// read. Request layout:
//
//	[2i]       idToMarketParams(market i)
//	[2i+1]     price() on market i's feed oracle
//	[2M+2j]    totalBorrowAssetsForMultiplier(pair j)
//	[2M+2j+1]  totalBorrowSharesForMultiplier(pair j)
func (f *StateFetcher) FetchMarketState(ctx context.Context, feedMarkets []entity.FeedMarket, positions []*entity.Position, block uint64) (*entity.MarketIndex, error) {
	markets, pairs := plan(feedMarkets, positions)
	index := entity.NewMarketIndex(block)
	if len(markets) == 0 {
		return index, nil
	}

	calls := make([]outbound.Call, 0, 2*len(markets)+2*len(pairs))
	for _, m := range markets {
		paramsData, err := f.marketsABI.Pack("idToMarketParams", m.MarketID)
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("packing idToMarketParams: %w", err)}
		}
		priceData, err := f.oracleABI.Pack("price")
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("packing price: %w", err)}
		}
		calls = append(calls,
			outbound.Call{Target: f.markets, CallData: paramsData},
			outbound.Call{Target: m.Oracle, CallData: priceData},
		)
	}
	for _, k := range pairs {
		multiplier := k.Multiplier.ToBig()
		assetsData, err := f.marketsABI.Pack("totalBorrowAssetsForMultiplier", k.MarketID, multiplier)
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("packing totalBorrowAssetsForMultiplier: %w", err)}
		}
		sharesData, err := f.marketsABI.Pack("totalBorrowSharesForMultiplier", k.MarketID, multiplier)
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("packing totalBorrowSharesForMultiplier: %w", err)}
		}
		calls = append(calls,
			outbound.Call{Target: f.markets, CallData: assetsData},
			outbound.Call{Target: f.markets, CallData: sharesData},
		)
	}

	var blockArg *big.Int
	if block > 0 {
		blockArg = new(big.Int).SetUint64(block)
	}
	res, err := f.multicaller.Aggregate(ctx, calls, blockArg)
	if err != nil {
		return nil, &TransientFetchError{Op: "markets", Err: err}
	}
	if len(res.ReturnData) != len(calls) {
		return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("got %d results for %d calls", len(res.ReturnData), len(calls))}
	}
	if block > 0 && res.BlockNumber != block {
		f.logger.Warn("market batch executed at a different block", "requested", block, "got", res.BlockNumber)
	}
	index.BlockNumber = res.BlockNumber

	for i, m := range markets {
		params, err := f.decodeMarketParams(res.ReturnData[2*i])
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("decoding params for market %s: %w", m.MarketID.Hex(), err)}
		}
		price, err := f.decodeUint(f.oracleABI, "price", res.ReturnData[2*i+1])
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("decoding price for market %s: %w", m.MarketID.Hex(), err)}
		}

		if !f.acceptMarket(m, params) {
			continue
		}
		index.Markets[m.MarketID] = &entity.Market{ID: m.MarketID, Params: *params, Price: price}
	}

	base := 2 * len(markets)
	for j, k := range pairs {
		assets, err := f.decodeUint(f.marketsABI, "totalBorrowAssetsForMultiplier", res.ReturnData[base+2*j])
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("decoding total assets for market %s: %w", k.MarketID.Hex(), err)}
		}
		shares, err := f.decodeUint(f.marketsABI, "totalBorrowSharesForMultiplier", res.ReturnData[base+2*j+1])
		if err != nil {
			return nil, &TransientFetchError{Op: "markets", Err: fmt.Errorf("decoding total shares for market %s: %w", k.MarketID.Hex(), err)}
		}
		index.Totals[k] = &entity.MultiplierTotals{TotalBorrowAssets: assets, TotalBorrowShares: shares}
	}

	f.logger.Debug("fetched market state",
		"markets", len(index.Markets),
		"multiplierBuckets", len(index.Totals),
		"block", index.BlockNumber)
	return index, nil
}

// acceptMarket cross-checks on-chain params against the feed. A market whose
// oracle differs from the one we priced is dropped; an lltv mismatch is logged
// and the on-chain value is used.
func (f *StateFetcher) acceptMarket(m entity.FeedMarket, params *entity.MarketParams) bool {
	if params.LoanToken == (common.Address{}) {
		f.logger.Warn("market not found on chain, skipping", "marketId", m.MarketID.Hex())
		return false
	}
	if params.Oracle != m.Oracle {
		f.logger.Warn("feed oracle does not match market params, skipping market",
			"marketId", m.MarketID.Hex(),
			"feedOracle", m.Oracle.Hex(),
			"onchainOracle", params.Oracle.Hex())
		return false
	}
	if m.Lltv != nil && !m.Lltv.Eq(params.Lltv) {
		f.logger.Warn("feed lltv differs from market params, using on-chain value",
			"marketId", m.MarketID.Hex(),
			"feedLltv", m.Lltv.Dec(),
			"onchainLltv", params.Lltv.Dec())
	}
	return true
}

func (f *StateFetcher) decodeMarketParams(data []byte) (*entity.MarketParams, error) {
	out, err := f.marketsABI.Unpack("idToMarketParams", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 9 {
		return nil, fmt.Errorf("expected 9 fields, got %d", len(out))
	}

	isPremium, ok := out[0].(bool)
	if !ok {
		return nil, fmt.Errorf("isPremiumMarket: unexpected type %T", out[0])
	}
	addrs := make([]common.Address, 0, 5)
	for _, i := range []int{1, 2, 3, 4, 6} {
		a, ok := out[i].(common.Address)
		if !ok {
			return nil, fmt.Errorf("field %d: unexpected type %T", i, out[i])
		}
		addrs = append(addrs, a)
	}
	nums := make([]*uint256.Int, 0, 3)
	for _, i := range []int{5, 7, 8} {
		v, err := toUint(out[i])
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		nums = append(nums, v)
	}

	return &entity.MarketParams{
		IsPremiumMarket:    isPremium,
		LoanToken:          addrs[0],
		CollateralToken:    addrs[1],
		Oracle:             addrs[2],
		InterestRateModel:  addrs[3],
		Lltv:               nums[0],
		AttestationService: addrs[4],
		MaxLltv:            nums[1],
		CategoryLltv:       nums[2],
	}, nil
}

func (f *StateFetcher) decodeUint(contractABI *abi.ABI, method string, data []byte) (*uint256.Int, error) {
	out, err := contractABI.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	values, err := uints(out, 1)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// plan selects the feed markets referenced by positions (feed order, first
// occurrence wins) and the distinct (market, multiplier) pairs among those
// positions (position order).
func plan(feedMarkets []entity.FeedMarket, positions []*entity.Position) ([]entity.FeedMarket, []entity.MultiplierKey) {
	referenced := make(map[common.Hash]bool, len(positions))
	for _, p := range positions {
		referenced[p.MarketID] = true
	}

	markets := make([]entity.FeedMarket, 0, len(referenced))
	selected := make(map[common.Hash]bool, len(referenced))
	for _, m := range feedMarkets {
		if !referenced[m.MarketID] || selected[m.MarketID] {
			continue
		}
		selected[m.MarketID] = true
		markets = append(markets, m)
	}

	pairs := make([]entity.MultiplierKey, 0, len(positions))
	seen := make(map[entity.MultiplierKey]bool, len(positions))
	for _, p := range positions {
		if !selected[p.MarketID] {
			continue
		}
		k := p.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		pairs = append(pairs, k)
	}
	return markets, pairs
}

func dedupeCandidates(candidates []entity.FeedPosition) []entity.FeedPosition {
	seen := make(map[entity.FeedPosition]bool, len(candidates))
	out := make([]entity.FeedPosition, 0, len(candidates))
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func uints(out []any, n int) ([]*uint256.Int, error) {
	if len(out) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(out))
	}
	values := make([]*uint256.Int, n)
	for i, raw := range out {
		v, err := toUint(raw)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

func toUint(raw any) (*uint256.Int, error) {
	b, ok := raw.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T", raw)
	}
	v, ok := blockchain.FromBig(b)
	if !ok {
		return nil, fmt.Errorf("value %s out of uint256 range", b)
	}
	return v, nil
}
