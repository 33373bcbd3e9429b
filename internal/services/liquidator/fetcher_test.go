package liquidator

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/blockchain/abis"
	"github.com/archon-research/liquidator/internal/ports/outbound"
	"github.com/archon-research/liquidator/internal/testutil"
)

var testMarketsAddr = common.HexToAddress("0x00000000000000000000000000000000000acE00")

func newTestFetcher(t *testing.T, mc *testutil.MockMulticaller) *StateFetcher {
	t.Helper()
	f, err := NewStateFetcher(mc, testMarketsAddr, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStateFetcher: %v", err)
	}
	return f
}

func TestNewStateFetcher(t *testing.T) {
	tests := []struct {
		name    string
		mc      outbound.Multicaller
		markets common.Address
		wantErr bool
	}{
		{name: "valid", mc: testutil.NewMockMulticaller(), markets: testMarketsAddr},
		{name: "nil multicaller", markets: testMarketsAddr, wantErr: true},
		{name: "zero markets address", mc: testutil.NewMockMulticaller(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStateFetcher(tt.mc, tt.markets, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFetchPositions(t *testing.T) {
	state, feed := newScenario(testMarketsAddr, 1234)
	addPosition(state, feed, marketA, alice, 1000, 900)
	addPosition(state, feed, marketB, bob, 50, 7)
	// duplicate candidate
	feed.Positions = append(feed.Positions, entity.FeedPosition{MarketID: marketA, Borrower: alice})

	mc := testutil.NewMockMulticaller()
	var gotCalls []outbound.Call
	mc.AggregateFn = func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
		gotCalls = calls
		return state.Aggregate(ctx, calls, blockNumber)
	}

	positions, block, err := newTestFetcher(t, mc).FetchPositions(context.Background(), feed.Positions)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block != 1234 {
		t.Errorf("block = %d, want 1234", block)
	}
	if len(gotCalls) != 2 {
		t.Fatalf("expected duplicates to be dropped before batching, got %d calls", len(gotCalls))
	}
	if mc.Blocks[0] != nil {
		t.Errorf("position batch should read latest, got block %v", mc.Blocks[0])
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}

	first := positions[0]
	if first.MarketID != marketA || first.Borrower != alice {
		t.Errorf("positions out of order: first is %s/%s", first.MarketID.Hex(), first.Borrower.Hex())
	}
	if first.Collateral.Uint64() != 1000 || first.BorrowShares.Uint64() != 900 || first.LastMultiplier.Uint64() != 1 {
		t.Errorf("decoded position = %s/%s/%s", first.Collateral, first.BorrowShares, first.LastMultiplier)
	}
	if positions[1].Borrower != bob || positions[1].BorrowShares.Uint64() != 7 {
		t.Errorf("second position decoded wrongly: %+v", positions[1])
	}
}

func TestFetchPositions_Empty(t *testing.T) {
	mc := testutil.NewMockMulticaller()
	positions, _, err := newTestFetcher(t, mc).FetchPositions(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 0 || mc.CallCount != 0 {
		t.Errorf("expected no positions and no aggregate call, got %d positions and %d calls", len(positions), mc.CallCount)
	}
}

func TestFetchPositions_Errors(t *testing.T) {
	candidates := []entity.FeedPosition{{MarketID: marketA, Borrower: alice}}

	tests := []struct {
		name string
		fn   func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error)
	}{
		{
			name: "aggregate reverts",
			fn: func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
				return nil, errors.New("execution reverted")
			},
		},
		{
			name: "result count mismatch",
			fn: func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
				return &outbound.AggregateResult{BlockNumber: 1}, nil
			},
		},
		{
			name: "undecodable return data",
			fn: func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
				return &outbound.AggregateResult{BlockNumber: 1, ReturnData: [][]byte{{0x01}}}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := testutil.NewMockMulticaller()
			mc.AggregateFn = tt.fn

			positions, _, err := newTestFetcher(t, mc).FetchPositions(context.Background(), candidates)
			var fetchErr *TransientFetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected TransientFetchError, got %v", err)
			}
			if fetchErr.Op != "positions" {
				t.Errorf("Op = %q, want positions", fetchErr.Op)
			}
			if positions != nil {
				t.Error("partial results must not be returned")
			}
		})
	}
}

func TestFetchMarketState_RequestLayout(t *testing.T) {
	state, feed := newScenario(testMarketsAddr, 500)
	addPosition(state, feed, marketA, alice, 1000, 900)
	addPosition(state, feed, marketA, bob, 1000, 10)
	addPosition(state, feed, marketB, carol, 1000, 10)

	// a second multiplier bucket in marketA
	state.Positions[entity.FeedPosition{MarketID: marketA, Borrower: bob}] = testutil.PositionState{
		Collateral: u(1000), BorrowShares: u(10), LastMultiplier: u(3),
	}
	state.Totals[entity.NewMultiplierKey(marketA, u(3))] = entity.MultiplierTotals{
		TotalBorrowAssets: u(42), TotalBorrowShares: u(43),
	}

	mc := testutil.NewMockMulticaller()
	var gotCalls []outbound.Call
	mc.AggregateFn = func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
		gotCalls = calls
		return state.Aggregate(ctx, calls, blockNumber)
	}
	f := newTestFetcher(t, mc)

	positions, block, err := f.FetchPositions(context.Background(), feed.Positions)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	index, err := f.FetchMarketState(context.Background(), feed.Markets, positions, block)
	if err != nil {
		t.Fatalf("FetchMarketState: %v", err)
	}

	if mc.Blocks[1] == nil || mc.Blocks[1].Uint64() != 500 {
		t.Errorf("market batch should be pinned to block 500, got %v", mc.Blocks[1])
	}

	// 2 markets, 3 distinct (market, multiplier) pairs
	if len(gotCalls) != 2*2+2*3 {
		t.Fatalf("got %d calls, want 10", len(gotCalls))
	}
	marketsABI, err := abis.GetMarketsABI()
	if err != nil {
		t.Fatalf("loading ABI: %v", err)
	}
	wantMethods := []string{
		"idToMarketParams", "price",
		"idToMarketParams", "price",
		"totalBorrowAssetsForMultiplier", "totalBorrowSharesForMultiplier",
		"totalBorrowAssetsForMultiplier", "totalBorrowSharesForMultiplier",
		"totalBorrowAssetsForMultiplier", "totalBorrowSharesForMultiplier",
	}
	for i, want := range wantMethods {
		if want == "price" {
			if gotCalls[i].Target == testMarketsAddr {
				t.Errorf("call %d should target the oracle", i)
			}
			continue
		}
		m, err := marketsABI.MethodById(gotCalls[i].CallData[:4])
		if err != nil || m.Name != want {
			t.Errorf("call %d = %v, want %s", i, m, want)
		}
	}
	if gotCalls[1].Target != oracleA || gotCalls[3].Target != oracleB {
		t.Errorf("price calls target %s and %s, want feed oracles", gotCalls[1].Target.Hex(), gotCalls[3].Target.Hex())
	}

	if len(index.Markets) != 2 || len(index.Totals) != 3 {
		t.Fatalf("index has %d markets and %d buckets, want 2 and 3", len(index.Markets), len(index.Totals))
	}
	if index.Markets[marketB].Params.LoanToken != loanTokenB {
		t.Errorf("marketB loan token = %s", index.Markets[marketB].Params.LoanToken.Hex())
	}
	if !index.Markets[marketA].Price.Eq(priceOne()) {
		t.Errorf("marketA price = %s", index.Markets[marketA].Price)
	}
	bucket := index.Totals[entity.NewMultiplierKey(marketA, u(3))]
	if bucket == nil || bucket.TotalBorrowAssets.Uint64() != 42 || bucket.TotalBorrowShares.Uint64() != 43 {
		t.Errorf("multiplier 3 bucket = %+v, want 42/43", bucket)
	}
}

func TestFetchMarketState_OnlyReferencedMarkets(t *testing.T) {
	state, feed := newScenario(testMarketsAddr, 7)
	addPosition(state, feed, marketA, alice, 1000, 10)

	mc := testutil.NewMockMulticaller()
	mc.AggregateFn = state.Aggregate
	f := newTestFetcher(t, mc)

	positions, block, err := f.FetchPositions(context.Background(), feed.Positions)
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	index, err := f.FetchMarketState(context.Background(), feed.Markets, positions, block)
	if err != nil {
		t.Fatalf("FetchMarketState: %v", err)
	}
	if _, ok := index.Markets[marketB]; ok {
		t.Error("marketB has no positions and should not be loaded")
	}
	if _, ok := index.Markets[marketA]; !ok {
		t.Error("marketA should be loaded")
	}
}

func TestFetchMarketState_CrossChecks(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(state *testutil.FakeLendingState, feed *entity.Feed)
		wantMarket bool
		wantLltv   uint64
	}{
		{
			name:       "matching feed",
			mutate:     func(*testutil.FakeLendingState, *entity.Feed) {},
			wantMarket: true,
			wantLltv:   lltv80.Uint64(),
		},
		{
			name: "oracle mismatch drops market",
			mutate: func(state *testutil.FakeLendingState, _ *entity.Feed) {
				p := state.Params[marketA]
				p.Oracle = oracleB
				state.Params[marketA] = p
			},
		},
		{
			name: "unknown market drops market",
			mutate: func(state *testutil.FakeLendingState, _ *entity.Feed) {
				delete(state.Params, marketA)
			},
		},
		{
			name: "lltv mismatch uses on-chain value",
			mutate: func(_ *testutil.FakeLendingState, feed *entity.Feed) {
				feed.Markets[0].Lltv = u(1)
			},
			wantMarket: true,
			wantLltv:   lltv80.Uint64(),
		},
		{
			name: "missing feed lltv keeps market",
			mutate: func(_ *testutil.FakeLendingState, feed *entity.Feed) {
				feed.Markets[0].Lltv = nil
			},
			wantMarket: true,
			wantLltv:   lltv80.Uint64(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, feed := newScenario(testMarketsAddr, 9)
			addPosition(state, feed, marketA, alice, 1000, 10)
			tt.mutate(state, feed)

			mc := testutil.NewMockMulticaller()
			mc.AggregateFn = state.Aggregate
			f := newTestFetcher(t, mc)

			positions, block, err := f.FetchPositions(context.Background(), feed.Positions)
			if err != nil {
				t.Fatalf("FetchPositions: %v", err)
			}
			index, err := f.FetchMarketState(context.Background(), feed.Markets, positions, block)
			if err != nil {
				t.Fatalf("FetchMarketState: %v", err)
			}

			m, ok := index.Markets[marketA]
			if ok != tt.wantMarket {
				t.Fatalf("market loaded = %v, want %v", ok, tt.wantMarket)
			}
			if ok && m.Params.Lltv.Uint64() != tt.wantLltv {
				t.Errorf("lltv = %s, want %d", m.Params.Lltv, tt.wantLltv)
			}
		})
	}
}

func TestFetchMarketState_AggregateError(t *testing.T) {
	mc := testutil.NewMockMulticaller()
	mc.AggregateFn = func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
		return nil, errors.New("connection reset")
	}

	positions := []*entity.Position{testPosition(1000, 10)}
	feedMarkets := []entity.FeedMarket{{MarketID: marketA, Lltv: lltv80, Oracle: oracleA}}

	index, err := newTestFetcher(t, mc).FetchMarketState(context.Background(), feedMarkets, positions, 3)
	var fetchErr *TransientFetchError
	if !errors.As(err, &fetchErr) || fetchErr.Op != "markets" {
		t.Fatalf("expected markets TransientFetchError, got %v", err)
	}
	if index != nil {
		t.Error("partial index must not be returned")
	}
}

func TestFetchMarketState_NoReferencedMarkets(t *testing.T) {
	mc := testutil.NewMockMulticaller()
	positions := []*entity.Position{testPosition(1000, 10)}

	index, err := newTestFetcher(t, mc).FetchMarketState(context.Background(), nil, positions, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mc.CallCount != 0 {
		t.Errorf("expected no aggregate call, got %d", mc.CallCount)
	}
	if len(index.Markets) != 0 {
		t.Errorf("expected empty index, got %d markets", len(index.Markets))
	}
}

func TestFetcher_DecodesFullWidthValues(t *testing.T) {
	maxU := testutil.MustUint(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935")
	bigCollateral := testutil.MustUint(t, "340282366920938463463374607431768211457") // 2^128 + 1
	bigPrice := testutil.MustUint(t, "2500000000000000000000000000000000000000")

	mc := testutil.NewMockMulticaller()
	responses := [][][]byte{
		{testutil.PackPosition(t, bigCollateral, maxU, u(2))},
		{
			testutil.PackMarketParams(t, paramsFor(loanToken, oracleA)),
			testutil.PackUint(t, bigPrice),
			testutil.PackUint(t, maxU),
			testutil.PackUint(t, bigCollateral),
		},
	}
	mc.AggregateFn = func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
		data := responses[0]
		responses = responses[1:]
		return &outbound.AggregateResult{BlockNumber: 88, ReturnData: data}, nil
	}
	f := newTestFetcher(t, mc)

	positions, block, err := f.FetchPositions(context.Background(), []entity.FeedPosition{{MarketID: marketA, Borrower: carol}})
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	p := positions[0]
	if !p.Collateral.Eq(bigCollateral) || !p.BorrowShares.Eq(maxU) || p.LastMultiplier.Uint64() != 2 {
		t.Errorf("position = %+v, want full-width values preserved", p)
	}

	feedMarkets := []entity.FeedMarket{{MarketID: marketA, Lltv: new(uint256.Int).Set(lltv80), Oracle: oracleA}}
	index, err := f.FetchMarketState(context.Background(), feedMarkets, positions, block)
	if err != nil {
		t.Fatalf("FetchMarketState: %v", err)
	}
	market := index.Markets[marketA]
	if market == nil || !market.Price.Eq(bigPrice) {
		t.Fatalf("market = %+v, want price %s", market, bigPrice)
	}
	totals := index.Totals[p.Key()]
	if totals == nil || !totals.TotalBorrowAssets.Eq(maxU) || !totals.TotalBorrowShares.Eq(bigCollateral) {
		t.Errorf("totals = %+v", totals)
	}
}
