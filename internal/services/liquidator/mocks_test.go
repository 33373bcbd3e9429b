package liquidator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
	"github.com/archon-research/liquidator/internal/testutil"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

var (
	_ outbound.SignerLock            = (*mockLock)(nil)
	_ outbound.LiquidationRepository = (*mockRepository)(nil)
	_ outbound.ReportArchive         = (*mockArchive)(nil)
	_ outbound.LiquidationMetrics    = (*mockMetrics)(nil)
)

// mockLock implements outbound.SignerLock.
type mockLock struct {
	mu        sync.Mutex
	acquireFn func(ctx context.Context, key string) (string, error)
	extendFn  func(ctx context.Context, key, token string) error
	acquired  []string
	extended  []string
	released  []string
}

func (m *mockLock) Acquire(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	m.acquired = append(m.acquired, key)
	m.mu.Unlock()
	if m.acquireFn != nil {
		return m.acquireFn(ctx, key)
	}
	return "token", nil
}

func (m *mockLock) Extend(ctx context.Context, key, token string) error {
	m.mu.Lock()
	m.extended = append(m.extended, key)
	m.mu.Unlock()
	if m.extendFn != nil {
		return m.extendFn(ctx, key, token)
	}
	return nil
}

func (m *mockLock) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, key)
	return nil
}

// mockRepository implements outbound.LiquidationRepository.
type mockRepository struct {
	mu              sync.Mutex
	recordOutcomeFn func(ctx context.Context, o *entity.LiquidationOutcome) error
	recorded        []*entity.LiquidationOutcome
}

func (m *mockRepository) RecordOutcome(ctx context.Context, o *entity.LiquidationOutcome) error {
	m.mu.Lock()
	m.recorded = append(m.recorded, o)
	m.mu.Unlock()
	if m.recordOutcomeFn != nil {
		return m.recordOutcomeFn(ctx, o)
	}
	return nil
}

// mockArchive implements outbound.ReportArchive.
type mockArchive struct {
	mu      sync.Mutex
	reports []*entity.CycleReport
}

func (m *mockArchive) Archive(ctx context.Context, report *entity.CycleReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

// mockMetrics implements outbound.LiquidationMetrics.
type mockMetrics struct {
	mu       sync.Mutex
	cycles   []string
	outcomes []string
	scanned  int
}

func (m *mockMetrics) RecordCycle(ctx context.Context, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, status)
}

func (m *mockMetrics) RecordPositionsScanned(ctx context.Context, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanned += count
}

func (m *mockMetrics) RecordUnhealthy(ctx context.Context, count int) {}

func (m *mockMetrics) RecordOutcome(ctx context.Context, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, status)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var (
	marketA    = common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
	marketB    = common.HexToHash("0xbbbb000000000000000000000000000000000000000000000000000000000002")
	loanToken  = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
	loanTokenB = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	collToken  = common.HexToAddress("0x000000000000000000000000000000000000c0c0")
	oracleA    = common.HexToAddress("0x000000000000000000000000000000000000d0d1")
	oracleB    = common.HexToAddress("0x000000000000000000000000000000000000d0d2")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol      = common.HexToAddress("0x00000000000000000000000000000000000ca201")

	// 0.8 at 1e18 scale
	lltv80 = uint256.NewInt(800_000_000_000_000_000)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// priceOne is 1.0 at the 1e36 oracle scale.
func priceOne() *uint256.Int {
	return new(uint256.Int).Exp(u(10), u(36))
}

func paramsFor(loan, oracle common.Address) entity.MarketParams {
	return entity.MarketParams{
		LoanToken:       loan,
		CollateralToken: collToken,
		Oracle:          oracle,
		Lltv:            new(uint256.Int).Set(lltv80),
		MaxLltv:         u(0),
		CategoryLltv:    u(0),
	}
}

// identityTotals makes borrowedAmount equal borrowShares:
// shares * (999_999 + 1) / (0 + 1_000_000).
func identityTotals() entity.MultiplierTotals {
	return entity.MultiplierTotals{TotalBorrowAssets: u(999_999), TotalBorrowShares: u(0)}
}

// newScenario returns chain state with marketA (oracleA, price 1.0) and
// marketB (oracleB, price 1.0). With collateral 1000 the borrow limit is 800.
func newScenario(marketsAddr common.Address, block uint64) (*testutil.FakeLendingState, *entity.Feed) {
	state := testutil.NewFakeLendingState(marketsAddr, block)
	state.Params[marketA] = paramsFor(loanToken, oracleA)
	state.Params[marketB] = paramsFor(loanTokenB, oracleB)
	state.Prices[oracleA] = priceOne()
	state.Prices[oracleB] = priceOne()

	feed := &entity.Feed{
		Markets: []entity.FeedMarket{
			{MarketID: marketA, Lltv: new(uint256.Int).Set(lltv80), Oracle: oracleA},
			{MarketID: marketB, Lltv: new(uint256.Int).Set(lltv80), Oracle: oracleB},
		},
	}
	return state, feed
}

// addPosition registers a position with identity totals under multiplier 1.
func addPosition(state *testutil.FakeLendingState, feed *entity.Feed, market common.Hash, borrower common.Address, collateral, shares uint64) {
	state.Positions[entity.FeedPosition{MarketID: market, Borrower: borrower}] = testutil.PositionState{
		Collateral:     u(collateral),
		BorrowShares:   u(shares),
		LastMultiplier: u(1),
	}
	state.Totals[entity.NewMultiplierKey(market, u(1))] = identityTotals()
	feed.Positions = append(feed.Positions, entity.FeedPosition{MarketID: market, Borrower: borrower})
}

func unhealthyFor(market common.Hash, loan common.Address, borrower common.Address, borrowed, shares uint64) *entity.UnhealthyPosition {
	return &entity.UnhealthyPosition{
		Position: entity.Position{
			MarketID:       market,
			Borrower:       borrower,
			Collateral:     u(1000),
			BorrowShares:   u(shares),
			LastMultiplier: u(1),
		},
		Market: &entity.Market{
			ID:     market,
			Params: paramsFor(loan, oracleA),
			Price:  priceOne(),
		},
		BorrowedAmount: u(borrowed),
		BorrowLimit:    u(800),
	}
}
