package liquidator

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/liquidator/internal/adapters/outbound/memory"
	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/blockchain"
	"github.com/archon-research/liquidator/internal/ports/outbound"
	"github.com/archon-research/liquidator/internal/testutil"
)

type testHarness struct {
	service *Service
	chain   *testutil.MockChain
	mc      *testutil.MockMulticaller
	state   *testutil.FakeLendingState
	feed    *entity.Feed
	lock    *mockLock
	repo    *mockRepository
	events  *memory.EventSink
	archive *mockArchive
	metrics *mockMetrics
}

func newTestHarness(t *testing.T, dryRun bool) *testHarness {
	t.Helper()
	h := &testHarness{
		chain:   testutil.NewMockChain(),
		mc:      testutil.NewMockMulticaller(),
		lock:    &mockLock{},
		repo:    &mockRepository{},
		events:  memory.NewEventSink(),
		archive: &mockArchive{},
		metrics: &mockMetrics{},
	}
	h.state, h.feed = newScenario(h.chain.Markets, 777)
	h.mc.AggregateFn = h.state.Aggregate

	svc, err := NewService(Config{
		ChainID:    1,
		DryRun:     dryRun,
		Logger:     testutil.DiscardLogger(),
		Metrics:    h.metrics,
		Lock:       h.lock,
		Repository: h.repo,
		Events:     h.events,
		Archive:    h.archive,
	}, &testutil.MockFeed{Feed: h.feed}, h.mc, h.chain)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.executor.sleep = (&recordedSleeps{}).sleep
	h.service = svc
	return h
}

func TestNewService(t *testing.T) {
	feed := &testutil.MockFeed{}
	mc := testutil.NewMockMulticaller()
	chain := testutil.NewMockChain()

	tests := []struct {
		name    string
		feed    outbound.PositionFeed
		mc      outbound.Multicaller
		chain   outbound.LiquidationChain
		wantErr string
	}{
		{name: "valid", feed: feed, mc: mc, chain: chain},
		{name: "nil feed", mc: mc, chain: chain, wantErr: "feed"},
		{name: "nil multicaller", feed: feed, chain: chain, wantErr: "multicaller"},
		{name: "nil chain", feed: feed, mc: mc, wantErr: "chain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(Config{}, tt.feed, tt.mc, tt.chain)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if svc.config.WaitPolicy != DefaultWaitPolicy() {
				t.Errorf("WaitPolicy = %+v, want default", svc.config.WaitPolicy)
			}
			if svc.config.Metrics == nil || svc.config.Logger == nil {
				t.Error("expected default metrics and logger")
			}
		})
	}
}

func TestRunCycle_LiquidatesOnlyUnhealthy(t *testing.T) {
	h := newTestHarness(t, false)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900) // 900 > 800
	addPosition(h.state, h.feed, marketA, bob, 1000, 800)   // at the limit
	h.chain.Balances[loanToken] = u(10_000)

	report, err := h.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.BlockNumber != 777 || report.PositionsScanned != 2 || report.MarketsLoaded != 1 {
		t.Errorf("report = block %d, scanned %d, markets %d", report.BlockNumber, report.PositionsScanned, report.MarketsLoaded)
	}
	if len(report.Unhealthy) != 1 || report.Unhealthy[0].Borrower != alice.Hex() {
		t.Fatalf("unhealthy = %+v, want alice only", report.Unhealthy)
	}
	if report.Unhealthy[0].BorrowedAmount != "900" || report.Unhealthy[0].BorrowLimit != "800" {
		t.Errorf("amounts = %s/%s, want 900/800", report.Unhealthy[0].BorrowedAmount, report.Unhealthy[0].BorrowLimit)
	}
	if report.CountOutcomes(entity.OutcomeLiquidated) != 1 {
		t.Errorf("liquidated = %d, want 1", report.CountOutcomes(entity.OutcomeLiquidated))
	}
	if report.FinishedAt.IsZero() || report.Error != "" {
		t.Errorf("report not finalised: finishedAt=%v error=%q", report.FinishedAt, report.Error)
	}

	if len(h.chain.LiquidateCalls) != 1 || h.chain.LiquidateCalls[0].Borrower != alice {
		t.Fatalf("liquidations = %+v, want alice only", h.chain.LiquidateCalls)
	}
	if got := h.chain.ApprovalsFor(loanToken); got != 1 {
		t.Errorf("approvals = %d, want 1", got)
	}

	// both aggregate calls read the same block
	if h.mc.CallCount != 2 || h.mc.Blocks[1] == nil || h.mc.Blocks[1].Cmp(big.NewInt(777)) != 0 {
		t.Errorf("aggregate calls = %d, second pinned to %v", h.mc.CallCount, h.mc.Blocks)
	}

	if len(h.lock.acquired) != 1 || len(h.lock.released) != 1 {
		t.Errorf("lock acquired %d, released %d, want 1/1", len(h.lock.acquired), len(h.lock.released))
	}
	if !strings.HasSuffix(h.lock.acquired[0], h.chain.Signer.Hex()) {
		t.Errorf("lock key %q should name the signer", h.lock.acquired[0])
	}

	if len(h.repo.recorded) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(h.repo.recorded))
	}
	rec := h.repo.recorded[0]
	if rec.RunID != report.RunID || rec.ChainID != 1 || rec.BlockNumber != 777 {
		t.Errorf("recorded outcome missing run context: %+v", rec)
	}

	events := h.events.GetLiquidationEvents(string(entity.OutcomeLiquidated))
	if len(events) != 1 || len(h.events.GetEvents()) != 1 {
		t.Fatalf("events = %+v, want one liquidated event", h.events.GetEvents())
	}
	if events[0].TxHash == "" {
		t.Errorf("liquidated event missing tx hash: %+v", events[0])
	}

	if len(h.archive.reports) != 1 || h.archive.reports[0] != report {
		t.Error("expected the report to be archived once")
	}
	if len(h.metrics.cycles) != 1 || h.metrics.cycles[0] != "success" {
		t.Errorf("cycle metrics = %v", h.metrics.cycles)
	}
	if h.metrics.scanned != 2 {
		t.Errorf("scanned metric = %d, want 2", h.metrics.scanned)
	}
}

func TestRunCycle_SkippedPositionsAreNotPublished(t *testing.T) {
	h := newTestHarness(t, false)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900)
	h.chain.Balances[loanToken] = u(10)

	report, err := h.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.CountOutcomes(entity.OutcomeInsufficientBalance) != 1 {
		t.Errorf("expected one skipped outcome, got %+v", report.Outcomes)
	}
	if len(h.repo.recorded) != 1 {
		t.Errorf("skips are still audited, got %d records", len(h.repo.recorded))
	}
	if len(h.events.GetEvents()) != 0 {
		t.Errorf("skips are not published, got %d events", len(h.events.GetEvents()))
	}
	if len(h.chain.LiquidateCalls) != 0 {
		t.Error("no liquidation expected without capital")
	}
}

func TestRunCycle_DryRun(t *testing.T) {
	h := newTestHarness(t, true)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900)
	h.chain.Balances[loanToken] = u(10_000)

	report, err := h.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.DryRun || len(report.Unhealthy) != 1 {
		t.Errorf("dry run report = %+v", report)
	}
	if len(h.chain.ApproveCalls)+len(h.chain.LiquidateCalls) != 0 {
		t.Error("dry run must not submit transactions")
	}
	if len(h.lock.acquired) != 0 {
		t.Error("dry run must not take the signer lock")
	}
}

func TestRunCycle_FetchFailuresAbortBeforeExecution(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *testHarness)
		wantOp string
	}{
		{
			name: "feed unavailable",
			setup: func(h *testHarness) {
				h.service.feed = &testutil.MockFeed{FetchFn: func(ctx context.Context) (*entity.Feed, error) {
					return nil, errors.New("503")
				}}
			},
			wantOp: "feed",
		},
		{
			name: "position batch fails",
			setup: func(h *testHarness) {
				h.mc.AggregateFn = func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
					return nil, errors.New("execution reverted")
				}
			},
			wantOp: "positions",
		},
		{
			name: "market batch fails",
			setup: func(h *testHarness) {
				h.mc.AggregateFn = func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
					if blockNumber != nil {
						return nil, errors.New("header not found")
					}
					return h.state.Aggregate(ctx, calls, blockNumber)
				}
			},
			wantOp: "markets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t, false)
			addPosition(h.state, h.feed, marketA, alice, 1000, 900)
			h.chain.Balances[loanToken] = u(10_000)
			tt.setup(h)

			report, err := h.service.RunCycle(context.Background())
			var fetchErr *TransientFetchError
			if !errors.As(err, &fetchErr) || fetchErr.Op != tt.wantOp {
				t.Fatalf("expected %s TransientFetchError, got %v", tt.wantOp, err)
			}
			if IsExecutionError(err) {
				t.Error("fetch failure must not be an ExecutionError")
			}
			if report == nil || report.Error == "" {
				t.Fatal("expected a report carrying the error")
			}
			if len(h.chain.ApproveCalls)+len(h.chain.LiquidateCalls) != 0 {
				t.Error("no transaction may be sent after a fetch failure")
			}
			if len(h.archive.reports) != 1 {
				t.Error("failed cycles are still archived")
			}
			if len(h.metrics.cycles) != 1 || h.metrics.cycles[0] != "error" {
				t.Errorf("cycle metrics = %v", h.metrics.cycles)
			}
		})
	}
}

func TestRunCycle_ExecutionErrorKeepsEarlierOutcomes(t *testing.T) {
	h := newTestHarness(t, false)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900)
	addPosition(h.state, h.feed, marketB, bob, 1000, 950)
	h.chain.Balances[loanToken] = u(10_000)
	h.chain.Balances[loanTokenB] = u(10_000)
	h.chain.Allowances[loanTokenB] = blockchain.MaxUint256

	liquidations := 0
	h.chain.WaitFn = func(ctx context.Context, txHash common.Hash, confirmations uint64) error {
		if len(h.chain.LiquidateCalls) == 2 {
			return outbound.ErrTransactionReverted
		}
		liquidations++
		return nil
	}

	report, err := h.service.RunCycle(context.Background())
	if !IsExecutionError(err) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if report.CountOutcomes(entity.OutcomeLiquidated) != 1 || report.CountOutcomes(entity.OutcomeFailed) != 1 {
		t.Errorf("outcomes = %+v, want one liquidated and one failed", report.Outcomes)
	}
	if len(h.events.GetEvents()) != 2 {
		t.Errorf("events = %d, want liquidated and failed", len(h.events.GetEvents()))
	}
	if len(h.lock.released) != 1 {
		t.Error("lock must be released after a failure")
	}
	if liquidations == 0 {
		t.Error("expected the first liquidation to confirm")
	}
}

func TestRunCycle_SignerLockHeld(t *testing.T) {
	h := newTestHarness(t, false)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900)
	h.chain.Balances[loanToken] = u(10_000)
	h.lock.acquireFn = func(ctx context.Context, key string) (string, error) {
		return "", outbound.ErrSignerLocked
	}

	_, err := h.service.RunCycle(context.Background())
	if !errors.Is(err, outbound.ErrSignerLocked) {
		t.Fatalf("expected ErrSignerLocked, got %v", err)
	}
	if len(h.chain.ApproveCalls)+len(h.chain.LiquidateCalls) != 0 {
		t.Error("no transaction may be sent without the lock")
	}
	if len(h.lock.released) != 0 {
		t.Error("an unacquired lock must not be released")
	}
}

func TestRunCycle_ExtendsLockBeforeEachPosition(t *testing.T) {
	h := newTestHarness(t, false)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900)
	addPosition(h.state, h.feed, marketA, bob, 1000, 950)
	h.chain.Balances[loanToken] = u(10_000)

	if _, err := h.service.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.lock.extended) != 2 {
		t.Errorf("extends = %d, want one per position", len(h.lock.extended))
	}
	if len(h.lock.acquired) != 1 || h.lock.extended[0] != h.lock.acquired[0] {
		t.Errorf("extend key %v does not match acquired %v", h.lock.extended, h.lock.acquired)
	}
}

func TestRunCycle_LostLockStopsExecution(t *testing.T) {
	h := newTestHarness(t, false)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900)
	addPosition(h.state, h.feed, marketA, bob, 1000, 950)
	h.chain.Balances[loanToken] = u(10_000)
	h.lock.extendFn = func(ctx context.Context, key, token string) error {
		if len(h.chain.LiquidateCalls) > 0 {
			return outbound.ErrSignerLockLost
		}
		return nil
	}

	report, err := h.service.RunCycle(context.Background())
	if !IsExecutionError(err) || !errors.Is(err, outbound.ErrSignerLockLost) {
		t.Fatalf("expected ExecutionError wrapping ErrSignerLockLost, got %v", err)
	}
	if len(h.chain.LiquidateCalls) != 1 {
		t.Errorf("liquidate calls = %d, want 1", len(h.chain.LiquidateCalls))
	}
	if report.CountOutcomes(entity.OutcomeLiquidated) != 1 {
		t.Errorf("outcomes = %+v, want the first liquidation to stand", report.Outcomes)
	}
	if len(h.lock.released) != 1 {
		t.Error("lock release is still attempted")
	}
}

func TestRunCycle_AuditFailureDoesNotChangeExecution(t *testing.T) {
	h := newTestHarness(t, false)
	addPosition(h.state, h.feed, marketA, alice, 1000, 900)
	addPosition(h.state, h.feed, marketA, bob, 1000, 901)
	h.chain.Balances[loanToken] = u(10_000)
	h.repo.recordOutcomeFn = func(ctx context.Context, o *entity.LiquidationOutcome) error {
		return errors.New("database is down")
	}

	report, err := h.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.CountOutcomes(entity.OutcomeLiquidated) != 2 {
		t.Errorf("liquidated = %d, want 2", report.CountOutcomes(entity.OutcomeLiquidated))
	}
}

func TestRunCycle_NoPositions(t *testing.T) {
	h := newTestHarness(t, false)

	report, err := h.service.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.PositionsScanned != 0 || h.mc.CallCount != 0 {
		t.Errorf("expected an empty cycle without chain reads, got %d positions and %d calls", report.PositionsScanned, h.mc.CallCount)
	}
}
