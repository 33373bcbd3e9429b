package liquidator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/blockchain"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Stage names a step of the per-position state machine.
type Stage string

const (
	StageHoldLock       Stage = "hold_lock"
	StageCheckBalance   Stage = "check_balance"
	StageCheckAllowance Stage = "check_allowance"
	StageApprove        Stage = "approve"
	StageWaitApprove    Stage = "wait_approve"
	StageLiquidate      Stage = "liquidate"
	StageWaitLiquidate  Stage = "wait_liquidate"
)

// WaitPolicy controls how long the executor waits between transactions from
// the signer.
type WaitPolicy struct {
	// Confirmations required before a transaction counts as mined.
	Confirmations uint64
	// SettleInterval is the pause after a confirmed transaction before the
	// signer submits its next one.
	SettleInterval time.Duration
}

// DefaultSettleInterval is used when a WaitPolicy leaves SettleInterval zero.
const DefaultSettleInterval = 2 * time.Second

// DefaultWaitPolicy returns one confirmation and a two second settle interval.
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{Confirmations: 1, SettleInterval: DefaultSettleInterval}
}

// withDefaults fills each zero field on its own: zero Confirmations means one
// and zero SettleInterval means DefaultSettleInterval. A negative
// SettleInterval disables the pause.
func (w WaitPolicy) withDefaults() WaitPolicy {
	if w.Confirmations == 0 {
		w.Confirmations = 1
	}
	if w.SettleInterval == 0 {
		w.SettleInterval = DefaultSettleInterval
	}
	return w
}

// OutcomeFunc receives every per-position outcome as soon as it is known.
type OutcomeFunc func(ctx context.Context, outcome *entity.LiquidationOutcome)

// GuardFunc runs before each position. An error stops the queue before that
// position touches the chain.
type GuardFunc func(ctx context.Context) error

// Executor works through unhealthy positions one at a time with a single
// signer. It never has more than one transaction in flight.
type Executor struct {
	chain  outbound.LiquidationChain
	wait   WaitPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	tracer trace.Tracer
	logger *slog.Logger
}

// NewExecutor creates an executor submitting through chain.
func NewExecutor(chain outbound.LiquidationChain, wait WaitPolicy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		chain:  chain,
		wait:   wait.withDefaults(),
		sleep:  sleepContext,
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
		logger: logger.With("component", "liquidation-executor"),
	}
}

// Execute processes queue in order. A position the signer cannot cover is
// skipped. The first failed chain interaction, or a failed guard, stops the
// queue and is returned as an *ExecutionError; liquidations confirmed before it
// stand. guard and onOutcome may be nil.
func (e *Executor) Execute(ctx context.Context, queue []*entity.UnhealthyPosition, guard GuardFunc, onOutcome OutcomeFunc) error {
	signer := e.chain.SignerAddress()
	spender := e.chain.MarketsAddress()
	approved := make(map[common.Address]bool)

	for i, u := range queue {
		if guard != nil {
			if err := guard(ctx); err != nil {
				e.logger.Error("stopping liquidation queue",
					"marketId", u.MarketID.Hex(),
					"borrower", u.Borrower.Hex(),
					"remaining", len(queue)-i,
					"error", err)
				return &ExecutionError{Stage: StageHoldLock, MarketID: u.MarketID, Borrower: u.Borrower, Err: err}
			}
		}
		if err := e.executePosition(ctx, u, signer, spender, approved, i < len(queue)-1, onOutcome); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) executePosition(
	ctx context.Context,
	u *entity.UnhealthyPosition,
	signer, spender common.Address,
	approved map[common.Address]bool,
	more bool,
	onOutcome OutcomeFunc,
) error {
	ctx, span := e.tracer.Start(ctx, "execute.position",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("market.id", u.MarketID.Hex()),
			attribute.String("borrower", u.Borrower.Hex()),
		),
	)
	defer span.End()

	outcome, err := e.executeOne(ctx, u, signer, spender, approved, more)
	outcome.CompletedAt = e.now()
	span.SetAttributes(attribute.String("outcome", string(outcome.Status)))
	if onOutcome != nil {
		onOutcome(ctx, outcome)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "liquidation failed")
		return err
	}
	return nil
}

func (e *Executor) executeOne(
	ctx context.Context,
	u *entity.UnhealthyPosition,
	signer, spender common.Address,
	approved map[common.Address]bool,
	more bool,
) (*entity.LiquidationOutcome, error) {
	token := u.Market.Params.LoanToken
	outcome := &entity.LiquidationOutcome{
		MarketID:       u.MarketID,
		Borrower:       u.Borrower,
		LoanToken:      token,
		BorrowedAmount: u.BorrowedAmount,
		BorrowLimit:    u.BorrowLimit,
		RepaidShares:   u.BorrowShares,
	}
	logger := e.logger.With("marketId", u.MarketID.Hex(), "borrower", u.Borrower.Hex(), "loanToken", token.Hex())

	fail := func(stage Stage, tx *common.Hash, err error) (*entity.LiquidationOutcome, error) {
		outcome.Status = entity.OutcomeFailed
		outcome.Stage = string(stage)
		outcome.Error = err.Error()
		logger.Error("liquidation failed", "stage", stage, "error", err)
		return outcome, &ExecutionError{Stage: stage, MarketID: u.MarketID, Borrower: u.Borrower, TxHash: tx, Err: err}
	}

	balance, err := e.chain.BalanceOf(ctx, token, signer)
	if err != nil {
		return fail(StageCheckBalance, nil, fmt.Errorf("reading balance: %w", err))
	}
	outcome.Balance = balance
	if balance.Lt(u.BorrowedAmount) {
		logger.Warn("insufficient balance, skipping position",
			"balance", balance.Dec(),
			"borrowedAmount", u.BorrowedAmount.Dec())
		outcome.Status = entity.OutcomeInsufficientBalance
		return outcome, nil
	}

	if !approved[token] {
		allowance, err := e.chain.Allowance(ctx, token, signer, spender)
		if err != nil {
			return fail(StageCheckAllowance, nil, fmt.Errorf("reading allowance: %w", err))
		}
		if allowance.Lt(balance) {
			tx, err := e.chain.Approve(ctx, token, spender, blockchain.MaxUint256)
			if err != nil {
				return fail(StageApprove, nil, fmt.Errorf("submitting approval: %w", err))
			}
			outcome.ApproveTxHash = &tx
			logger.Info("approval submitted", "txHash", tx.Hex())

			if err := e.chain.WaitForConfirmation(ctx, tx, e.wait.Confirmations); err != nil {
				return fail(StageWaitApprove, &tx, fmt.Errorf("awaiting approval: %w", err))
			}
			approved[token] = true
			if err := e.settle(ctx); err != nil {
				return fail(StageWaitApprove, &tx, err)
			}
		}
	}

	tx, err := e.chain.Liquidate(ctx, u.Market.Params, u.Borrower, new(uint256.Int), u.BorrowShares, []byte{})
	if err != nil {
		return fail(StageLiquidate, nil, fmt.Errorf("submitting liquidation: %w", err))
	}
	outcome.LiquidateTx = &tx
	logger.Info("liquidation submitted", "txHash", tx.Hex(), "repaidShares", u.BorrowShares.Dec())

	if err := e.chain.WaitForConfirmation(ctx, tx, e.wait.Confirmations); err != nil {
		return fail(StageWaitLiquidate, &tx, fmt.Errorf("awaiting liquidation: %w", err))
	}
	outcome.Status = entity.OutcomeLiquidated
	logger.Info("position liquidated", "txHash", tx.Hex())

	if more {
		if err := e.settle(ctx); err != nil {
			// the liquidation itself is confirmed; only the queue stops
			return outcome, &ExecutionError{Stage: StageWaitLiquidate, MarketID: u.MarketID, Borrower: u.Borrower, TxHash: &tx, Err: err}
		}
	}
	return outcome, nil
}

func (e *Executor) settle(ctx context.Context) error {
	if e.wait.SettleInterval <= 0 {
		return nil
	}
	return e.sleep(ctx, e.wait.SettleInterval)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
