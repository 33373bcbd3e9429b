// Package liquidator runs liquidation scan cycles: read candidate positions
// from the feed, load their on-chain state in two batched reads, flag the ones
// whose debt exceeds their borrow limit and liquidate them one at a time.
package liquidator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/inbound"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

const tracerName = "github.com/archon-research/liquidator/internal/services/liquidator"

// Compile-time check that Service implements inbound.Liquidator.
var _ inbound.Liquidator = (*Service)(nil)

// Config holds configuration for the liquidation service. Everything after
// Logger is optional.
type Config struct {
	ChainID    int64
	DryRun     bool
	WaitPolicy WaitPolicy
	Logger     *slog.Logger

	Metrics    outbound.LiquidationMetrics
	Lock       outbound.SignerLock
	Repository outbound.LiquidationRepository
	Events     outbound.EventSink
	Archive    outbound.ReportArchive
}

func configDefaults() Config {
	return Config{
		Logger:  slog.Default(),
		Metrics: nopMetrics{},
	}
}

// Service runs one scan cycle per RunCycle call.
type Service struct {
	config   Config
	feed     outbound.PositionFeed
	chain    outbound.LiquidationChain
	fetcher  *StateFetcher
	executor *Executor

	tracer trace.Tracer
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new liquidation service.
func NewService(
	config Config,
	feed outbound.PositionFeed,
	multicaller outbound.Multicaller,
	chain outbound.LiquidationChain,
) (*Service, error) {
	if feed == nil {
		return nil, fmt.Errorf("feed cannot be nil")
	}
	if multicaller == nil {
		return nil, fmt.Errorf("multicaller cannot be nil")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}

	defaults := configDefaults()
	config.WaitPolicy = config.WaitPolicy.withDefaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}

	fetcher, err := NewStateFetcher(multicaller, chain.MarketsAddress(), config.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating state fetcher: %w", err)
	}

	return &Service{
		config:   config,
		feed:     feed,
		chain:    chain,
		fetcher:  fetcher,
		executor: NewExecutor(chain, config.WaitPolicy, config.Logger),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		logger:   config.Logger.With("component", "liquidator"),
	}, nil
}

// RunCycle performs one full scan. The returned report is never nil and holds
// everything reached before a failure. Fetch failures are *TransientFetchError
// and happen before any transaction; execution failures are *ExecutionError.
func (s *Service) RunCycle(ctx context.Context) (report *entity.CycleReport, err error) {
	started := s.now()
	report = entity.NewCycleReport(s.config.ChainID, started)
	report.DryRun = s.config.DryRun

	ctx, span := s.tracer.Start(ctx, "liquidation.cycle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", report.RunID.String()),
			attribute.Int64("chain.id", s.config.ChainID),
			attribute.Bool("dry_run", s.config.DryRun),
		),
	)
	defer span.End()

	logger := s.logger.With("runId", report.RunID.String())

	defer func() {
		report.FinishedAt = s.now()
		status := "success"
		if err != nil {
			status = "error"
			report.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, "liquidation cycle failed")
			logger.Error("cycle failed", "error", err)
		}
		span.SetAttributes(attribute.Int64("block.number", int64(report.BlockNumber)))
		s.config.Metrics.RecordCycle(ctx, status, report.FinishedAt.Sub(started))
		s.archive(ctx, report)
	}()

	feed, err := s.feed.Fetch(ctx)
	if err != nil {
		return report, &TransientFetchError{Op: "feed", Err: err}
	}

	positions, block, err := s.fetchPositions(ctx, feed.Positions)
	if err != nil {
		return report, err
	}
	report.BlockNumber = block
	report.PositionsScanned = len(positions)
	s.config.Metrics.RecordPositionsScanned(ctx, len(positions))
	if len(positions) == 0 {
		logger.Info("no positions to evaluate")
		return report, nil
	}

	index, err := s.fetchMarkets(ctx, feed.Markets, positions, block)
	if err != nil {
		return report, err
	}
	report.BlockNumber = index.BlockNumber
	report.MarketsLoaded = len(index.Markets)

	unhealthy, skipped := EvaluateAll(positions, index)
	report.Skipped = skipped
	for _, u := range unhealthy {
		report.AddUnhealthy(u)
	}
	s.config.Metrics.RecordUnhealthy(ctx, len(unhealthy))

	logger.Info("evaluated positions",
		"block", report.BlockNumber,
		"positions", len(positions),
		"markets", len(index.Markets),
		"skipped", skipped,
		"unhealthy", len(unhealthy))

	if len(unhealthy) == 0 {
		return report, nil
	}
	if s.config.DryRun {
		logger.Info("dry run, not executing liquidations")
		return report, nil
	}

	return report, s.execute(ctx, report, unhealthy)
}

func (s *Service) fetchPositions(ctx context.Context, candidates []entity.FeedPosition) ([]*entity.Position, uint64, error) {
	ctx, span := s.tracer.Start(ctx, "fetch.positions",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("candidates", len(candidates))),
	)
	defer span.End()

	positions, block, err := s.fetcher.FetchPositions(ctx, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch positions")
		return nil, 0, err
	}
	span.SetAttributes(attribute.Int64("block.number", int64(block)))
	return positions, block, nil
}

func (s *Service) fetchMarkets(ctx context.Context, feedMarkets []entity.FeedMarket, positions []*entity.Position, block uint64) (*entity.MarketIndex, error) {
	ctx, span := s.tracer.Start(ctx, "fetch.markets",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("block.number", int64(block))),
	)
	defer span.End()

	index, err := s.fetcher.FetchMarketState(ctx, feedMarkets, positions, block)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch market state")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("markets", len(index.Markets)),
		attribute.Int("multiplier_buckets", len(index.Totals)),
	)
	return index, nil
}

func (s *Service) execute(ctx context.Context, report *entity.CycleReport, queue []*entity.UnhealthyPosition) error {
	var guard GuardFunc
	if s.config.Lock != nil {
		key := signerLockKey(s.config.ChainID, s.chain.SignerAddress().Hex())
		token, err := s.config.Lock.Acquire(ctx, key)
		if err != nil {
			return fmt.Errorf("acquiring signer lock: %w", err)
		}
		defer func() {
			if err := s.config.Lock.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.logger.Warn("failed to release signer lock", "key", key, "error", err)
			}
		}()

		// renew before every position so the lock outlives long queues
		guard = func(ctx context.Context) error {
			return s.config.Lock.Extend(ctx, key, token)
		}
	}

	return s.executor.Execute(ctx, queue, guard, func(ctx context.Context, o *entity.LiquidationOutcome) {
		o.RunID = report.RunID
		o.ChainID = report.ChainID
		o.BlockNumber = report.BlockNumber
		report.AddOutcome(o)
		s.config.Metrics.RecordOutcome(ctx, string(o.Status))
		s.record(ctx, o)
		s.publish(ctx, o)
	})
}

// record writes the outcome to the audit log. Failures never affect execution.
func (s *Service) record(ctx context.Context, o *entity.LiquidationOutcome) {
	if s.config.Repository == nil {
		return
	}
	if err := s.config.Repository.RecordOutcome(context.WithoutCancel(ctx), o); err != nil {
		s.logger.Warn("failed to record liquidation outcome",
			"marketId", o.MarketID.Hex(),
			"borrower", o.Borrower.Hex(),
			"error", err)
	}
}

func (s *Service) publish(ctx context.Context, o *entity.LiquidationOutcome) {
	if s.config.Events == nil {
		return
	}
	if o.Status != entity.OutcomeLiquidated && o.Status != entity.OutcomeFailed {
		return
	}
	if err := s.config.Events.Publish(context.WithoutCancel(ctx), newLiquidationEvent(o)); err != nil {
		s.logger.Warn("failed to publish liquidation event",
			"marketId", o.MarketID.Hex(),
			"borrower", o.Borrower.Hex(),
			"error", err)
	}
}

func (s *Service) archive(ctx context.Context, report *entity.CycleReport) {
	if s.config.Archive == nil {
		return
	}
	if err := s.config.Archive.Archive(context.WithoutCancel(ctx), report); err != nil {
		s.logger.Warn("failed to archive cycle report", "runId", report.RunID.String(), "error", err)
	}
}

func newLiquidationEvent(o *entity.LiquidationOutcome) outbound.LiquidationEvent {
	event := outbound.LiquidationEvent{
		RunID:          o.RunID.String(),
		ChainID:        o.ChainID,
		BlockNumber:    int64(o.BlockNumber),
		MarketID:       o.MarketID.Hex(),
		Borrower:       o.Borrower.Hex(),
		LoanToken:      o.LoanToken.Hex(),
		Status:         string(o.Status),
		BorrowedAmount: o.BorrowedAmount.Dec(),
		RepaidShares:   o.RepaidShares.Dec(),
		Error:          o.Error,
		OccurredAt:     o.CompletedAt,
	}
	if o.LiquidateTx != nil {
		event.TxHash = o.LiquidateTx.Hex()
	}
	return event
}

func signerLockKey(chainID int64, signer string) string {
	return "liquidator:signer:" + strconv.FormatInt(chainID, 10) + ":" + signer
}

// IsExecutionError reports whether err came from the execution phase.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}

type nopMetrics struct{}

func (nopMetrics) RecordCycle(context.Context, string, time.Duration) {}
func (nopMetrics) RecordPositionsScanned(context.Context, int) {}
func (nopMetrics) RecordUnhealthy(context.Context, int) {}
func (nopMetrics) RecordOutcome(context.Context, string) {}
