package liquidator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/archon-research/liquidator/internal/ports/inbound"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// WorkerConfig holds configuration for the queue-driven worker.
type WorkerConfig struct {
	MaxMessages  int
	PollInterval time.Duration
	Logger       *slog.Logger
}

func workerConfigDefaults() WorkerConfig {
	return WorkerConfig{
		MaxMessages:  1,
		PollInterval: time.Second,
		Logger:       slog.Default(),
	}
}

// Worker runs one scan cycle per SQS message. A message is deleted only when
// its cycle succeeds. A fetch failure leaves the message for redelivery; an
// execution failure stops the worker and is reported on Err.
type Worker struct {
	config     WorkerConfig
	consumer   outbound.SQSConsumer
	liquidator inbound.Liquidator

	fatal  chan error
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewWorker creates a new worker.
func NewWorker(config WorkerConfig, consumer outbound.SQSConsumer, liquidator inbound.Liquidator) (*Worker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if liquidator == nil {
		return nil, fmt.Errorf("liquidator cannot be nil")
	}

	defaults := workerConfigDefaults()
	if config.MaxMessages == 0 {
		config.MaxMessages = defaults.MaxMessages
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Worker{
		config:     config,
		consumer:   consumer,
		liquidator: liquidator,
		fatal:      make(chan error, 1),
		logger:     config.Logger.With("component", "liquidation-worker"),
	}, nil
}

// Start begins polling the queue.
func (w *Worker) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	go w.processLoop()
	w.logger.Info("liquidation worker started", "pollInterval", w.config.PollInterval)
	return nil
}

// Stop stops the worker.
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.logger.Info("liquidation worker stopped")
	return nil
}

// Err delivers the execution failure that stopped the worker.
func (w *Worker) Err() <-chan error {
	return w.fatal
}

func (w *Worker) processLoop() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.processMessages(w.ctx); err != nil {
				if IsExecutionError(err) {
					w.fatal <- err
					return
				}
				w.logger.Error("error processing messages", "error", err)
			}
		}
	}
}

func (w *Worker) processMessages(ctx context.Context) error {
	messages, err := w.consumer.ReceiveMessages(ctx, w.config.MaxMessages)
	if err != nil {
		return fmt.Errorf("receiving messages: %w", err)
	}

	if len(messages) == 0 {
		return nil
	}

	for _, msg := range messages {
		report, err := w.liquidator.RunCycle(ctx)
		if err != nil {
			// the message stays on the queue either way; processLoop stops the
			// worker on an execution failure and retries after anything else
			return fmt.Errorf("cycle for message %s: %w", msg.MessageID, err)
		}

		w.logger.Info("cycle completed",
			"messageId", msg.MessageID,
			"runId", report.RunID.String(),
			"unhealthy", len(report.Unhealthy),
			"outcomes", len(report.Outcomes))

		if deleteErr := w.consumer.DeleteMessage(ctx, msg.ReceiptHandle); deleteErr != nil {
			w.logger.Error("failed to delete message", "error", deleteErr)
		}
	}
	return nil
}
