package liquidator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/ports/outbound"
	"github.com/archon-research/liquidator/internal/testutil"
)

// mockConsumer implements outbound.SQSConsumer.
type mockConsumer struct {
	mu                  sync.Mutex
	receiveMessagesFn   func(ctx context.Context, maxMessages int) ([]outbound.SQSMessage, error)
	deleteMessageFn     func(ctx context.Context, receiptHandle string) error
	deleted             []string
	receiveMessageCalls int
}

func (m *mockConsumer) ReceiveMessages(ctx context.Context, maxMessages int) ([]outbound.SQSMessage, error) {
	m.mu.Lock()
	m.receiveMessageCalls++
	m.mu.Unlock()
	if m.receiveMessagesFn != nil {
		return m.receiveMessagesFn(ctx, maxMessages)
	}
	return nil, nil
}

func (m *mockConsumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, receiptHandle)
	m.mu.Unlock()
	if m.deleteMessageFn != nil {
		return m.deleteMessageFn(ctx, receiptHandle)
	}
	return nil
}

func (m *mockConsumer) Close() error {
	return nil
}

func (m *mockConsumer) deletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleted)
}

// mockLiquidator implements inbound.Liquidator.
type mockLiquidator struct {
	mu         sync.Mutex
	runCycleFn func(ctx context.Context) (*entity.CycleReport, error)
	calls      int
}

func (m *mockLiquidator) RunCycle(ctx context.Context) (*entity.CycleReport, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.runCycleFn != nil {
		return m.runCycleFn(ctx)
	}
	return entity.NewCycleReport(1, time.Now()), nil
}

func (m *mockLiquidator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// queueOf returns a receive func that hands out one message per poll.
func queueOf(handles ...string) func(ctx context.Context, maxMessages int) ([]outbound.SQSMessage, error) {
	var mu sync.Mutex
	next := 0
	return func(ctx context.Context, maxMessages int) ([]outbound.SQSMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(handles) {
			return nil, nil
		}
		h := handles[next]
		next++
		return []outbound.SQSMessage{{MessageID: "id-" + h, ReceiptHandle: h, Body: "{}"}}, nil
	}
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{PollInterval: 5 * time.Millisecond, Logger: testutil.DiscardLogger()}
}

func TestNewWorker(t *testing.T) {
	if _, err := NewWorker(WorkerConfig{}, nil, &mockLiquidator{}); err == nil {
		t.Error("expected error for nil consumer")
	}
	if _, err := NewWorker(WorkerConfig{}, &mockConsumer{}, nil); err == nil {
		t.Error("expected error for nil liquidator")
	}

	w, err := NewWorker(WorkerConfig{}, &mockConsumer{}, &mockLiquidator{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.config.MaxMessages != 1 || w.config.PollInterval != time.Second {
		t.Errorf("defaults not applied: %+v", w.config)
	}
}

func TestWorker_DeletesMessageAfterSuccessfulCycle(t *testing.T) {
	consumer := &mockConsumer{receiveMessagesFn: queueOf("a", "b")}
	liq := &mockLiquidator{}

	w, err := NewWorker(testWorkerConfig(), consumer, liq)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	testutil.WaitFor(t, time.Second, func() bool { return consumer.deletedCount() == 2 }, "both messages deleted")
	if liq.callCount() != 2 {
		t.Errorf("cycles = %d, want 2", liq.callCount())
	}
}

func TestWorker_FetchFailureKeepsMessageAndContinues(t *testing.T) {
	consumer := &mockConsumer{receiveMessagesFn: queueOf("a", "b")}
	liq := &mockLiquidator{}
	liq.runCycleFn = func(ctx context.Context) (*entity.CycleReport, error) {
		report := entity.NewCycleReport(1, time.Now())
		if liq.callCount() == 1 {
			return report, &TransientFetchError{Op: "feed", Err: errors.New("timeout")}
		}
		return report, nil
	}

	w, err := NewWorker(testWorkerConfig(), consumer, liq)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	testutil.WaitFor(t, time.Second, func() bool { return liq.callCount() >= 2 }, "second cycle")
	testutil.WaitFor(t, time.Second, func() bool { return consumer.deletedCount() == 1 }, "second message deleted")

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if consumer.deleted[0] != "b" {
		t.Errorf("deleted %v, want only b", consumer.deleted)
	}
	select {
	case err := <-w.Err():
		t.Fatalf("fetch failure must not stop the worker: %v", err)
	default:
	}
}

func TestWorker_ExecutionErrorStopsWorker(t *testing.T) {
	consumer := &mockConsumer{receiveMessagesFn: queueOf("a", "b")}
	liq := &mockLiquidator{
		runCycleFn: func(ctx context.Context) (*entity.CycleReport, error) {
			return entity.NewCycleReport(1, time.Now()), &ExecutionError{Stage: StageLiquidate, Err: outbound.ErrTransactionReverted}
		},
	}

	w, err := NewWorker(testWorkerConfig(), consumer, liq)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case err := <-w.Err():
		if !IsExecutionError(err) {
			t.Errorf("expected ExecutionError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not report the execution failure")
	}

	time.Sleep(30 * time.Millisecond)
	if liq.callCount() != 1 {
		t.Errorf("cycles after failure = %d, want 1", liq.callCount())
	}
	if consumer.deletedCount() != 0 {
		t.Error("the failing message must not be deleted")
	}
}

func TestWorker_Stop(t *testing.T) {
	consumer := &mockConsumer{}
	w, err := NewWorker(testWorkerConfig(), consumer, &mockLiquidator{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
