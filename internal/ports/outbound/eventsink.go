package outbound

import (
	"context"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	EventTypeLiquidation EventType = "liquidation"
)

// Event is the interface that all published events implement.
type Event interface {
	EventType() EventType
	GetChainID() int64
	GetBlockNumber() int64
}

// LiquidationEvent announces the outcome of one liquidation attempt.
type LiquidationEvent struct {
	RunID          string    `json:"runId"`
	ChainID        int64     `json:"chainId"`
	BlockNumber    int64     `json:"blockNumber"`
	MarketID       string    `json:"marketId"`
	Borrower       string    `json:"borrower"`
	LoanToken      string    `json:"loanToken"`
	Status         string    `json:"status"`
	BorrowedAmount string    `json:"borrowedAmount"`
	RepaidShares   string    `json:"repaidShares"`
	TxHash         string    `json:"txHash,omitempty"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func (e LiquidationEvent) EventType() EventType  { return EventTypeLiquidation }
func (e LiquidationEvent) GetChainID() int64     { return e.ChainID }
func (e LiquidationEvent) GetBlockNumber() int64 { return e.BlockNumber }

// EventSink publishes events to downstream consumers.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
