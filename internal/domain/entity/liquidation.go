package entity

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OutcomeStatus is the terminal state of one liquidation attempt.
type OutcomeStatus string

const (
	OutcomeLiquidated          OutcomeStatus = "liquidated"
	OutcomeInsufficientBalance OutcomeStatus = "skipped_insufficient_balance"
	OutcomeFailed              OutcomeStatus = "failed"
)

// LiquidationOutcome records what the executor did with one unhealthy position.
type LiquidationOutcome struct {
	RunID          uuid.UUID
	ChainID        int64
	BlockNumber    uint64
	MarketID       common.Hash
	Borrower       common.Address
	LoanToken      common.Address
	Status         OutcomeStatus
	BorrowedAmount *uint256.Int
	BorrowLimit    *uint256.Int
	RepaidShares   *uint256.Int
	Balance        *uint256.Int
	ApproveTxHash  *common.Hash
	LiquidateTx    *common.Hash
	Stage          string // set on failure
	Error          string
	CompletedAt    time.Time
}

// CycleReport summarises one scan cycle. It is returned even when the cycle fails,
// with whatever was reached before the failure.
type CycleReport struct {
	RunID              uuid.UUID            `json:"runId"`
	ChainID            int64                `json:"chainId"`
	BlockNumber        uint64               `json:"blockNumber"`
	DryRun             bool                 `json:"dryRun"`
	PositionsScanned   int                  `json:"positionsScanned"`
	MarketsLoaded      int                  `json:"marketsLoaded"`
	Skipped            int                  `json:"skipped"`
	Unhealthy          []ReportPosition     `json:"unhealthy"`
	Outcomes           []ReportOutcome      `json:"outcomes"`
	StartedAt          time.Time            `json:"startedAt"`
	FinishedAt         time.Time            `json:"finishedAt"`
	Error              string               `json:"error,omitempty"`
	outcomesByPosition map[string]OutcomeStatus
}

// ReportPosition is the JSON view of an unhealthy position.
type ReportPosition struct {
	MarketID       string `json:"marketId"`
	Borrower       string `json:"borrower"`
	Collateral     string `json:"collateral"`
	BorrowShares   string `json:"borrowShares"`
	BorrowedAmount string `json:"borrowedAmount"`
	BorrowLimit    string `json:"borrowLimit"`
}

// ReportOutcome is the JSON view of a LiquidationOutcome.
type ReportOutcome struct {
	MarketID    string        `json:"marketId"`
	Borrower    string        `json:"borrower"`
	Status      OutcomeStatus `json:"status"`
	LiquidateTx string        `json:"liquidateTx,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// NewCycleReport starts a report for a fresh run.
func NewCycleReport(chainID int64, startedAt time.Time) *CycleReport {
	return &CycleReport{
		RunID:     uuid.New(),
		ChainID:   chainID,
		StartedAt: startedAt,
	}
}

// AddUnhealthy appends an unhealthy position to the report.
func (r *CycleReport) AddUnhealthy(u *UnhealthyPosition) {
	r.Unhealthy = append(r.Unhealthy, ReportPosition{
		MarketID:       u.MarketID.Hex(),
		Borrower:       u.Borrower.Hex(),
		Collateral:     u.Collateral.Dec(),
		BorrowShares:   u.BorrowShares.Dec(),
		BorrowedAmount: u.BorrowedAmount.Dec(),
		BorrowLimit:    u.BorrowLimit.Dec(),
	})
}

// AddOutcome appends an executor outcome to the report.
func (r *CycleReport) AddOutcome(o *LiquidationOutcome) {
	ro := ReportOutcome{
		MarketID: o.MarketID.Hex(),
		Borrower: o.Borrower.Hex(),
		Status:   o.Status,
		Error:    o.Error,
	}
	if o.LiquidateTx != nil {
		ro.LiquidateTx = o.LiquidateTx.Hex()
	}
	r.Outcomes = append(r.Outcomes, ro)
	if r.outcomesByPosition == nil {
		r.outcomesByPosition = make(map[string]OutcomeStatus)
	}
	r.outcomesByPosition[ro.MarketID+ro.Borrower] = o.Status
}

// OutcomeFor returns the recorded status for a position, or "" if it was not acted on.
func (r *CycleReport) OutcomeFor(p ReportPosition) OutcomeStatus {
	return r.outcomesByPosition[p.MarketID+p.Borrower]
}

// CountOutcomes returns how many outcomes have the given status.
func (r *CycleReport) CountOutcomes(status OutcomeStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
