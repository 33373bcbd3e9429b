package entity

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FeedPosition is a candidate (market, borrower) pair announced by the position feed.
// It carries no amounts; those are read on chain every cycle.
type FeedPosition struct {
	MarketID common.Hash
	Borrower common.Address
}

// FeedMarket is the feed's view of a market. Lltv and Oracle are cross-checked
// against the on-chain market params before use.
type FeedMarket struct {
	MarketID common.Hash
	Lltv     *uint256.Int
	Oracle   common.Address
}

// Feed is one snapshot of the position feed.
type Feed struct {
	Positions []FeedPosition
	Markets   []FeedMarket
}

// Position is a borrower's on-chain state in one market, read at a single block.
type Position struct {
	MarketID       common.Hash
	Borrower       common.Address
	Collateral     *uint256.Int
	BorrowShares   *uint256.Int
	LastMultiplier *uint256.Int
}

// NewPosition creates a new Position entity.
func NewPosition(marketID common.Hash, borrower common.Address, collateral, borrowShares, lastMultiplier *uint256.Int) (*Position, error) {
	p := &Position{
		MarketID:       marketID,
		Borrower:       borrower,
		Collateral:     collateral,
		BorrowShares:   borrowShares,
		LastMultiplier: lastMultiplier,
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Position) validate() error {
	if p.MarketID == (common.Hash{}) {
		return fmt.Errorf("marketID must not be empty")
	}
	if p.Borrower == (common.Address{}) {
		return fmt.Errorf("borrower must not be the zero address")
	}
	if p.Collateral == nil {
		return fmt.Errorf("collateral must not be nil")
	}
	if p.BorrowShares == nil {
		return fmt.Errorf("borrowShares must not be nil")
	}
	if p.LastMultiplier == nil {
		return fmt.Errorf("lastMultiplier must not be nil")
	}
	return nil
}

// Key returns the totals bucket this position's debt is accounted in.
func (p *Position) Key() MultiplierKey {
	return NewMultiplierKey(p.MarketID, p.LastMultiplier)
}

// UnhealthyPosition is a position whose debt exceeds its borrow limit.
type UnhealthyPosition struct {
	Position
	Market         *Market
	BorrowedAmount *uint256.Int
	BorrowLimit    *uint256.Int
}
