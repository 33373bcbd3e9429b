package testutil

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// MockMulticaller implements outbound.Multicaller for testing.
type MockMulticaller struct {
	mu          sync.Mutex
	AggregateFn func(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error)
	CallCount   int
	Blocks      []*big.Int
	Addr        common.Address
}

func NewMockMulticaller() *MockMulticaller {
	return &MockMulticaller{
		Addr: common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11"),
	}
}

func (m *MockMulticaller) Aggregate(ctx context.Context, calls []outbound.Call, blockNumber *big.Int) (*outbound.AggregateResult, error) {
	m.mu.Lock()
	m.CallCount++
	m.Blocks = append(m.Blocks, blockNumber)
	m.mu.Unlock()
	if m.AggregateFn != nil {
		return m.AggregateFn(ctx, calls, blockNumber)
	}
	return nil, errors.New("Aggregate not mocked")
}

func (m *MockMulticaller) Address() common.Address {
	return m.Addr
}
