package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/archon-research/liquidator/internal/domain/entity"
)

// ApproveCall records one Approve invocation.
type ApproveCall struct {
	Token   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// LiquidateCall records one Liquidate invocation.
type LiquidateCall struct {
	Params       entity.MarketParams
	Borrower     common.Address
	SeizedAssets *uint256.Int
	RepaidShares *uint256.Int
	Data         []byte
}

// MockChain implements outbound.LiquidationChain with in-memory balances and
// allowances. Approve updates the allowance it reports. Any Fn field
// overrides the default behaviour.
type MockChain struct {
	mu sync.Mutex

	Signer     common.Address
	Markets    common.Address
	Balances   map[common.Address]*uint256.Int
	Allowances map[common.Address]*uint256.Int

	BalanceOfFn func(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
	AllowanceFn func(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
	ApproveFn   func(ctx context.Context, token, spender common.Address, amount *uint256.Int) (common.Hash, error)
	LiquidateFn func(ctx context.Context, params entity.MarketParams, borrower common.Address, seizedAssets, repaidShares *uint256.Int, data []byte) (common.Hash, error)
	WaitFn      func(ctx context.Context, txHash common.Hash, confirmations uint64) error

	ApproveCalls   []ApproveCall
	LiquidateCalls []LiquidateCall
	WaitCalls      []common.Hash
	nonce          uint64
}

func NewMockChain() *MockChain {
	return &MockChain{
		Signer:     common.HexToAddress("0x000000000000000000000000000000000000bEEF"),
		Markets:    common.HexToAddress("0x00000000000000000000000000000000000acE00"),
		Balances:   make(map[common.Address]*uint256.Int),
		Allowances: make(map[common.Address]*uint256.Int),
	}
}

func (m *MockChain) SignerAddress() common.Address { return m.Signer }
func (m *MockChain) MarketsAddress() common.Address { return m.Markets }

func (m *MockChain) BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	if m.BalanceOfFn != nil {
		return m.BalanceOfFn(ctx, token, owner)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.Balances[token]; ok {
		return new(uint256.Int).Set(b), nil
	}
	return new(uint256.Int), nil
}

func (m *MockChain) Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	if m.AllowanceFn != nil {
		return m.AllowanceFn(ctx, token, owner, spender)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.Allowances[token]; ok {
		return new(uint256.Int).Set(a), nil
	}
	return new(uint256.Int), nil
}

func (m *MockChain) Approve(ctx context.Context, token, spender common.Address, amount *uint256.Int) (common.Hash, error) {
	m.mu.Lock()
	m.ApproveCalls = append(m.ApproveCalls, ApproveCall{Token: token, Spender: spender, Amount: amount})
	m.mu.Unlock()
	if m.ApproveFn != nil {
		return m.ApproveFn(ctx, token, spender, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Allowances[token] = new(uint256.Int).Set(amount)
	return m.nextHash("approve"), nil
}

func (m *MockChain) Liquidate(ctx context.Context, params entity.MarketParams, borrower common.Address, seizedAssets, repaidShares *uint256.Int, data []byte) (common.Hash, error) {
	m.mu.Lock()
	m.LiquidateCalls = append(m.LiquidateCalls, LiquidateCall{
		Params:       params,
		Borrower:     borrower,
		SeizedAssets: seizedAssets,
		RepaidShares: repaidShares,
		Data:         data,
	})
	m.mu.Unlock()
	if m.LiquidateFn != nil {
		return m.LiquidateFn(ctx, params, borrower, seizedAssets, repaidShares, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextHash("liquidate"), nil
}

func (m *MockChain) WaitForConfirmation(ctx context.Context, txHash common.Hash, confirmations uint64) error {
	m.mu.Lock()
	m.WaitCalls = append(m.WaitCalls, txHash)
	m.mu.Unlock()
	if m.WaitFn != nil {
		return m.WaitFn(ctx, txHash, confirmations)
	}
	return nil
}

// ApprovalsFor returns how many approvals were submitted for token.
func (m *MockChain) ApprovalsFor(token common.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.ApproveCalls {
		if c.Token == token {
			n++
		}
	}
	return n
}

// must hold m.mu
func (m *MockChain) nextHash(kind string) common.Hash {
	m.nonce++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", kind, m.nonce)))
}
