// Package ethereum implements the liquidation chain port with a single local
// signing key over a JSON-RPC backend.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/archon-research/liquidator/internal/domain/entity"
	"github.com/archon-research/liquidator/internal/pkg/blockchain"
	"github.com/archon-research/liquidator/internal/pkg/blockchain/abis"
	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that Signer implements outbound.LiquidationChain.
var _ outbound.LiquidationChain = (*Signer)(nil)

// Backend is the subset of *ethclient.Client the signer uses.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.TransactionSender
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config holds configuration for the signer.
type Config struct {
	ChainID        int64
	PrivateKeyHex  string
	MarketsAddress common.Address

	// PollInterval is how often receipts are polled while waiting. Default 2s.
	PollInterval time.Duration

	// GasPriceBufferPct is added on top of the suggested gas price. Default 10.
	GasPriceBufferPct int64

	// GasLimitBufferPct is added on top of the estimated gas. Default 20.
	GasLimitBufferPct uint64

	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		PollInterval:      2 * time.Second,
		GasPriceBufferPct: 10,
		GasLimitBufferPct: 20,
		Logger:            slog.Default(),
	}
}

// Signer reads token state and submits approve and liquidate transactions.
type Signer struct {
	backend    Backend
	key        *ecdsa.PrivateKey
	address    common.Address
	markets    common.Address
	chainID    *big.Int
	txSigner   types.Signer
	erc20ABI   *abi.ABI
	marketsABI *abi.ABI
	config     Config
	logger     *slog.Logger
}

// NewSigner creates a signer. Zero-valued optional fields fall back to ConfigDefaults.
func NewSigner(backend Backend, config Config) (*Signer, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if config.ChainID <= 0 {
		return nil, errors.New("chain ID must be positive")
	}
	if config.MarketsAddress == (common.Address{}) {
		return nil, errors.New("markets address is required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	defaults := ConfigDefaults()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.GasPriceBufferPct <= 0 {
		config.GasPriceBufferPct = defaults.GasPriceBufferPct
	}
	if config.GasLimitBufferPct == 0 {
		config.GasLimitBufferPct = defaults.GasLimitBufferPct
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	erc20ABI, err := abis.GetERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load ERC20 ABI: %w", err)
	}
	marketsABI, err := abis.GetMarketsABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load markets ABI: %w", err)
	}

	chainID := big.NewInt(config.ChainID)
	address := crypto.PubkeyToAddress(key.PublicKey)

	return &Signer{
		backend:    backend,
		key:        key,
		address:    address,
		markets:    config.MarketsAddress,
		chainID:    chainID,
		txSigner:   types.LatestSignerForChainID(chainID),
		erc20ABI:   erc20ABI,
		marketsABI: marketsABI,
		config:     config,
		logger:     config.Logger.With("component", "signer", "address", address.Hex()),
	}, nil
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return client, nil
}

func (s *Signer) SignerAddress() common.Address { return s.address }
func (s *Signer) MarketsAddress() common.Address { return s.markets }

// BalanceOf returns token.balanceOf(owner) at the latest block.
func (s *Signer) BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	return s.callUint(ctx, token, "balanceOf", owner)
}

// Allowance returns token.allowance(owner, spender) at the latest block.
func (s *Signer) Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	return s.callUint(ctx, token, "allowance", owner, spender)
}

func (s *Signer) callUint(ctx context.Context, token common.Address, method string, args ...any) (*uint256.Int, error) {
	data, err := s.erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, token.Hex(), err)
	}
	vals, err := s.erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(vals))
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	v, ok := blockchain.FromBig(b)
	if !ok {
		return nil, fmt.Errorf("unpack %s: value out of range", method)
	}
	return v, nil
}

// Approve submits token.approve(spender, amount).
func (s *Signer) Approve(ctx context.Context, token, spender common.Address, amount *uint256.Int) (common.Hash, error) {
	data, err := s.erc20ABI.Pack("approve", spender, blockchain.ToBig(amount))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack approve: %w", err)
	}
	return s.send(ctx, token, data, "approve")
}

// Liquidate submits markets.liquidate(params, borrower, seizedAssets, repaidShares, data).
func (s *Signer) Liquidate(ctx context.Context, params entity.MarketParams, borrower common.Address, seizedAssets, repaidShares *uint256.Int, data []byte) (common.Hash, error) {
	if data == nil {
		data = []byte{}
	}
	callData, err := s.marketsABI.Pack("liquidate",
		toTuple(params),
		borrower,
		blockchain.ToBig(seizedAssets),
		blockchain.ToBig(repaidShares),
		data,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack liquidate: %w", err)
	}
	return s.send(ctx, s.markets, callData, "liquidate")
}

func toTuple(p entity.MarketParams) abis.MarketParamsTuple {
	return abis.MarketParamsTuple{
		IsPremiumMarket:          p.IsPremiumMarket,
		LoanToken:                p.LoanToken,
		CollateralToken:          p.CollateralToken,
		Oracle:                   p.Oracle,
		Irm:                      p.InterestRateModel,
		Lltv:                     blockchain.ToBig(p.Lltv),
		CreditAttestationService: p.AttestationService,
		IrxMaxLltv:               blockchain.ToBig(p.MaxLltv),
		CategoryLltv:             blockchain.ToBig(p.CategoryLltv),
	}
}

// send builds, signs and broadcasts a legacy transaction to `to`. A failed gas
// estimate is returned as an error; the call would revert on chain.
func (s *Signer) send(ctx context.Context, to common.Address, data []byte, label string) (common.Hash, error) {
	nonce, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: nonce: %w", label, err)
	}

	suggested, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: gas price: %w", label, err)
	}
	gasPrice := new(big.Int).Mul(suggested, big.NewInt(100+s.config.GasPriceBufferPct))
	gasPrice.Div(gasPrice, big.NewInt(100))

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     s.address,
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: estimate gas: %w", label, err)
	}
	gas = gas * (100 + s.config.GasLimitBufferPct) / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, s.txSigner, s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: sign tx: %w", label, err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%s: send tx: %w", label, err)
	}

	s.logger.Info("transaction sent",
		"method", label,
		"txHash", signed.Hash().Hex(),
		"nonce", nonce,
		"gas", gas,
		"gasPrice", gasPrice.String())
	return signed.Hash(), nil
}

// WaitForConfirmation polls for the receipt of txHash until it has the given
// number of confirmations. A reverted receipt returns ErrTransactionReverted.
func (s *Signer) WaitForConfirmation(ctx context.Context, txHash common.Hash, confirmations uint64) error {
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		done, err := s.checkReceipt(ctx, txHash, confirmations)
		if err != nil || done {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Signer) checkReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (bool, error) {
	receipt, err := s.backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		s.logger.Warn("receipt lookup failed, retrying", "txHash", txHash.Hex(), "error", err)
		return false, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, fmt.Errorf("%s mined in block %s: %w", txHash.Hex(), receipt.BlockNumber, outbound.ErrTransactionReverted)
	}

	if confirmations > 1 && receipt.BlockNumber != nil {
		head, err := s.backend.BlockNumber(ctx)
		if err != nil {
			s.logger.Warn("block number lookup failed, retrying", "error", err)
			return false, nil
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined || head-mined+1 < confirmations {
			return false, nil
		}
	}

	s.logger.Debug("transaction confirmed", "txHash", txHash.Hex(), "block", receipt.BlockNumber)
	return true, nil
}
