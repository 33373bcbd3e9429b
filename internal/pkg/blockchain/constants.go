// Package blockchain holds chain-level constants shared by the adapters.
package blockchain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"
)

var (
	Multicall3 = common.HexToAddress(Multicall3Address)

	// MaxUint256 is the unlimited ERC20 allowance.
	MaxUint256 = new(uint256.Int).SetAllOne()
)

// ToBig converts a possibly nil uint256 to a big.Int for ABI packing.
func ToBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

// FromBig converts an ABI-decoded big.Int to uint256. Negative or oversized
// values are reported as not ok.
func FromBig(v *big.Int) (*uint256.Int, bool) {
	if v == nil || v.Sign() < 0 {
		return nil, false
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, false
	}
	return u, true
}
