// Package fixedpoint provides the integer fixed-point arithmetic used on the
// liquidation decision path. Every operation is exact on 256-bit unsigned
// integers; intermediate products are carried at 512 bits or wider so they
// never wrap.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("result overflows uint256")
)

var (
	// WAD is the 1e18 scale of lltv values.
	WAD = uint256.NewInt(1_000_000_000_000_000_000)
	// OraclePriceScale is the 1e36 scale of oracle prices.
	OraclePriceScale = new(uint256.Int).Mul(WAD, WAD)

	// VirtualAssets is added to total borrow assets before share conversion.
	VirtualAssets = uint256.NewInt(1)
	// VirtualShares is added to total borrow shares before share conversion.
	VirtualShares = uint256.NewInt(1_000_000)

	bigWAD         = WAD.ToBig()
	bigOracleScale = OraclePriceScale.ToBig()
)

// CeilDiv returns ceil(a / b).
func CeilDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(a, b, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

// MulDivDown returns floor(x * y / d).
func MulDivDown(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(x * y / d), equal to (x*y + d - 1) / d evaluated without
// wrapping.
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDivDown(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(x, y, d).IsZero() {
		return z, nil
	}
	if _, carry := z.AddOverflow(z, uint256.NewInt(1)); carry {
		return nil, ErrOverflow
	}
	return z, nil
}

// ToAssetsUp converts borrow shares to assets, rounding up, against totals
// shifted by the virtual amounts. The shifted share total is never zero.
func ToAssetsUp(shares, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	assets, carry := new(uint256.Int).AddOverflow(totalAssets, VirtualAssets)
	if carry {
		return nil, ErrOverflow
	}
	sharesDenom, carry := new(uint256.Int).AddOverflow(totalShares, VirtualShares)
	if carry {
		return nil, ErrOverflow
	}
	return MulDivUp(shares, assets, sharesDenom)
}

// BorrowLimit returns collateral * lltv * price / 1e18 / 1e36 with truncating
// division. All three factors are multiplied before either division. A limit
// that does not fit in 256 bits saturates at the maximum value, which is still
// above any representable debt.
func BorrowLimit(collateral, lltv, price *uint256.Int) *uint256.Int {
	product := new(big.Int).Mul(collateral.ToBig(), lltv.ToBig())
	product.Mul(product, price.ToBig())
	product.Quo(product, bigWAD)
	product.Quo(product, bigOracleScale)

	limit, overflow := uint256.FromBig(product)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return limit
}
