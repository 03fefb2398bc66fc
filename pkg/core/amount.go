package core

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MulDivFloor returns floor(a*b/d). Intermediates are 256-bit so a*b never
// overflows; the result must fit in int64.
func MulDivFloor(a, b, d int64) (int64, error) {
	q, _, err := mulDiv(a, b, d)
	return q, err
}

// MulDivCeil returns ceil(a*b/d).
func MulDivCeil(a, b, d int64) (int64, error) {
	q, rem, err := mulDiv(a, b, d)
	if err != nil {
		return 0, err
	}
	if rem {
		if q == math.MaxInt64 {
			return 0, fmt.Errorf("muldiv overflow")
		}
		q++
	}
	return q, nil
}

func mulDiv(a, b, d int64) (int64, bool, error) {
	if a < 0 || b < 0 {
		return 0, false, fmt.Errorf("muldiv: negative operand")
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("muldiv: non-positive divisor %d", d)
	}
	x := uint256.NewInt(uint64(a))
	x.Mul(x, uint256.NewInt(uint64(b)))
	div := uint256.NewInt(uint64(d))
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(x, div, r)
	if !q.IsUint64() || q.Uint64() > math.MaxInt64 {
		return 0, false, fmt.Errorf("muldiv overflow")
	}
	return int64(q.Uint64()), !r.IsZero(), nil
}

// CeilDiv returns ceil(a/b) for a >= 0, b > 0.
func CeilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// ValueToAssetCeil converts a value amount into the asset units needed to
// cover it at price, rounding up.
func ValueToAssetCeil(value, price int64) int64 {
	return CeilDiv(value, price)
}

// AssetToValue returns amount*price, failing on overflow.
func AssetToValue(amount, price int64) (int64, error) {
	return MulDivFloor(amount, price, 1)
}

// Bps returns floor(value*bps/10000).
func Bps(value, bps int64) int64 {
	v, err := MulDivFloor(value, bps, 10_000)
	if err != nil {
		return 0
	}
	return v
}

// FormatAmount renders an integer amount with the asset's divisibility.
// Display only.
func FormatAmount(amount int64, decimals int32) string {
	return decimal.New(amount, -decimals).StringFixed(decimals)
}
