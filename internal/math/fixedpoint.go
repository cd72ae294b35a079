package math

import (
	"math/big"
	"sync"
)

// Fixed-point conventions: all monetary amounts carry six decimal places
// (scale 1e6), all rates are basis points (denominator 10_000).
const (
	AmountPrecision = 6
	AmountScale     = int64(1_000_000)
	BpsDenom        = int64(10_000)
)

// Pooled big.Int for intermediate products that would overflow int64.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDiv returns floor(a*b/denom) using a 128-bit intermediate product.
// Rounding is ALWAYS truncation toward zero — the pool never pays out more
// than the exact quotient. Panics on denom == 0 (caller bug).
func MulDiv(a, b, denom int64) int64 {
	if denom == 0 {
		panic("muldiv: zero denominator")
	}

	num := getInt128()
	num.Mul(big.NewInt(a), big.NewInt(b))

	quotient := getInt128()
	quotient.Quo(num, big.NewInt(denom)) // Quo truncates toward zero

	result := quotient.Int64()

	putInt128(num)
	putInt128(quotient)

	return result
}

// BpsOf returns the basis-point fraction of an amount, truncated.
func BpsOf(amount, bps int64) int64 {
	return MulDiv(amount, bps, BpsDenom)
}

// ToAmount converts a whole-unit quantity to fixed-point.
func ToAmount(units int64) int64 {
	return units * AmountScale
}

// FromAmount truncates a fixed-point amount to whole units.
func FromAmount(amount int64) int64 {
	return amount / AmountScale
}
