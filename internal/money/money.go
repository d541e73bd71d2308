// Package money provides exact fixed-point decimal parsing, formatting,
// and comparison for monetary amounts.
//
// Amounts use 6 decimal places and are stored as big.Int in the smallest
// unit (1.00 = 1,000,000 units). Monetary values are never represented as
// binary floating point, so threshold comparisons are exact.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Amount is an exact monetary value in smallest units.
type Amount struct {
	units *big.Int
}

// Zero returns a zero amount.
func Zero() Amount {
	return Amount{units: new(big.Int)}
}

// Parse converts a decimal string (e.g. "9500.00") to an Amount.
// Returns (zero, false) on invalid input.
//
// Rules:
//   - Empty string parses to zero
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (Amount, bool) {
	if s == "" {
		return Zero(), true
	}

	if strings.HasPrefix(s, "-") {
		return Zero(), false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Zero(), false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return Zero(), false
	}
	return Amount{units: units}, true
}

// FromUnits builds an Amount from raw smallest units.
func FromUnits(units int64) Amount {
	return Amount{units: big.NewInt(units)}
}

// String formats the amount with exactly 6 decimal places (e.g. "9500.000000").
func (a Amount) String() string {
	if a.units == nil {
		return "0.000000"
	}
	s := a.units.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	return s[:decimal] + "." + s[decimal:]
}

// Float64 returns a float approximation for display and histogram buckets.
// Never use the result for threshold comparisons.
func (a Amount) Float64() float64 {
	if a.units == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(a.units, big.NewInt(1_000_000)).Float64()
	return f
}

// Cmp compares two amounts. Returns -1, 0, or +1.
func (a Amount) Cmp(b Amount) int {
	return a.bigUnits().Cmp(b.bigUnits())
}

// GTE reports whether a >= b.
func (a Amount) GTE(b Amount) bool { return a.Cmp(b) >= 0 }

// LT reports whether a < b.
func (a Amount) LT(b Amount) bool { return a.Cmp(b) < 0 }

// GT reports whether a > b.
func (a Amount) GT(b Amount) bool { return a.Cmp(b) > 0 }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.units == nil || a.units.Sign() == 0
}

func (a Amount) bigUnits() *big.Int {
	if a.units == nil {
		return new(big.Int)
	}
	return a.units
}
