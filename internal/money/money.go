// Package money provides fixed-point amount handling for the marketplace.
//
// All amounts carry 2 decimal places. Arithmetic goes through
// shopspring/decimal so no value ever passes through a float.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "150.00") to an amount.
// Returns (zero, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than 2 fractional digits are rejected, never truncated
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") || strings.Count(s, ".") > 1 {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if !d.Equal(d.Round(Decimals)) {
		return decimal.Zero, false
	}
	return d.Round(Decimals), true
}

// Format renders an amount with exactly 2 decimal places (e.g. "5.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// Round rounds half-up to 2 decimal places. decimal.Round rounds half away
// from zero, which is half-up for the non-negative amounts handled here.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Decimals)
}

// Charge returns the amount actually charged for price given the
// processor's minimum chargeable amount.
func Charge(price, floor decimal.Decimal) decimal.Decimal {
	return Round(decimal.Max(price, floor))
}

// Split divides amount into the platform commission and the professional's
// share. commission + share == amount exactly.
func Split(amount, rate decimal.Decimal) (commission, share decimal.Decimal) {
	commission = Round(amount.Mul(rate))
	share = amount.Sub(commission)
	return commission, share
}

// MinorUnits converts an amount to the processor's smallest currency unit
// (cents for 2-decimal currencies).
func MinorUnits(d decimal.Decimal) int64 {
	return Round(d).Shift(Decimals).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Decimals)
}
