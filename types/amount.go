package types

import (
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every credit amount carries.
const Scale = 2

// Amount rounds a raw float to a credit amount, half away from zero.
func Amount(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(Scale)
}

// RoundAmount rounds d to a credit amount.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// ToCents converts a credit amount to its integer hundredths, for stores
// that keep balances as integers.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(Scale).Round(0).IntPart()
}

// FromCents converts integer hundredths back to a credit amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -Scale)
}

// Finite reports whether f can be turned into an amount.
func Finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
