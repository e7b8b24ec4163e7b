// Package money implements fixed-point monetary values for order pricing.
//
// Amounts are held as integer minor units (cents for NZD) and all
// arithmetic stays in integers until the final decimal rendering. The
// single rounding step happens at the decimal→minor-unit boundary in
// FromDecimal, using round-half-away-from-zero. A total price is always
// derived by integer-multiplying the already-rounded unit price, never by
// rounding twice, so the two legs of an order can never drift apart.
//
// Inputs and rendered outputs use shopspring/decimal — never float64 for
// money.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch is returned when comparing or combining values
	// with different currency codes or exponents.
	ErrCurrencyMismatch = errors.New("money: currency code or exponent mismatch")

	// ErrNegativeFactor is returned when multiplying by a negative factor.
	ErrNegativeFactor = errors.New("money: factor must not be negative")
)

// Currency describes a fixed-point currency: Base^Exponent minor units
// per major unit.
type Currency struct {
	Code     string
	Base     int64
	Exponent int32
}

// NZD is New Zealand dollars, 100 cents to the dollar.
var NZD = Currency{Code: "NZD", Base: 10, Exponent: 2}

// Money is a fixed-point monetary value. Amount is in minor units and is
// always integral. Scale equals the currency exponent for every value
// produced by this package.
type Money struct {
	CurrencyCode string `json:"currency"`
	Base         int64  `json:"base"`
	Exponent     int32  `json:"exponent"`
	Scale        int32  `json:"scale"`
	Amount       int64  `json:"amount"`
}

// FromDecimal converts a decimal major-unit value into minor units,
// rounding half away from zero at the minor-unit boundary. This is the
// only place a Money value is ever rounded.
func FromDecimal(value decimal.Decimal, currency Currency) Money {
	multiplier := decimal.NewFromInt(minorUnitsPerMajor(currency))
	// decimal.Round rounds half away from zero.
	amount := value.Mul(multiplier).Round(0).IntPart()

	return Money{
		CurrencyCode: currency.Code,
		Base:         currency.Base,
		Exponent:     currency.Exponent,
		Scale:        currency.Exponent,
		Amount:       amount,
	}
}

// FromMinorUnits builds a Money directly from an integer minor-unit
// amount. No rounding is involved.
func FromMinorUnits(amount int64, currency Currency) Money {
	return Money{
		CurrencyCode: currency.Code,
		Base:         currency.Base,
		Exponent:     currency.Exponent,
		Scale:        currency.Exponent,
		Amount:       amount,
	}
}

// Multiply scales the value by an integral factor. Exact integer
// arithmetic; no rounding.
func (m Money) Multiply(factor int64) (Money, error) {
	if factor < 0 {
		return Money{}, ErrNegativeFactor
	}
	out := m
	out.Amount = m.Amount * factor
	return out, nil
}

// Cmp compares two values of the same currency. Returns -1, 0, or 1.
// Values with different currency codes or exponents are not comparable.
func (m Money) Cmp(other Money) (int, error) {
	if m.CurrencyCode != other.CurrencyCode || m.Exponent != other.Exponent {
		return 0, fmt.Errorf("%w: %s/%d vs %s/%d",
			ErrCurrencyMismatch, m.CurrencyCode, m.Exponent, other.CurrencyCode, other.Exponent)
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// LessThan reports whether m is strictly less than other.
func (m Money) LessThan(other Money) (bool, error) {
	c, err := m.Cmp(other)
	if err != nil {
		return false, err
	}
	return c == -1, nil
}

// ToDecimal renders the value back to major units. For base-10
// currencies this is exact digit shifting; other bases divide by the
// minor-units-per-major factor. Values with at most Exponent fractional
// digits round-trip unchanged through FromDecimal and ToDecimal.
func (m Money) ToDecimal() decimal.Decimal {
	if m.Base == 10 {
		return decimal.New(m.Amount, -m.Exponent)
	}
	return decimal.NewFromInt(m.Amount).Div(decimal.NewFromInt(intPow(m.Base, m.Exponent)))
}

// String renders the value for logs, e.g. "123.45 NZD".
func (m Money) String() string {
	return m.ToDecimal().StringFixed(m.Exponent) + " " + m.CurrencyCode
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// minorUnitsPerMajor computes Base^Exponent with integer arithmetic.
func minorUnitsPerMajor(c Currency) int64 {
	return intPow(c.Base, c.Exponent)
}

func intPow(base int64, exp int32) int64 {
	n := int64(1)
	for i := int32(0); i < exp; i++ {
		n *= base
	}
	return n
}
