package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFromDecimal_WholeCents(t *testing.T) {
	m := FromDecimal(dec("123.45"), NZD)

	assert.Equal(t, int64(12345), m.Amount)
	assert.Equal(t, "NZD", m.CurrencyCode)
	assert.Equal(t, int32(2), m.Exponent)
	assert.Equal(t, int32(2), m.Scale)
}

func TestFromDecimal_RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int64
	}{
		{"exact", "100.00", 10000},
		{"half up", "0.005", 1},
		{"half up at cent", "1.125", 113},
		{"below half", "1.124", 112},
		{"above half", "1.126", 113},
		{"negative half away", "-0.005", -1},
		{"zero", "0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := FromDecimal(dec(tt.value), NZD)
			assert.Equal(t, tt.want, m.Amount)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	// Inputs with at most two fractional digits come back unchanged.
	for _, s := range []string{"123.45", "0.01", "99999.99", "0", "7", "10.50"} {
		m := FromDecimal(dec(s), NZD)
		assert.True(t, m.ToDecimal().Equal(dec(s)), "round trip changed %s to %s", s, m.ToDecimal())
	}
}

func TestToDecimal_NonDecimalBase(t *testing.T) {
	// Rendering honors the currency base rather than assuming base 10.
	eighths := Currency{Code: "OCT", Base: 2, Exponent: 3}

	m := FromDecimal(dec("1.5"), eighths)
	require.Equal(t, int64(12), m.Amount)
	assert.True(t, m.ToDecimal().Equal(dec("1.5")), "got %s", m.ToDecimal())
}

func TestMultiply_ExactIntegerScaling(t *testing.T) {
	unit := FromDecimal(dec("100.00"), NZD)

	total, err := unit.Multiply(3)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), total.Amount)
	assert.Equal(t, "300.00 NZD", total.String())
}

func TestMultiply_NoRepeatedRounding(t *testing.T) {
	// 33.335 rounds once to 3334 minor units; the total is derived from
	// the rounded unit price, not re-rounded from 3 * 33.335.
	unit := FromDecimal(dec("33.335"), NZD)
	require.Equal(t, int64(3334), unit.Amount)

	total, err := unit.Multiply(3)
	require.NoError(t, err)
	assert.Equal(t, int64(10002), total.Amount)
}

func TestMultiply_NegativeFactor(t *testing.T) {
	unit := FromDecimal(dec("10.00"), NZD)

	_, err := unit.Multiply(-1)
	assert.ErrorIs(t, err, ErrNegativeFactor)
}

func TestCmp(t *testing.T) {
	a := FromDecimal(dec("50.00"), NZD)
	b := FromDecimal(dec("100.00"), NZD)

	c, err := a.Cmp(b)
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	less, err := a.LessThan(b)
	require.NoError(t, err)
	assert.True(t, less)

	equal, err := b.Cmp(FromMinorUnits(10000, NZD))
	require.NoError(t, err)
	assert.Equal(t, 0, equal)
}

func TestCmp_CurrencyMismatch(t *testing.T) {
	aud := Currency{Code: "AUD", Base: 10, Exponent: 2}

	a := FromDecimal(dec("50.00"), NZD)
	b := FromDecimal(dec("50.00"), aud)

	_, err := a.Cmp(b)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestString(t *testing.T) {
	assert.Equal(t, "123.45 NZD", FromDecimal(dec("123.45"), NZD).String())
	assert.Equal(t, "0.05 NZD", FromMinorUnits(5, NZD).String())
	assert.Equal(t, "100.00 NZD", FromDecimal(dec("100"), NZD).String())
}

func TestIsZero(t *testing.T) {
	assert.True(t, FromMinorUnits(0, NZD).IsZero())
	assert.False(t, FromMinorUnits(1, NZD).IsZero())
}
