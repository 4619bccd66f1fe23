package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmrzaf/invsync/internal/domain"
)

// round rounds half away from zero to the given number of places.
func round(v float64, places int32) float64 {
	out, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return out
}

var taxTable = []domain.TaxRate{
	{ID: "R", Family: "IVA", Code: "reducido", Rate: 8},
	{ID: "G", Family: "IVA", Code: "General", Rate: 16},
	{ID: "N", Family: "OTHER", Code: "broken", Rate: -5},
}

func TestResolveTaxRate(t *testing.T) {
	tests := []struct {
		name      string
		table     []domain.TaxRate
		itemTax   string
		defaultID string
		want      float64
	}{
		{"item id wins", taxTable, "R", "G", 8},
		{"default when item unknown", taxTable, "missing", "R", 8},
		{"default when item empty", taxTable, "", "R", 8},
		{"general vat fallback", taxTable, "", "", 16},
		{"general vat after unknown ids", taxTable, "x", "y", 16},
		{"negative rate clamps", taxTable, "N", "", 0},
		{"empty table", nil, "G", "G", 0},
		{"no general entry", taxTable[:1], "", "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveTaxRate(tc.table, tc.itemTax, tc.defaultID)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, 0.0)
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "VES", NormalizeCurrency("vef"))
	assert.Equal(t, "VES", NormalizeCurrency(" VED "))
	assert.Equal(t, "VES", NormalizeCurrency("VES"))
	assert.Equal(t, "EUR", NormalizeCurrency("eur"))
	assert.Equal(t, "", NormalizeCurrency(""))
}

func TestValidISO(t *testing.T) {
	for _, code := range []string{"USD", "eur", "VEF", "VES"} {
		assert.True(t, ValidISO(code), code)
	}
	for _, code := range []string{"", "US", "USDX", "ZZZ", "12$"} {
		assert.False(t, ValidISO(code), code)
	}
}

func TestNormalizeRates(t *testing.T) {
	got := NormalizeRates(map[string]float64{"usd": 1, "VEF": 0, "VES": 36.5})
	assert.Equal(t, map[string]float64{"USD": 1, "VES": 36.5}, got)
}

func TestComputeFinalPrice_SameCurrency(t *testing.T) {
	got, ok := ComputeFinalPrice(10, "USD", 16, map[string]float64{"USD": 1}, "USD", "USD")
	require.True(t, ok)
	assert.Equal(t, 11.6, got)
}

func TestComputeFinalPrice_IdentityRoundTrip(t *testing.T) {
	rates := map[string]float64{"USD": 1}
	for _, amount := range []float64{0, 0.01, 1.23456, 19.99, 1234.56789} {
		got, ok := ComputeFinalPrice(amount, "USD", 0, rates, "USD", "USD")
		require.True(t, ok)
		assert.Equal(t, round(amount, 4), got, "amount %v", amount)
	}
}

func TestComputeFinalPrice_Conversions(t *testing.T) {
	rates := map[string]float64{"USD": 1, "EUR": 0.9, "VES": 36.5}

	got, ok := ComputeFinalPrice(10, "EUR", 16, rates, "USD", "USD")
	require.True(t, ok)
	// 10 / 0.9 = 11.11 (rounded after conversion), then +16% tax.
	assert.Equal(t, 12.8876, got)

	got, ok = ComputeFinalPrice(10, "EUR", 16, rates, "USD", "VEF")
	require.True(t, ok)
	assert.Equal(t, 470.3974, got)

	got, ok = ComputeFinalPrice(100, "VED", 0, rates, "VES", "VES")
	require.True(t, ok)
	assert.Equal(t, 100.0, got)
}

func TestComputeFinalPrice_MissingRate(t *testing.T) {
	rates := map[string]float64{"USD": 1}

	_, ok := ComputeFinalPrice(10, "EUR", 16, rates, "USD", "USD")
	assert.False(t, ok)

	_, ok = ComputeFinalPrice(10, "USD", 16, rates, "USD", "EUR")
	assert.False(t, ok)

	_, ok = ComputeFinalPrice(10, "EUR", 0, map[string]float64{"USD": 1, "EUR": 0}, "USD", "USD")
	assert.False(t, ok)
}

func TestRoundHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 1.24, round(1.235, 2))
	assert.Equal(t, -1.24, round(-1.235, 2))
	assert.Equal(t, 2.0, round(1.99999, 4))
}
