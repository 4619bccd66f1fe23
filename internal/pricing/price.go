package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// MinimumPrice is the smallest computed price that gets written.
const MinimumPrice = 0.01

// ComputeFinalPrice converts a remote retail amount into the base currency,
// applies tax there and converts the result into the target currency. All
// rates are relative to one reference currency. ok is false when a needed
// rate is missing.
func ComputeFinalPrice(amount float64, source string, taxPercent float64, rates map[string]float64, base, target string) (float64, bool) {
	source = NormalizeCurrency(source)
	base = NormalizeCurrency(base)
	target = NormalizeCurrency(target)

	value := decimal.NewFromFloat(amount)
	if source != base {
		converted, ok := convert(value, source, base, rates)
		if !ok {
			return 0, false
		}
		value = converted.Round(2)
	}

	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(taxPercent).Div(decimal.NewFromInt(100)))
	value = value.Mul(factor)

	if target != base {
		converted, ok := convert(value, base, target, rates)
		if !ok {
			return 0, false
		}
		value = converted
	}

	out, _ := value.Round(4).Float64()
	return out, true
}

// convert applies amount * rates[to] / rates[from].
func convert(amount decimal.Decimal, from, to string, rates map[string]float64) (decimal.Decimal, bool) {
	fromRate, ok := rateFor(rates, from)
	if !ok {
		return decimal.Zero, false
	}
	toRate, ok := rateFor(rates, to)
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(decimal.NewFromFloat(toRate)).Div(decimal.NewFromFloat(fromRate)), true
}

func rateFor(rates map[string]float64, code string) (float64, bool) {
	r, ok := rates[code]
	if !ok {
		for k, v := range rates {
			if NormalizeCurrency(k) == code {
				r, ok = v, true
				break
			}
		}
	}
	if !ok || r <= 0 {
		return 0, false
	}
	return r, true
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
