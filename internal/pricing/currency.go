package pricing

import (
	"strings"

	"golang.org/x/text/currency"
)

// CanonicalBolivar is the code the bolívar's successive ISO codes collapse to.
const CanonicalBolivar = "VES"

var legacyCodes = map[string]string{
	"VEF": CanonicalBolivar,
	"VED": CanonicalBolivar,
	"VES": CanonicalBolivar,
}

// NormalizeCurrency upper-cases and trims a currency code and maps the
// bolívar variants to one code. Other codes pass through unchanged.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if c, ok := legacyCodes[code]; ok {
		return c
	}
	return code
}

// ValidISO reports whether code names a known ISO 4217 currency after
// normalization.
func ValidISO(code string) bool {
	code = NormalizeCurrency(code)
	if len(code) != 3 {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

// NormalizeRates re-keys a rate table by normalized code. When two legacy
// codes collide the first non-zero rate encountered in sorted key order wins.
func NormalizeRates(rates map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(rates))
	for _, k := range sortedKeys(rates) {
		nk := NormalizeCurrency(k)
		if existing, ok := out[nk]; ok && existing != 0 {
			continue
		}
		out[nk] = rates[k]
	}
	return out
}
