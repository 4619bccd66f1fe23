// Package hashing fingerprints sync runs so operators can tell whether two
// runs saw the same catalog under the same settings.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// HashTokens is independent of token order and duplicates.
func HashTokens(tokens []string) string {
	sorted := slices.Clone(tokens)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	h := sha256.New()
	for _, t := range sorted {
		h.Write([]byte(t))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type runConfigHashPayload struct {
	TokensHash     string `json:"tokens_hash"`
	BatchSize      int    `json:"batch_size"`
	BaseCurrency   string `json:"base_currency"`
	TargetCurrency string `json:"target_currency"`
	DefaultTaxID   string `json:"default_tax_id,omitempty"`
}

// RunSettings are the inputs that change what a run writes.
type RunSettings struct {
	BatchSize      int
	BaseCurrency   string
	TargetCurrency string
	DefaultTaxID   string
}

func HashRunConfig(tokens []string, s RunSettings) (string, error) {
	p := runConfigHashPayload{
		TokensHash:     HashTokens(tokens),
		BatchSize:      s.BatchSize,
		BaseCurrency:   s.BaseCurrency,
		TargetCurrency: s.TargetCurrency,
		DefaultTaxID:   s.DefaultTaxID,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
