package pricing

import (
	"strings"

	"github.com/mmrzaf/invsync/internal/domain"
)

const (
	// VATFamily is the remote catalog's family for value-added taxes.
	VATFamily = "IVA"
	// GeneralCode marks the general (standard) rate within VATFamily.
	GeneralCode = "general"
)

// ResolveTaxRate returns the percentage to apply to an item: the item's own tax
// id, then the store default, then the general VAT entry, else 0.
func ResolveTaxRate(table []domain.TaxRate, itemTaxID, defaultTaxID string) float64 {
	if rate, ok := lookupTax(table, itemTaxID); ok {
		return rate
	}
	if rate, ok := lookupTax(table, defaultTaxID); ok {
		return rate
	}
	for _, tr := range table {
		if tr.Family == VATFamily && strings.EqualFold(strings.TrimSpace(tr.Code), GeneralCode) {
			return nonNegative(tr.Rate)
		}
	}
	return 0
}

func lookupTax(table []domain.TaxRate, id string) (float64, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, false
	}
	for _, tr := range table {
		if tr.ID == id {
			return nonNegative(tr.Rate), true
		}
	}
	return 0, false
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
