package catalog

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/go-faker/faker/v4"

	"github.com/mmrzaf/invsync/internal/domain"
)

type SeedOptions struct {
	Products           int
	VariantsPerProduct int
	// Seed drives the product shape (which rows get variants, SKUs, virtual
	// flags). Names always come from faker.
	Seed int64
}

type SeedResult struct {
	Standalone int `json:"standalone"`
	Composite  int `json:"composite"`
	Variants   int `json:"variants"`
	WithoutSKU int `json:"without_sku"`
}

// Seed fills the catalog with demo data: standalone products, composite
// products with variants, some virtual items and some rows without SKU so
// they only match through LOCAL- tokens.
func Seed(ctx context.Context, c *SQLiteCatalog, opts SeedOptions) (SeedResult, error) {
	var res SeedResult
	if opts.Products <= 0 {
		return res, fmt.Errorf("products must be > 0, got %d", opts.Products)
	}
	if opts.VariantsPerProduct < 0 {
		return res, fmt.Errorf("variants must be >= 0, got %d", opts.VariantsPerProduct)
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	skuSeq := 0
	nextSKU := func() string {
		if rng.Intn(10) == 0 {
			res.WithoutSKU++
			return ""
		}
		skuSeq++
		return fmt.Sprintf("SKU-%06d", skuSeq)
	}

	for i := 0; i < opts.Products; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		name := productName()
		composite := opts.VariantsPerProduct > 0 && rng.Intn(3) == 0
		if !composite {
			e := &domain.Entity{
				Kind:    domain.EntityKindStandalone,
				Virtual: rng.Intn(8) == 0,
				Name:    name,
				SKU:     nextSKU(),
			}
			if err := c.Insert(ctx, e); err != nil {
				return res, err
			}
			res.Standalone++
			continue
		}

		parent := &domain.Entity{Kind: KindComposite, Name: name}
		if err := c.Insert(ctx, parent); err != nil {
			return res, err
		}
		res.Composite++
		for v := 0; v < opts.VariantsPerProduct; v++ {
			e := &domain.Entity{
				ParentID: parent.ID,
				Kind:     domain.EntityKindVariant,
				Name:     fmt.Sprintf("%s - %s", name, strings.ToUpper(faker.Word())),
				SKU:      nextSKU(),
			}
			if err := c.Insert(ctx, e); err != nil {
				return res, err
			}
			res.Variants++
		}
	}
	return res, nil
}

func productName() string {
	w := faker.Word()
	if w == "" {
		return faker.Name()
	}
	return strings.ToUpper(w[:1]) + w[1:] + " " + faker.Word()
}
