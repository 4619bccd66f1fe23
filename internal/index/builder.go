// Package index turns catalog entities into matching tokens and back.
package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmrzaf/invsync/internal/domain"
)

// LocalPrefix marks synthetic tokens derived from the entity id.
const LocalPrefix = "LOCAL-"

type Result struct {
	Tokens     []string
	Index      domain.TokenIndex
	Collisions []Collision
}

// Collision records a token claimed by more than one entity. Winner is the
// entity that ended up in the index.
type Collision struct {
	Token  string
	Loser  int64
	Winner int64
}

func LocalToken(id int64) string {
	return LocalPrefix + strconv.FormatInt(id, 10)
}

// Build derives the token list and index from entities in enumeration order.
// Every entity contributes its SKU when set and always its LOCAL- token.
func Build(entities []domain.Entity) Result {
	res := Result{
		Tokens: make([]string, 0, len(entities)*2),
		Index:  make(domain.TokenIndex, len(entities)*2),
	}
	add := func(token string, e domain.Entity) {
		if prev, ok := res.Index[token]; ok {
			if prev.ID != e.ID {
				res.Collisions = append(res.Collisions, Collision{Token: token, Loser: prev.ID, Winner: e.ID})
			}
		} else {
			res.Tokens = append(res.Tokens, token)
		}
		res.Index[token] = e
	}
	for _, e := range entities {
		if sku := strings.TrimSpace(e.SKU); sku != "" {
			add(sku, e)
		}
		add(LocalToken(e.ID), e)
	}
	return res
}

// Finder looks entities up by token. Both methods return nil, nil when
// nothing matches.
type Finder interface {
	FindBySKU(ctx context.Context, sku string) (*domain.Entity, error)
	FindByID(ctx context.Context, id int64) (*domain.Entity, error)
}

// Resolve rebuilds the index for one batch of tokens against the current
// catalog. Unresolved tokens are omitted.
func Resolve(ctx context.Context, f Finder, tokens []string) (domain.TokenIndex, error) {
	idx := make(domain.TokenIndex, len(tokens))
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := resolveOne(ctx, f, token)
		if err != nil {
			return nil, fmt.Errorf("resolve token %q: %w", token, err)
		}
		if e != nil {
			idx[token] = *e
		}
	}
	return idx, nil
}

func resolveOne(ctx context.Context, f Finder, token string) (*domain.Entity, error) {
	if rest, ok := strings.CutPrefix(token, LocalPrefix); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return nil, nil
		}
		return f.FindByID(ctx, id)
	}
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	return f.FindBySKU(ctx, token)
}
