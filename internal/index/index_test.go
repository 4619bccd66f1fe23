package index

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmrzaf/invsync/internal/domain"
)

func TestBuild_TokensAndIndex(t *testing.T) {
	entities := []domain.Entity{
		{ID: 1, Kind: domain.EntityKindStandalone, SKU: "A-1"},
		{ID: 2, Kind: domain.EntityKindVariant, ParentID: 9},
		{ID: 3, Kind: domain.EntityKindStandalone, Virtual: true, SKU: "GIFT"},
	}
	res := Build(entities)

	assert.Equal(t, []string{"A-1", "LOCAL-1", "LOCAL-2", "GIFT", "LOCAL-3"}, res.Tokens)
	assert.Len(t, res.Index, 5)
	assert.Empty(t, res.Collisions)
	for _, e := range entities {
		got, ok := res.Index[LocalToken(e.ID)]
		require.True(t, ok, "LOCAL token missing for %d", e.ID)
		assert.Equal(t, e.ID, got.ID)
	}
	assert.True(t, res.Index["GIFT"].Virtual)
}

func TestBuild_CollisionLastWriteWins(t *testing.T) {
	res := Build([]domain.Entity{
		{ID: 1, SKU: "DUP"},
		{ID: 2, SKU: "DUP"},
	})

	assert.Equal(t, []string{"DUP", "LOCAL-1", "LOCAL-2"}, res.Tokens)
	assert.Equal(t, int64(2), res.Index["DUP"].ID)
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, Collision{Token: "DUP", Loser: 1, Winner: 2}, res.Collisions[0])
}

func TestBuild_SKUShadowingLocalToken(t *testing.T) {
	res := Build([]domain.Entity{
		{ID: 1},
		{ID: 2, SKU: "LOCAL-1"},
	})
	assert.Equal(t, []string{"LOCAL-1", "LOCAL-2"}, res.Tokens)
	assert.Len(t, res.Collisions, 1)
}

type mapFinder struct {
	bySKU map[string]domain.Entity
	byID  map[int64]domain.Entity
	err   error
}

func (f *mapFinder) FindBySKU(_ context.Context, sku string) (*domain.Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.bySKU[sku]; ok {
		return &e, nil
	}
	return nil, nil
}

func (f *mapFinder) FindByID(_ context.Context, id int64) (*domain.Entity, error) {
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.byID[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func TestResolve(t *testing.T) {
	e1 := domain.Entity{ID: 1, SKU: "A-1"}
	e2 := domain.Entity{ID: 2}
	f := &mapFinder{
		bySKU: map[string]domain.Entity{"A-1": e1},
		byID:  map[int64]domain.Entity{1: e1, 2: e2},
	}

	idx, err := Resolve(context.Background(), f, []string{"A-1", "LOCAL-2", "LOCAL-x", "GONE", "LOCAL-99"})
	require.NoError(t, err)
	assert.Equal(t, domain.TokenIndex{"A-1": e1, "LOCAL-2": e2}, idx)
}

func TestResolve_FinderError(t *testing.T) {
	f := &mapFinder{err: errors.New("db closed")}
	_, err := Resolve(context.Background(), f, []string{"A-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, f.err)
}

func TestChunk(t *testing.T) {
	tokens := make([]string, 1200)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("T%d", i)
	}

	chunks := Chunk(tokens, 500)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 500)
	assert.Len(t, chunks[1], 500)
	assert.Len(t, chunks[2], 200)

	var joined []string
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, tokens, joined)

	chunks[0][0] = "changed"
	assert.Equal(t, "T0", tokens[0])
}

func TestChunk_Edges(t *testing.T) {
	assert.Empty(t, Chunk(nil, 10))
	assert.Len(t, Chunk([]string{"a"}, 0), 1)
	assert.Len(t, Chunk(make([]string, 1000), 500), 2)
	assert.Len(t, Chunk(make([]string, 1001), -1), 3)
	assert.Len(t, Chunk(make([]string, 3), 1), 3)
}
