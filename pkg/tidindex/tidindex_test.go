package tidindex_test

import (
	"context"
	"testing"

	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/tidindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripleIDIsStableAndDistinguishesObjects(t *testing.T) {
	a := tidindex.Triple{S: "fred", P: "name", O: "Fred"}
	b := tidindex.Triple{S: "fred", P: "name", O: "Fred"}
	c := tidindex.Triple{S: "fred", P: "name", O: "Flintstone"}

	assert.Equal(t, tidindex.TripleID(a), tidindex.TripleID(b))
	assert.NotEqual(t, tidindex.TripleID(a), tidindex.TripleID(c))
}

func TestAddAndQueryTids(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	idx := tidindex.New(store)
	tr := tidindex.Triple{S: "fred", P: "name", O: "Fred"}

	require.NoError(t, store.Batch(ctx, tidindex.AddTripleWrites(tr, "tid-1")))

	known, err := idx.KnowsTid(ctx, "tid-1")
	require.NoError(t, err)
	assert.True(t, known)

	unknown, err := idx.KnowsTid(ctx, "tid-missing")
	require.NoError(t, err)
	assert.False(t, unknown)

	tids, err := idx.TidsOf(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"tid-1": true}, tids)
}

func TestRemoveTidsLeavesTripleWhenOtherTidsRemain(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	idx := tidindex.New(store)
	tr := tidindex.Triple{S: "fred", P: "name", O: "Fred"}

	require.NoError(t, store.Batch(ctx, tidindex.AddTripleWrites(tr, "tid-1")))
	require.NoError(t, store.Batch(ctx, tidindex.AddTripleWrites(tr, "tid-2")))

	writes, removed, gone, err := idx.RemoveTidsWrites(ctx, tr, map[string]bool{"tid-1": true})
	require.NoError(t, err)
	require.NoError(t, store.Batch(ctx, writes))

	assert.Equal(t, map[string]bool{"tid-1": true}, removed)
	assert.False(t, gone, "tid-2 still asserts the triple")

	tids, err := idx.TidsOf(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"tid-2": true}, tids)
}

func TestRemoveTidsSignalsTripleGoneWhenLastTidRemoved(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	idx := tidindex.New(store)
	tr := tidindex.Triple{S: "fred", P: "name", O: "Fred"}

	require.NoError(t, store.Batch(ctx, tidindex.AddTripleWrites(tr, "tid-1")))

	writes, removed, gone, err := idx.RemoveTidsWrites(ctx, tr, map[string]bool{"tid-1": true})
	require.NoError(t, err)
	require.NoError(t, store.Batch(ctx, writes))

	assert.Equal(t, map[string]bool{"tid-1": true}, removed)
	assert.True(t, gone)
}

func TestRemoveTidsIgnoresTidsNotPresent(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	idx := tidindex.New(store)
	tr := tidindex.Triple{S: "fred", P: "name", O: "Fred"}

	require.NoError(t, store.Batch(ctx, tidindex.AddTripleWrites(tr, "tid-1")))

	_, removed, gone, err := idx.RemoveTidsWrites(ctx, tr, map[string]bool{"tid-unrelated": true})
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.False(t, gone)
}
