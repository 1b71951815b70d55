package journal_test

import (
	"context"
	"testing"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/journal"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/tidindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInitialized(t *testing.T) (*journal.Journal, kv.KV) {
	t.Helper()
	store := kv.NewMemory()
	j := journal.New(store)
	ctx := context.Background()
	writes, created, err := j.Initialize(ctx, clock.GENESIS)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, store.Batch(ctx, writes))
	return j, store
}

func TestInitializeIsIdempotent(t *testing.T) {
	j, store := newInitialized(t)
	ctx := context.Background()

	writes, created, err := j.Initialize(ctx, clock.GENESIS)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, writes)

	tailEntry, err := j.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tailEntry.Tick)
	_ = store
}

func TestAppendExtendsTailAndChainsHash(t *testing.T) {
	j, store := newInitialized(t)
	ctx := context.Background()

	t1 := clock.GENESIS.Tick()
	d1 := delta.EncodedDelta{Version: delta.Version, Inserts: []tidindex.Triple{{S: "fred", P: "name", O: "Fred"}}}
	writes, entry1, err := j.Append(ctx, d1, t1, nil)
	require.NoError(t, err)
	require.NoError(t, store.Batch(ctx, writes))

	assert.Equal(t, uint64(1), entry1.Tick)
	require.NotNil(t, entry1.PrevTick)
	assert.Equal(t, uint64(0), *entry1.PrevTick)

	genesis, err := j.FindEntryByTicks(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, genesis.NextTick)
	assert.Equal(t, uint64(1), *genesis.NextTick)

	t2 := t1.Tick()
	d2 := delta.EncodedDelta{Version: delta.Version, Inserts: []tidindex.Triple{{S: "wilma", P: "name", O: "Wilma"}}}
	writes2, entry2, err := j.Append(ctx, d2, t2, nil)
	require.NoError(t, err)
	require.NoError(t, store.Batch(ctx, writes2))

	assert.Equal(t, uint64(2), entry2.Tick)
	assert.NotEqual(t, entry1.Hash, entry2.Hash, "hash chain advances with each entry")

	tailEntry, err := j.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tailEntry.Tick)
}

func TestEntriesFromIsForwardOnlyAndRestartable(t *testing.T) {
	j, store := newInitialized(t)
	ctx := context.Background()

	time := clock.GENESIS
	for i := 0; i < 3; i++ {
		time = time.Tick()
		writes, _, err := j.Append(ctx, delta.EncodedDelta{Version: delta.Version}, time, nil)
		require.NoError(t, err)
		require.NoError(t, store.Batch(ctx, writes))
	}

	cursor := j.EntriesFrom(0, nil)
	var ticks []uint64
	for {
		e, ok, err := cursor.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ticks = append(ticks, e.Tick)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ticks)

	cursor.Restart()
	e, ok, err := cursor.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Tick)
}

func TestEntriesFromAppliesFilter(t *testing.T) {
	j, store := newInitialized(t)
	ctx := context.Background()

	time := clock.GENESIS
	for i := 0; i < 4; i++ {
		time = time.Tick()
		writes, _, err := j.Append(ctx, delta.EncodedDelta{Version: delta.Version}, time, nil)
		require.NoError(t, err)
		require.NoError(t, store.Batch(ctx, writes))
	}

	cursor := j.EntriesFrom(0, func(e journal.Entry) bool { return e.Tick%2 == 0 })
	var ticks []uint64
	for {
		e, ok, err := cursor.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ticks = append(ticks, e.Tick)
	}
	assert.Equal(t, []uint64{2, 4}, ticks)
}
