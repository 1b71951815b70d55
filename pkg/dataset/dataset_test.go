package dataset_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/constraint"
	"github.com/orneryd/suset/pkg/dataset"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/tidindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDatasetWithIdentity(t *testing.T, c constraint.Constraint, identity clock.Clock) *dataset.Dataset {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemory()
	d := dataset.New(store, c, 2)
	require.NoError(t, d.Initialize(ctx, identity))
	return d
}

func newDataset(t *testing.T, c constraint.Constraint) (*dataset.Dataset, clock.Clock) {
	t.Helper()
	return newDatasetWithIdentity(t, c, clock.GENESIS), clock.GENESIS
}

func insertPrepare(triples ...tidindex.Triple) dataset.PrepareFunc {
	return func(ctx context.Context, read constraint.Reader) (dataset.Patch, any, error) {
		return dataset.Patch{NewQuads: triples}, nil, nil
	}
}

func TestTransactInsertsAndJournals(t *testing.T) {
	d, time := newDataset(t, nil)
	ctx := context.Background()

	time = time.Tick()
	triple := tidindex.Triple{S: "fred", P: "name", O: "Fred"}
	msg, _, err := d.Transact(ctx, uuid.NewString(), time, insertPrepare(triple))
	require.NoError(t, err)
	assert.Equal(t, triple, msg.Delta.Inserts[0])

	has, err := d.HasTriple(ctx, triple)
	require.NoError(t, err)
	assert.True(t, has)

	cur, err := d.CurrentTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Ticks(), cur.Ticks())
}

func TestTransactDeleteRetractsFully(t *testing.T) {
	d, time := newDataset(t, nil)
	ctx := context.Background()
	triple := tidindex.Triple{S: "fred", P: "name", O: "Fred"}

	time = time.Tick()
	_, _, err := d.Transact(ctx, uuid.NewString(), time, insertPrepare(triple))
	require.NoError(t, err)

	time = time.Tick()
	msg, _, err := d.Transact(ctx, uuid.NewString(), time, func(ctx context.Context, read constraint.Reader) (dataset.Patch, any, error) {
		return dataset.Patch{OldQuads: []tidindex.Triple{triple}}, nil, nil
	})
	require.NoError(t, err)
	require.Len(t, msg.Delta.Deletes, 1)
	assert.Equal(t, triple, msg.Delta.Deletes[0].Triple)

	has, err := d.HasTriple(ctx, triple)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestTransactRejectsConstraintViolation(t *testing.T) {
	d, time := newDataset(t, constraint.CheckList{constraint.SingleValued{Property: "name"}})
	ctx := context.Background()

	time = time.Tick()
	triples := []tidindex.Triple{
		{S: "fred", P: "name", O: "Fred"},
		{S: "fred", P: "name", O: "Frederick"},
	}
	_, _, err := d.Transact(ctx, uuid.NewString(), time, insertPrepare(triples...))
	assert.ErrorIs(t, err, dataset.ErrConstraintFailed)

	has, err := d.HasTriple(ctx, triples[0])
	require.NoError(t, err)
	assert.False(t, has, "a rejected transaction must not mutate state")
}

func TestApplyDedupsKnownTid(t *testing.T) {
	sourceIdentity, destIdentity := clock.GENESIS.Fork()
	source := newDatasetWithIdentity(t, nil, sourceIdentity)
	dest := newDatasetWithIdentity(t, nil, destIdentity)
	ctx := context.Background()

	sourceIdentity = sourceIdentity.Tick()
	triple := tidindex.Triple{S: "fred", P: "name", O: "Fred"}
	msg, _, err := source.Transact(ctx, uuid.NewString(), sourceIdentity, insertPrepare(triple))
	require.NoError(t, err)

	arrival1 := destIdentity.Tick()
	_, err = dest.Apply(ctx, msg, arrival1, arrival1.Tick())
	require.NoError(t, err)

	arrival2 := arrival1.Tick()
	repair, err := dest.Apply(ctx, msg, arrival2, arrival2.Tick())
	require.NoError(t, err)
	assert.Nil(t, repair, "a duplicate tid must be discarded, not reapplied")

	triples, err := dest.AllTriples(ctx)
	require.NoError(t, err)
	assert.Len(t, triples, 1, "the duplicate apply must not double-insert")
}

func TestApplyRepairsSingleValuedViolation(t *testing.T) {
	_, destIdentity := clock.GENESIS.Fork()
	d := newDatasetWithIdentity(t, constraint.CheckList{constraint.SingleValued{Property: "name"}}, destIdentity)
	ctx := context.Background()

	time := destIdentity.Tick()
	_, _, err := d.Transact(ctx, uuid.NewString(), time, insertPrepare(tidindex.Triple{S: "fred", P: "name", O: "Fred"}))
	require.NoError(t, err)

	remoteMsg := delta.Message{
		Tid:  uuid.NewString(),
		Time: clock.GENESIS.Tick(),
		Delta: delta.EncodedDelta{
			Version: delta.Version,
			Inserts: []tidindex.Triple{{S: "fred", P: "name", O: "Alfred"}},
		},
	}

	arrival := time.Tick()
	repairTime := arrival.Tick()
	repair, err := d.Apply(ctx, remoteMsg, arrival, repairTime)
	require.NoError(t, err)
	require.NotNil(t, repair, "two competing values must trigger a repair")

	values, err := allValuesOf(ctx, d, "fred", "name")
	require.NoError(t, err)
	assert.Len(t, values, 1, "exactly one value must survive the repair")
}

func allValuesOf(ctx context.Context, d *dataset.Dataset, subject, predicate string) ([]string, error) {
	triples, err := d.AllTriples(ctx)
	if err != nil {
		return nil, err
	}
	var values []string
	for _, tr := range triples {
		if tr.S == subject && tr.P == predicate {
			values = append(values, tr.O)
		}
	}
	return values, nil
}

func TestSnapshotRoundTrip(t *testing.T) {
	src, time := newDataset(t, nil)
	ctx := context.Background()

	triples := []tidindex.Triple{
		{S: "fred", P: "name", O: "Fred"},
		{S: "wilma", P: "name", O: "Wilma"},
		{S: "pebbles", P: "name", O: "Pebbles"},
	}
	for _, tr := range triples {
		time = time.Tick()
		_, _, err := src.Transact(ctx, uuid.NewString(), time, insertPrepare(tr))
		require.NoError(t, err)
	}

	snap, err := src.TakeSnapshot(ctx)
	require.NoError(t, err)
	assert.Greater(t, len(snap.Batches), 1, "snapshot batch size of 2 must chunk 3 triples into more than one batch")

	dstStore := kv.NewMemory()
	dst := dataset.New(dstStore, nil, 2)
	require.NoError(t, dst.ApplySnapshot(ctx, snap, time))

	got, err := dst.AllTriples(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, triples, got)

	err = dst.ApplySnapshot(ctx, snap, time)
	assert.ErrorIs(t, err, dataset.ErrNotEmpty)
}

func TestOperationsSinceReturnsEntriesAfterRequesterTime(t *testing.T) {
	selfIdentity, peer := clock.GENESIS.Fork()
	d := newDatasetWithIdentity(t, nil, selfIdentity)
	ctx := context.Background()

	self := selfIdentity.Tick()
	_, _, err := d.Transact(ctx, uuid.NewString(), self, insertPrepare(tidindex.Triple{S: "a", P: "p", O: "1"}))
	require.NoError(t, err)

	self = self.Tick()
	_, _, err = d.Transact(ctx, uuid.NewString(), self, insertPrepare(tidindex.Triple{S: "b", P: "p", O: "2"}))
	require.NoError(t, err)

	cursor, err := d.OperationsSince(ctx, peer)
	require.NoError(t, err)
	require.NotNil(t, cursor)

	var count int
	for {
		_, ok, err := cursor.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, 2, count)
}

func TestOperationsSinceFailsForUnknownIdentity(t *testing.T) {
	d, _ := newDataset(t, nil)
	ctx := context.Background()

	stranger, _ := clock.GENESIS.Fork()
	_, err := d.OperationsSince(ctx, stranger)
	assert.ErrorIs(t, err, dataset.ErrCannotRevup)
}
