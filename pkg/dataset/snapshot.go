package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/journal"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/tidindex"
)

// ReifiedQuad is a triple paired with every TID currently asserting it, the
// unit a snapshot transfers so a new clone's TID index starts consistent
// with its data graph rather than needing to be rebuilt from journal replay.
type ReifiedQuad struct {
	Triple tidindex.Triple
	Tids   []string
}

// SnapshotBatch is one chunk of a streamed snapshot, sized to
// Dataset.snapshotBatchSize quads.
type SnapshotBatch struct {
	Quads []ReifiedQuad
}

// Snapshot is a complete, self-contained copy of a dataset's data graph plus
// enough journal state (the tail hash and time) for the receiving clone to
// resume the hash chain and start requesting revups from the right point.
type Snapshot struct {
	LastHash string
	LastTime clock.Clock
	Batches  []SnapshotBatch
}

var ErrNotEmpty = errors.New("dataset: apply snapshot: store not empty")

// TakeSnapshot captures a consistent copy of the current data graph, chunked
// into batches of snapshotBatchSize reified quads, alongside the journal
// tail's hash and time. It holds the transaction lock only long enough to
// read the tail and enumerate triples; large datasets should page this via
// remotes' own streaming rather than forcing TakeSnapshot itself to buffer
// unboundedly, but the in-memory form here is sufficient for what the bundled
// transport can carry in one exchange.
func (d *Dataset) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Snapshot{}, ErrClosed
	}

	tail, err := d.journal.Tail(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dataset: take snapshot: %w", err)
	}

	triples, err := d.AllTriples(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dataset: take snapshot: %w", err)
	}

	var batches []SnapshotBatch
	var current SnapshotBatch
	for _, t := range triples {
		tids, err := d.tids.TidsOf(ctx, t)
		if err != nil {
			return Snapshot{}, fmt.Errorf("dataset: take snapshot: %w", err)
		}
		tidList := make([]string, 0, len(tids))
		for tid := range tids {
			tidList = append(tidList, tid)
		}
		current.Quads = append(current.Quads, ReifiedQuad{Triple: t, Tids: tidList})
		if len(current.Quads) >= d.snapshotBatchSize {
			batches = append(batches, current)
			current = SnapshotBatch{}
		}
	}
	if len(current.Quads) > 0 {
		batches = append(batches, current)
	}

	return Snapshot{LastHash: tail.Hash, LastTime: tail.LocalTime, Batches: batches}, nil
}

// ApplySnapshot loads snap into a dataset that has never been initialized
// (no journal tail), writing every reified quad and resetting the journal to
// a single tail entry that continues snap's hash chain at localTime — the
// new clone's own clock, merged with snap.LastTime by the caller before this
// is invoked. It refuses to run against a dataset that already has a tail,
// since a snapshot is a bootstrap operation, never a merge.
func (d *Dataset) ApplySnapshot(ctx context.Context, snap Snapshot, localTime clock.Clock) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if _, err := d.journal.Tail(ctx); !errors.Is(err, journal.ErrNotInitialized) {
		if err == nil {
			return ErrNotEmpty
		}
		return fmt.Errorf("dataset: apply snapshot: %w", err)
	}

	var writes []kv.Write
	for _, batch := range snap.Batches {
		for _, rq := range batch.Quads {
			writes = append(writes, insertTripleWrites(rq.Triple)...)
			for _, tid := range rq.Tids {
				writes = append(writes, tidindex.AddTripleWrites(rq.Triple, tid)...)
			}
		}
	}

	resetWrites, _, err := journal.Reset(snap.LastHash, localTime, &snap.LastTime)
	if err != nil {
		return fmt.Errorf("dataset: apply snapshot: %w", err)
	}
	writes = append(writes, resetWrites...)

	if err := d.store.Batch(ctx, writes); err != nil {
		return fmt.Errorf("dataset: apply snapshot: commit: %w", err)
	}
	return nil
}
