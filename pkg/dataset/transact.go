package dataset

import (
	"context"
	"fmt"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/constraint"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/tidindex"
)

// Transact runs prepare under the transaction lock, constraint-checks its
// Patch, records TID bookkeeping, journals and commits everything in one
// atomic batch, and returns the resulting DeltaMessage plus prepare's
// caller value. time must already be ticked (clock.Tick() called by the
// caller before invoking Transact) and tid must be a freshly minted,
// globally unique transaction id.
//
// Runs the full prepare, constraint-check, journal, commit, notify sequence
// for a local write. It does not publish the delta; the caller broadcasts
// the returned DeltaMessage.
func (d *Dataset) Transact(ctx context.Context, tid string, time clock.Clock, prepare PrepareFunc) (delta.Message, any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return delta.Message{}, nil, ErrClosed
	}

	read := storeReader{store: d.store}
	patch, callerValue, err := prepare(ctx, read)
	if err != nil {
		// prepare failed: discard the patch entirely, no state change.
		return delta.Message{}, nil, err
	}

	update := constraint.Update{Inserts: patch.NewQuads, Deletes: patch.OldQuads}
	if err := d.constraint.Check(ctx, update, read); err != nil {
		return delta.Message{}, nil, fmt.Errorf("%w: %v", ErrConstraintFailed, err)
	}

	var writes []kv.Write

	// New triples: TID mapping, AllTids membership, data graph insert.
	for _, t := range patch.NewQuads {
		writes = append(writes, tidindex.AddTripleWrites(t, tid)...)
		writes = append(writes, insertTripleWrites(t)...)
	}

	// Old triples: remove every TID currently asserting them (a local
	// delete retracts unconditionally, unlike a remote delta's selective
	// reified retraction), and build the reified-delete list naming every
	// TID withdrawn.
	var reifiedDeletes []delta.ReifiedDelete
	for _, t := range patch.OldQuads {
		current, err := d.tids.TidsOf(ctx, t)
		if err != nil {
			return delta.Message{}, nil, err
		}
		tidWrites, removed, gone, err := d.tids.RemoveTidsWrites(ctx, t, current)
		if err != nil {
			return delta.Message{}, nil, err
		}
		writes = append(writes, tidWrites...)
		if gone {
			writes = append(writes, deleteTripleWrites(t)...)
		}
		tids := make([]string, 0, len(removed))
		for tid := range removed {
			tids = append(tids, tid)
		}
		if len(tids) > 0 {
			reifiedDeletes = append(reifiedDeletes, delta.ReifiedDelete{Triple: t, Tids: tids})
		}
	}

	encoded := delta.EncodedDelta{Version: delta.Version, Inserts: patch.NewQuads, Deletes: reifiedDeletes}

	journalWrites, _, err := d.journal.Append(ctx, encoded, time, nil)
	if err != nil {
		return delta.Message{}, nil, err
	}
	writes = append(writes, journalWrites...)

	if err := d.store.Batch(ctx, writes); err != nil {
		return delta.Message{}, nil, fmt.Errorf("dataset: transact: commit: %w", err)
	}

	d.notify(Update{Ticks: time.Ticks(), Inserts: patch.NewQuads, Deletes: patch.OldQuads})

	return delta.Message{Tid: tid, Time: time, Delta: encoded}, callerValue, nil
}
