package dataset

import (
	"context"
	"fmt"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/constraint"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/journal"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/tidindex"
	"github.com/google/uuid"
)

// Apply applies a remote DeltaMessage. arrivalTime is the local clock after
// merging msg.Time into it and ticking for this application event; that
// merge+tick happens in the caller, typically CloneEngine, before Apply is
// invoked. localTime is a second, later tick reserved for a constraint
// repair this application may trigger; it is only consumed if a repair
// actually occurs.
//
// Returns the repair DeltaMessage to publish, or nil if no repair was
// needed, per the Open Question resolution in DESIGN.md: the remote delta
// is journaled at arrivalTime, any repair is journaled at localTime, and
// only the repair is published.
func (d *Dataset) Apply(ctx context.Context, msg delta.Message, arrivalTime, localTime clock.Clock) (*delta.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("dataset: apply: %w", err)
	}

	known, err := d.tids.KnowsTid(ctx, msg.Tid)
	if err != nil {
		return nil, err
	}
	if known {
		// Dedup hit: the delta is a no-op for data, but the received
		// sequence must still be journaled to preserve ordering and keep
		// the local tick counter aligned with the clock.
		writes, _, err := d.journal.Append(ctx, delta.EncodedDelta{Version: delta.Version}, arrivalTime, &msg.Time)
		if err != nil {
			return nil, err
		}
		if err := d.store.Batch(ctx, writes); err != nil {
			return nil, fmt.Errorf("dataset: apply: dedup commit: %w", err)
		}
		return nil, nil
	}

	read := storeReader{store: d.store}
	var writes []kv.Write

	// Process reified deletes: remove only the TIDs we both know about and
	// the sender is withdrawing; a triple disappears only once its TID set
	// is fully empty.
	var oldQuads []tidindex.Triple
	for _, rd := range msg.Delta.Deletes {
		theirTids := map[string]bool{}
		for _, tid := range rd.Tids {
			theirTids[tid] = true
		}
		tidWrites, _, gone, err := d.tids.RemoveTidsWrites(ctx, rd.Triple, theirTids)
		if err != nil {
			return nil, err
		}
		writes = append(writes, tidWrites...)
		if gone {
			oldQuads = append(oldQuads, rd.Triple)
			writes = append(writes, deleteTripleWrites(rd.Triple)...)
		}
	}

	newQuads := msg.Delta.Inserts
	update := constraint.Update{Inserts: newQuads, Deletes: oldQuads}
	repair, err := d.constraint.Apply(ctx, update, read)
	if err != nil {
		return nil, err
	}

	// Triples the repair deletes that are also part of this very delta's
	// inserts never need to be written at all; they're subtracted from
	// newQuads and instead recorded, in the repair's own delta, as reified
	// deletes tagged with the remote delta's TID.
	var repairDeletesFromThisDelta []delta.ReifiedDelete
	var repairDeletesPreexisting []tidindex.Triple
	if repair != nil {
		subtract := map[string]bool{}
		for _, t := range repair.Deletes {
			if containsTriple(newQuads, t) {
				subtract[tidindex.TripleID(t)] = true
				repairDeletesFromThisDelta = append(repairDeletesFromThisDelta, delta.ReifiedDelete{Triple: t, Tids: []string{msg.Tid}})
			} else {
				repairDeletesPreexisting = append(repairDeletesPreexisting, t)
			}
		}
		if len(subtract) > 0 {
			filtered := newQuads[:0:0]
			for _, t := range newQuads {
				if !subtract[tidindex.TripleID(t)] {
					filtered = append(filtered, t)
				}
			}
			newQuads = filtered
		}
	}

	for _, t := range newQuads {
		writes = append(writes, tidindex.AddTripleWrites(t, msg.Tid)...)
		writes = append(writes, insertTripleWrites(t)...)
	}

	prevTail, err := d.journal.Tail(ctx)
	if err != nil {
		return nil, err
	}
	remoteWrites, remoteEntry, err := journal.AppendAfter(prevTail, msg.Delta, arrivalTime, &msg.Time)
	if err != nil {
		return nil, err
	}
	writes = append(writes, remoteWrites...)

	var repairMsg *delta.Message
	if repair != nil {
		repairTid := uuid.NewString()
		var repairReifiedDeletes []delta.ReifiedDelete
		repairReifiedDeletes = append(repairReifiedDeletes, repairDeletesFromThisDelta...)

		for _, t := range repairDeletesPreexisting {
			current, err := d.tids.TidsOf(ctx, t)
			if err != nil {
				return nil, err
			}
			tidWrites, removed, gone, err := d.tids.RemoveTidsWrites(ctx, t, current)
			if err != nil {
				return nil, err
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
				repairReifiedDeletes = append(repairReifiedDeletes, delta.ReifiedDelete{Triple: t, Tids: tids})
			}
		}
		for _, t := range repair.Inserts {
			writes = append(writes, tidindex.AddTripleWrites(t, repairTid)...)
			writes = append(writes, insertTripleWrites(t)...)
		}

		repairEncoded := delta.EncodedDelta{Version: delta.Version, Inserts: repair.Inserts, Deletes: repairReifiedDeletes}
		repairWrites, _, err := journal.AppendAfter(remoteEntry, repairEncoded, localTime, nil)
		if err != nil {
			return nil, err
		}
		writes = append(writes, repairWrites...)
		repairMsg = &delta.Message{Tid: repairTid, Time: localTime, Delta: repairEncoded}
	}

	if err := d.store.Batch(ctx, writes); err != nil {
		return nil, fmt.Errorf("dataset: apply: commit: %w", err)
	}

	d.notify(Update{Ticks: arrivalTime.Ticks(), Inserts: newQuads, Deletes: oldQuads})
	if repairMsg != nil {
		d.notify(Update{Ticks: localTime.Ticks(), Inserts: repair.Inserts, Deletes: repairDeletesPreexisting})
	}

	return repairMsg, nil
}

func containsTriple(triples []tidindex.Triple, t tidindex.Triple) bool {
	for _, candidate := range triples {
		if candidate == t {
			return true
		}
	}
	return false
}
