// Package dataset implements the SU-SET dataset: a transactional RDF quad
// store wrapping an ordered key-value store, with a per-triple TID index,
// a hash-chained journal of deltas, and atomic transactions that produce
// and apply deltas while preserving convergence.
//
// This is the heart of replication: every local write and every remote
// delta passes through Transact or Apply, both serialized by a single
// per-dataset transaction lock so the dataset behaves like a single logical
// actor even though callers may invoke it from multiple goroutines.
package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/constraint"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/journal"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/tidindex"
)

// Errors surfaced by dataset operations. CloneEngine is responsible for
// translating them further where needed (e.g. wrapping ConstraintFailed for
// the caller of a local write).
var (
	ErrConstraintFailed = errors.New("dataset: constraint failed")
	ErrCannotRevup       = errors.New("dataset: cannot revup")
	ErrClosed            = errors.New("dataset: closed")
)

const DefaultSnapshotBatchSize = 10

var (
	prefixDataTriple = []byte("qs:data:t:")   // + tripleID -> JSON(Triple)
	prefixDataIndex  = []byte("qs:data:spo:") // + S + 0x00 + P + 0x00 + O -> tripleID
)

// Patch is the set of old (removed) and new (inserted) quads a prepare
// callback produces for a local transaction.
type Patch struct {
	OldQuads []tidindex.Triple
	NewQuads []tidindex.Triple
}

// PrepareFunc computes a Patch against the dataset's current state (via
// read) and an arbitrary caller value to be returned alongside the delta.
type PrepareFunc func(ctx context.Context, read constraint.Reader) (Patch, any, error)

// Update is the MeldUpdate emitted to local subscribers after each commit:
// a flattened view of what changed, after constraint repair.
type Update struct {
	Ticks   int64
	Inserts []tidindex.Triple
	Deletes []tidindex.Triple
}

// Dataset is a SU-SET quad store. Construct with New, then Initialize
// exactly once per domain lifetime (idempotent thereafter).
type Dataset struct {
	store      kv.KV
	tids       *tidindex.Index
	journal    *journal.Journal
	constraint constraint.Constraint

	snapshotBatchSize int

	mu sync.Mutex // the per-dataset transaction lock: FIFO in the sense that
	// Go's sync.Mutex wakes goroutines in roughly the order they blocked;
	// strict FIFO isn't load-bearing here since transact/apply ordering
	// across callers is the caller's (CloneEngine's) responsibility, not
	// the lock's.

	subscribers []func(Update)
	subMu       sync.Mutex

	closed bool
}

// New wraps a KV store, constraint engine, and snapshot batch size (left
// configurable, default 10) as a SU-SET dataset.
func New(store kv.KV, c constraint.Constraint, snapshotBatchSize int) *Dataset {
	if snapshotBatchSize <= 0 {
		snapshotBatchSize = DefaultSnapshotBatchSize
	}
	if c == nil {
		c = constraint.CheckList{}
	}
	return &Dataset{
		store:             store,
		tids:              tidindex.New(store),
		journal:           journal.New(store),
		constraint:        c,
		snapshotBatchSize: snapshotBatchSize,
	}
}

// Initialize creates the journal's genesis entry at time if the dataset has
// never been initialized. Safe to call on every startup; a no-op once the
// journal already has a tail.
func (d *Dataset) Initialize(ctx context.Context, time clock.Clock) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	writes, _, err := d.journal.Initialize(ctx, time)
	if err != nil {
		return fmt.Errorf("dataset: initialize: %w", err)
	}
	if writes == nil {
		return nil
	}
	if err := d.store.Batch(ctx, writes); err != nil {
		return fmt.Errorf("dataset: initialize: %w", err)
	}
	return nil
}

// Subscribe registers fn to be called with every committed Update, strictly
// after commit and in transaction order.
func (d *Dataset) Subscribe(fn func(Update)) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

func (d *Dataset) notify(u Update) {
	d.subMu.Lock()
	subs := append([]func(Update){}, d.subscribers...)
	d.subMu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

// Close marks the dataset closed: every subsequent Transact, Apply,
// TakeSnapshot, or ApplySnapshot call returns ErrClosed. It does not close
// the underlying KV store, which CloneEngine owns and closes separately
// once the dataset and transport have both shut down.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// CurrentTime returns the clock recorded at the journal's tail.
func (d *Dataset) CurrentTime(ctx context.Context) (clock.Clock, error) {
	return d.journal.CurrentTime(ctx)
}

// storeReader implements constraint.Reader directly against the KV store's
// current (committed) state.
type storeReader struct {
	store kv.KV
}

func (r storeReader) ValuesOf(ctx context.Context, subject, predicate string) ([]string, error) {
	prefix := spoPrefix(subject, predicate)
	var values []string
	err := r.store.Iterate(ctx, prefix, func(e kv.Entry) (bool, error) {
		object := bytes.TrimPrefix(e.Key, prefix)
		values = append(values, string(object))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: values of %s/%s: %w", subject, predicate, err)
	}
	return values, nil
}

func spoKey(t tidindex.Triple) []byte {
	key := make([]byte, 0, len(prefixDataIndex)+len(t.S)+1+len(t.P)+1+len(t.O))
	key = append(key, prefixDataIndex...)
	key = append(key, t.S...)
	key = append(key, 0)
	key = append(key, t.P...)
	key = append(key, 0)
	key = append(key, t.O...)
	return key
}

func spoPrefix(subject, predicate string) []byte {
	key := make([]byte, 0, len(prefixDataIndex)+len(subject)+1+len(predicate)+1)
	key = append(key, prefixDataIndex...)
	key = append(key, subject...)
	key = append(key, 0)
	key = append(key, predicate...)
	key = append(key, 0)
	return key
}

func tripleKey(tripleID string) []byte {
	return append(append([]byte{}, prefixDataTriple...), tripleID...)
}

// insertTripleWrites returns the data-graph writes (primary row + spo index
// row) for inserting t, idempotently.
func insertTripleWrites(t tidindex.Triple) []kv.Write {
	tripleID := tidindex.TripleID(t)
	return []kv.Write{
		{Key: tripleKey(tripleID), Value: mustMarshalTriple(t)},
		{Key: spoKey(t), Value: []byte(tripleID)},
	}
}

// deleteTripleWrites returns the data-graph writes that remove t entirely.
// Only valid once the caller has confirmed t has no remaining TIDs.
func deleteTripleWrites(t tidindex.Triple) []kv.Write {
	tripleID := tidindex.TripleID(t)
	return []kv.Write{
		{Key: tripleKey(tripleID), Value: nil},
		{Key: spoKey(t), Value: nil},
	}
}

// HasTriple reports whether t is currently present in the data graph (its
// TID set is non-empty).
func (d *Dataset) HasTriple(ctx context.Context, t tidindex.Triple) (bool, error) {
	_, err := d.store.Get(ctx, tripleKey(tidindex.TripleID(t)))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AllTriples returns every triple currently in the data graph. Intended for
// tests and small datasets; production snapshot transfer uses TakeSnapshot's
// batched streaming instead.
func (d *Dataset) AllTriples(ctx context.Context) ([]tidindex.Triple, error) {
	var triples []tidindex.Triple
	err := d.store.Iterate(ctx, prefixDataTriple, func(e kv.Entry) (bool, error) {
		t, err := unmarshalTriple(e.Value)
		if err != nil {
			return false, err
		}
		triples = append(triples, t)
		return true, nil
	})
	return triples, err
}
