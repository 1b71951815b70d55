// Package tidindex maintains the per-triple transaction-id index and the
// AllTids set used for duplicate suppression, stored in the KV store's
// "tids" graph namespace (qs:tids).
//
// Callers build up the KV writes an index update requires and fold them
// into the dataset's single atomic batch commit; this package never writes
// to the store on its own, so index bookkeeping and quad bookkeeping always
// land in the same transaction.
package tidindex

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/orneryd/suset/pkg/kv"
	"golang.org/x/crypto/blake2b"
)

var (
	prefixTriple = []byte("qs:tids:t:") // + tripleID + 0x00 + tid -> []byte{}
	prefixAll    = []byte("qs:tids:all:") // + tid -> []byte{}
)

const sep = 0x00

// Triple is the minimal identity of an RDF triple this package cares about:
// subject, predicate, object, each already in their canonical string form.
type Triple struct {
	S, P, O string
}

// TripleID is the canonical hash identity of a triple, tripleId(t) = H(s||p||o).
func TripleID(t Triple) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(t.S))
	h.Write([]byte{sep})
	h.Write([]byte(t.P))
	h.Write([]byte{sep})
	h.Write([]byte(t.O))
	return hex.EncodeToString(h.Sum(nil))
}

func tripleKey(tripleID, tid string) []byte {
	key := make([]byte, 0, len(prefixTriple)+len(tripleID)+1+len(tid))
	key = append(key, prefixTriple...)
	key = append(key, tripleID...)
	key = append(key, sep)
	key = append(key, tid...)
	return key
}

func triplePrefix(tripleID string) []byte {
	key := make([]byte, 0, len(prefixTriple)+len(tripleID)+1)
	key = append(key, prefixTriple...)
	key = append(key, tripleID...)
	key = append(key, sep)
	return key
}

func allKey(tid string) []byte {
	return append(append([]byte{}, prefixAll...), tid...)
}

// Index reads the TID index from a KV store and constructs the writes
// callers fold into their own atomic batch.
type Index struct {
	store kv.KV
}

// New wraps a KV store as a TID index.
func New(store kv.KV) *Index {
	return &Index{store: store}
}

// TidsOf returns the set of TIDs currently asserting triple t.
func (x *Index) TidsOf(ctx context.Context, t Triple) (map[string]bool, error) {
	tripleID := TripleID(t)
	tids := map[string]bool{}
	prefix := triplePrefix(tripleID)
	err := x.store.Iterate(ctx, prefix, func(e kv.Entry) (bool, error) {
		tid := bytes.TrimPrefix(e.Key, prefix)
		tids[string(tid)] = true
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tidindex: tids of %s: %w", tripleID, err)
	}
	return tids, nil
}

// KnowsTid reports whether tid is a member of the AllTids set: the dedup
// query used to discard already-applied remote deltas.
func (x *Index) KnowsTid(ctx context.Context, tid string) (bool, error) {
	_, err := x.store.Get(ctx, allKey(tid))
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tidindex: knows tid: %w", err)
	}
	return true, nil
}

// AddTripleWrites returns the idempotent writes recording that tid asserts
// triple t: one mapping entry and one AllTids entry.
func AddTripleWrites(t Triple, tid string) []kv.Write {
	tripleID := TripleID(t)
	return []kv.Write{
		{Key: tripleKey(tripleID, tid), Value: []byte{}},
		{Key: allKey(tid), Value: []byte{}},
	}
}

// RemoveTidsWrites computes the writes needed to remove the given TIDs from
// triple t's index entry. It returns the subset of toRemove actually present
// (ourTids ∩ toRemove, the reified-delete TIDs a caller should publish), and
// whether every TID for t is now gone (meaning the caller must also remove
// t from the data graph).
func (x *Index) RemoveTidsWrites(ctx context.Context, t Triple, toRemove map[string]bool) (writes []kv.Write, removed map[string]bool, tripleGone bool, err error) {
	current, err := x.TidsOf(ctx, t)
	if err != nil {
		return nil, nil, false, err
	}
	tripleID := TripleID(t)
	removed = map[string]bool{}
	for tid := range toRemove {
		if !current[tid] {
			continue
		}
		removed[tid] = true
		writes = append(writes, kv.Write{Key: tripleKey(tripleID, tid), Value: nil})
	}
	remaining := len(current) - len(removed)
	return writes, removed, remaining <= 0, nil
}
