// Package kv defines the ordered key-value store collaborator the SU-SET
// dataset is layered on, plus a Badger-backed implementation of it.
//
// The dataset package never talks to BadgerDB directly: it only depends on
// the KV interface below, so an alternative ordered store can be substituted
// without touching replication logic.
package kv

import "context"

// Entry is a single key/value pair returned by Iterate.
type Entry struct {
	Key   []byte
	Value []byte
}

// Write is one put (Value non-nil) or delete (Value nil) to apply as part of
// a Batch.
type Write struct {
	Key   []byte
	Value []byte // nil means delete
}

// KV is the ordered key-value store consumed by the dataset, journal, and
// TID index. Implementations must support atomic batched writes.
type KV interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value at key.
	Put(ctx context.Context, key, value []byte) error

	// Batch applies every write atomically: either all succeed or none do.
	Batch(ctx context.Context, writes []Write) error

	// Iterate calls fn for every entry whose key has the given prefix, in
	// key order, until fn returns false or an error.
	Iterate(ctx context.Context, prefix []byte, fn func(Entry) (bool, error)) error

	// Close releases the store's resources, including any file lock held
	// on its backing directory.
	Close() error
}
