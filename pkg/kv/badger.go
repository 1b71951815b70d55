package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures the BadgerDB-backed KV store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool
}

// Badger is a KV implementation backed by BadgerDB, giving the dataset
// persistent storage with ACID batch commits.
type Badger struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a Badger-backed store at the given directory.
func Open(dataDir string) (*Badger, error) {
	return OpenWithOptions(BadgerOptions{DataDir: dataDir})
}

// OpenInMemory opens an in-memory Badger-backed store, for tests.
func OpenInMemory() (*Badger, error) {
	return OpenWithOptions(BadgerOptions{InMemory: true})
}

// OpenWithOptions opens a Badger-backed store with full control over
// durability and memory trade-offs.
func OpenWithOptions(opts BadgerOptions) (*Badger, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// Quiet by default; the clone's own logger reports storage events at a
	// level the operator chooses, not Badger's internal chatter.
	badgerOpts = badgerOpts.WithLogger(nil)

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		if errors.Is(err, badger.ErrWindowsGlobMatch) {
			return nil, err
		}
		if isLockErr(err) {
			return nil, fmt.Errorf("%w: %v", ErrLocked, err)
		}
		return nil, fmt.Errorf("kv: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func isLockErr(err error) bool {
	// BadgerDB surfaces a held directory lock as a plain "Cannot acquire
	// directory lock" error rather than a typed sentinel; match on the
	// message text instead.
	return err != nil && (contains(err.Error(), "LOCK") || contains(err.Error(), "lock"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (b *Badger) Get(_ context.Context, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte{}, v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get: %w", err)
	}
	return value, nil
}

func (b *Badger) Put(_ context.Context, key, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

func (b *Badger) Batch(_ context.Context, writes []Write) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, w := range writes {
			if w.Value == nil {
				if err := txn.Delete(w.Key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				continue
			}
			if err := txn.Set(w.Key, w.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kv: batch: %w", err)
	}
	return nil
}

func (b *Badger) Iterate(_ context.Context, prefix []byte, fn func(Entry) (bool, error)) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := append([]byte{}, item.Key()...)
			var value []byte
			if err := item.Value(func(v []byte) error {
				value = append([]byte{}, v...)
				return nil
			}); err != nil {
				return err
			}
			cont, err := fn(Entry{Key: key, Value: value})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("kv: close: %w", err)
	}
	return nil
}
