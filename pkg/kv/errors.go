package kv

import "errors"

// ErrNotFound is returned by Get when no value is stored at the key.
var ErrNotFound = errors.New("kv: not found")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("kv: closed")

// ErrLocked is returned when opening a store whose backing directory is
// already locked by another process. Surfaced by CloneEngine as
// StorageLocked, a fatal startup failure.
var ErrLocked = errors.New("kv: storage directory locked by another process")
