// Package journal implements the append-only, hash-chained log of applied
// deltas that every SU-SET dataset keeps keyed by local tick. It answers
// revup requests by locating an entry by tick and streaming forward, and
// gives every committed delta a tamper-evident position in history.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/kv"
	"golang.org/x/crypto/blake2b"
)

var (
	prefixEntry  = []byte("qs:control:entry:")
	keyJournal   = []byte("qs:control:journal")
	emptyHash    = hashOf(nil)
)

// Entry is one position in the journal, forming an unbroken chain from
// genesis to the current tail.
type Entry struct {
	Tick       uint64        `json:"tick"`
	LocalTime  clock.Clock   `json:"localTime"`
	RemoteTime *clock.Clock  `json:"remoteTime,omitempty"`
	Delta      delta.EncodedDelta `json:"delta"`
	Hash       string        `json:"hash"`
	PrevTick   *uint64       `json:"prev,omitempty"`
	NextTick   *uint64       `json:"next,omitempty"`
}

// tail is the singleton record tracking the journal's current local time and
// tail tick.
type tail struct {
	Tail uint64      `json:"tail"`
	Time clock.Clock `json:"time"`
}

// Journal reads and proposes writes against the "control" graph namespace of
// a KV store. Like tidindex, it never commits on its own: every write it
// proposes is folded into the caller's single atomic batch so a journal
// entry and the quad writes it records always land together.
type Journal struct {
	store kv.KV
}

// New wraps a KV store as a journal.
func New(store kv.KV) *Journal {
	return &Journal{store: store}
}

var ErrNotInitialized = errors.New("journal: not initialized")

func tickKey(t uint64) []byte {
	key := make([]byte, len(prefixEntry)+8)
	copy(key, prefixEntry)
	binary.BigEndian.PutUint64(key[len(prefixEntry):], t)
	return key
}

func hashOf(prevHash []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(prevHash)
	return h.Sum(nil)
}

// canonicalizeAndHash computes H(prevHash || canonicalize(d)). Canonicalize
// here is deterministic JSON marshaling, which is stable because
// EncodedDelta's fields are fixed-order structs and slices built in a fixed
// (insertion) order upstream.
func canonicalizeAndHash(prevHash []byte, d delta.EncodedDelta) (string, error) {
	canon, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("journal: canonicalize delta: %w", err)
	}
	h, _ := blake2b.New256(nil)
	h.Write(prevHash)
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Initialize returns the writes to create the first entry if none exists
// yet. time is the clock to record on the genesis entry (typically
// clock.GENESIS). It is a no-op (returns nil writes, created=false) if the
// journal already has a tail.
func (j *Journal) Initialize(ctx context.Context, time clock.Clock) (writes []kv.Write, created bool, err error) {
	_, err = j.Tail(ctx)
	if err == nil {
		return nil, false, nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return nil, false, err
	}

	entry := Entry{
		Tick:      0,
		LocalTime: time,
		Delta:     delta.EncodedDelta{Version: delta.Version},
		Hash:      hex.EncodeToString(emptyHash),
	}
	entryJSON, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return nil, false, fmt.Errorf("journal: initialize: %w", marshalErr)
	}
	tailJSON, marshalErr := json.Marshal(tail{Tail: 0, Time: time})
	if marshalErr != nil {
		return nil, false, fmt.Errorf("journal: initialize: %w", marshalErr)
	}
	return []kv.Write{
		{Key: tickKey(0), Value: entryJSON},
		{Key: keyJournal, Value: tailJSON},
	}, true, nil
}

// Tail returns the journal's current tail entry.
func (j *Journal) Tail(ctx context.Context) (Entry, error) {
	raw, err := j.store.Get(ctx, keyJournal)
	if errors.Is(err, kv.ErrNotFound) {
		return Entry{}, ErrNotInitialized
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: tail: %w", err)
	}
	var t tail
	if err := json.Unmarshal(raw, &t); err != nil {
		return Entry{}, fmt.Errorf("journal: tail: decode: %w", err)
	}
	return j.FindEntryByTicks(ctx, t.Tail)
}

// CurrentTime returns the clock recorded at the tail, used by
// OperationsSince to compute how far a requester has fallen behind.
func (j *Journal) CurrentTime(ctx context.Context) (clock.Clock, error) {
	e, err := j.Tail(ctx)
	if err != nil {
		return clock.Clock{}, err
	}
	return e.LocalTime, nil
}

// FindEntryByTicks locates the entry whose local tick equals ticks.
// Because every journaled event — local or remote-applied — consumes
// exactly one local tick, tick number and local identity tick count
// coincide, so this is a direct lookup rather than a scan.
func (j *Journal) FindEntryByTicks(ctx context.Context, ticks uint64) (Entry, error) {
	raw, err := j.store.Get(ctx, tickKey(ticks))
	if errors.Is(err, kv.ErrNotFound) {
		return Entry{}, fmt.Errorf("journal: no entry at tick %d: %w", ticks, ErrNotInitialized)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: find entry %d: %w", ticks, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("journal: decode entry %d: %w", ticks, err)
	}
	return e, nil
}

// Append returns the writes that append d as the new tail entry after the
// store's current tail, at localTime, with remoteTime recorded if this
// entry applies a remote delta. The caller folds these writes into its own
// atomic batch alongside the quad/TID writes the same transaction produces.
func (j *Journal) Append(ctx context.Context, d delta.EncodedDelta, localTime clock.Clock, remoteTime *clock.Clock) ([]kv.Write, Entry, error) {
	prev, err := j.Tail(ctx)
	if err != nil {
		return nil, Entry{}, err
	}
	return AppendAfter(prev, d, localTime, remoteTime)
}

// AppendAfter is the pure counterpart of Append: it builds the writes for
// the entry that follows prev without reading the store, so a caller that
// needs to chain two journal entries within a single uncommitted batch (a
// remote delta immediately followed by its constraint repair) can do so
// without the second Append reading a stale tail from storage.
func AppendAfter(prev Entry, d delta.EncodedDelta, localTime clock.Clock, remoteTime *clock.Clock) ([]kv.Write, Entry, error) {
	prevHashBytes, err := hex.DecodeString(prev.Hash)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("journal: corrupt prev hash: %w", err)
	}
	hash, err := canonicalizeAndHash(prevHashBytes, d)
	if err != nil {
		return nil, Entry{}, err
	}

	newTick := prev.Tick + 1
	entry := Entry{
		Tick:       newTick,
		LocalTime:  localTime,
		RemoteTime: remoteTime,
		Delta:      d,
		Hash:       hash,
		PrevTick:   &prev.Tick,
	}
	prev.NextTick = &newTick

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("journal: append: %w", err)
	}
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("journal: append: %w", err)
	}
	tailJSON, err := json.Marshal(tail{Tail: newTick, Time: localTime})
	if err != nil {
		return nil, Entry{}, fmt.Errorf("journal: append: %w", err)
	}

	return []kv.Write{
		{Key: tickKey(prev.Tick), Value: prevJSON},
		{Key: tickKey(newTick), Value: entryJSON},
		{Key: keyJournal, Value: tailJSON},
	}, entry, nil
}

// Reset returns the writes that replace the entire journal with a single
// tail entry at localTime's own tick count, continuing the hash chain at
// hash (typically a snapshot's tail hash) rather than starting a fresh
// genesis. Keying the entry by localTime.Ticks() keeps journal ticks equal
// to local identity tick counts for a clone whose forked identity starts
// above zero. Used by ApplySnapshot to bootstrap a clone's journal from a
// transferred snapshot; the caller is responsible for ensuring the store has
// no prior journal state, since this unconditionally overwrites that tick's
// entry and the tail pointer.
func Reset(hash string, localTime clock.Clock, remoteTime *clock.Clock) ([]kv.Write, Entry, error) {
	if _, err := hex.DecodeString(hash); err != nil {
		return nil, Entry{}, fmt.Errorf("journal: reset: corrupt hash: %w", err)
	}
	entry := Entry{
		Tick:       uint64(localTime.Ticks()),
		LocalTime:  localTime,
		RemoteTime: remoteTime,
		Delta:      delta.EncodedDelta{Version: delta.Version},
		Hash:       hash,
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("journal: reset: %w", err)
	}
	tailJSON, err := json.Marshal(tail{Tail: entry.Tick, Time: localTime})
	if err != nil {
		return nil, Entry{}, fmt.Errorf("journal: reset: %w", err)
	}
	return []kv.Write{
		{Key: tickKey(entry.Tick), Value: entryJSON},
		{Key: keyJournal, Value: tailJSON},
	}, entry, nil
}

// Cursor is a lazy, forward-only, restartable sequence of entries starting
// just after fromTick, stopping once it passes the current tail.
type Cursor struct {
	j         *Journal
	fromTick  uint64
	nextTick  uint64
	filter    func(Entry) bool
}

// EntriesFrom returns a cursor over entries after fromTick (exclusive) that
// satisfy filter (a nil filter accepts everything). The cursor is finite: it
// stops once FindEntryByTicks can no longer find the next tick.
func (j *Journal) EntriesFrom(fromTick uint64, filter func(Entry) bool) *Cursor {
	return &Cursor{j: j, fromTick: fromTick, nextTick: fromTick + 1, filter: filter}
}

// Next returns the next matching entry, or ok=false once the sequence is
// exhausted (the tail has been reached and passed).
func (c *Cursor) Next(ctx context.Context) (Entry, bool, error) {
	for {
		e, err := c.j.FindEntryByTicks(ctx, c.nextTick)
		if errors.Is(err, ErrNotInitialized) {
			return Entry{}, false, nil
		}
		if err != nil {
			return Entry{}, false, err
		}
		c.nextTick++
		if c.filter == nil || c.filter(e) {
			return e, true, nil
		}
	}
}

// Restart resets the cursor to re-scan from its original starting point, for
// callers that need to replay entries already delivered once.
func (c *Cursor) Restart() {
	c.nextTick = c.fromTick + 1
}
