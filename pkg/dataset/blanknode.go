package dataset

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sync/atomic"
)

// BlankNodeMinter mints blank-node identifiers that cannot collide with
// another clone's, even when both clones insert a blank node in the same
// tick: each minter has its own random base, fixed for its lifetime, and a
// monotonic local counter appended to it.
type BlankNodeMinter struct {
	base    string
	counter uint64
}

// NewBlankNodeMinter draws a fresh random base, stable for the minter's
// lifetime, and returns a minter ready to produce blank-node ids.
func NewBlankNodeMinter() (*BlankNodeMinter, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("dataset: new blank node minter: %w", err)
	}
	base := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:])
	return &BlankNodeMinter{base: base}, nil
}

// Next returns the next blank-node id from this minter, of the form
// "_:<base>-<counter>". Safe for concurrent use.
func (m *BlankNodeMinter) Next() string {
	n := atomic.AddUint64(&m.counter, 1)
	return fmt.Sprintf("_:%s-%d", m.base, n)
}
