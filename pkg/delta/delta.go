// Package delta defines the wire-level shape of a transaction's effect on
// the dataset: inserted triples plus reified retractions of triples tagged
// with the TIDs being withdrawn.
//
// Full JSON-LD expansion/compaction is the query front-end's job (out of
// scope for this repo, per the JSON-graph query front-end boundary); this
// package only needs the flattened subject/reification shape the delta
// context binds, not a general JSON-LD processor.
package delta

import (
	"errors"
	"fmt"

	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/tidindex"
)

// ErrBadUpdate is returned by Validate when a decoded message references
// impossible data. A receiver treats this as protocol divergence with the
// sender and closes the connection rather than attempting to apply it.
var ErrBadUpdate = errors.New("delta: bad update")

// Version is the EncodedDelta format version, carried on the wire so future
// format changes can be detected by readers of an older version.
const Version = 1

// ReifiedDelete names a retracted triple together with every TID that had
// asserted it and is now being withdrawn.
type ReifiedDelete struct {
	Triple tidindex.Triple `json:"triple"`
	Tids   []string        `json:"tid"`
}

// EncodedDelta is the (version, insertTriples, deleteReifications) wire
// encoding of an operation.
type EncodedDelta struct {
	Version int                  `json:"version"`
	Inserts []tidindex.Triple    `json:"insertTriples"`
	Deletes []ReifiedDelete      `json:"deleteReifications"`
}

// Message is a DeltaMessage: a causal timestamp paired with the encoded
// change it authorizes.
type Message struct {
	Tid   string       `json:"tid"`
	Time  clock.Clock  `json:"time"`
	Delta EncodedDelta `json:"encoded"`
}

// Validate rejects a decoded message that references impossible data: an
// unknown encoding version, or a reified delete with no TIDs at all.
func (m Message) Validate() error {
	if m.Delta.Version != Version {
		return fmt.Errorf("%w: unsupported encoding version %d", ErrBadUpdate, m.Delta.Version)
	}
	if m.Tid == "" {
		return fmt.Errorf("%w: missing tid", ErrBadUpdate)
	}
	for _, d := range m.Delta.Deletes {
		if len(d.Tids) == 0 {
			return fmt.Errorf("%w: reified delete for %+v carries no tids", ErrBadUpdate, d.Triple)
		}
	}
	return nil
}
