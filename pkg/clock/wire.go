package clock

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned by UnmarshalJSON when the input is not a valid
// encoded clock: wrong array arity, a non-0/1 identity index, or JSON that
// doesn't parse at all.
var ErrMalformed = errors.New("clock: malformed wire encoding")

// wireClock is the compact JSON representation used on the wire: the
// shape is a nested array (a leaf is [ticks], an interior node is
// [left, right]), and the identity path is a parallel array of 0/1 indices.
type wireClock struct {
	Shape json.RawMessage `json:"shape"`
	ID    []int           `json:"id"`
}

// MarshalJSON encodes the clock in the compact wire format.
func (c Clock) MarshalJSON() ([]byte, error) {
	shape, err := marshalNode(c.shape)
	if err != nil {
		return nil, err
	}
	id := make([]int, len(c.id))
	for i, s := range c.id {
		id[i] = int(s)
	}
	return json.Marshal(wireClock{Shape: shape, ID: id})
}

// UnmarshalJSON decodes the wire format produced by MarshalJSON.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var w wireClock
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	shape, err := unmarshalNode(w.Shape)
	if err != nil {
		return fmt.Errorf("%w: shape: %v", ErrMalformed, err)
	}
	id := make([]side, len(w.ID))
	for i, v := range w.ID {
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: invalid identity path index %d", ErrMalformed, v)
		}
		id[i] = side(v)
	}
	c.shape = shape
	c.id = id
	return nil
}

func marshalNode(n *node) (json.RawMessage, error) {
	if n.leaf {
		return json.Marshal([1]int64{n.ticks})
	}
	left, err := marshalNode(n.left)
	if err != nil {
		return nil, err
	}
	right, err := marshalNode(n.right)
	if err != nil {
		return nil, err
	}
	return json.Marshal([2]json.RawMessage{left, right})
}

func unmarshalNode(data json.RawMessage) (*node, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch len(raw) {
	case 1:
		var ticks int64
		if err := json.Unmarshal(raw[0], &ticks); err != nil {
			return nil, err
		}
		return leafNode(ticks), nil
	case 2:
		left, err := unmarshalNode(raw[0])
		if err != nil {
			return nil, err
		}
		right, err := unmarshalNode(raw[1])
		if err != nil {
			return nil, err
		}
		return &node{left: left, right: right}, nil
	default:
		return nil, fmt.Errorf("clock: node array must have 1 or 2 elements, got %d", len(raw))
	}
}

// String renders a short debugging form, not the wire format.
func (c Clock) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "<invalid clock>"
	}
	return string(b)
}
