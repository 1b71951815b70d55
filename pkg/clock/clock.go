// Package clock implements the tree-structured logical clock used to give
// every clone a unique, infinitely divisible identity and a partial order
// over events.
//
// A Clock is a binary tree of tick counts (the "shape") together with a path
// from the root identifying which leaf is this process's own identity. Two
// clocks can always be merged regardless of how many times either side has
// forked, because a leaf that hasn't yet observed a fork is treated as a
// uniform stand-in for the subtree the other side has already split out.
package clock

import "fmt"

// side is a step in a path from the root of the shape tree to a leaf.
type side uint8

const (
	left  side = 0
	right side = 1
)

// node is one position in the tick-count tree. Exactly one of (leaf) or
// (left, right) is populated.
type node struct {
	leaf  bool
	ticks int64
	left  *node
	right *node
}

func leafNode(ticks int64) *node {
	return &node{leaf: true, ticks: ticks}
}

// Clock is an immutable value: every operation returns a new Clock, never
// mutates the receiver's tree in place.
type Clock struct {
	shape *node
	id    []side
}

// GENESIS is the root clock of a domain: a single identity leaf at tick 0.
var GENESIS = Clock{shape: leafNode(0), id: nil}

// Ticks returns the tick count on this clock's own identity leaf.
func (c Clock) Ticks() int64 {
	n := navigate(c.shape, c.id)
	return n.ticks
}

// Tick advances the identity leaf by one and returns the resulting clock.
// Called exactly once per local transaction, before the delta is built.
func (c Clock) Tick() Clock {
	return Clock{shape: setAt(c.shape, c.id, navigate(c.shape, c.id).ticks+1), id: c.id}
}

// Fork splits the identity leaf into two child leaves. The receiver keeps
// the left child as its own identity and returns the right child as a fresh
// process identity for a new clone. Both halves observe the same set of
// sibling leaves; only the identity going forward differs.
func (c Clock) Fork() (self Clock, other Clock) {
	here := navigate(c.shape, c.id)
	split := &node{left: leafNode(here.ticks), right: leafNode(here.ticks)}
	shape := setNodeAt(c.shape, c.id, split)

	selfID := append(append([]side{}, c.id...), left)
	otherID := append(append([]side{}, c.id...), right)
	return Clock{shape: shape, id: selfID}, Clock{shape: shape, id: otherID}
}

// Merge takes the per-leaf maximum over the joint tree shape of a and b.
// The result's identity is a's identity; b's identity leaf, if different
// from a's, just becomes an ordinary observed leaf in the result.
func Merge(a, b Clock) Clock {
	return Clock{shape: mergeNodes(a.shape, b.shape), id: a.id}
}

// Mode selects whether AnyLt considers the two clocks' own identity leaves.
type Mode int

const (
	// ExcludeIds skips comparison at self's and other's identity positions:
	// the usual "has other observed something I haven't, among what either
	// of us has heard from everyone else" test.
	ExcludeIds Mode = iota
	// IncludeIds additionally compares the identity leaves themselves.
	IncludeIds
)

// AnyLt reports whether some leaf of other exceeds the corresponding leaf of
// self. Differing tree shapes are reconciled the same way Merge reconciles
// them: an unforked leaf stands in uniformly for whatever subtree the other
// side has already split there, so an unknown leaf on the right counts as
// "ahead" only once a real difference in tick count is found.
func AnyLt(self, other Clock, mode Mode) bool {
	// The identity paths are passed as non-nil slices so that an empty path
	// (this position is the identity leaf) stays distinct from nil (the
	// identity is not on this branch at all).
	return anyLtNodes(self.shape, other.shape, append([]side{}, self.id...), append([]side{}, other.id...), mode, nil)
}

// GetTicks returns the tick count attributed to other's identity leaf, as
// observed within self's tree. It returns ok=false if self has never merged
// with anything and so has no record of any identity but its own (the
// identity-leaf-absent case: self is a pristine single-leaf clock, or
// self's tree is simply too shallow to contain other's id path).
func (self Clock) GetTicks(otherID Clock) (ticks int64, ok bool) {
	n := self.shape
	for _, step := range otherID.id {
		if n.leaf {
			// self's tree hasn't forked this far down; it has never
			// observed this identity as distinct from its siblings.
			return 0, false
		}
		if step == left {
			n = n.left
		} else {
			n = n.right
		}
	}
	if n == nil {
		return 0, false
	}
	if !n.leaf {
		// otherID's path lands on an interior node in self's tree: self has
		// seen further forking at that position than otherID records, but
		// otherID's own leaf no longer exists distinctly for self either;
		// this cannot happen for a valid (non-stale) otherID, but guard
		// defensively rather than panic.
		return 0, false
	}
	return n.ticks, true
}

// IdentityEqual reports whether a and b have the same identity leaf
// position. Used for self-echo suppression: a clone must refuse to apply a
// delta whose time's identity leaf equals its own.
func IdentityEqual(a, b Clock) bool {
	if len(a.id) != len(b.id) {
		return false
	}
	for i := range a.id {
		if a.id[i] != b.id[i] {
			return false
		}
	}
	return true
}

func navigate(n *node, path []side) *node {
	for _, step := range path {
		if n.leaf {
			panic(fmt.Sprintf("clock: identity path %v runs past a leaf", path))
		}
		if step == left {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n
}

// setAt returns a new tree equal to n but with the leaf at path replaced by
// a leaf holding ticks. Only the nodes on the path are copied.
func setAt(n *node, path []side, ticks int64) *node {
	if len(path) == 0 {
		return leafNode(ticks)
	}
	cp := &node{left: n.left, right: n.right}
	if path[0] == left {
		cp.left = setAt(n.left, path[1:], ticks)
	} else {
		cp.right = setAt(n.right, path[1:], ticks)
	}
	return cp
}

// setNodeAt returns a new tree equal to n but with the node at path replaced
// wholesale by replacement.
func setNodeAt(n *node, path []side, replacement *node) *node {
	if len(path) == 0 {
		return replacement
	}
	cp := &node{left: n.left, right: n.right}
	if path[0] == left {
		cp.left = setNodeAt(n.left, path[1:], replacement)
	} else {
		cp.right = setNodeAt(n.right, path[1:], replacement)
	}
	return cp
}

// mergeNodes takes the pointwise max of x and y, expanding whichever side is
// still a leaf at a position where the other has already forked. A leaf's
// tick count is propagated to both synthetic children, since at the moment
// of any fork both halves start from the same count.
func mergeNodes(x, y *node) *node {
	switch {
	case x == nil:
		return y
	case y == nil:
		return x
	case x.leaf && y.leaf:
		return leafNode(maxInt64(x.ticks, y.ticks))
	case x.leaf && !y.leaf:
		return mergeNodes(&node{left: leafNode(x.ticks), right: leafNode(x.ticks)}, y)
	case !x.leaf && y.leaf:
		return mergeNodes(x, &node{left: leafNode(y.ticks), right: leafNode(y.ticks)})
	default:
		return &node{left: mergeNodes(x.left, y.left), right: mergeNodes(x.right, y.right)}
	}
}

// anyLtNodes walks x (self) and y (other) in lockstep, expanding leaves the
// same way mergeNodes does, and reports whether any position in y exceeds
// the corresponding position in x. selfID/otherID are the remaining
// identity path suffixes at the current position (nil once the position has
// diverged from that identity's path), used to skip identity leaves when
// mode is ExcludeIds.
func anyLtNodes(x, y *node, selfID, otherID []side, mode Mode, _ *struct{}) bool {
	switch {
	case x == nil || y == nil:
		return false
	case x.leaf && y.leaf:
		if mode == ExcludeIds && ((selfID != nil && len(selfID) == 0) || (otherID != nil && len(otherID) == 0)) {
			// This position is self's or other's own identity leaf.
			return false
		}
		return y.ticks > x.ticks
	case x.leaf && !y.leaf:
		expanded := &node{left: leafNode(x.ticks), right: leafNode(x.ticks)}
		return anyLtNodes(expanded, y, selfID, otherID, mode, nil)
	case !x.leaf && y.leaf:
		expanded := &node{left: leafNode(y.ticks), right: leafNode(y.ticks)}
		return anyLtNodes(x, expanded, selfID, otherID, mode, nil)
	default:
		leftSelfID, leftOtherID := descend(selfID, left), descend(otherID, left)
		rightSelfID, rightOtherID := descend(selfID, right), descend(otherID, right)
		return anyLtNodes(x.left, y.left, leftSelfID, leftOtherID, mode, nil) ||
			anyLtNodes(x.right, y.right, rightSelfID, rightOtherID, mode, nil)
	}
}

// descend returns the remaining suffix of an identity path after taking
// step, or nil if the path doesn't go that way (so the identity isn't on
// this branch at all).
func descend(path []side, step side) []side {
	if len(path) == 0 || path[0] != step {
		return nil
	}
	return path[1:]
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
