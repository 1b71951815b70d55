// Package constraint implements the pluggable invariant checker that may
// reject a local transaction or repair a remote one.
//
// A constraint never sees raw KV bytes: it works against an Update (the
// flattened insert/delete triples a transaction is about to commit) and a
// Reader giving it read access to the subject's other current values, so
// the same constraint code runs identically against any dataset
// implementation.
package constraint

import (
	"context"
	"fmt"
	"sort"

	"github.com/orneryd/suset/pkg/tidindex"
)

// Update is the flattened view of a proposed or already-decided change: the
// triples being inserted and the triples being deleted, pre-TID bookkeeping.
// This mirrors the MeldUpdate the dataset builds at each transact/apply
// step.
type Update struct {
	Inserts []tidindex.Triple
	Deletes []tidindex.Triple
}

// Reader gives a constraint read access to a subject's current values for a
// property, as seen by the dataset before the proposed update is applied.
type Reader interface {
	ValuesOf(ctx context.Context, subject, predicate string) ([]string, error)
}

// Constraint is checked against every local and remote update, and may
// produce a repair for a remote update that would otherwise violate it.
type Constraint interface {
	// Check fails if update violates the invariant. A failing Check rejects
	// a local transaction outright (ConstraintFailed) with no state change.
	Check(ctx context.Context, update Update, read Reader) error

	// Apply returns an optional repair write that, composed with update,
	// restores the invariant. Returns nil, nil if update needs no repair.
	// Only called when applying a remote delta; local writes that fail
	// Check are rejected rather than repaired.
	Apply(ctx context.Context, update Update, read Reader) (*Update, error)
}

// ErrViolation is wrapped by a failing Check so callers can distinguish a
// rejected transaction (ConstraintFailed) from a storage or decode error.
type ErrViolation struct {
	Constraint string
	Reason     string
}

func (e *ErrViolation) Error() string {
	return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Reason)
}

// CheckList is an ordered composition of constraints.
type CheckList []Constraint

// Check fails on the first constraint that fails.
func (cl CheckList) Check(ctx context.Context, update Update, read Reader) error {
	for _, c := range cl {
		if err := c.Check(ctx, update, read); err != nil {
			return err
		}
	}
	return nil
}

// Apply composes repairs sequentially: each constraint's repair (if any) is
// folded into the update before the next constraint evaluates, so later
// constraints see the effect of earlier repairs. The returned repair is the
// union of every constraint's repair.
func (cl CheckList) Apply(ctx context.Context, update Update, read Reader) (*Update, error) {
	current := update
	var total *Update

	for _, c := range cl {
		repair, err := c.Apply(ctx, current, read)
		if err != nil {
			return nil, err
		}
		if repair == nil {
			continue
		}
		current = compose(current, *repair)
		if total == nil {
			total = &Update{}
		}
		*total = compose(*total, *repair)
	}
	return total, nil
}

func compose(a, b Update) Update {
	return Update{
		Inserts: append(append([]tidindex.Triple{}, a.Inserts...), b.Inserts...),
		Deletes: append(append([]tidindex.Triple{}, a.Deletes...), b.Deletes...),
	}
}

// SingleValued enforces that every subject has at most one value for
// Property. Check fails if the union of inserts and pre-existing values
// gives any subject more than one value. Apply deletes the
// lexicographically-greater duplicate values so exactly one survives,
// deterministically, so every replica repairs identically.
type SingleValued struct {
	Property string
}

func (c SingleValued) subjectsTouched(update Update) []string {
	seen := map[string]bool{}
	var subjects []string
	for _, t := range update.Inserts {
		if t.P == c.Property && !seen[t.S] {
			seen[t.S] = true
			subjects = append(subjects, t.S)
		}
	}
	sort.Strings(subjects)
	return subjects
}

// valuesAfter returns the distinct values subject would have for Property
// once update is applied, sorted ascending.
func (c SingleValued) valuesAfter(ctx context.Context, subject string, update Update, read Reader) ([]string, error) {
	existing, err := read.ValuesOf(ctx, subject, c.Property)
	if err != nil {
		return nil, fmt.Errorf("constraint single-valued(%s): read: %w", c.Property, err)
	}
	values := map[string]bool{}
	for _, v := range existing {
		values[v] = true
	}
	for _, t := range update.Inserts {
		if t.S == subject && t.P == c.Property {
			values[t.O] = true
		}
	}
	for _, t := range update.Deletes {
		if t.S == subject && t.P == c.Property {
			delete(values, t.O)
		}
	}
	out := make([]string, 0, len(values))
	for v := range values {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (c SingleValued) Check(ctx context.Context, update Update, read Reader) error {
	for _, subject := range c.subjectsTouched(update) {
		values, err := c.valuesAfter(ctx, subject, update, read)
		if err != nil {
			return err
		}
		if len(values) > 1 {
			return &ErrViolation{
				Constraint: fmt.Sprintf("single-valued(%s)", c.Property),
				Reason:     fmt.Sprintf("subject %q would have %d values: %v", subject, len(values), values),
			}
		}
	}
	return nil
}

func (c SingleValued) Apply(ctx context.Context, update Update, read Reader) (*Update, error) {
	var repair Update
	for _, subject := range c.subjectsTouched(update) {
		values, err := c.valuesAfter(ctx, subject, update, read)
		if err != nil {
			return nil, err
		}
		if len(values) <= 1 {
			continue
		}
		// Keep the lexicographically-least value, delete the rest. The
		// surviving value is deterministic given the same input values at
		// every replica.
		for _, v := range values[1:] {
			repair.Deletes = append(repair.Deletes, tidindex.Triple{S: subject, P: c.Property, O: v})
		}
	}
	if len(repair.Deletes) == 0 && len(repair.Inserts) == 0 {
		return nil, nil
	}
	return &repair, nil
}
