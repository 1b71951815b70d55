// Package graph is the seam a JSON-graph query front-end plugs into: it
// compiles a triple pattern into something that can be matched against a
// Graph or applied as a Patch, without this package knowing anything about
// the query language itself.
//
// The query language, planner, and result shaping all live outside this
// module; what's here is only the interface a front-end needs to drive a
// dataset.
package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/orneryd/suset/pkg/tidindex"
)

// Graph is the read surface a compiled pattern matches against.
// pkg/dataset.Dataset satisfies this directly.
type Graph interface {
	AllTriples(ctx context.Context) ([]tidindex.Triple, error)
	HasTriple(ctx context.Context, t tidindex.Triple) (bool, error)
}

// Binding is one solution to a pattern match: variable name to bound term.
type Binding map[string]string

// Pattern is a single triple pattern. A field starting with "?" binds a
// variable of that name; any other value must match exactly.
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
}

func (p Pattern) isVar(term string) (name string, ok bool) {
	if strings.HasPrefix(term, "?") {
		return term[1:], true
	}
	return "", false
}

// CompiledPattern is the result of Compile: a pattern ready to Match against
// a Graph or Apply as a Patch.
type CompiledPattern struct {
	pattern Pattern
}

// Compile parses a single triple pattern of the form "?s predicate object",
// "subject ?p object", or any mix of fixed terms and "?name" variables. It
// does not implement joins, filters, or projection — those belong to the
// query front-end this package exists to decouple from.
func Compile(pattern string) (*CompiledPattern, error) {
	fields := strings.Fields(pattern)
	if len(fields) != 3 {
		return nil, fmt.Errorf("graph: compile %q: expected 3 terms (subject predicate object), got %d", pattern, len(fields))
	}
	return &CompiledPattern{pattern: Pattern{Subject: fields[0], Predicate: fields[1], Object: fields[2]}}, nil
}

// Match returns one Binding per triple in g that satisfies the compiled
// pattern, naming each variable term's bound value.
func (c *CompiledPattern) Match(ctx context.Context, g Graph) ([]Binding, error) {
	triples, err := g.AllTriples(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: match: %w", err)
	}

	var bindings []Binding
	for _, t := range triples {
		b, ok := c.matchTriple(t)
		if ok {
			bindings = append(bindings, b)
		}
	}
	return bindings, nil
}

func (c *CompiledPattern) matchTriple(t tidindex.Triple) (Binding, bool) {
	b := Binding{}
	terms := [][2]string{
		{c.pattern.Subject, t.S},
		{c.pattern.Predicate, t.P},
		{c.pattern.Object, t.O},
	}
	for _, term := range terms {
		pat, val := term[0], term[1]
		if name, isVar := c.pattern.isVar(pat); isVar {
			if bound, seen := b[name]; seen && bound != val {
				return nil, false
			}
			b[name] = val
		} else if pat != val {
			return nil, false
		}
	}
	return b, true
}

// Patch is the insert/delete set a front-end derives from a compiled pattern
// plus bound values, in the shape dataset.PrepareFunc expects to produce.
type Patch struct {
	Inserts []tidindex.Triple
	Deletes []tidindex.Triple
}

// Apply resolves the compiled pattern's variables against binding and
// returns the concrete triple it denotes, for a front-end building a Patch
// one bound pattern at a time.
func (c *CompiledPattern) Apply(binding Binding) (tidindex.Triple, error) {
	resolve := func(term string) (string, error) {
		name, isVar := c.pattern.isVar(term)
		if !isVar {
			return term, nil
		}
		val, ok := binding[name]
		if !ok {
			return "", fmt.Errorf("graph: apply: unbound variable %q", name)
		}
		return val, nil
	}

	s, err := resolve(c.pattern.Subject)
	if err != nil {
		return tidindex.Triple{}, err
	}
	p, err := resolve(c.pattern.Predicate)
	if err != nil {
		return tidindex.Triple{}, err
	}
	o, err := resolve(c.pattern.Object)
	if err != nil {
		return tidindex.Triple{}, err
	}
	return tidindex.Triple{S: s, P: p, O: o}, nil
}
