package graph_test

import (
	"context"
	"testing"

	"github.com/orneryd/suset/pkg/graph"
	"github.com/orneryd/suset/pkg/kv"
	"github.com/orneryd/suset/pkg/dataset"
	"github.com/orneryd/suset/pkg/tidindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/google/uuid"
	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/constraint"
)

func TestMatchBindsVariables(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	d := dataset.New(store, nil, 10)
	require.NoError(t, d.Initialize(ctx, clock.GENESIS))

	time := clock.GENESIS.Tick()
	_, _, err := d.Transact(ctx, uuid.NewString(), time, func(ctx context.Context, read constraint.Reader) (dataset.Patch, any, error) {
		return dataset.Patch{NewQuads: []tidindex.Triple{
			{S: "fred", P: "name", O: "Fred"},
			{S: "wilma", P: "name", O: "Wilma"},
		}}, nil, nil
	})
	require.NoError(t, err)

	q, err := graph.Compile("?who name ?value")
	require.NoError(t, err)

	bindings, err := q.Match(ctx, d)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	var got []string
	for _, b := range bindings {
		got = append(got, b["who"])
	}
	assert.ElementsMatch(t, []string{"fred", "wilma"}, got)
}

func TestMatchRejectsFixedTermMismatch(t *testing.T) {
	q, err := graph.Compile("fred name ?value")
	require.NoError(t, err)

	ctx := context.Background()
	store := kv.NewMemory()
	d := dataset.New(store, nil, 10)
	require.NoError(t, d.Initialize(ctx, clock.GENESIS))

	time := clock.GENESIS.Tick()
	_, _, err = d.Transact(ctx, uuid.NewString(), time, func(ctx context.Context, read constraint.Reader) (dataset.Patch, any, error) {
		return dataset.Patch{NewQuads: []tidindex.Triple{{S: "wilma", P: "name", O: "Wilma"}}}, nil, nil
	})
	require.NoError(t, err)

	bindings, err := q.Match(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, bindings, "a fixed subject term must not match a different subject")
}

func TestApplyResolvesConcreteTriple(t *testing.T) {
	q, err := graph.Compile("?who name ?value")
	require.NoError(t, err)

	triple, err := q.Apply(graph.Binding{"who": "fred", "value": "Fred"})
	require.NoError(t, err)
	assert.Equal(t, tidindex.Triple{S: "fred", P: "name", O: "Fred"}, triple)

	_, err = q.Apply(graph.Binding{"who": "fred"})
	assert.Error(t, err, "an unbound variable must fail Apply rather than silently substitute an empty term")
}

func TestCompileRejectsWrongArity(t *testing.T) {
	_, err := graph.Compile("fred name")
	assert.Error(t, err)
}
