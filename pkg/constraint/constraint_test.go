package constraint_test

import (
	"context"
	"testing"

	"github.com/orneryd/suset/pkg/constraint"
	"github.com/orneryd/suset/pkg/tidindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader map[string][]string // "subject\x00predicate" -> values

func (r fakeReader) ValuesOf(_ context.Context, subject, predicate string) ([]string, error) {
	return r[subject+"\x00"+predicate], nil
}

func TestSingleValuedPasses(t *testing.T) {
	c := constraint.SingleValued{Property: "name"}
	update := constraint.Update{Inserts: []tidindex.Triple{{S: "fred", P: "name", O: "Fred"}}}
	err := c.Check(context.Background(), update, fakeReader{})
	assert.NoError(t, err)
}

func TestSingleValuedFailsOnMultipleNewValues(t *testing.T) {
	c := constraint.SingleValued{Property: "name"}
	update := constraint.Update{Inserts: []tidindex.Triple{
		{S: "fred", P: "name", O: "Fred"},
		{S: "fred", P: "name", O: "Flintstone"},
	}}
	err := c.Check(context.Background(), update, fakeReader{})
	var violation *constraint.ErrViolation
	assert.ErrorAs(t, err, &violation)
}

func TestSingleValuedFailsAgainstExistingValue(t *testing.T) {
	c := constraint.SingleValued{Property: "name"}
	reader := fakeReader{"fred\x00name": {"Fred"}}
	update := constraint.Update{Inserts: []tidindex.Triple{{S: "fred", P: "name", O: "Flintstone"}}}
	err := c.Check(context.Background(), update, reader)
	var violation *constraint.ErrViolation
	assert.ErrorAs(t, err, &violation)
}

func TestSingleValuedApplyRepairsDeterministically(t *testing.T) {
	c := constraint.SingleValued{Property: "name"}
	reader := fakeReader{"fred\x00name": {"Fred"}}
	update := constraint.Update{Inserts: []tidindex.Triple{{S: "fred", P: "name", O: "Flintstone"}}}

	repair, err := c.Apply(context.Background(), update, reader)
	require.NoError(t, err)
	require.NotNil(t, repair)
	require.Len(t, repair.Deletes, 1)
	// "Fred" > "Flintstone" lexicographically ('r' > 'l'), so it is the one
	// deleted, leaving the deterministically-chosen lexicographically-least value.
	assert.Equal(t, tidindex.Triple{S: "fred", P: "name", O: "Fred"}, repair.Deletes[0])
}

func TestSingleValuedApplyNoRepairNeeded(t *testing.T) {
	c := constraint.SingleValued{Property: "name"}
	reader := fakeReader{}
	update := constraint.Update{Inserts: []tidindex.Triple{{S: "fred", P: "name", O: "Fred"}}}

	repair, err := c.Apply(context.Background(), update, reader)
	require.NoError(t, err)
	assert.Nil(t, repair)
}

func TestCheckListFailsOnFirstViolation(t *testing.T) {
	cl := constraint.CheckList{
		constraint.SingleValued{Property: "name"},
		constraint.SingleValued{Property: "ssn"},
	}
	update := constraint.Update{Inserts: []tidindex.Triple{
		{S: "fred", P: "name", O: "Fred"},
		{S: "fred", P: "name", O: "Flintstone"},
	}}
	err := cl.Check(context.Background(), update, fakeReader{})
	assert.Error(t, err)
}

func TestCheckListComposesRepairsAcrossConstraints(t *testing.T) {
	cl := constraint.CheckList{
		constraint.SingleValued{Property: "name"},
		constraint.SingleValued{Property: "nickname"},
	}
	reader := fakeReader{
		"fred\x00name":     {"Fred"},
		"fred\x00nickname": {"Freddo"},
	}
	update := constraint.Update{Inserts: []tidindex.Triple{
		{S: "fred", P: "name", O: "Flintstone"},
		{S: "fred", P: "nickname", O: "Zappo"},
	}}

	repair, err := cl.Apply(context.Background(), update, reader)
	require.NoError(t, err)
	require.NotNil(t, repair)
	assert.Len(t, repair.Deletes, 2)
}
