package dataset_test

import (
	"testing"

	"github.com/orneryd/suset/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlankNodeMinterNeverRepeats(t *testing.T) {
	m, err := dataset.NewBlankNodeMinter()
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := m.Next()
		assert.False(t, seen[id], "minter must never repeat an id within its own lifetime")
		seen[id] = true
	}
}

func TestBlankNodeMintersHaveDistinctBases(t *testing.T) {
	a, err := dataset.NewBlankNodeMinter()
	require.NoError(t, err)
	b, err := dataset.NewBlankNodeMinter()
	require.NoError(t, err)

	assert.NotEqual(t, a.Next(), b.Next(), "two independent minters (i.e. two clones) must not collide")
}
