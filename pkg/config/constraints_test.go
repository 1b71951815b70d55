package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orneryd/suset/pkg/config"
	"github.com/orneryd/suset/pkg/constraint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConstraintsEmptyPath(t *testing.T) {
	c, err := config.LoadConstraints("")
	require.NoError(t, err)
	assert.Equal(t, constraint.CheckList{}, c)
}

func TestLoadConstraintsSingleValued(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "constraints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
constraints:
  - type: singleValued
    property: name
`), 0o644))

	c, err := config.LoadConstraints(path)
	require.NoError(t, err)

	list, ok := c.(constraint.CheckList)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, constraint.SingleValued{Property: "name"}, list[0])
}

func TestLoadConstraintsRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "constraints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
constraints:
  - type: nonsense
`), 0o644))

	_, err := config.LoadConstraints(path)
	assert.Error(t, err)
}

func TestLoadConstraintsRejectsMissingFile(t *testing.T) {
	_, err := config.LoadConstraints(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
