package config_test

import (
	"testing"

	"github.com/orneryd/suset/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"SUSET_DATA_DIR", "SUSET_IN_MEMORY", "SUSET_DOMAIN", "SUSET_CLONE_ID",
		"SUSET_LOG_LEVEL", "SUSET_SNAPSHOT_BATCH_SIZE", "SUSET_BROKER_URL",
		"SUSET_BROKER_USERNAME", "SUSET_BROKER_PASSWORD", "SUSET_SEND_TIMEOUT",
		"SUSET_CONSTRAINTS_FILE",
	} {
		t.Setenv(key, "")
	}

	cfg := config.LoadFromEnv()
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.False(t, cfg.Storage.InMemory)
	assert.Equal(t, "default", cfg.Domain.Name)
	assert.NotEmpty(t, cfg.Domain.CloneID, "an unset clone id must still generate one")
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Dataset.SnapshotBatchSize)
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker.URL)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("SUSET_DOMAIN", "widgets")
	t.Setenv("SUSET_CLONE_ID", "clone-1")
	t.Setenv("SUSET_IN_MEMORY", "true")
	t.Setenv("SUSET_SNAPSHOT_BATCH_SIZE", "25")
	t.Setenv("SUSET_SEND_TIMEOUT", "5s")

	cfg := config.LoadFromEnv()
	assert.Equal(t, "widgets", cfg.Domain.Name)
	assert.Equal(t, "clone-1", cfg.Domain.CloneID)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 25, cfg.Dataset.SnapshotBatchSize)

	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingDataDirUnlessInMemory(t *testing.T) {
	cfg := config.LoadFromEnv()
	cfg.Storage.InMemory = false
	cfg.Storage.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg.Storage.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadSnapshotBatchSize(t *testing.T) {
	cfg := config.LoadFromEnv()
	cfg.Dataset.SnapshotBatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestStringOmitsCredentials(t *testing.T) {
	cfg := config.LoadFromEnv()
	cfg.Broker.Username = "admin"
	cfg.Broker.Password = "hunter2"
	assert.NotContains(t, cfg.String(), "hunter2")
}
