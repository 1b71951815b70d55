// Package config loads a clone's configuration from environment variables,
// with an optional YAML file for the one setting too structured to fit a
// flat env var: the constraint tree a domain enforces.
//
// Configuration is loaded with LoadFromEnv() and validated with Validate()
// before a CloneEngine is opened.
//
// Environment Variables:
//
//	SUSET_DATA_DIR               directory for persistent storage (default "./data")
//	SUSET_DOMAIN                 domain name, the root of every pub/sub topic
//	SUSET_CLONE_ID               this clone's identity; generated if unset
//	SUSET_LOG_LEVEL              debug|info|warn|error (default info)
//	SUSET_SNAPSHOT_BATCH_SIZE    triples per snapshot transfer batch (default 10)
//	SUSET_BROKER_URL             MQTT broker address, e.g. "tcp://localhost:1883"
//	SUSET_BROKER_USERNAME        MQTT username
//	SUSET_BROKER_PASSWORD        MQTT password
//	SUSET_SEND_TIMEOUT           request/reply timeout (default "2s")
//	SUSET_CONSTRAINTS_FILE       path to a YAML constraint-tree file (optional)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all clone configuration.
type Config struct {
	Storage    StorageConfig
	Domain     DomainConfig
	Logging    LoggingConfig
	Dataset    DatasetConfig
	Broker     BrokerConfig
	Constraints ConstraintsConfig
}

// StorageConfig controls the underlying KV store.
type StorageConfig struct {
	DataDir  string
	InMemory bool
}

// DomainConfig names this clone and the domain it joins.
type DomainConfig struct {
	Name    string
	CloneID string
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string
}

// DatasetConfig controls dataset-internal tuning.
type DatasetConfig struct {
	SnapshotBatchSize int
}

// BrokerConfig controls the MQTT transport.
type BrokerConfig struct {
	URL         string
	Username    string
	Password    string
	SendTimeout time.Duration
}

// ConstraintsConfig points at an optional declarative constraint-tree file.
type ConstraintsConfig struct {
	File string
}

// LoadFromEnv builds a Config from the process environment, applying
// defaults for anything unset.
func LoadFromEnv() *Config {
	c := &Config{}

	c.Storage.DataDir = getEnv("SUSET_DATA_DIR", "./data")
	c.Storage.InMemory = getEnvBool("SUSET_IN_MEMORY", false)

	c.Domain.Name = getEnv("SUSET_DOMAIN", "default")
	c.Domain.CloneID = getEnv("SUSET_CLONE_ID", uuid.NewString())

	c.Logging.Level = getEnv("SUSET_LOG_LEVEL", "info")

	c.Dataset.SnapshotBatchSize = getEnvInt("SUSET_SNAPSHOT_BATCH_SIZE", 10)

	c.Broker.URL = getEnv("SUSET_BROKER_URL", "tcp://localhost:1883")
	c.Broker.Username = getEnv("SUSET_BROKER_USERNAME", "")
	c.Broker.Password = getEnv("SUSET_BROKER_PASSWORD", "")
	c.Broker.SendTimeout = getEnvDuration("SUSET_SEND_TIMEOUT", 2*time.Second)

	c.Constraints.File = getEnv("SUSET_CONSTRAINTS_FILE", "")

	return c
}

// Validate rejects a Config with impossible settings before CloneEngine
// tries to act on it.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("config: data dir required unless in-memory storage is enabled")
	}
	if c.Domain.Name == "" {
		return fmt.Errorf("config: domain name required")
	}
	if c.Dataset.SnapshotBatchSize <= 0 {
		return fmt.Errorf("config: invalid snapshot batch size: %d", c.Dataset.SnapshotBatchSize)
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("config: broker url required")
	}
	if c.Broker.SendTimeout <= 0 {
		return fmt.Errorf("config: invalid send timeout: %s", c.Broker.SendTimeout)
	}
	return nil
}

// String returns a safe representation for logging: no broker credentials.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Domain: %s, CloneID: %s, DataDir: %s, Broker: %s}",
		c.Domain.Name, c.Domain.CloneID, c.Storage.DataDir, c.Broker.URL,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
