// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable the engine exposes. Fields are populated
// from MINIDB_-prefixed environment variables, falling back to the
// defaults below.
type Config struct {
	// DataFile is the single database file path.
	DataFile string `envconfig:"DATA_FILE" default:"minidb.db"`

	// WalFile is the write-ahead log file path.
	WalFile string `envconfig:"WAL_FILE" default:"minidb.wal"`

	// BufferPoolSize is the number of page frames the buffer pool
	// holds.
	BufferPoolSize int `envconfig:"BUFFER_POOL_SIZE" default:"64"`

	// BTreeOrder is the fanout of the in-memory index.
	BTreeOrder int `envconfig:"BTREE_ORDER" default:"32"`

	// LockTimeout is the default lock acquisition timeout.
	LockTimeout time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
}

// Load reads the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("minidb", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in defaults without consulting the
// environment. Tests use this with per-test file paths.
func Default() Config {
	return Config{
		DataFile:       "minidb.db",
		WalFile:        "minidb.wal",
		BufferPoolSize: 64,
		BTreeOrder:     32,
		LockTimeout:    5 * time.Second,
	}
}
