// Package config loads engine configuration from YAML and the environment
// and builds a ready-to-use engine from it.
package config

import (
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/retry"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config is the complete engine configuration.
type Config struct {
	Pricing     credits.Pricing `yaml:"pricing"`
	Store       Store           `yaml:"store"`
	Idempotency Idempotency     `yaml:"idempotency"`
	Audit       Audit           `yaml:"audit"`
	Retry       Retry           `yaml:"retry"`
	Logging     Logging         `yaml:"logging"`
}

// Store selects and addresses the storage backend.
type Store struct {
	Driver   string `yaml:"driver"`   // memory, sqlite, postgres or mongo
	DSN      string `yaml:"dsn"`      // file path, connection string or URI
	Database string `yaml:"database"` // mongo only
}

// Idempotency configures replay records.
type Idempotency struct {
	TTL time.Duration `yaml:"ttl"`
	// RedisAddr moves idempotency records to Redis when set.
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	// CacheMaxMB sizes the in-process result cache. Zero disables it.
	CacheMaxMB int64 `yaml:"cache_max_mb"`
}

// Audit configures the audit trail.
type Audit struct {
	Enabled bool `yaml:"enabled"`
	// Operations limits auditing to the listed operations. Empty means all.
	Operations []string `yaml:"operations"`
}

// Retry configures retries of transient store failures.
type Retry struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Policy converts r to a retry.Policy.
func (r Retry) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

// Logging configures the structured logger.
type Logging struct {
	Level   string `yaml:"level"`   // debug, info, warn, error
	Service string `yaml:"service"` // added to every record
	Format  string `yaml:"format"`  // json or text
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	policy := retry.DefaultPolicy()
	return Config{
		Store: Store{
			Driver:   DriverMemory,
			Database: "credits",
		},
		Idempotency: Idempotency{
			TTL: credits.DefaultIdempotencyTTL,
		},
		Audit: Audit{
			Enabled: true,
		},
		Retry: Retry{
			MaxAttempts:  policy.MaxAttempts,
			InitialDelay: policy.InitialDelay,
			MaxDelay:     policy.MaxDelay,
			Multiplier:   policy.Multiplier,
		},
		Logging: Logging{
			Level:   "info",
			Service: "credits",
			Format:  "json",
		},
	}
}
