package extension

import (
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/retry"
)

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// PricingFile is a YAML file holding the action and tier tables.
	// It is read at Register time and ignored when Pricing is set
	// programmatically.
	PricingFile string `json:"pricing_file" mapstructure:"pricing_file" yaml:"pricing_file"`

	// Pricing is the action and tier table. Set it with WithPricing.
	Pricing *credits.Pricing `json:"-" yaml:"-"`

	// StoreDriver selects a store when none was provided with WithStore
	// (memory, sqlite, postgres, mongo; default: memory).
	StoreDriver string `json:"store_driver" mapstructure:"store_driver" yaml:"store_driver"`

	// StoreDSN is the path, connection string or URI for StoreDriver.
	StoreDSN string `json:"store_dsn" mapstructure:"store_dsn" yaml:"store_dsn"`

	// StoreDatabase is the database name for the mongo driver
	// (default: "credits").
	StoreDatabase string `json:"store_database" mapstructure:"store_database" yaml:"store_database"`

	// IdempotencyTTL is how long keyed results are replayed (default: 24h).
	IdempotencyTTL time.Duration `json:"idempotency_ttl" mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`

	// IdempotencyRedisAddr moves idempotency records to Redis when set.
	IdempotencyRedisAddr string `json:"idempotency_redis_addr" mapstructure:"idempotency_redis_addr" yaml:"idempotency_redis_addr"`

	// IdempotencyCacheMB sizes the in-process result cache (0 disables it).
	IdempotencyCacheMB int64 `json:"idempotency_cache_mb" mapstructure:"idempotency_cache_mb" yaml:"idempotency_cache_mb"`

	// DisableAudit turns the audit trail off.
	DisableAudit bool `json:"disable_audit" mapstructure:"disable_audit" yaml:"disable_audit"`

	// AuditOperations limits auditing to the listed operations.
	AuditOperations []string `json:"audit_operations" mapstructure:"audit_operations" yaml:"audit_operations"`

	// Retry enables retries of transient store failures when set.
	Retry *retry.Policy `json:"retry" mapstructure:"retry" yaml:"retry"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver:    "memory",
		StoreDatabase:  "credits",
		IdempotencyTTL: credits.DefaultIdempotencyTTL,
	}
}
