package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/credits"
	"github.com/xraph/credits/types"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "credits.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Store.Driver, "CREDITS_STORE_DRIVER")
	setString(&cfg.Store.DSN, "CREDITS_STORE_DSN")
	setString(&cfg.Store.Database, "CREDITS_STORE_DATABASE")

	// Idempotency
	setDuration(&cfg.Idempotency.TTL, "CREDITS_IDEMPOTENCY_TTL")
	setString(&cfg.Idempotency.RedisAddr, "CREDITS_IDEMPOTENCY_REDIS_ADDR")
	setString(&cfg.Idempotency.RedisPrefix, "CREDITS_IDEMPOTENCY_REDIS_PREFIX")
	setInt64(&cfg.Idempotency.CacheMaxMB, "CREDITS_IDEMPOTENCY_CACHE_MB")

	// Audit
	setBool(&cfg.Audit.Enabled, "CREDITS_AUDIT_ENABLED")
	setList(&cfg.Audit.Operations, "CREDITS_AUDIT_OPERATIONS")

	// Retry
	setBool(&cfg.Retry.Enabled, "CREDITS_RETRY_ENABLED")
	setInt(&cfg.Retry.MaxAttempts, "CREDITS_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialDelay, "CREDITS_RETRY_INITIAL_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "CREDITS_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.Multiplier, "CREDITS_RETRY_MULTIPLIER")

	// Logging
	setString(&cfg.Logging.Level, "CREDITS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CREDITS_LOG_SERVICE")
	setString(&cfg.Logging.Format, "CREDITS_LOG_FORMAT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverMongo:
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}
	if cfg.Store.Driver == DriverMongo && cfg.Store.Database == "" {
		return errors.New("store.database is required for driver \"mongo\"")
	}
	if cfg.Idempotency.TTL <= 0 {
		return errors.New("idempotency.ttl must be > 0")
	}
	if cfg.Idempotency.CacheMaxMB < 0 {
		return errors.New("idempotency.cache_max_mb must be >= 0")
	}
	for _, op := range cfg.Audit.Operations {
		if !slices.Contains(types.Operations(), types.Operation(op)) {
			return fmt.Errorf("audit.operations: unknown operation %q", op)
		}
	}
	if cfg.Retry.Enabled {
		if cfg.Retry.MaxAttempts < 1 {
			return errors.New("retry.max_attempts must be >= 1")
		}
		if cfg.Retry.Multiplier < 1 {
			return errors.New("retry.multiplier must be >= 1")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadPricing reads a standalone pricing file holding "actions" and "tiers"
// at the top level.
func LoadPricing(path string) (credits.Pricing, error) {
	var p credits.Pricing
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is chosen by the operator
	if err != nil {
		return p, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}
