package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
)

const pricingYAML = `
pricing:
  actions:
    send-email: 1
    generate-post:
      default: "{input_tokens} / 1000 * 0.5 + {output_tokens} / 1000 * 1.5"
      pro: "{input_tokens} / 1000 * 0.25"
    render-video:
      default: 20
      min_tier: pro
  tiers:
    basic: {rank: 1, credit_cap: 100}
    pro: {rank: 2, credit_cap: 500}
`

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, credits.DefaultIdempotencyTTL, cfg.Idempotency.TTL)
	assert.True(t, cfg.Audit.Enabled)
	assert.False(t, cfg.Retry.Enabled)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Pricing.Actions)
}

func TestLoadFromParsesPricing(t *testing.T) {
	cfg, err := LoadFrom(writeYAML(t, pricingYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Pricing.Actions, 3)
	require.Len(t, cfg.Pricing.Tiers, 2)

	email := cfg.Pricing.Actions["send-email"]
	require.NotNil(t, email.Default.Fixed)
	assert.InDelta(t, 1.0, *email.Default.Fixed, 1e-9)

	post := cfg.Pricing.Actions["generate-post"]
	assert.Contains(t, post.Default.Formula, "input_tokens")
	assert.Contains(t, post.Tiers, "pro")

	assert.Equal(t, "pro", cfg.Pricing.Actions["render-video"].MinTier)
	assert.Equal(t, 2, cfg.Pricing.Tiers["pro"].Rank)
	assert.InDelta(t, 500.0, cfg.Pricing.Tiers["pro"].CreditCap, 1e-9)
}

func TestLoadFromEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, `
store:
  driver: sqlite
  dsn: /tmp/from-yaml.db
idempotency:
  ttl: 1h
logging:
  level: debug
`)
	t.Setenv("CREDITS_STORE_DSN", "/tmp/from-env.db")
	t.Setenv("CREDITS_IDEMPOTENCY_TTL", "90m")
	t.Setenv("CREDITS_LOG_LEVEL", "warn")
	t.Setenv("CREDITS_AUDIT_OPERATIONS", "charge, refund")
	t.Setenv("CREDITS_RETRY_ENABLED", "true")
	t.Setenv("CREDITS_RETRY_MAX_ATTEMPTS", "5")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/from-env.db", cfg.Store.DSN)
	assert.Equal(t, 90*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"charge", "refund"}, cfg.Audit.Operations)
	assert.True(t, cfg.Retry.Enabled)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
}

func TestLoadFromIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("CREDITS_IDEMPOTENCY_TTL", "soon")
	t.Setenv("CREDITS_RETRY_MAX_ATTEMPTS", "many")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, credits.DefaultIdempotencyTTL, cfg.Idempotency.TTL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadFromRejectsInvalidYAML(t *testing.T) {
	_, err := LoadFrom(writeYAML(t, "pricing: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config yaml")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "cassandra" }, "not supported"},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = DriverSQLite }, "store.dsn"},
		{"mongo without database", func(c *Config) {
			c.Store.Driver = DriverMongo
			c.Store.DSN = "mongodb://localhost"
			c.Store.Database = ""
		}, "store.database"},
		{"zero ttl", func(c *Config) { c.Idempotency.TTL = 0 }, "idempotency.ttl"},
		{"negative cache", func(c *Config) { c.Idempotency.CacheMaxMB = -1 }, "cache_max_mb"},
		{"unknown audit operation", func(c *Config) { c.Audit.Operations = []string{"transfer"} }, "transfer"},
		{"retry without attempts", func(c *Config) {
			c.Retry.Enabled = true
			c.Retry.MaxAttempts = 0
		}, "max_attempts"},
		{"retry shrinking delay", func(c *Config) {
			c.Retry.Enabled = true
			c.Retry.Multiplier = 0.5
		}, "multiplier"},
		{"disabled retry is not checked", func(c *Config) { c.Retry.MaxAttempts = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadPricing(t *testing.T) {
	path := writeYAML(t, `
actions:
  send-email: 1
tiers:
  basic: {rank: 1, credit_cap: 100}
`)
	p, err := LoadPricing(path)
	require.NoError(t, err)
	assert.Contains(t, p.Actions, "send-email")
	assert.Contains(t, p.Tiers, "basic")

	_, err = LoadPricing(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
