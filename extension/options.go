package extension

import (
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/retry"
	"github.com/xraph/credits/store"
)

// Option configures the credits Forge extension.
type Option func(*Extension)

// WithStore sets the store for the credits engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a credits.Option through to the underlying engine.
func WithEngineOption(opt credits.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a credits plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, credits.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithPricing sets the action and tier table.
func WithPricing(p credits.Pricing) Option {
	return func(e *Extension) { e.config.Pricing = &p }
}

// WithPricingFile reads the action and tier table from a YAML file.
func WithPricingFile(path string) Option {
	return func(e *Extension) { e.config.PricingFile = path }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithIdempotencyTTL sets how long keyed results are replayed.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.IdempotencyTTL = d }
}

// WithDisableAudit turns the audit trail off.
func WithDisableAudit() Option {
	return func(e *Extension) { e.config.DisableAudit = true }
}

// WithRetry retries operations that fail with transient store errors.
func WithRetry(policy retry.Policy) Option {
	return func(e *Extension) { e.config.Retry = &policy }
}
