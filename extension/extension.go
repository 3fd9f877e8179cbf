// Package extension provides the Forge extension adapter for the credits
// engine.
//
// It implements the forge.Extension interface to integrate credits
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/credits"
	"github.com/xraph/credits/config"
	"github.com/xraph/credits/retry"
	"github.com/xraph/credits/store"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Tiered credit ledger with formula-based pricing"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credits engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *credits.Engine
	store      store.Store
	engineOpts []credits.Option
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *credits.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the credits engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	eng, err := e.buildEngine(context.Background())
	if err != nil {
		return err
	}
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*credits.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("credits: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngine resolves pricing and the store, then creates the engine.
func (e *Extension) buildEngine(ctx context.Context) (*credits.Engine, error) {
	cfg, err := e.engineConfig()
	if err != nil {
		return nil, err
	}

	opened := false
	if e.store == nil {
		s, err := config.OpenStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("credits: open store: %w", err)
		}
		e.store = s
		opened = true
	}

	eng, err := config.NewEngine(ctx, e.store, cfg, e.engineOpts...)
	if err != nil {
		if opened {
			_ = e.store.Close() //nolint:errcheck // best-effort cleanup on failed register
			e.store = nil
		}
		return nil, err
	}
	return eng, nil
}

// engineConfig translates the extension config into engine settings.
func (e *Extension) engineConfig() (*config.Config, error) {
	cfg := config.Defaults()
	cfg.Store = config.Store{
		Driver:   e.config.StoreDriver,
		DSN:      e.config.StoreDSN,
		Database: e.config.StoreDatabase,
	}
	cfg.Idempotency.TTL = e.config.IdempotencyTTL
	cfg.Idempotency.RedisAddr = e.config.IdempotencyRedisAddr
	cfg.Idempotency.CacheMaxMB = e.config.IdempotencyCacheMB
	cfg.Audit = config.Audit{
		Enabled:    !e.config.DisableAudit,
		Operations: e.config.AuditOperations,
	}
	if e.config.Retry != nil {
		cfg.Retry = config.Retry{
			Enabled:      true,
			MaxAttempts:  e.config.Retry.MaxAttempts,
			InitialDelay: e.config.Retry.InitialDelay,
			MaxDelay:     e.config.Retry.MaxDelay,
			Multiplier:   e.config.Retry.Multiplier,
		}
	}

	switch {
	case e.config.Pricing != nil:
		cfg.Pricing = *e.config.Pricing
	case e.config.PricingFile != "":
		p, err := config.LoadPricing(e.config.PricingFile)
		if err != nil {
			return nil, fmt.Errorf("credits: pricing: %w", err)
		}
		cfg.Pricing = p
	}
	return &cfg, nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credits: configuration is required but not found in config files; " +
				"ensure 'extensions.credits' or 'credits' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("pricing_file", e.config.PricingFile),
		forge.F("store_driver", e.config.StoreDriver),
		forge.F("idempotency_ttl", e.config.IdempotencyTTL),
		forge.F("audit", !e.config.DisableAudit),
		forge.F("retry", e.config.Retry != nil),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.credits" first (namespaced pattern).
	if cm.IsSet("extensions.credits") {
		if err := cm.Bind("extensions.credits", &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", "extensions.credits"),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind extensions.credits config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "credits" key.
	if cm.IsSet("credits") {
		if err := cm.Bind("credits", &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", "credits"),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind credits config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	if cfg.StoreDatabase == "" {
		cfg.StoreDatabase = defaults.StoreDatabase
	}
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = defaults.IdempotencyTTL
	}
	if cfg.Retry != nil {
		policy := fillPolicy(*cfg.Retry)
		cfg.Retry = &policy
	}
	return cfg
}

// fillPolicy fills zero-valued retry fields from retry.DefaultPolicy.
func fillPolicy(p retry.Policy) retry.Policy {
	d := retry.DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableAudit {
		yamlConfig.DisableAudit = true
	}

	// Pricing set in code is never in YAML.
	yamlConfig.Pricing = programmaticConfig.Pricing

	// String fields: YAML takes precedence.
	if yamlConfig.PricingFile == "" {
		yamlConfig.PricingFile = programmaticConfig.PricingFile
	}
	if yamlConfig.StoreDriver == "" {
		yamlConfig.StoreDriver = programmaticConfig.StoreDriver
	}
	if yamlConfig.StoreDSN == "" {
		yamlConfig.StoreDSN = programmaticConfig.StoreDSN
	}
	if yamlConfig.StoreDatabase == "" {
		yamlConfig.StoreDatabase = programmaticConfig.StoreDatabase
	}
	if yamlConfig.IdempotencyRedisAddr == "" {
		yamlConfig.IdempotencyRedisAddr = programmaticConfig.IdempotencyRedisAddr
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.IdempotencyTTL == 0 {
		yamlConfig.IdempotencyTTL = programmaticConfig.IdempotencyTTL
	}
	if yamlConfig.IdempotencyCacheMB == 0 {
		yamlConfig.IdempotencyCacheMB = programmaticConfig.IdempotencyCacheMB
	}
	if len(yamlConfig.AuditOperations) == 0 {
		yamlConfig.AuditOperations = programmaticConfig.AuditOperations
	}
	if yamlConfig.Retry == nil {
		yamlConfig.Retry = programmaticConfig.Retry
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
