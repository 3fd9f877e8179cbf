package credits

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/expr"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/retry"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/tier"
)

// DefaultIdempotencyTTL is how long a keyed result is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// Pricing is the static cost configuration: what each action costs and
// which tiers exist.
type Pricing struct {
	Actions map[string]cost.ActionSpec `json:"actions" yaml:"actions" mapstructure:"actions"`
	Tiers   map[string]tier.Spec       `json:"tiers" yaml:"tiers" mapstructure:"tiers"`
}

// Engine is the credit ledger. It prices actions, enforces tier access,
// mutates balances through the store and records every outcome.
//
// An Engine is safe for concurrent use. Calls sharing an idempotency key
// run one at a time.
type Engine struct {
	store    store.Store
	resolver *cost.Resolver
	tiers    *tier.Table
	idem     *idempotency.Manager
	trail    *audit.Trail // nil when auditing is disabled
	retrier  *retry.Handler
	plugins  *plugin.Registry
	logger   *slog.Logger
	now      func() time.Time
	keys     keyLocks

	// Configuration
	idemTTL       time.Duration
	idemStore     idempotency.Store
	idemCache     idempotency.Cache
	auditEnabled  bool
	auditRecorder audit.Recorder
	auditOpts     []audit.Option
	retryPolicy   *retry.Policy
}

// New validates pricing and creates an Engine over s. An invalid pricing
// table fails with a *ConfigurationError.
func New(s store.Store, pricing Pricing, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:        s,
		plugins:      plugin.NewRegistry(),
		logger:       slog.Default(),
		now:          time.Now,
		idemTTL:      DefaultIdempotencyTTL,
		auditEnabled: true,
	}

	for _, opt := range opts {
		opt(e)
	}

	tiers, err := tier.NewTable(pricing.Tiers)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	resolver, err := cost.NewResolver(pricing.Actions)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	if err := checkTierReferences(resolver, tiers); err != nil {
		return nil, err
	}
	e.tiers = tiers
	e.resolver = resolver

	idemStore := e.idemStore
	if idemStore == nil {
		idemStore = s
	}
	idemOpts := []idempotency.Option{
		idempotency.WithTTL(e.idemTTL),
		idempotency.WithClock(e.now),
		idempotency.WithLogger(e.logger),
	}
	if e.idemCache != nil {
		idemOpts = append(idemOpts, idempotency.WithCache(e.idemCache))
	}
	e.idem = idempotency.NewManager(idemStore, idemOpts...)

	if e.auditEnabled {
		recorder := e.auditRecorder
		if recorder == nil {
			recorder = audit.StoreRecorder(s)
		}
		trailOpts := append([]audit.Option{
			audit.WithLogger(e.logger),
			audit.WithClock(e.now),
		}, e.auditOpts...)
		e.trail = audit.NewTrail(recorder, trailOpts...)
	}

	if e.retryPolicy != nil {
		e.retrier = retry.New(*e.retryPolicy, retryable, retry.WithLogger(e.logger))
	}

	return e, nil
}

// checkTierReferences rejects actions whose min_tier or tier overrides name
// a tier that is not defined.
func checkTierReferences(r *cost.Resolver, tiers *tier.Table) error {
	for _, name := range r.Actions() {
		minTier, _ := r.MinTier(name) //nolint:errcheck // name comes from Actions
		if minTier != "" && !tiers.Has(minTier) {
			return &ConfigurationError{
				Action: name,
				Err:    fmt.Errorf("min_tier: %w: %q", ErrUndefinedTier, minTier),
			}
		}
		for _, t := range r.TierOverrides(name) {
			if !tiers.Has(t) {
				return &ConfigurationError{
					Action: name,
					Err:    fmt.Errorf("tier override: %w: %q", ErrUndefinedTier, t),
				}
			}
		}
	}
	return nil
}

// ValidateFormula checks formula syntax without pricing anything.
func ValidateFormula(text string) error {
	if err := expr.Validate(text); err != nil {
		return &ConfigurationError{Text: text, Err: err}
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithIdempotencyTTL sets how long keyed results are replayed.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.idemTTL = ttl }
}

// WithIdempotencyStore keeps idempotency records somewhere other than the
// main store, such as Redis.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(e *Engine) { e.idemStore = s }
}

// WithIdempotencyCache puts an in-process cache in front of idempotency
// lookups made outside a transaction.
func WithIdempotencyCache(c idempotency.Cache) Option {
	return func(e *Engine) { e.idemCache = c }
}

// WithAudit turns the audit trail on or off. Trail options such as
// operation filters are applied when enabled.
func WithAudit(enabled bool, opts ...audit.Option) Option {
	return func(e *Engine) {
		e.auditEnabled = enabled
		e.auditOpts = append(e.auditOpts, opts...)
	}
}

// WithAuditRecorder sends audit records to r instead of the store.
func WithAuditRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.auditRecorder = r }
}

// WithRetry retries operations that fail with transient store errors.
func WithRetry(policy retry.Policy) Option {
	return func(e *Engine) { e.retryPolicy = &policy }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("credits engine started",
		"actions", len(e.resolver.Actions()),
		"formulas", e.resolver.Formulas(),
		"tiers", len(e.tiers.All()),
		"idempotency_ttl", e.idem.TTL(),
		"audit", e.trail != nil,
		"plugins", e.plugins.Count(),
	)
	return nil
}

// Stop shuts down plugins and closes the store. A separate idempotency
// store and a closable result cache are released as well.
func (e *Engine) Stop() error {
	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	if c, ok := e.idemStore.(io.Closer); ok && any(e.idemStore) != any(e.store) {
		if err := c.Close(); err != nil {
			e.logger.Warn("credits: failed to close idempotency store", "error", err)
		}
	}
	if c, ok := e.idemCache.(interface{ Close() }); ok {
		c.Close()
	}

	e.logger.Info("credits engine stopped")
	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Resolver returns the compiled pricing table.
func (e *Engine) Resolver() *cost.Resolver { return e.resolver }

// Tiers returns the tier table.
func (e *Engine) Tiers() *tier.Table { return e.tiers }
