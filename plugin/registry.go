package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit             []OnInit
	onShutdown         []OnShutdown
	onCharged          []OnCharged
	onRefunded         []OnRefunded
	onGranted          []OnGranted
	onTierChanged      []OnTierChanged
	onOperationFailed  []OnOperationFailed
	onIdempotentReplay []OnIdempotentReplay
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnCharged); ok {
		r.onCharged = append(r.onCharged, v)
		hooks = append(hooks, "OnCharged")
	}
	if v, ok := p.(OnRefunded); ok {
		r.onRefunded = append(r.onRefunded, v)
		hooks = append(hooks, "OnRefunded")
	}
	if v, ok := p.(OnGranted); ok {
		r.onGranted = append(r.onGranted, v)
		hooks = append(hooks, "OnGranted")
	}
	if v, ok := p.(OnTierChanged); ok {
		r.onTierChanged = append(r.onTierChanged, v)
		hooks = append(hooks, "OnTierChanged")
	}
	if v, ok := p.(OnOperationFailed); ok {
		r.onOperationFailed = append(r.onOperationFailed, v)
		hooks = append(hooks, "OnOperationFailed")
	}
	if v, ok := p.(OnIdempotentReplay); ok {
		r.onIdempotentReplay = append(r.onIdempotentReplay, v)
		hooks = append(hooks, "OnIdempotentReplay")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)
	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnInit", p, func() error { return p.OnInit(ctx, engine) })
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnShutdown", p, func() error { return p.OnShutdown(ctx) })
	}
}

// EmitCharged calls OnCharged for all plugins that implement it.
func (r *Registry) EmitCharged(ctx context.Context, e *entry.Entry, calc *cost.CalculationDetails) {
	r.mu.RLock()
	plugins := r.onCharged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnCharged", p, func() error { return p.OnCharged(ctx, e, calc) })
	}
}

// EmitRefunded calls OnRefunded for all plugins that implement it.
func (r *Registry) EmitRefunded(ctx context.Context, e *entry.Entry) {
	r.mu.RLock()
	plugins := r.onRefunded
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnRefunded", p, func() error { return p.OnRefunded(ctx, e) })
	}
}

// EmitGranted calls OnGranted for all plugins that implement it.
func (r *Registry) EmitGranted(ctx context.Context, e *entry.Entry) {
	r.mu.RLock()
	plugins := r.onGranted
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnGranted", p, func() error { return p.OnGranted(ctx, e) })
	}
}

// EmitTierChanged calls OnTierChanged for all plugins that implement it.
func (r *Registry) EmitTierChanged(ctx context.Context, e *entry.Entry, from, to string) {
	r.mu.RLock()
	plugins := r.onTierChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnTierChanged", p, func() error { return p.OnTierChanged(ctx, e, from, to) })
	}
}

// EmitOperationFailed calls OnOperationFailed for all plugins that implement it.
func (r *Registry) EmitOperationFailed(ctx context.Context, op types.Operation, accountID id.AccountID, action string, opErr error) {
	r.mu.RLock()
	plugins := r.onOperationFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnOperationFailed", p, func() error {
			return p.OnOperationFailed(ctx, op, accountID, action, opErr)
		})
	}
}

// EmitIdempotentReplay calls OnIdempotentReplay for all plugins that implement it.
func (r *Registry) EmitIdempotentReplay(ctx context.Context, op types.Operation, key string) {
	r.mu.RLock()
	plugins := r.onIdempotentReplay
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnIdempotentReplay", p, func() error { return p.OnIdempotentReplay(ctx, op, key) })
	}
}

func (r *Registry) dispatch(ctx context.Context, hook string, p Plugin, fn func() error) {
	if err := r.callWithTimeout(ctx, p.Name(), fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", p.Name(),
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the credits pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
