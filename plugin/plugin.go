// Package plugin provides an extensible plugin system for the credits
// engine. Plugins hook into lifecycle and operation events; they observe
// outcomes and can never change them.
package plugin

import (
	"context"

	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *credits.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnCharged is called after a charge is committed to the ledger.
type OnCharged interface {
	Plugin
	OnCharged(ctx context.Context, e *entry.Entry, calc *cost.CalculationDetails) error
}

// OnRefunded is called after a refund is committed to the ledger.
type OnRefunded interface {
	Plugin
	OnRefunded(ctx context.Context, e *entry.Entry) error
}

// OnGranted is called after a grant is committed to the ledger.
type OnGranted interface {
	Plugin
	OnGranted(ctx context.Context, e *entry.Entry) error
}

// OnTierChanged is called after an upgrade or downgrade. from is empty for
// accounts that had no tier.
type OnTierChanged interface {
	Plugin
	OnTierChanged(ctx context.Context, e *entry.Entry, from, to string) error
}

// ──────────────────────────────────────────────────
// Outcome hooks
// ──────────────────────────────────────────────────

// OnOperationFailed is called when an operation returns an error.
type OnOperationFailed interface {
	Plugin
	OnOperationFailed(ctx context.Context, op types.Operation, accountID id.AccountID, action string, err error) error
}

// OnIdempotentReplay is called when a cached result is returned instead of
// running the operation.
type OnIdempotentReplay interface {
	Plugin
	OnIdempotentReplay(ctx context.Context, op types.Operation, key string) error
}
