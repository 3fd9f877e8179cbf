// Package entry defines immutable ledger entries: one per balance-affecting
// operation.
package entry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Metadata keys set by the engine.
const (
	// MetaCalculation holds the cost calculation of a dynamic charge.
	MetaCalculation    = "calculation"
	// MetaReversalOf holds the transaction a reversal entry cancels.
	MetaReversalOf     = "reversal_of"
	// MetaIdempotencyKey holds the key whose duplicate call was reversed.
	MetaIdempotencyKey = "idempotency_key"
)

// Entry records one balance change. BalanceAfter - BalanceBefore == Delta.
type Entry struct {
	ID            id.TransactionID `json:"id"`
	AccountID     id.AccountID     `json:"account_id"`
	Operation     types.Operation  `json:"operation"`
	Action        string           `json:"action,omitempty"`
	Delta         decimal.Decimal  `json:"delta"`
	BalanceBefore decimal.Decimal  `json:"balance_before"`
	BalanceAfter  decimal.Decimal  `json:"balance_after"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Balanced reports whether the entry's before, after and delta agree.
func (e *Entry) Balanced() bool {
	return e.BalanceAfter.Sub(e.BalanceBefore).Equal(e.Delta)
}

// ListOpts filters ledger history. Zero values mean "no filter".
type ListOpts struct {
	Limit     int
	Offset    int
	Operation types.Operation
	Action    string
	Since     time.Time
	Until     time.Time
}

// Match reports whether e passes the non-paging filters.
func (o ListOpts) Match(e *Entry) bool {
	if o.Operation != "" && e.Operation != o.Operation {
		return false
	}
	if o.Action != "" && e.Action != o.Action {
		return false
	}
	if !o.Since.IsZero() && e.CreatedAt.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && !e.CreatedAt.Before(o.Until) {
		return false
	}
	return true
}

// Store persists ledger entries. Entries are never updated or deleted.
type Store interface {
	CreateLedgerEntry(ctx context.Context, tx types.Tx, e *Entry) error

	// ListLedgerEntries returns an account's entries, newest first.
	ListLedgerEntries(ctx context.Context, tx types.Tx, accountID id.AccountID, opts ListOpts) ([]*Entry, error)
}
