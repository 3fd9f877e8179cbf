// Package account defines the credit account model and its store contract.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

var (
	ErrNotFound      = errors.New("credits: account not found")
	ErrAlreadyExists = errors.New("credits: account already exists")
	// ErrInsufficientFunds is returned by MutateBalance when a debit would
	// take the balance below zero. The balance is left unchanged.
	ErrInsufficientFunds = errors.New("credits: balance would become negative")
)

// Account holds a credit balance and an optional membership tier.
type Account struct {
	types.Entity

	ID            id.AccountID    `json:"id"`
	Balance       decimal.Decimal `json:"balance"`
	Tier          string          `json:"tier,omitempty"`
	TierExpiresAt *time.Time      `json:"tier_expires_at,omitempty"`
}

// HasTier reports whether the account is on a tier, expired or not.
func (a *Account) HasTier() bool { return a.Tier != "" }

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	if a.TierExpiresAt != nil {
		t := *a.TierExpiresAt
		c.TierExpiresAt = &t
	}
	return &c
}

// Store persists accounts. Every method takes the caller's transaction
// token and must use it when non-nil.
type Store interface {
	// CreateAccount inserts a. Returns ErrAlreadyExists on ID conflict.
	CreateAccount(ctx context.Context, tx types.Tx, a *Account) error

	// GetAccount returns ErrNotFound when no account has the ID.
	GetAccount(ctx context.Context, tx types.Tx, accountID id.AccountID) (*Account, error)

	// MutateBalance atomically adds delta to the balance and returns the
	// updated account. A negative delta that would leave a negative balance
	// fails with ErrInsufficientFunds and changes nothing.
	MutateBalance(ctx context.Context, tx types.Tx, accountID id.AccountID, delta decimal.Decimal) (*Account, error)

	// SetTierAndBalance sets the tier, its expiry and an absolute balance.
	SetTierAndBalance(ctx context.Context, tx types.Tx, accountID id.AccountID, tier string, balance decimal.Decimal, expiresAt *time.Time) (*Account, error)
}
