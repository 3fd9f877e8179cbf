package credits

import (
	"context"
	"fmt"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/tier"
	"github.com/xraph/credits/types"
)

// ──────────────────────────────────────────────────
// Account Management
// ──────────────────────────────────────────────────

// OpenAccount creates an account. Opening on a tier starts the account at
// the tier's credit cap unless req.Balance says otherwise.
func (e *Engine) OpenAccount(ctx context.Context, req OpenAccountRequest) (*account.Account, error) {
	now := e.now()
	a := &account.Account{
		Entity:        types.NewEntity(now),
		ID:            req.ID,
		Tier:          req.Tier,
		TierExpiresAt: req.ExpiresAt,
	}
	if a.ID.IsNil() {
		a.ID = id.NewAccountID()
	}

	if req.Tier != "" {
		t, err := e.tiers.Get(req.Tier)
		if err != nil {
			return nil, err
		}
		a.Balance = t.CreditCap
	} else if req.ExpiresAt != nil {
		return nil, fmt.Errorf("%w: tier expiry without a tier", ErrInvalidInput)
	}

	if req.Balance != nil {
		if req.Balance.IsNegative() {
			return nil, fmt.Errorf("%w: opening balance %s is negative", ErrInvalidInput, req.Balance)
		}
		a.Balance = types.RoundAmount(*req.Balance)
	}

	if err := e.store.CreateAccount(ctx, req.Tx, a); err != nil {
		return nil, err
	}

	e.logger.Debug("credits: account opened",
		"account_id", a.ID.String(),
		"tier", a.Tier,
		"balance", a.Balance.String(),
	)
	return a, nil
}

// QueryBalance returns the account's balance and tier.
func (e *Engine) QueryBalance(ctx context.Context, tx types.Tx, accountID id.AccountID) (*Balance, error) {
	a, err := e.store.GetAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		AccountID:     a.ID,
		Balance:       a.Balance,
		Tier:          a.Tier,
		TierExpiresAt: a.TierExpiresAt,
		ActiveTier:    tier.Active(a.Tier, a.TierExpiresAt, e.now()),
	}, nil
}

// GetHistory returns the account's ledger entries, newest first.
func (e *Engine) GetHistory(ctx context.Context, tx types.Tx, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	if _, err := e.store.GetAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListLedgerEntries(ctx, tx, accountID, opts)
}

// ListAudit returns the account's audit records, newest first.
func (e *Engine) ListAudit(ctx context.Context, tx types.Tx, accountID id.AccountID, opts audit.ListOpts) ([]*audit.Record, error) {
	return e.store.ListAuditRecords(ctx, tx, accountID, opts)
}

// ValidateAccess reports whether the account may perform action, without
// pricing or charging it. It returns nil, ErrUndefinedAction,
// ErrAccountNotFound or a *MembershipRequiredError.
func (e *Engine) ValidateAccess(ctx context.Context, tx types.Tx, accountID id.AccountID, action string) error {
	minTier, err := e.resolver.MinTier(action)
	if err != nil {
		return err
	}

	a, err := e.store.GetAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	return e.tiers.Check(minTier, a.Tier, a.TierExpiresAt, e.now())
}
