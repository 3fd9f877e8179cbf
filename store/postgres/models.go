package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// ==================== Account models ====================

const accountColumns = `id, balance, tier, tier_expires_at, created_at, updated_at`

func scanAccount(row scannable) (*account.Account, error) {
	var (
		rawID, tier string
		balance     int64
		a           account.Account
	)
	if err := row.Scan(&rawID, &balance, &tier, &a.TierExpiresAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	accountID, err := id.ParseAccountID(rawID)
	if err != nil {
		return nil, err
	}
	a.ID = accountID
	a.Balance = types.FromCents(balance)
	a.Tier = tier
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.TierExpiresAt != nil {
		t := a.TierExpiresAt.UTC()
		a.TierExpiresAt = &t
	}
	return &a, nil
}

// ==================== Ledger entry models ====================

const entryColumns = `id, account_id, operation, action, delta, balance_before, balance_after, metadata, created_at`

func scanEntry(row scannable) (*entry.Entry, error) {
	var (
		rawID, rawAccount, op, action string
		delta, before, after          int64
		meta                          []byte
		createdAt                     time.Time
	)
	if err := row.Scan(&rawID, &rawAccount, &op, &action, &delta, &before, &after, &meta, &createdAt); err != nil {
		return nil, err
	}

	e := &entry.Entry{
		Operation:     types.Operation(op),
		Action:        action,
		Delta:         types.FromCents(delta),
		BalanceBefore: types.FromCents(before),
		BalanceAfter:  types.FromCents(after),
		CreatedAt:     createdAt.UTC(),
	}
	var err error
	if e.ID, err = id.ParseTransactionID(rawID); err != nil {
		return nil, err
	}
	if e.AccountID, err = id.ParseAccountID(rawAccount); err != nil {
		return nil, err
	}
	if e.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return e, nil
}

// ==================== Audit models ====================

const auditColumns = `id, account_id, operation, action, outcome, metadata, error, created_at`

func scanAudit(row scannable) (*audit.Record, error) {
	var (
		rawID, rawAccount, op, action, outcome, errText string
		meta                                            []byte
		createdAt                                       time.Time
	)
	if err := row.Scan(&rawID, &rawAccount, &op, &action, &outcome, &meta, &errText, &createdAt); err != nil {
		return nil, err
	}

	r := &audit.Record{
		Operation: types.Operation(op),
		Action:    action,
		Outcome:   audit.Outcome(outcome),
		Error:     errText,
		CreatedAt: createdAt.UTC(),
	}
	var err error
	if r.ID, err = id.ParseAuditID(rawID); err != nil {
		return nil, err
	}
	if r.AccountID, err = id.ParseAccountID(rawAccount); err != nil {
		return nil, err
	}
	if r.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	return r, nil
}

// ==================== Helpers ====================

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
