package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

type scanner interface {
	Scan(dest ...any) error
}

// ==================== Account models ====================

const accountColumns = `id, balance, tier, tier_expires_at, created_at, updated_at`

func scanAccount(row scanner) (*account.Account, error) {
	var (
		rawID, tier, createdAt, updatedAt string
		balance                           int64
		expires                           sql.NullString
	)
	if err := row.Scan(&rawID, &balance, &tier, &expires, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	accountID, err := id.ParseAccountID(rawID)
	if err != nil {
		return nil, err
	}
	a := &account.Account{ID: accountID, Balance: types.FromCents(balance), Tier: tier}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if expires.Valid {
		t, err := parseTime(expires.String)
		if err != nil {
			return nil, err
		}
		a.TierExpiresAt = &t
	}
	return a, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// ==================== Ledger entry models ====================

const entryColumns = `id, account_id, operation, action, delta, balance_before, balance_after, metadata, created_at`

func scanEntry(row scanner) (*entry.Entry, error) {
	var (
		rawID, rawAccount, op, action, meta, createdAt string
		delta, before, after                           int64
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
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return e, nil
}

// ==================== Audit models ====================

const auditColumns = `id, account_id, operation, action, outcome, metadata, error, created_at`

func scanAudit(row scanner) (*audit.Record, error) {
	var rawID, rawAccount, op, action, outcome, meta, errText, createdAt string
	if err := row.Scan(&rawID, &rawAccount, &op, &action, &outcome, &meta, &errText, &createdAt); err != nil {
		return nil, err
	}

	r := &audit.Record{
		Operation: types.Operation(op),
		Action:    action,
		Outcome:   audit.Outcome(outcome),
		Error:     errText,
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
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return r, nil
}

// ==================== Helpers ====================

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
