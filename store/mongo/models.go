package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/types"
)

// ==================== Account models ====================

type accountModel struct {
	ID            string     `bson:"_id"`
	Balance       int64      `bson:"balance"`
	Tier          string     `bson:"tier"`
	TierExpiresAt *time.Time `bson:"tier_expires_at,omitempty"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		ID:            a.ID.String(),
		Balance:       types.ToCents(a.Balance),
		Tier:          a.Tier,
		TierExpiresAt: a.TierExpiresAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	accountID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, err
	}
	a := &account.Account{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:      accountID,
		Balance: types.FromCents(m.Balance),
		Tier:    m.Tier,
	}
	if m.TierExpiresAt != nil {
		t := m.TierExpiresAt.UTC()
		a.TierExpiresAt = &t
	}
	return a, nil
}

// ==================== Ledger entry models ====================

type entryModel struct {
	ID            string    `bson:"_id"`
	AccountID     string    `bson:"account_id"`
	Operation     string    `bson:"operation"`
	Action        string    `bson:"action"`
	Delta         int64     `bson:"delta"`
	BalanceBefore int64     `bson:"balance_before"`
	BalanceAfter  int64     `bson:"balance_after"`
	Metadata      bson.Raw  `bson:"metadata,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

func toEntryModel(e *entry.Entry) (*entryModel, error) {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	return &entryModel{
		ID:            e.ID.String(),
		AccountID:     e.AccountID.String(),
		Operation:     string(e.Operation),
		Action:        e.Action,
		Delta:         types.ToCents(e.Delta),
		BalanceBefore: types.ToCents(e.BalanceBefore),
		BalanceAfter:  types.ToCents(e.BalanceAfter),
		Metadata:      meta,
		CreatedAt:     e.CreatedAt,
	}, nil
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	e := &entry.Entry{
		Operation:     types.Operation(m.Operation),
		Action:        m.Action,
		Delta:         types.FromCents(m.Delta),
		BalanceBefore: types.FromCents(m.BalanceBefore),
		BalanceAfter:  types.FromCents(m.BalanceAfter),
		CreatedAt:     m.CreatedAt.UTC(),
	}
	var err error
	if e.ID, err = id.ParseTransactionID(m.ID); err != nil {
		return nil, err
	}
	if e.AccountID, err = id.ParseAccountID(m.AccountID); err != nil {
		return nil, err
	}
	if e.Metadata, err = decodeMetadata(m.Metadata); err != nil {
		return nil, err
	}
	return e, nil
}

// ==================== Audit models ====================

type auditModel struct {
	ID        string    `bson:"_id"`
	AccountID string    `bson:"account_id"`
	Operation string    `bson:"operation"`
	Action    string    `bson:"action"`
	Outcome   string    `bson:"outcome"`
	Metadata  bson.Raw  `bson:"metadata,omitempty"`
	Error     string    `bson:"error,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func toAuditModel(r *audit.Record) (*auditModel, error) {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return nil, err
	}
	return &auditModel{
		ID:        r.ID.String(),
		AccountID: r.AccountID.String(),
		Operation: string(r.Operation),
		Action:    r.Action,
		Outcome:   string(r.Outcome),
		Metadata:  meta,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
	}, nil
}

func fromAuditModel(m *auditModel) (*audit.Record, error) {
	r := &audit.Record{
		Operation: types.Operation(m.Operation),
		Action:    m.Action,
		Outcome:   audit.Outcome(m.Outcome),
		Error:     m.Error,
		CreatedAt: m.CreatedAt.UTC(),
	}
	var err error
	if r.ID, err = id.ParseAuditID(m.ID); err != nil {
		return nil, err
	}
	if r.AccountID, err = id.ParseAccountID(m.AccountID); err != nil {
		return nil, err
	}
	if r.Metadata, err = decodeMetadata(m.Metadata); err != nil {
		return nil, err
	}
	return r, nil
}

// ==================== Idempotency models ====================

type idempotencyModel struct {
	Key       string    `bson:"_id"`
	Result    []byte    `bson:"result"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func fromIdempotencyModel(m *idempotencyModel) *idempotency.Record {
	return &idempotency.Record{
		Key:       m.Key,
		Result:    m.Result,
		CreatedAt: m.CreatedAt.UTC(),
		ExpiresAt: m.ExpiresAt.UTC(),
	}
}

// ==================== Helpers ====================

// Metadata is stored as a native sub-document and read back through
// relaxed extended JSON, so callers always get plain JSON types
// (map[string]any, []any, float64) regardless of the BSON decoder defaults.

func encodeMetadata(m map[string]any) (bson.Raw, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := bson.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return bson.Raw(b), nil
}

func decodeMetadata(raw bson.Raw) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
