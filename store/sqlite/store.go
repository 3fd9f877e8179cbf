// Package sqlite implements store.Store on SQLite via modernc.org/sqlite,
// a pure-Go driver. Balances are kept as integer hundredths.
//
// The transaction token accepted by every method is a *sql.Tx obtained from
// BeginTx; any other value runs the statement on the pool.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite" // registers the "sqlite" database/sql driver
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for account timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database file at path. SQLite allows one
// writer at a time, so the pool is limited to a single connection.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(db, opts...), nil
}

// New wraps an existing database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// BeginTx starts a transaction whose *sql.Tx can be passed as the engine's
// transaction token.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	return tx, wrap("begin", err)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(tx types.Tx) querier {
	if t, ok := tx.(*sql.Tx); ok && t != nil {
		return t
	}
	return s.db
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, tx types.Tx, a *account.Account) error {
	res, err := s.q(tx).ExecContext(ctx, `
INSERT INTO credit_accounts (`+accountColumns+`)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		a.ID.String(), types.ToCents(a.Balance), a.Tier, nullTime(a.TierExpiresAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return wrap("create account", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrap("create account", err)
	}
	if rows == 0 {
		return account.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, tx types.Tx, accountID id.AccountID) (*account.Account, error) {
	row := s.q(tx).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = ?`, accountID.String())
	a, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
		}
		return nil, wrap("get account", err)
	}
	return a, nil
}

func (s *Store) MutateBalance(ctx context.Context, tx types.Tx, accountID id.AccountID, delta decimal.Decimal) (*account.Account, error) {
	cents := types.ToCents(delta)
	q := s.q(tx)

	row := q.QueryRowContext(ctx, `
UPDATE credit_accounts
SET balance = balance + ?1, updated_at = ?2
WHERE id = ?3 AND (?1 >= 0 OR balance + ?1 >= 0)
RETURNING `+accountColumns,
		cents, formatTime(s.now()), accountID.String(),
	)
	a, err := scanAccount(row)
	if err == nil {
		return a, nil
	}
	if !isNoRows(err) {
		return nil, wrap("mutate balance", err)
	}

	// Nothing was updated: either the account is missing or the guard held.
	if _, err := s.GetAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}
	return nil, account.ErrInsufficientFunds
}

func (s *Store) SetTierAndBalance(ctx context.Context, tx types.Tx, accountID id.AccountID, tier string, balance decimal.Decimal, expiresAt *time.Time) (*account.Account, error) {
	row := s.q(tx).QueryRowContext(ctx, `
UPDATE credit_accounts
SET tier = ?, balance = ?, tier_expires_at = ?, updated_at = ?
WHERE id = ?
RETURNING `+accountColumns,
		tier, types.ToCents(balance), nullTime(expiresAt), formatTime(s.now()), accountID.String(),
	)
	a, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
		}
		return nil, wrap("set tier", err)
	}
	return a, nil
}

// ==================== Ledger Store ====================

func (s *Store) CreateLedgerEntry(ctx context.Context, tx types.Tx, e *entry.Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q(tx).ExecContext(ctx, `
INSERT INTO credit_ledger_entries (`+entryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.AccountID.String(), string(e.Operation), e.Action,
		types.ToCents(e.Delta), types.ToCents(e.BalanceBefore), types.ToCents(e.BalanceAfter),
		meta, formatTime(e.CreatedAt),
	)
	return wrap("create ledger entry", err)
}

func (s *Store) ListLedgerEntries(ctx context.Context, tx types.Tx, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM credit_ledger_entries WHERE account_id = ?`
	args := []any{accountID.String()}

	if opts.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, string(opts.Operation))
	}
	if opts.Action != "" {
		query += ` AND action = ?`
		args = append(args, opts.Action)
	}
	if !opts.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(opts.Since))
	}
	if !opts.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(opts.Until))
	}
	query += ` ORDER BY created_at DESC, id DESC` + limitClause(opts.Limit, opts.Offset)

	rows, err := s.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list ledger entries", err)
	}
	defer rows.Close()

	var result []*entry.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, wrap("list ledger entries", rows.Err())
}

// ==================== Audit Store ====================

func (s *Store) CreateAuditRecord(ctx context.Context, tx types.Tx, r *audit.Record) error {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q(tx).ExecContext(ctx, `
INSERT INTO credit_audit_records (`+auditColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.AccountID.String(), string(r.Operation), r.Action,
		string(r.Outcome), meta, r.Error, formatTime(r.CreatedAt),
	)
	return wrap("create audit record", err)
}

func (s *Store) ListAuditRecords(ctx context.Context, tx types.Tx, accountID id.AccountID, opts audit.ListOpts) ([]*audit.Record, error) {
	query := `SELECT ` + auditColumns + ` FROM credit_audit_records WHERE account_id = ?`
	args := []any{accountID.String()}

	if opts.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(opts.Outcome))
	}
	query += ` ORDER BY created_at DESC, id DESC` + limitClause(opts.Limit, opts.Offset)

	rows, err := s.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list audit records", err)
	}
	defer rows.Close()

	var result []*audit.Record
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, wrap("list audit records", rows.Err())
}

// ==================== Idempotency Store ====================

func (s *Store) GetIdempotencyRecord(ctx context.Context, tx types.Tx, key string) (*idempotency.Record, error) {
	var (
		result               []byte
		createdAt, expiresAt string
	)
	err := s.q(tx).QueryRowContext(ctx,
		`SELECT result, created_at, expires_at FROM credit_idempotency_records WHERE key = ?`, key,
	).Scan(&result, &createdAt, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, idempotency.ErrNotFound
		}
		return nil, wrap("get idempotency record", err)
	}
	r := &idempotency.Record{Key: key, Result: result}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) CreateIdempotencyRecord(ctx context.Context, tx types.Tx, r *idempotency.Record) error {
	res, err := s.q(tx).ExecContext(ctx, `
INSERT INTO credit_idempotency_records (key, result, created_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET
    result = excluded.result,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
WHERE credit_idempotency_records.expires_at <= excluded.created_at`,
		r.Key, []byte(r.Result), formatTime(r.CreatedAt), formatTime(r.ExpiresAt),
	)
	if err != nil {
		return wrap("create idempotency record", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return wrap("create idempotency record", err)
	}
	if rows == 0 {
		return idempotency.ErrDuplicateKey
	}
	return nil
}

// ==================== Helpers ====================

// wrap reports a busy or locked database as transient. Everything else
// the driver returns fails the same way on a retry.
func wrap(op string, err error) error {
	return store.Wrap(op, err, isBusy)
}

func isBusy(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func limitClause(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	default:
		return ""
	}
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
