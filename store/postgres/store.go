// Package postgres implements store.Store on PostgreSQL via pgx. The
// transaction token accepted by every method is a pgx.Tx; any other value
// runs the statement on the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for account timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect creates a pool from dsn and verifies it.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credits/postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// BeginTx starts a transaction usable as the engine's transaction token.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	return tx, wrap("begin", err)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) q(tx types.Tx) querier {
	if t, ok := tx.(pgx.Tx); ok && t != nil {
		return t
	}
	return s.pool
}

// --- Accounts ---

func (s *Store) CreateAccount(ctx context.Context, tx types.Tx, a *account.Account) error {
	tag, err := s.q(tx).Exec(ctx,
		`INSERT INTO credit_accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID.String(), types.ToCents(a.Balance), a.Tier, a.TierExpiresAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return wrap("create account", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, tx types.Tx, accountID id.AccountID) (*account.Account, error) {
	row := s.q(tx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1`, accountID.String())
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
		}
		return nil, wrap("get account", err)
	}
	return a, nil
}

func (s *Store) MutateBalance(ctx context.Context, tx types.Tx, accountID id.AccountID, delta decimal.Decimal) (*account.Account, error) {
	row := s.q(tx).QueryRow(ctx,
		`UPDATE credit_accounts
		 SET balance = balance + $1, updated_at = $2
		 WHERE id = $3 AND ($1 >= 0 OR balance + $1 >= 0)
		 RETURNING `+accountColumns,
		types.ToCents(delta), s.now().UTC(), accountID.String())
	a, err := scanAccount(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap("mutate balance", err)
	}

	// Nothing was updated: either the account is missing or the guard held.
	if _, err := s.GetAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}
	return nil, account.ErrInsufficientFunds
}

func (s *Store) SetTierAndBalance(ctx context.Context, tx types.Tx, accountID id.AccountID, tier string, balance decimal.Decimal, expiresAt *time.Time) (*account.Account, error) {
	row := s.q(tx).QueryRow(ctx,
		`UPDATE credit_accounts
		 SET tier = $1, balance = $2, tier_expires_at = $3, updated_at = $4
		 WHERE id = $5
		 RETURNING `+accountColumns,
		tier, types.ToCents(balance), expiresAt, s.now().UTC(), accountID.String())
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
		}
		return nil, wrap("set tier", err)
	}
	return a, nil
}

// --- Ledger entries ---

func (s *Store) CreateLedgerEntry(ctx context.Context, tx types.Tx, e *entry.Entry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q(tx).Exec(ctx,
		`INSERT INTO credit_ledger_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID.String(), e.AccountID.String(), string(e.Operation), e.Action,
		types.ToCents(e.Delta), types.ToCents(e.BalanceBefore), types.ToCents(e.BalanceAfter),
		meta, e.CreatedAt)
	return wrap("create ledger entry", err)
}

func (s *Store) ListLedgerEntries(ctx context.Context, tx types.Tx, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var w where
	w.add("account_id = ?", accountID.String())
	if opts.Operation != "" {
		w.add("operation = ?", string(opts.Operation))
	}
	if opts.Action != "" {
		w.add("action = ?", opts.Action)
	}
	if !opts.Since.IsZero() {
		w.add("created_at >= ?", opts.Since)
	}
	if !opts.Until.IsZero() {
		w.add("created_at < ?", opts.Until)
	}

	query := `SELECT ` + entryColumns + ` FROM credit_ledger_entries WHERE ` + w.sql() +
		` ORDER BY created_at DESC, id DESC` + limitClause(opts.Limit, opts.Offset)

	rows, err := s.q(tx).Query(ctx, query, w.args...)
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

// --- Audit records ---

func (s *Store) CreateAuditRecord(ctx context.Context, tx types.Tx, r *audit.Record) error {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q(tx).Exec(ctx,
		`INSERT INTO credit_audit_records (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID.String(), r.AccountID.String(), string(r.Operation), r.Action,
		string(r.Outcome), meta, r.Error, r.CreatedAt)
	return wrap("create audit record", err)
}

func (s *Store) ListAuditRecords(ctx context.Context, tx types.Tx, accountID id.AccountID, opts audit.ListOpts) ([]*audit.Record, error) {
	var w where
	w.add("account_id = ?", accountID.String())
	if opts.Outcome != "" {
		w.add("outcome = ?", string(opts.Outcome))
	}

	query := `SELECT ` + auditColumns + ` FROM credit_audit_records WHERE ` + w.sql() +
		` ORDER BY created_at DESC, id DESC` + limitClause(opts.Limit, opts.Offset)

	rows, err := s.q(tx).Query(ctx, query, w.args...)
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

// --- Idempotency records ---

func (s *Store) GetIdempotencyRecord(ctx context.Context, tx types.Tx, key string) (*idempotency.Record, error) {
	var (
		result               []byte
		createdAt, expiresAt time.Time
	)
	err := s.q(tx).QueryRow(ctx,
		`SELECT result, created_at, expires_at FROM credit_idempotency_records WHERE key = $1`, key,
	).Scan(&result, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrNotFound
		}
		return nil, wrap("get idempotency record", err)
	}
	return &idempotency.Record{
		Key:       key,
		Result:    result,
		CreatedAt: createdAt.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

func (s *Store) CreateIdempotencyRecord(ctx context.Context, tx types.Tx, r *idempotency.Record) error {
	tag, err := s.q(tx).Exec(ctx,
		`INSERT INTO credit_idempotency_records (key, result, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET
		     result = EXCLUDED.result,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE credit_idempotency_records.expires_at <= EXCLUDED.created_at`,
		r.Key, []byte(r.Result), r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return wrap("create idempotency record", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrDuplicateKey
	}
	return nil
}
