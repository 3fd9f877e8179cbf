// Package memory is an in-process store for tests and single-node
// deployments. Transaction tokens are accepted and ignored; every method is
// atomic on its own.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	accounts map[string]*account.Account

	// Per-account history in insertion order.
	entries map[string][]*entry.Entry
	audits  map[string][]*audit.Record

	idempotency map[string]*idempotency.Record

	now    func() time.Time
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for account timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[string]*account.Account),
		entries:     make(map[string][]*entry.Entry),
		audits:      make(map[string][]*audit.Record),
		idempotency: make(map[string]*idempotency.Record),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Account Store implementation
func (s *Store) CreateAccount(_ context.Context, _ types.Tx, a *account.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if _, exists := s.accounts[a.ID.String()]; exists {
		return account.ErrAlreadyExists
	}
	s.accounts[a.ID.String()] = a.Clone()
	return nil
}

func (s *Store) GetAccount(_ context.Context, _ types.Tx, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	if a, ok := s.accounts[accountID.String()]; ok {
		return a.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
}

func (s *Store) MutateBalance(_ context.Context, _ types.Tx, accountID id.AccountID, delta decimal.Decimal) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	a, ok := s.accounts[accountID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
	}

	next := a.Balance.Add(delta)
	if delta.IsNegative() && next.IsNegative() {
		return nil, account.ErrInsufficientFunds
	}
	a.Balance = next
	a.Touch(s.now())
	return a.Clone(), nil
}

func (s *Store) SetTierAndBalance(_ context.Context, _ types.Tx, accountID id.AccountID, tier string, balance decimal.Decimal, expiresAt *time.Time) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	a, ok := s.accounts[accountID.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", account.ErrNotFound, accountID)
	}

	a.Tier = tier
	a.Balance = balance
	a.TierExpiresAt = nil
	if expiresAt != nil {
		t := expiresAt.UTC()
		a.TierExpiresAt = &t
	}
	a.Touch(s.now())
	return a.Clone(), nil
}

// Ledger Store implementation
func (s *Store) CreateLedgerEntry(_ context.Context, _ types.Tx, e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	key := e.AccountID.String()
	s.entries[key] = append(s.entries[key], &cp)
	return nil
}

func (s *Store) ListLedgerEntries(_ context.Context, _ types.Tx, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	all := s.entries[accountID.String()]
	result := make([]*entry.Entry, 0, len(all))
	for _, e := range slices.Backward(all) {
		if opts.Match(e) {
			cp := *e
			cp.Metadata = maps.Clone(e.Metadata)
			result = append(result, &cp)
		}
	}
	return page(result, opts.Offset, opts.Limit), nil
}

// Audit Store implementation
func (s *Store) CreateAuditRecord(_ context.Context, _ types.Tx, r *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	key := r.AccountID.String()
	s.audits[key] = append(s.audits[key], &cp)
	return nil
}

func (s *Store) ListAuditRecords(_ context.Context, _ types.Tx, accountID id.AccountID, opts audit.ListOpts) ([]*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	all := s.audits[accountID.String()]
	result := make([]*audit.Record, 0, len(all))
	for _, r := range slices.Backward(all) {
		if opts.Outcome == "" || r.Outcome == opts.Outcome {
			cp := *r
			cp.Metadata = maps.Clone(r.Metadata)
			result = append(result, &cp)
		}
	}
	return page(result, opts.Offset, opts.Limit), nil
}

// Idempotency Store implementation
func (s *Store) GetIdempotencyRecord(_ context.Context, _ types.Tx, key string) (*idempotency.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, store.ErrClosed
	}
	if r, ok := s.idempotency[key]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, idempotency.ErrNotFound
}

func (s *Store) CreateIdempotencyRecord(_ context.Context, _ types.Tx, r *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	if existing, ok := s.idempotency[r.Key]; ok && !existing.Expired(r.CreatedAt) {
		return idempotency.ErrDuplicateKey
	}
	cp := *r
	cp.Result = slices.Clone(r.Result)
	s.idempotency[r.Key] = &cp
	return nil
}

// Core methods
func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	start := max(offset, 0)
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
