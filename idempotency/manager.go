package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/credits/types"
)

// DefaultTTL is how long results are kept when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Manager checks and saves idempotent results.
type Manager struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets how long saved results stay live.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithCache puts c in front of the store. Only results read outside a
// caller transaction are cached.
func WithCache(c Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager over s.
func NewManager(s Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured lifetime of saved results.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Check returns the cached result for key. ok is false when no live record
// exists.
func (m *Manager) Check(ctx context.Context, tx types.Tx, key string) (result json.RawMessage, ok bool, err error) {
	if m.cache != nil && tx == nil {
		if data, hit := m.cache.Get(key); hit {
			return data, true, nil
		}
	}

	rec, err := m.store.GetIdempotencyRecord(ctx, tx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency: check %q: %w", key, err)
	}

	now := m.now()
	if rec.Expired(now) {
		return nil, false, nil
	}

	if m.cache != nil && tx == nil {
		m.cache.Set(key, rec.Result, rec.ExpiresAt.Sub(now))
	}
	return rec.Result, true, nil
}

// Save stores result under key. If another caller saved the key first, the
// winner's result is returned with replayed set, and result is discarded.
func (m *Manager) Save(ctx context.Context, tx types.Tx, key string, result json.RawMessage) (stored json.RawMessage, replayed bool, err error) {
	now := m.now().UTC()
	rec := &Record{
		Key:       key,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	err = m.store.CreateIdempotencyRecord(ctx, tx, rec)
	if err == nil {
		return result, false, nil
	}
	if !errors.Is(err, ErrDuplicateKey) {
		return nil, false, fmt.Errorf("idempotency: save %q: %w", key, err)
	}

	winner, ok, checkErr := m.Check(ctx, tx, key)
	if checkErr != nil {
		return nil, false, checkErr
	}
	if !ok {
		// The conflicting record expired between the insert and the read.
		return nil, false, fmt.Errorf("idempotency: save %q: %w", key, err)
	}

	m.logger.Debug("idempotency: lost save race, using stored result", "key", key)
	return winner, true, nil
}
