// Package idempotency maps caller-supplied keys to the complete result of
// the operation that first used them, for a limited time.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/xraph/credits/types"
)

var (
	ErrNotFound = errors.New("credits: idempotency record not found")
	// ErrDuplicateKey is returned by CreateIdempotencyRecord when a live
	// record already holds the key.
	ErrDuplicateKey = errors.New("credits: idempotency key already recorded")
)

// Record is a cached operation result. Result is the exact JSON returned by
// the original call.
type Record struct {
	Key       string          `json:"key"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the record has lapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists idempotency records.
type Store interface {
	// GetIdempotencyRecord returns ErrNotFound when no record holds key. It
	// may return an expired record; callers check Expired.
	GetIdempotencyRecord(ctx context.Context, tx types.Tx, key string) (*Record, error)

	// CreateIdempotencyRecord inserts r unless a record live at r.CreatedAt
	// holds the key, in which case it returns ErrDuplicateKey. An expired
	// record with the same key is replaced. The check and insert must be
	// atomic.
	CreateIdempotencyRecord(ctx context.Context, tx types.Tx, r *Record) error
}

// Cache is an optional in-process layer in front of the Store.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}
