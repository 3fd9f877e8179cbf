// Package redis implements idempotency.Store on Redis, for deployments that
// keep accounts in SQL or MongoDB but want idempotency keys to expire on
// their own. Records are hashes whose key TTL matches the record expiry.
//
// Redis has no notion of the engine's transaction token; it is ignored.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
)

// DefaultPrefix namespaces record keys.
const DefaultPrefix = "credits:idempotency:"

var _ idempotency.Store = (*Store)(nil)

// createScript inserts the record unless a live one holds the key.
// KEYS[1] record key; ARGV: result, created_at ms, expires_at ms.
var createScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > tonumber(ARGV[2]) then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'result', ARGV[1], 'created_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

// Store is a Redis-backed idempotency.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a Store over client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials addr and verifies connectivity.
func Connect(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, store.Wrap("ping", err)
	}
	return New(rdb, opts...), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.client.Ping(ctx).Err())
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, _ types.Tx, key string) (*idempotency.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Wrap("get idempotency record", err)
	}
	if len(fields) == 0 {
		return nil, idempotency.ErrNotFound
	}

	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, err
	}
	return &idempotency.Record{
		Key:       key,
		Result:    []byte(fields["result"]),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Store) CreateIdempotencyRecord(ctx context.Context, _ types.Tx, r *idempotency.Record) error {
	created, err := createScript.Run(ctx, s.client, []string{s.prefix + r.Key},
		string(r.Result), r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return store.Wrap("create idempotency record", err)
	}
	if created == 0 {
		return idempotency.ErrDuplicateKey
	}
	return nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, store.Wrap("decode idempotency record", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
