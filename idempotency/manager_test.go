package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func (c *mapCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
	c.sets++
}

func (c *mapCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func TestCheckMissingKey(t *testing.T) {
	m := idempotency.NewManager(memory.New())

	_, ok, err := m.Check(context.Background(), nil, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, idempotency.DefaultTTL, m.TTL())
}

func TestSaveThenCheck(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := idempotency.NewManager(memory.New(), idempotency.WithClock(clk.Now), idempotency.WithTTL(time.Hour))

	result := json.RawMessage(`{"balance_after":"86.5"}`)
	stored, replayed, err := m.Save(ctx, nil, "k1", result)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, result, stored)

	got, ok, err := m.Check(ctx, nil, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(result), string(got))
}

func TestRecordsExpire(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := idempotency.NewManager(memory.New(), idempotency.WithClock(clk.Now), idempotency.WithTTL(time.Hour))

	_, _, err := m.Save(ctx, nil, "k1", json.RawMessage(`1`))
	require.NoError(t, err)

	clk.Advance(59 * time.Minute)
	_, ok, err := m.Check(ctx, nil, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(time.Minute)
	_, ok, err = m.Check(ctx, nil, "k1")
	require.NoError(t, err)
	assert.False(t, ok, "record is dead at its expiry instant")

	stored, replayed, err := m.Save(ctx, nil, "k1", json.RawMessage(`2`))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "2", string(stored))
}

func TestLostRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	m := idempotency.NewManager(memory.New())

	_, _, err := m.Save(ctx, nil, "k1", json.RawMessage(`{"winner":true}`))
	require.NoError(t, err)

	stored, replayed, err := m.Save(ctx, nil, "k1", json.RawMessage(`{"winner":false}`))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"winner":true}`, string(stored))
}

func TestCacheUsedOutsideTransactions(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{}
	s := memory.New()
	m := idempotency.NewManager(s, idempotency.WithCache(cache))

	_, _, err := m.Save(ctx, nil, "k1", json.RawMessage(`"r"`))
	require.NoError(t, err)

	_, ok, err := m.Check(ctx, "tx", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, cache.sets, "reads inside a transaction bypass the cache")

	_, ok, err = m.Check(ctx, nil, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, cache.sets)

	// Served from the cache once the store is gone.
	require.NoError(t, s.Close())
	got, ok, err := m.Check(ctx, nil, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"r"`, string(got))
}

type failingStore struct{ err error }

func (f failingStore) GetIdempotencyRecord(context.Context, types.Tx, string) (*idempotency.Record, error) {
	return nil, f.err
}

func (f failingStore) CreateIdempotencyRecord(context.Context, types.Tx, *idempotency.Record) error {
	return f.err
}

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("connection refused")
	m := idempotency.NewManager(failingStore{err: boom})

	_, _, err := m.Check(context.Background(), nil, "k")
	assert.ErrorIs(t, err, boom)

	_, _, err = m.Save(context.Background(), nil, "k", json.RawMessage(`1`))
	assert.ErrorIs(t, err, boom)
}

func TestRistrettoCache(t *testing.T) {
	c, err := idempotency.NewRistrettoCache(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	c.Set("k", []byte(`{"n":1}`), time.Minute)
	c.Set("skipped", []byte(`1`), 0)
	c.Wait()

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, `{"n":1}`, string(got))

	_, ok = c.Get("skipped")
	assert.False(t, ok)

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}
