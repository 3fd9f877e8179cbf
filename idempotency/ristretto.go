package idempotency

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoCache is an in-process Cache backed by ristretto.
type RistrettoCache struct {
	c *ristretto.Cache[string, []byte]
}

var _ Cache = (*RistrettoCache)(nil)

// NewRistrettoCache creates a cache holding up to maxCostBytes of results.
func NewRistrettoCache(maxCostBytes int64) (*RistrettoCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/100*10, 1000), // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{c: c}, nil
}

// Get implements Cache.
func (r *RistrettoCache) Get(key string) ([]byte, bool) {
	return r.c.Get(key)
}

// Set implements Cache. Values are admitted asynchronously.
func (r *RistrettoCache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.c.SetWithTTL(key, value, int64(len(value)), ttl)
}

// Delete implements Cache.
func (r *RistrettoCache) Delete(key string) {
	r.c.Del(key)
}

// Wait blocks until pending writes are applied.
func (r *RistrettoCache) Wait() {
	r.c.Wait()
}

// Close releases the cache.
func (r *RistrettoCache) Close() {
	r.c.Close()
}
