package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// TTL is a bounded cache for short-lived lookups such as moderation grants
// and mute lists. Values may be dropped at any time; callers treat a miss
// as "query the store".
type TTL[V any] struct {
	cache *ristretto.Cache[string, V]
	ttl   time.Duration
}

// NewTTL creates a cache holding up to max entries for ttl each.
func NewTTL[V any](max int64, ttl time.Duration) (*TTL[V], error) {
	if max <= 0 {
		max = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: max * 10,
		MaxCost:     max,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &TTL[V]{cache: c, ttl: ttl}, nil
}

// Get returns the cached value for key.
func (t *TTL[V]) Get(key string) (V, bool) {
	return t.cache.Get(key)
}

// Set stores value for the configured ttl. Writes become visible
// asynchronously; call Wait when a test needs them immediately.
func (t *TTL[V]) Set(key string, value V) {
	t.cache.SetWithTTL(key, value, 1, t.ttl)
}

// Delete removes key.
func (t *TTL[V]) Delete(key string) {
	t.cache.Del(key)
}

// Wait blocks until buffered writes are applied.
func (t *TTL[V]) Wait() {
	t.cache.Wait()
}

// Close releases the cache's goroutines.
func (t *TTL[V]) Close() {
	t.cache.Close()
}
