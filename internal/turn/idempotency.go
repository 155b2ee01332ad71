package turn

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// IdempotencyCache deduplicates turns sharing a client-supplied key. An
// in-flight duplicate joins the running execution via singleflight; a
// completed duplicate within the TTL window gets the cached result back.
type IdempotencyCache struct {
	group   singleflight.Group
	mu      sync.Mutex
	results map[string]idemEntry
	ttl     time.Duration
	now     func() time.Time
}

type idemEntry struct {
	result  TurnResult
	savedAt time.Time
}

func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &IdempotencyCache{
		results: make(map[string]idemEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Do executes fn at most once per key within the TTL window. Callers without
// a key bypass deduplication entirely.
func (c *IdempotencyCache) Do(ctx context.Context, key string, fn func() (TurnResult, error)) (TurnResult, error) {
	if key == "" {
		return fn()
	}

	c.mu.Lock()
	if e, ok := c.results[key]; ok {
		if c.now().Sub(e.savedAt) <= c.ttl {
			c.mu.Unlock()
			return e.result, nil
		}
		delete(c.results, key)
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		result, err := fn()
		if err == nil {
			c.mu.Lock()
			c.results[key] = idemEntry{result: result, savedAt: c.now()}
			c.mu.Unlock()
		}
		return result, err
	})
	if err != nil {
		return TurnResult{}, err
	}
	return v.(TurnResult), nil
}

// PruneExpired drops completed entries past the TTL and returns the count.
func (c *IdempotencyCache) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.results {
		if now.Sub(e.savedAt) > c.ttl {
			delete(c.results, k)
			n++
		}
	}
	return n
}
