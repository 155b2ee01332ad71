package sources

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheEntry is one cached signal payload with its fetch time and TTL.
type CacheEntry struct {
	Value     []byte
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is within its TTL.
func (e CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) <= e.TTL
}

// Age returns how old the entry is.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// SignalCache memoizes source payloads across a turn and across nearby turns.
// Entries past their TTL are retained for a bounded stale window so a failing
// source can still be served degraded data; errors are never cached.
type SignalCache interface {
	Read(ctx context.Context, key string) (CacheEntry, bool)
	Write(ctx context.Context, key string, value []byte, ttl time.Duration)
	PruneExpired(ctx context.Context) int
}

// staleWindowFactor bounds how long past its TTL an entry may still be served
// as stale before it is dropped outright.
const staleWindowFactor = 2

// CacheKey builds a deterministic cache key from source name, the location
// set, and the calendar day. Labels are sorted so the same set of locations
// always maps to the same key.
func CacheKey(source string, day string, labels ...string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)
	parts := append([]string{source, day}, sorted...)
	return strings.Join(parts, "|")
}

// MemoryCache is the default in-process SignalCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CacheEntry), now: time.Now}
}

func (c *MemoryCache) Read(_ context.Context, key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	if e.Age(c.now()) > e.TTL*staleWindowFactor {
		delete(c.entries, key)
		return CacheEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) Write(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CacheEntry{Value: value, FetchedAt: c.now(), TTL: ttl}
}

// PruneExpired drops every entry past its stale window and returns the count.
func (c *MemoryCache) PruneExpired(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.Age(now) > e.TTL*staleWindowFactor {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
