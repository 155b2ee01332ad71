package sources

import (
	"context"
	"testing"
	"time"
)

func TestCacheKeyOrderInsensitive(t *testing.T) {
	a := CacheKey("weather", "2026-08-30", "Astoria", "SoHo")
	b := CacheKey("weather", "2026-08-30", "SoHo", "Astoria")
	if a != b {
		t.Fatalf("expected identical keys, got %q vs %q", a, b)
	}
	c := CacheKey("weather", "2026-08-31", "Astoria", "SoHo")
	if a == c {
		t.Fatalf("different days must produce different keys")
	}
}

func TestMemoryCacheFreshAndStale(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	cache.Write(ctx, "k", []byte(`{"v":1}`), time.Hour)

	entry, ok := cache.Read(ctx, "k")
	if !ok || !entry.Fresh(now) {
		t.Fatalf("expected fresh entry, got ok=%v fresh=%v", ok, entry.Fresh(now))
	}

	// Past TTL but inside the stale window: still readable, no longer fresh.
	now = now.Add(90 * time.Minute)
	entry, ok = cache.Read(ctx, "k")
	if !ok {
		t.Fatalf("expected stale entry to be served")
	}
	if entry.Fresh(now) {
		t.Fatalf("entry past TTL must not report fresh")
	}

	// Past the stale window: dropped.
	now = now.Add(90 * time.Minute)
	if _, ok := cache.Read(ctx, "k"); ok {
		t.Fatalf("expected entry past stale window to be dropped")
	}
}

func TestMemoryCachePruneExpired(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }

	ctx := context.Background()
	cache.Write(ctx, "old", []byte("1"), time.Minute)
	cache.Write(ctx, "young", []byte("2"), time.Hour)

	now = now.Add(5 * time.Minute)
	if n := cache.PruneExpired(ctx); n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}
	if _, ok := cache.Read(ctx, "young"); !ok {
		t.Fatalf("young entry must survive the sweep")
	}
}
