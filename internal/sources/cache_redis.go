package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lineops/shiftline/config"
)

// RedisCache is a SignalCache backed by Redis so cached signals are shared
// across replicas. Expiry is delegated to the server: keys are set with the
// stale-window expiration and freshness is judged from the stored fetch time.
type RedisCache struct {
	client *redis.Client
	logger *log.Logger
}

type redisEnvelope struct {
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetched_at"`
	TTLMillis int64           `json:"ttl_ms"`
}

// NewRedisCache connects and pings the configured Redis instance.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig, logger *log.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client, logger: logger}, nil
}

func (c *RedisCache) Read(ctx context.Context, key string) (CacheEntry, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Printf("cache read %s: %v", key, err)
		}
		return CacheEntry{}, false
	}
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return CacheEntry{}, false
	}
	return CacheEntry{Value: env.Value, FetchedAt: env.FetchedAt, TTL: time.Duration(env.TTLMillis) * time.Millisecond}, true
}

func (c *RedisCache) Write(ctx context.Context, key string, value []byte, ttl time.Duration) {
	env := redisEnvelope{Value: value, FetchedAt: time.Now().UTC(), TTLMillis: ttl.Milliseconds()}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl*staleWindowFactor).Err(); err != nil && c.logger != nil {
		c.logger.Printf("cache write %s: %v", key, err)
	}
}

// PruneExpired is a no-op: Redis expires keys server-side.
func (c *RedisCache) PruneExpired(context.Context) int { return 0 }
