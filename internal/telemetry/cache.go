package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"telemetry-alert/internal/config"
	"telemetry-alert/internal/logging"
)

const statsCacheKey = "dashboard:stats"

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Close() error { return c.rdb.Close() }

// CachedStats shares one snapshot computation per TTL across replicas.
// Recent and Since pass through to the wrapped source.
type CachedStats struct {
	Source
	cache Cache
	ttl   time.Duration
}

func NewCachedStats(src Source, cache Cache, ttl time.Duration) *CachedStats {
	return &CachedStats{Source: src, cache: cache, ttl: ttl}
}

func (c *CachedStats) Snapshot(ctx context.Context) (Snapshot, error) {
	if raw, err := c.cache.Get(ctx, statsCacheKey); err == nil {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return snap, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		logging.Warnf("stats cache read failed: %v", err)
	}

	snap, err := c.Source.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if raw, err := json.Marshal(snap); err == nil {
		if err := c.cache.Set(ctx, statsCacheKey, raw, c.ttl); err != nil {
			logging.Warnf("stats cache write failed: %v", err)
		}
	}
	return snap, nil
}
