// Package cache stores derived read models (BOM hierarchies) in redis.
// Cached values are never authoritative: a cache failure degrades to a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache 缓存接口
type Cache interface {
	// Get decodes the value at key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisCache JSON 编码的 redis 缓存
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCache creates a cache namespaced under prefix.
func NewRedisCache(rdb redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Safe wraps a cache so that every failure is logged and swallowed. Get
// reports a miss, Set and Delete report success.
type Safe struct {
	inner  Cache
	logger *zap.Logger
}

// NewSafe wraps inner. A nil inner yields a cache that always misses.
func NewSafe(inner Cache, logger *zap.Logger) *Safe {
	return &Safe{inner: inner, logger: logger.Named("cache")}
}

func (s *Safe) Get(ctx context.Context, key string, dst any) (bool, error) {
	if s.inner == nil {
		return false, nil
	}
	ok, err := s.inner.Get(ctx, key, dst)
	if err != nil {
		s.logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return ok, nil
}

func (s *Safe) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if s.inner == nil {
		return nil
	}
	if err := s.inner.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (s *Safe) Delete(ctx context.Context, keys ...string) error {
	if s.inner == nil {
		return nil
	}
	if err := s.inner.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
	return nil
}
