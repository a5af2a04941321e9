// internal/idempotency/redis_cache.go
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = 24 * time.Hour

// RedisCache 用 SetNX 缓存已提交的处理结果，TTL 到期后回落到账本
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(consumer, eventID string) string {
	return fmt.Sprintf("idem:%s:%s", consumer, eventID)
}

func (c *RedisCache) Get(ctx context.Context, consumer, eventID string) (string, bool, error) {
	v, err := c.client.Get(ctx, cacheKey(consumer, eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get")
	}
	return v, true, nil
}

func (c *RedisCache) Put(ctx context.Context, consumer, eventID, outcome string) error {
	// 先写入者为准，结果不会被覆盖
	_, err := c.client.SetNX(ctx, cacheKey(consumer, eventID), outcome, c.ttl).Result()
	return errors.Wrap(err, "redis setnx")
}
