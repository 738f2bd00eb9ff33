package acl

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the read-through cache in front of the ACL store. Implementations
// must degrade to a miss when the backend is unavailable; the engine operates
// without cache rather than blocking.
type Cache interface {
	Get(ctx context.Context, memoryID string) (*MemoryACL, bool)
	Set(ctx context.Context, acl *MemoryACL)
	Invalidate(ctx context.Context, memoryID string)
}

// RedisCache caches ACLs as JSON values with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "acl_cache"),
	}
}

func cacheKey(memoryID string) string {
	return "acl:memory:" + memoryID
}

func (c *RedisCache) Get(ctx context.Context, memoryID string) (*MemoryACL, bool) {
	data, err := c.client.Get(ctx, cacheKey(memoryID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WarnContext(ctx, "acl cache get failed, operating without cache", "error", err)
		}
		return nil, false
	}
	var acl MemoryACL
	if err := json.Unmarshal(data, &acl); err != nil {
		c.logger.WarnContext(ctx, "corrupt cached acl, invalidating", "memory_id", memoryID, "error", err)
		c.Invalidate(ctx, memoryID)
		return nil, false
	}
	return &acl, true
}

func (c *RedisCache) Set(ctx context.Context, acl *MemoryACL) {
	data, err := json.Marshal(acl)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to encode acl for cache", "memory_id", acl.MemoryID, "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(acl.MemoryID), data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "acl cache set failed, skipping", "memory_id", acl.MemoryID, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, memoryID string) {
	if err := c.client.Del(ctx, cacheKey(memoryID)).Err(); err != nil {
		c.logger.WarnContext(ctx, "acl cache invalidate failed", "memory_id", memoryID, "error", err)
	}
}
