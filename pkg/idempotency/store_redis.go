package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore provides shared idempotency state across replicas. Redis being
// unreachable degrades to a cache miss; it never fails the request.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "idempotency_redis"),
	}
}

func (s *RedisStore) redisKey(key string) string {
	return "idempotency:" + key
}

func (s *RedisStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.WarnContext(ctx, "redis get failed, treating as miss", "error", err)
		}
		return nil, false
	}

	var cached CachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		s.logger.WarnContext(ctx, "corrupt cached response, treating as miss", "error", err)
		return nil, false
	}
	return &cached, true
}

func (s *RedisStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	cached := CachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       body,
		CachedAt:   time.Now(),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to encode cached response", "error", err)
		return
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, s.ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "redis set failed, response will not replay", "error", err)
	}
}
