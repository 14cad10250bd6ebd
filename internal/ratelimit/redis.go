package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore is a Store backed by a shared Redis instance, giving correct
// limits across replicas. Counters rely on INCR atomicity; the window TTL
// is set only when the counter is first created.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed counter store
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client, prefix: "ratelimit:"}
}

func (s *redisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := s.prefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	ttl := pipe.TTL(ctx, fullKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}

	return incr.Val(), remaining, nil
}
