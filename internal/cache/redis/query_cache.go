package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// QueryCache implements domain.QueryCache on Redis strings. Unlike the
// in-process backend it survives restarts and is shared across replicas;
// expiry is delegated to Redis via the key TTL.
//
// Key schema:
//
//	query:{kind:params} - assembled JSON payload for one query
type QueryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQueryCache creates a QueryCache backed by the given Client with a
// fixed entry TTL.
func NewQueryCache(c *Client, ttl time.Duration) *QueryCache {
	return &QueryCache{rdb: c.Underlying(), ttl: ttl}
}

func queryKey(key string) string { return "query:" + key }

// Get retrieves the payload stored under key.
// It returns domain.ErrNotFound when the key does not exist or expired.
func (qc *QueryCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := qc.rdb.Get(ctx, queryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get query %s: %w", key, err)
	}
	return data, nil
}

// Set stores the payload under key with the cache TTL.
func (qc *QueryCache) Set(ctx context.Context, key string, value []byte) error {
	if err := qc.rdb.Set(ctx, queryKey(key), value, qc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set query %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.QueryCache = (*QueryCache)(nil)
