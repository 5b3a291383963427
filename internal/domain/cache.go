package domain

import (
	"context"
	"time"
)

// QueryCache memoizes assembled query payloads under deterministic keys.
// The TTL is fixed at construction time; Get treats an expired entry the
// same as a missing one and returns ErrNotFound. Expired entries are not
// evicted proactively, a later Set simply overwrites them.
type QueryCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
