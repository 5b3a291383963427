package domain

import (
	"context"
	"time"
)

// UsageRecord is one metered API request, kept for billing reconciliation.
type UsageRecord struct {
	ID        string
	Endpoint  string
	Params    string
	Status    int
	CacheHit  bool
	Duration  time.Duration
	CreatedAt time.Time
}

// UsageStore persists an append-only usage log.
type UsageStore interface {
	Insert(ctx context.Context, rec UsageRecord) error
	ListRecent(ctx context.Context, limit int) ([]UsageRecord, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
}
