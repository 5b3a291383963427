package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// UsageStore implements domain.UsageStore using PostgreSQL.
type UsageStore struct {
	pool *pgxpool.Pool
}

// NewUsageStore creates a new UsageStore backed by the given connection pool.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

// Insert appends one usage record. Durations are stored as milliseconds so
// the billing export can aggregate them without Go-specific units.
func (s *UsageStore) Insert(ctx context.Context, rec domain.UsageRecord) error {
	const query = `
		INSERT INTO usage_log (id, endpoint, params, status, cache_hit, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	durationMs := float64(rec.Duration) / float64(time.Millisecond)

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Endpoint, rec.Params, rec.Status, rec.CacheHit, durationMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert usage record for %s: %w", rec.Endpoint, err)
	}
	return nil
}

// ListRecent returns the newest usage records, most recent first.
func (s *UsageStore) ListRecent(ctx context.Context, limit int) ([]domain.UsageRecord, error) {
	const query = `
		SELECT id, endpoint, params, status, cache_hit, duration_ms, created_at
		FROM usage_log
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		var durationMs float64

		if err := rows.Scan(&rec.ID, &rec.Endpoint, &rec.Params, &rec.Status, &rec.CacheHit, &durationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan usage record: %w", err)
		}

		rec.Duration = time.Duration(durationMs * float64(time.Millisecond))
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list usage records rows: %w", err)
	}
	return records, nil
}

// ListRange returns the usage records created in [from, to), oldest first.
// The monthly billing export reads through this.
func (s *UsageStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.UsageRecord, error) {
	const query = `
		SELECT id, endpoint, params, status, cache_hit, duration_ms, created_at
		FROM usage_log
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list usage range: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		var durationMs float64

		if err := rows.Scan(&rec.ID, &rec.Endpoint, &rec.Params, &rec.Status, &rec.CacheHit, &durationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan usage record: %w", err)
		}

		rec.Duration = time.Duration(durationMs * float64(time.Millisecond))
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list usage range rows: %w", err)
	}
	return records, nil
}

// CountSince returns the number of requests recorded at or after the given
// time.
func (s *UsageStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	const query = `SELECT COUNT(*) FROM usage_log WHERE created_at >= $1`

	var count int64
	if err := s.pool.QueryRow(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count usage records since %v: %w", since, err)
	}
	return count, nil
}
