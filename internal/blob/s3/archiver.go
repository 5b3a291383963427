package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// UsageExportStore provides read access to usage records for export. The
// Postgres UsageStore satisfies it; the exporter only needs this one
// time-ranged query, not the full domain.UsageStore.
type UsageExportStore interface {
	// ListRange returns the usage records created in [from, to), oldest
	// first.
	ListRange(ctx context.Context, from, to time.Time) ([]domain.UsageRecord, error)
}

// UsageExporter dumps one calendar month of the usage log to object storage
// as JSONL, the hand-off format for the external billing reconciliation.
//
// Deletion of exported rows from the primary store is intentionally NOT
// performed here; retention on the database side is a separate, explicit
// step to be executed after the export has been verified.
type UsageExporter struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  UsageExportStore
}

// NewUsageExporter creates a new UsageExporter. reader may be nil, in which
// case the idempotence check is skipped and re-runs overwrite the object.
func NewUsageExporter(writer domain.BlobWriter, reader domain.BlobReader, store UsageExportStore) *UsageExporter {
	return &UsageExporter{
		writer: writer,
		reader: reader,
		store:  store,
	}
}

// Export uploads the usage records of the calendar month containing the
// given time to exports/usage/YYYY-MM.jsonl and returns the record count.
// If the month's export object already exists the run is a no-op, so a
// rescheduled job never produces conflicting artifacts.
func (e *UsageExporter) Export(ctx context.Context, month time.Time) (int64, error) {
	from := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	path := exportPath(from)

	if e.reader != nil {
		exists, err := e.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: export usage check %s: %w", path, err)
		}
		if exists {
			return 0, nil
		}
	}

	records, err := e.store.ListRange(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export usage query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([]usageExportRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, usageExportRow{
			ID:         rec.ID,
			Endpoint:   rec.Endpoint,
			Params:     rec.Params,
			Status:     rec.Status,
			CacheHit:   rec.CacheHit,
			DurationMs: float64(rec.Duration) / float64(time.Millisecond),
			CreatedAt:  rec.CreatedAt,
		})
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: export usage marshal: %w", err)
	}

	if err := e.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: export usage upload: %w", err)
	}

	return int64(len(records)), nil
}

// usageExportRow is one JSONL line. Durations go out in milliseconds, the
// same unit the database stores.
type usageExportRow struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Params     string    `json:"params,omitempty"`
	Status     int       `json:"status"`
	CacheHit   bool      `json:"cacheHit"`
	DurationMs float64   `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// exportPath builds the S3 key for a monthly usage export:
//
//	exports/usage/2025-06.jsonl
func exportPath(month time.Time) string {
	return fmt.Sprintf("exports/usage/%s.jsonl", month.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
