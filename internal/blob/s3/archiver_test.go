package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// fakeWriter captures uploads.
type fakeWriter struct {
	path        string
	contentType string
	data        []byte
	puts        int
}

func (w *fakeWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	b, _ := io.ReadAll(data)
	w.path, w.contentType, w.data = path, contentType, b
	w.puts++
	return nil
}

func (w *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return w.Put(ctx, path, data, "")
}

// fakeReader reports whether the export object already exists.
type fakeReader struct {
	exists bool
	checks int
}

func (r *fakeReader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	return nil, nil
}

func (r *fakeReader) Exists(ctx context.Context, path string) (bool, error) {
	r.checks++
	return r.exists, nil
}

// fakeExportStore returns canned usage records and captures the range.
type fakeExportStore struct {
	records  []domain.UsageRecord
	from, to time.Time
	queries  int
}

func (s *fakeExportStore) ListRange(ctx context.Context, from, to time.Time) ([]domain.UsageRecord, error) {
	s.from, s.to = from, to
	s.queries++
	return s.records, nil
}

func sampleRecords() []domain.UsageRecord {
	return []domain.UsageRecord{
		{
			ID:        "a1",
			Endpoint:  "/api/markets/trending",
			Params:    "limit=10",
			Status:    200,
			CacheHit:  true,
			Duration:  3 * time.Millisecond,
			CreatedAt: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
		},
		{
			ID:        "a2",
			Endpoint:  "/api/markets/search",
			Status:    400,
			Duration:  1500 * time.Microsecond,
			CreatedAt: time.Date(2025, 6, 20, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestUsageExporter_Export(t *testing.T) {
	writer := &fakeWriter{}
	store := &fakeExportStore{records: sampleRecords()}
	e := NewUsageExporter(writer, &fakeReader{}, store)

	count, err := e.Export(context.Background(), time.Date(2025, 6, 20, 14, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	if store.from != time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("from = %v", store.from)
	}
	if store.to != time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("to = %v", store.to)
	}
	if writer.path != "exports/usage/2025-06.jsonl" {
		t.Errorf("path = %q", writer.path)
	}
	if writer.contentType != "application/x-ndjson" {
		t.Errorf("contentType = %q", writer.contentType)
	}

	lines := bytes.Split(bytes.TrimSpace(writer.data), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var row struct {
		ID         string  `json:"id"`
		Endpoint   string  `json:"endpoint"`
		CacheHit   bool    `json:"cacheHit"`
		DurationMs float64 `json:"durationMs"`
	}
	if err := json.Unmarshal(lines[0], &row); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if row.ID != "a1" || !row.CacheHit || row.DurationMs != 3 {
		t.Errorf("row = %+v", row)
	}
}

func TestUsageExporter_SkipsWhenAlreadyExported(t *testing.T) {
	writer := &fakeWriter{}
	store := &fakeExportStore{records: sampleRecords()}
	e := NewUsageExporter(writer, &fakeReader{exists: true}, store)

	count, err := e.Export(context.Background(), time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if count != 0 || store.queries != 0 || writer.puts != 0 {
		t.Errorf("count = %d queries = %d puts = %d, want all zero", count, store.queries, writer.puts)
	}
}

func TestUsageExporter_EmptyMonthUploadsNothing(t *testing.T) {
	writer := &fakeWriter{}
	e := NewUsageExporter(writer, &fakeReader{}, &fakeExportStore{})

	count, err := e.Export(context.Background(), time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if count != 0 || writer.puts != 0 {
		t.Errorf("count = %d puts = %d, want 0/0", count, writer.puts)
	}
}

func TestUsageExporter_NilReaderOverwrites(t *testing.T) {
	writer := &fakeWriter{}
	store := &fakeExportStore{records: sampleRecords()}
	e := NewUsageExporter(writer, nil, store)

	count, err := e.Export(context.Background(), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if count != 2 || writer.puts != 1 {
		t.Errorf("count = %d puts = %d, want 2/1", count, writer.puts)
	}
}
