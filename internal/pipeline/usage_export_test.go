package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeExporter records the month it was asked to export.
type fakeExporter struct {
	month time.Time
	count int64
	err   error
}

func (f *fakeExporter) Export(ctx context.Context, month time.Time) (int64, error) {
	f.month = month
	return f.count, f.err
}

func TestExportScheduler_ExportsPreviousMonth(t *testing.T) {
	exporter := &fakeExporter{count: 12}
	s := NewExportScheduler(exporter, testLogger())

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := time.Now().UTC().AddDate(0, -1, 0)
	if exporter.month.Year() != want.Year() || exporter.month.Month() != want.Month() {
		t.Errorf("exported month = %v, want %v", exporter.month.Format("2006-01"), want.Format("2006-01"))
	}
}

func TestExportScheduler_ErrorPropagates(t *testing.T) {
	exporter := &fakeExporter{err: errors.New("bucket gone")}
	s := NewExportScheduler(exporter, testLogger())

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil for export failure")
	}
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2025, 6, 15, 10, 30, 45, 0, time.UTC)

	t.Run("monthly expression", func(t *testing.T) {
		next, err := nextCronTime("0 2 1 * *", after)
		if err != nil {
			t.Fatalf("nextCronTime: %v", err)
		}
		want := time.Date(2025, 7, 1, 2, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("same day later hour", func(t *testing.T) {
		next, err := nextCronTime("0 23 * * *", after)
		if err != nil {
			t.Fatalf("nextCronTime: %v", err)
		}
		want := time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("value list", func(t *testing.T) {
		next, err := nextCronTime("0,30 * * * *", after)
		if err != nil {
			t.Fatalf("nextCronTime: %v", err)
		}
		want := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("malformed expressions", func(t *testing.T) {
		if _, err := nextCronTime("0 2 1 *", after); err == nil {
			t.Error("four fields accepted")
		}
		if _, err := nextCronTime("x 2 1 * *", after); err == nil {
			t.Error("non-numeric field accepted")
		}
	})
}
