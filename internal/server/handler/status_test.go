package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/service"
)

// fakeUsageStore serves a canned 24h count.
type fakeUsageStore struct {
	count int64
	err   error
}

func (f *fakeUsageStore) Insert(ctx context.Context, rec domain.UsageRecord) error { return nil }

func (f *fakeUsageStore) ListRecent(ctx context.Context, limit int) ([]domain.UsageRecord, error) {
	return nil, nil
}

func (f *fakeUsageStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return f.count, f.err
}

func newStatusHandler(usage domain.UsageStore) *StatusHandler {
	return &StatusHandler{
		StartedAt:    time.Now().Add(-90 * time.Second),
		CacheBackend: "memory",
		Stats: func() service.Stats {
			return service.Stats{CacheHits: 5, CacheMisses: 2, UpstreamCalls: 2}
		},
		BreakerState: func() string { return "closed" },
		Usage:        usage,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestGetStatus(t *testing.T) {
	t.Run("reports runtime details", func(t *testing.T) {
		h := newStatusHandler(&fakeUsageStore{count: 42})
		rec := httptest.NewRecorder()
		h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		out := output(t, rec)
		if out["cacheBackend"] != "memory" {
			t.Errorf("cacheBackend = %v", out["cacheBackend"])
		}
		if out["upstream"] != "closed" {
			t.Errorf("upstream = %v", out["upstream"])
		}
		if out["requests24h"] != float64(42) {
			t.Errorf("requests24h = %v, want 42", out["requests24h"])
		}
		queries, ok := out["queries"].(map[string]any)
		if !ok {
			t.Fatalf("queries = %T", out["queries"])
		}
		if queries["cacheHits"] != float64(5) {
			t.Errorf("cacheHits = %v, want 5", queries["cacheHits"])
		}
	})

	t.Run("usage store failure drops the count", func(t *testing.T) {
		h := newStatusHandler(&fakeUsageStore{err: errors.New("db down")})
		rec := httptest.NewRecorder()
		h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if _, ok := output(t, rec)["requests24h"]; ok {
			t.Error("requests24h present despite store failure")
		}
	})

	t.Run("no usage store configured", func(t *testing.T) {
		h := newStatusHandler(nil)
		rec := httptest.NewRecorder()
		h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

		if _, ok := output(t, rec)["requests24h"]; ok {
			t.Error("requests24h present without a usage store")
		}
	})
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := output(t, rec)["status"]; got != "ok" {
		t.Errorf("status = %v, want ok", got)
	}
}
