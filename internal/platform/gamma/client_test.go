package gamma

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/yichenwong/polyproxy/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(baseURL string) *Client {
	return New(Config{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		MaxRPS:  1000,
		Burst:   1000,
	}, testLogger())
}

func boolPtr(b bool) *bool { return &b }

func TestClient_FetchMarkets(t *testing.T) {
	var gotQuery atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Encode())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"1","question":"Q1","slug":"q1","outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0.6\",\"0.4\"]"},
			{"id":"2","question":"Q2","slug":"q2","active":"true"}
		]`))
	}))
	defer server.Close()

	c := testClient(server.URL)

	markets, err := c.FetchMarkets(context.Background(), Filters{
		Active:    boolPtr(true),
		Closed:    boolPtr(false),
		Limit:     10,
		Order:     "volume24hr",
		Ascending: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("FetchMarkets failed: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("len(markets) = %d, want 2", len(markets))
	}
	if markets[0].ID != "1" || markets[1].ID != "2" {
		t.Errorf("market IDs = %q, %q, want 1, 2", markets[0].ID, markets[1].ID)
	}

	want := "active=true&ascending=false&closed=false&limit=10&order=volume24hr"
	if got := gotQuery.Load().(string); got != want {
		t.Errorf("query = %q, want %q", got, want)
	}
}

func TestClient_FetchMarkets_SlugFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("slug"); got != "my-market" {
			t.Errorf("slug = %q, want %q", got, "my-market")
		}
		w.Write([]byte(`[{"id":"7","slug":"my-market"}]`))
	}))
	defer server.Close()

	markets, err := testClient(server.URL).FetchMarkets(context.Background(), Filters{Slug: "my-market"})
	if err != nil {
		t.Fatalf("FetchMarkets failed: %v", err)
	}
	if len(markets) != 1 || markets[0].Slug != "my-market" {
		t.Errorf("markets = %+v, want single my-market record", markets)
	}
}

func TestClient_FetchMarkets_SkipsMalformedRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"1"}, 42, {"id":"3"}]`))
	}))
	defer server.Close()

	markets, err := testClient(server.URL).FetchMarkets(context.Background(), Filters{})
	if err != nil {
		t.Fatalf("FetchMarkets failed: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("len(markets) = %d, want 2 after skipping bad record", len(markets))
	}
	if markets[0].ID != "1" || markets[1].ID != "3" {
		t.Errorf("market IDs = %q, %q, want 1, 3", markets[0].ID, markets[1].ID)
	}
}

func TestClient_FetchMarkets_BodyNotArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":"maintenance"}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).FetchMarkets(context.Background(), Filters{})
	if !errors.Is(err, domain.ErrMalformedData) {
		t.Errorf("err = %v, want ErrMalformedData", err)
	}
}

func TestClient_FetchMarkets_UpstreamErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := testClient(server.URL).FetchMarkets(context.Background(), Filters{})
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such route", http.StatusNotFound)
		}))
		defer server.Close()

		_, err := testClient(server.URL).FetchMarkets(context.Background(), Filters{})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}))
		defer server.Close()

		c := New(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond, MaxRPS: 1000}, testLogger())
		_, err := c.FetchMarkets(context.Background(), Filters{})
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
		}
	})
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	var transitions atomic.Int64
	c := New(Config{
		BaseURL:         server.URL,
		Timeout:         time.Second,
		MaxRPS:          1000,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
		OnBreakerChange: func(from, to gobreaker.State) { transitions.Add(1) },
	}, testLogger())

	for i := 0; i < 4; i++ {
		_, err := c.FetchMarkets(context.Background(), Filters{})
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			t.Fatalf("call %d: err = %v, want ErrUpstreamUnavailable", i, err)
		}
	}

	// Two real attempts trip the breaker; later calls short-circuit.
	if got := hits.Load(); got != 2 {
		t.Errorf("upstream hits = %d, want 2", got)
	}
	if c.BreakerState().String() != "open" {
		t.Errorf("breaker state = %v, want open", c.BreakerState())
	}
	if transitions.Load() == 0 {
		t.Error("expected at least one breaker transition callback")
	}
}
