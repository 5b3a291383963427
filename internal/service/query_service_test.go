package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yichenwong/polyproxy/internal/cache/memory"
	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/platform/gamma"
)

// fakeClock is a manually advanced clock shared by the cache and service.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// fakeFetcher is an in-memory Fetcher that records calls.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	last    gamma.Filters
	records []gamma.RawMarket
	err     error
	delay   time.Duration
}

func (f *fakeFetcher) FetchMarkets(ctx context.Context, filters gamma.Filters) ([]gamma.RawMarket, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = filters
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) LastFilters() gamma.Filters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func rawMarket(id, slug, question string) gamma.RawMarket {
	return gamma.RawMarket{
		ID:            id,
		Slug:          slug,
		Question:      question,
		Active:        true,
		Outcomes:      `["Yes","No"]`,
		OutcomePrices: `["0.5","0.5"]`,
	}
}

func newTestService(fetcher *fakeFetcher) (*QueryService, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	cache := memory.NewWithClock(time.Minute, clock.Now)
	svc := NewQueryService(fetcher, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = clock.Now
	return svc, clock
}

type listResponse struct {
	Count   int `json:"count"`
	Markets []struct {
		ID        string   `json:"id"`
		Slug      string   `json:"slug"`
		Question  string   `json:"question"`
		Category  *string  `json:"category"`
		Liquidity float64  `json:"liquidity"`
		Spread    *float64 `json:"spread"`
	} `json:"markets"`
}

func decodeList(t *testing.T, payload []byte) listResponse {
	t.Helper()
	var out listResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return out
}

func TestTrending(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{
		rawMarket("1", "m-one", "Market one?"),
		rawMarket("2", "m-two", "Market two?"),
	}}
	svc, _ := newTestService(fetcher)

	first, err := svc.Trending(ctx, 10)
	if err != nil {
		t.Fatalf("Trending failed: %v", err)
	}
	if first.CacheHit {
		t.Error("first call CacheHit = true, want false")
	}

	got := decodeList(t, first.Payload)
	if got.Count != 2 || len(got.Markets) != 2 {
		t.Errorf("count = %d, markets = %d, want 2, 2", got.Count, len(got.Markets))
	}

	f := fetcher.LastFilters()
	if f.Active == nil || !*f.Active {
		t.Error("upstream filter active should be true")
	}
	if f.Closed == nil || *f.Closed {
		t.Error("upstream filter closed should be false")
	}
	if f.Limit != 10 {
		t.Errorf("upstream limit = %d, want 10", f.Limit)
	}
	if f.Order != "volume24hr" {
		t.Errorf("upstream order = %q, want volume24hr", f.Order)
	}
	if f.Ascending == nil || *f.Ascending {
		t.Error("upstream ascending should be false")
	}

	// Identical query replays the cached bytes without a second fetch.
	second, err := svc.Trending(ctx, 10)
	if err != nil {
		t.Fatalf("Trending (cached) failed: %v", err)
	}
	if !second.CacheHit {
		t.Error("second call CacheHit = false, want true")
	}
	if !bytes.Equal(first.Payload, second.Payload) {
		t.Error("cached payload differs from original")
	}
	if fetcher.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", fetcher.Calls())
	}

	// A different limit is a different cache key.
	if _, err := svc.Trending(ctx, 5); err != nil {
		t.Fatalf("Trending(5) failed: %v", err)
	}
	if fetcher.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", fetcher.Calls())
	}
}

func TestTrending_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{rawMarket("1", "m", "Q?")}}
	svc, clock := newTestService(fetcher)

	svc.Trending(ctx, 10)

	clock.Advance(59 * time.Second)
	res, _ := svc.Trending(ctx, 10)
	if !res.CacheHit {
		t.Error("within TTL: CacheHit = false, want true")
	}
	if fetcher.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", fetcher.Calls())
	}

	clock.Advance(time.Second)
	res, _ = svc.Trending(ctx, 10)
	if res.CacheHit {
		t.Error("after TTL: CacheHit = true, want false")
	}
	if fetcher.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", fetcher.Calls())
	}
}

func TestTrending_RejectsOutOfBoundsLimit(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{}
	svc, _ := newTestService(fetcher)

	for _, limit := range []int{0, -1, 21} {
		if _, err := svc.Trending(ctx, limit); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Trending(%d) err = %v, want ErrInvalidInput", limit, err)
		}
	}
	// Rejected before any upstream traffic.
	if fetcher.Calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", fetcher.Calls())
	}
}

func TestMarketBySlug(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{rawMarket("7", "btc-100k", "BTC to 100k?")}}
	svc, _ := newTestService(fetcher)

	res, err := svc.MarketBySlug(ctx, "btc-100k")
	if err != nil {
		t.Fatalf("MarketBySlug failed: %v", err)
	}

	var m struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
	}
	if err := json.Unmarshal(res.Payload, &m); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if m.ID != "7" || m.Slug != "btc-100k" {
		t.Errorf("market = %+v, want id 7 slug btc-100k", m)
	}

	if f := fetcher.LastFilters(); f.Slug != "btc-100k" {
		t.Errorf("upstream slug filter = %q, want btc-100k", f.Slug)
	}

	// Cached on the second call.
	res, _ = svc.MarketBySlug(ctx, "btc-100k")
	if !res.CacheHit {
		t.Error("second call CacheHit = false, want true")
	}
	if fetcher.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", fetcher.Calls())
	}
}

func TestMarketBySlug_NotFound(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{}}
	svc, _ := newTestService(fetcher)

	if _, err := svc.MarketBySlug(ctx, "no-such"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// Misses are not cached; the lookup is retried upstream.
	svc.MarketBySlug(ctx, "no-such")
	if fetcher.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", fetcher.Calls())
	}

	if _, err := svc.MarketBySlug(ctx, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty slug err = %v, want ErrInvalidInput", err)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	desc := "Resolves on official election results."
	fetcher := &fakeFetcher{records: []gamma.RawMarket{
		{ID: "1", Slug: "a", Question: "Will Bitcoin hit 100k?", Outcomes: `["Yes","No"]`, OutcomePrices: `["0.4","0.6"]`},
		{ID: "2", Slug: "b", Question: "Senate control?", Description: desc},
		{ID: "3", Slug: "c", Question: "Rain tomorrow?", Category: "Weather"},
		{ID: "4", Slug: "d", Question: "ETH flips BTC?"},
	}}
	svc, _ := newTestService(fetcher)

	t.Run("matches question case-insensitively", func(t *testing.T) {
		res, err := svc.Search(ctx, "BITCOIN", 10)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		got := decodeList(t, res.Payload)
		if got.Count != 1 || got.Markets[0].ID != "1" {
			t.Errorf("got %+v, want single match id 1", got)
		}
	})

	t.Run("matches description and category", func(t *testing.T) {
		res, _ := svc.Search(ctx, "election", 10)
		if got := decodeList(t, res.Payload); got.Count != 1 || got.Markets[0].ID != "2" {
			t.Errorf("description match got %+v, want id 2", got)
		}

		res, _ = svc.Search(ctx, "weather", 10)
		if got := decodeList(t, res.Payload); got.Count != 1 || got.Markets[0].ID != "3" {
			t.Errorf("category match got %+v, want id 3", got)
		}
	})

	t.Run("zero matches is a valid result", func(t *testing.T) {
		res, err := svc.Search(ctx, "xyzzy", 10)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		got := decodeList(t, res.Payload)
		if got.Count != 0 || len(got.Markets) != 0 {
			t.Errorf("got %+v, want empty result", got)
		}
		if !strings.Contains(string(res.Payload), `"markets":[]`) {
			t.Errorf("payload = %s, want markets serialized as []", res.Payload)
		}
	})

	t.Run("query casing shares one cache key", func(t *testing.T) {
		before := fetcher.Calls()
		svc.Search(ctx, "Senate", 10)
		svc.Search(ctx, "senate", 10)
		if got := fetcher.Calls() - before; got != 1 {
			t.Errorf("upstream calls = %d, want 1 for case variants", got)
		}
	})

	t.Run("rejects bad input", func(t *testing.T) {
		if _, err := svc.Search(ctx, "", 10); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("empty query err = %v, want ErrInvalidInput", err)
		}
		if _, err := svc.Search(ctx, "btc", 51); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("limit 51 err = %v, want ErrInvalidInput", err)
		}
		if _, err := svc.Search(ctx, "btc", 50); err != nil {
			t.Errorf("limit 50 err = %v, want nil", err)
		}
	})

	t.Run("truncates to limit in upstream order", func(t *testing.T) {
		res, _ := svc.Search(ctx, "?", 2)
		got := decodeList(t, res.Payload)
		if got.Count != 2 {
			t.Fatalf("count = %d, want 2", got.Count)
		}
		if got.Markets[0].ID != "1" || got.Markets[1].ID != "2" {
			t.Errorf("order = %s, %s, want upstream order 1, 2", got.Markets[0].ID, got.Markets[1].ID)
		}
	})
}

func TestCategories(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{
		{ID: "1", Question: "A?", Category: "Sports"},
		{ID: "2", Question: "B?", Category: "Crypto"},
		{ID: "3", Question: "C?", Category: "Sports"},
		{ID: "4", Question: "D?"}, // no category, excluded
	}}
	svc, _ := newTestService(fetcher)

	res, err := svc.Categories(ctx)
	if err != nil {
		t.Fatalf("Categories failed: %v", err)
	}

	var got struct {
		Count      int `json:"count"`
		Categories []struct {
			Category string `json:"category"`
			Count    int    `json:"count"`
		} `json:"categories"`
	}
	if err := json.Unmarshal(res.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	if got.Count != 2 {
		t.Fatalf("count = %d, want 2", got.Count)
	}
	// Alphabetical.
	if got.Categories[0].Category != "Crypto" || got.Categories[0].Count != 1 {
		t.Errorf("categories[0] = %+v, want Crypto/1", got.Categories[0])
	}
	if got.Categories[1].Category != "Sports" || got.Categories[1].Count != 2 {
		t.Errorf("categories[1] = %+v, want Sports/2", got.Categories[1])
	}

	if f := fetcher.LastFilters(); f.Limit != 200 {
		t.Errorf("upstream limit = %d, want 200", f.Limit)
	}
}

func TestCategory_SynonymRules(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{
		{ID: "1", Question: "Will Bitcoin hit 100k?"},
		{ID: "2", Question: "Fed decision?", Category: "Cryptocurrency Markets"},
		{ID: "3", Question: "Who wins the election?", Category: "US Political"},
		{ID: "4", Question: "Super Bowl winner?"},
		{ID: "5", Question: "Rain tomorrow?", Category: "Weather"},
		{ID: "6", Question: "Finals MVP?", Tags: []string{"NBA"}},
	}}
	svc, _ := newTestService(fetcher)

	cases := []struct {
		category string
		wantIDs  []string
	}{
		{"crypto", []string{"1", "2"}},   // question "bitcoin" + category "cryptocurrency"
		{"politics", []string{"3"}},      // category "political"
		{"sports", []string{"4"}},        // question "super bowl"
		{"nba", []string{"6"}},           // tag substring
		{"weather", []string{"5"}},       // plain category substring
		{"quantum", nil},                 // nothing matches
	}

	for _, tc := range cases {
		t.Run(tc.category, func(t *testing.T) {
			res, err := svc.Category(ctx, tc.category, 10)
			if err != nil {
				t.Fatalf("Category(%q) failed: %v", tc.category, err)
			}
			got := decodeList(t, res.Payload)
			if got.Count != len(tc.wantIDs) {
				t.Fatalf("count = %d, want %d (payload %s)", got.Count, len(tc.wantIDs), res.Payload)
			}
			for i, want := range tc.wantIDs {
				if got.Markets[i].ID != want {
					t.Errorf("markets[%d].ID = %q, want %q", i, got.Markets[i].ID, want)
				}
			}
		})
	}

	t.Run("rejects bad input", func(t *testing.T) {
		if _, err := svc.Category(ctx, "", 10); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("empty category err = %v, want ErrInvalidInput", err)
		}
		if _, err := svc.Category(ctx, "crypto", 21); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("limit 21 err = %v, want ErrInvalidInput", err)
		}
	})
}

func TestLiquidity(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{
		{ID: "low", Question: "A?", LiquidityNum: 500},
		{ID: "mid", Question: "B?", LiquidityNum: 10000},
		{ID: "high", Question: "C?", LiquidityNum: 90000},
		{ID: "top", Question: "D?", LiquidityNum: 250000},
	}}
	svc, _ := newTestService(fetcher)

	res, err := svc.Liquidity(ctx, 10000, 10)
	if err != nil {
		t.Fatalf("Liquidity failed: %v", err)
	}
	got := decodeList(t, res.Payload)

	// Threshold is inclusive; results sorted by liquidity descending.
	if got.Count != 3 {
		t.Fatalf("count = %d, want 3", got.Count)
	}
	wantOrder := []string{"top", "high", "mid"}
	for i, want := range wantOrder {
		if got.Markets[i].ID != want {
			t.Errorf("markets[%d].ID = %q, want %q", i, got.Markets[i].ID, want)
		}
	}

	if f := fetcher.LastFilters(); f.Limit != 100 {
		t.Errorf("upstream limit = %d, want 100", f.Limit)
	}

	// Truncation after sorting keeps the most liquid markets.
	res, _ = svc.Liquidity(ctx, 0, 2)
	got = decodeList(t, res.Payload)
	if got.Count != 2 || got.Markets[0].ID != "top" || got.Markets[1].ID != "high" {
		t.Errorf("got %+v, want top, high", got)
	}

	// Liquidity results are cached like every other query kind.
	before := fetcher.Calls()
	svc.Liquidity(ctx, 10000, 10)
	if fetcher.Calls() != before {
		t.Error("repeat liquidity query should be served from cache")
	}
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{
		records: []gamma.RawMarket{rawMarket("1", "m", "Q?")},
		delay:   50 * time.Millisecond,
	}
	svc, _ := newTestService(fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Trending(ctx, 10); err != nil {
				t.Errorf("Trending failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if fetcher.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1 for coalesced misses", fetcher.Calls())
	}
}

func TestUpstreamErrorNotCached(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{err: fmt.Errorf("gamma: %w: HTTP 502", domain.ErrUpstreamUnavailable)}
	svc, _ := newTestService(fetcher)

	if _, err := svc.Trending(ctx, 10); !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}

	// Recovery: the failure was not cached, the next call fetches again.
	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.records = []gamma.RawMarket{rawMarket("1", "m", "Q?")}
	fetcher.mu.Unlock()

	res, err := svc.Trending(ctx, 10)
	if err != nil {
		t.Fatalf("Trending after recovery failed: %v", err)
	}
	if res.CacheHit {
		t.Error("CacheHit = true, want false after failed attempt")
	}
	if fetcher.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", fetcher.Calls())
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{records: []gamma.RawMarket{rawMarket("1", "m", "Q?")}}
	svc, _ := newTestService(fetcher)

	svc.Trending(ctx, 10)
	svc.Trending(ctx, 10)
	svc.Trending(ctx, 10)

	stats := svc.Stats()
	if stats.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", stats.CacheMisses)
	}
	if stats.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", stats.CacheHits)
	}
	if stats.UpstreamCalls != 1 {
		t.Errorf("UpstreamCalls = %d, want 1", stats.UpstreamCalls)
	}
}
