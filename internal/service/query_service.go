package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/platform/gamma"
)

// Query parameter defaults and bounds.
const (
	DefaultLimit        = 10
	DefaultMinLiquidity = 10000.0

	maxListLimit   = 20
	maxSearchLimit = 50

	// Upstream fetch sizes for the planners that filter locally.
	searchFetchLimit     = 150
	categoryFetchLimit   = 200
	categoriesFetchLimit = 200
	liquidityFetchLimit  = 100
)

// Fetcher is the slice of the Gamma client the query service needs.
type Fetcher interface {
	FetchMarkets(ctx context.Context, f gamma.Filters) ([]gamma.RawMarket, error)
}

// QueryResult is one assembled response payload plus cache metadata.
type QueryResult struct {
	Payload  json.RawMessage
	CacheHit bool
}

// Stats is a snapshot of the query service counters.
type Stats struct {
	CacheHits     int64 `json:"cacheHits"`
	CacheMisses   int64 `json:"cacheMisses"`
	UpstreamCalls int64 `json:"upstreamCalls"`
}

// QueryService executes the market query kinds behind the public API:
// trending, market-by-slug, search, categories, category, and liquidity.
// Each query assembles its payload once, stores the serialized bytes in
// the cache, and replays them verbatim until the TTL lapses. Concurrent
// misses on the same key are coalesced into a single upstream fetch.
type QueryService struct {
	fetcher Fetcher
	cache   domain.QueryCache
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	hits          atomic.Int64
	misses        atomic.Int64
	upstreamCalls atomic.Int64
}

// NewQueryService creates a QueryService with all required dependencies.
func NewQueryService(fetcher Fetcher, cache domain.QueryCache, logger *slog.Logger) *QueryService {
	return &QueryService{
		fetcher: fetcher,
		cache:   cache,
		logger:  logger,
		now:     time.Now,
	}
}

// Trending returns the top markets by 24-hour volume. The sort happens
// upstream; limit must be between 1 and 20.
func (s *QueryService) Trending(ctx context.Context, limit int) (QueryResult, error) {
	if err := validateLimit(limit, maxListLimit); err != nil {
		return QueryResult{}, err
	}

	key := cacheKey("trending", strconv.Itoa(limit))
	return s.run(ctx, key, func(ctx context.Context) (any, error) {
		markets, err := s.fetchNormalized(ctx, gamma.Filters{
			Active:    boolPtr(true),
			Closed:    boolPtr(false),
			Limit:     limit,
			Order:     "volume24hr",
			Ascending: boolPtr(false),
		})
		if err != nil {
			return nil, err
		}
		return marketsPayload{Count: len(markets), Markets: markets}, nil
	})
}

// MarketBySlug returns the single market whose slug matches exactly.
// It returns domain.ErrNotFound when upstream has no such market; the
// miss is not cached.
func (s *QueryService) MarketBySlug(ctx context.Context, slug string) (QueryResult, error) {
	if strings.TrimSpace(slug) == "" {
		return QueryResult{}, fmt.Errorf("query_service: %w: slug is required", domain.ErrInvalidInput)
	}

	key := cacheKey("market", slug)
	return s.run(ctx, key, func(ctx context.Context) (any, error) {
		markets, err := s.fetchNormalized(ctx, gamma.Filters{Slug: slug, Limit: 1})
		if err != nil {
			return nil, err
		}
		for i := range markets {
			if markets[i].Slug == slug {
				return markets[i], nil
			}
		}
		return nil, fmt.Errorf("query_service: market %q: %w", slug, domain.ErrNotFound)
	})
}

// Search returns active markets whose question, description, or category
// contains the query text, case-insensitively. Matches keep their
// upstream order; limit must be between 1 and 50.
func (s *QueryService) Search(ctx context.Context, query string, limit int) (QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return QueryResult{}, fmt.Errorf("query_service: %w: query is required", domain.ErrInvalidInput)
	}
	if err := validateLimit(limit, maxSearchLimit); err != nil {
		return QueryResult{}, err
	}

	needle := strings.ToLower(query)
	key := cacheKey("search", needle, strconv.Itoa(limit))
	return s.run(ctx, key, func(ctx context.Context) (any, error) {
		markets, err := s.fetchNormalized(ctx, gamma.Filters{
			Active: boolPtr(true),
			Closed: boolPtr(false),
			Limit:  searchFetchLimit,
		})
		if err != nil {
			return nil, err
		}

		matched := make([]domain.Market, 0, limit)
		for i := range markets {
			if !marketMatchesQuery(&markets[i], needle) {
				continue
			}
			matched = append(matched, markets[i])
			if len(matched) == limit {
				break
			}
		}
		return marketsPayload{Count: len(matched), Markets: matched}, nil
	})
}

// Categories lists every non-null category among active markets with its
// market count, alphabetically.
func (s *QueryService) Categories(ctx context.Context) (QueryResult, error) {
	return s.run(ctx, "categories", func(ctx context.Context) (any, error) {
		markets, err := s.fetchNormalized(ctx, gamma.Filters{
			Active: boolPtr(true),
			Closed: boolPtr(false),
			Limit:  categoriesFetchLimit,
		})
		if err != nil {
			return nil, err
		}

		counts := map[string]int{}
		for i := range markets {
			if markets[i].Category == nil {
				continue
			}
			counts[*markets[i].Category]++
		}

		groups := make([]domain.CategoryGroup, 0, len(counts))
		for name, n := range counts {
			groups = append(groups, domain.CategoryGroup{Category: name, Count: n})
		}
		sort.Slice(groups, func(i, j int) bool {
			return groups[i].Category < groups[j].Category
		})

		return categoriesPayload{Count: len(groups), Categories: groups}, nil
	})
}

// Category returns active markets matching the requested category text
// against their category, question, or tags, widened by the synonym
// rules in categoryRules. Matches keep their upstream order; limit must
// be between 1 and 20.
func (s *QueryService) Category(ctx context.Context, category string, limit int) (QueryResult, error) {
	if strings.TrimSpace(category) == "" {
		return QueryResult{}, fmt.Errorf("query_service: %w: category is required", domain.ErrInvalidInput)
	}
	if err := validateLimit(limit, maxListLimit); err != nil {
		return QueryResult{}, err
	}

	needle := strings.ToLower(category)
	key := cacheKey("category", needle, strconv.Itoa(limit))
	return s.run(ctx, key, func(ctx context.Context) (any, error) {
		markets, err := s.fetchNormalized(ctx, gamma.Filters{
			Active: boolPtr(true),
			Closed: boolPtr(false),
			Limit:  categoryFetchLimit,
		})
		if err != nil {
			return nil, err
		}

		matched := make([]domain.Market, 0, limit)
		for i := range markets {
			if !marketMatchesCategory(&markets[i], needle) {
				continue
			}
			matched = append(matched, markets[i])
			if len(matched) == limit {
				break
			}
		}
		return marketsPayload{Count: len(matched), Markets: matched}, nil
	})
}

// Liquidity returns active markets whose liquidity is at least
// minLiquidity, sorted by liquidity descending. Limit must be between 1
// and 20.
func (s *QueryService) Liquidity(ctx context.Context, minLiquidity float64, limit int) (QueryResult, error) {
	if err := validateLimit(limit, maxListLimit); err != nil {
		return QueryResult{}, err
	}

	key := cacheKey("liquidity", strconv.FormatFloat(minLiquidity, 'f', -1, 64), strconv.Itoa(limit))
	return s.run(ctx, key, func(ctx context.Context) (any, error) {
		markets, err := s.fetchNormalized(ctx, gamma.Filters{
			Active: boolPtr(true),
			Closed: boolPtr(false),
			Limit:  liquidityFetchLimit,
		})
		if err != nil {
			return nil, err
		}

		eligible := make([]domain.Market, 0, len(markets))
		for i := range markets {
			if markets[i].Liquidity >= minLiquidity {
				eligible = append(eligible, markets[i])
			}
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].Liquidity > eligible[j].Liquidity
		})
		if len(eligible) > limit {
			eligible = eligible[:limit]
		}

		return marketsPayload{Count: len(eligible), Markets: eligible}, nil
	})
}

// Stats reports the lifetime counters for the status endpoint.
func (s *QueryService) Stats() Stats {
	return Stats{
		CacheHits:     s.hits.Load(),
		CacheMisses:   s.misses.Load(),
		UpstreamCalls: s.upstreamCalls.Load(),
	}
}

// run answers one query from the cache when possible; otherwise it
// executes build once per key across concurrent callers, stores the
// marshaled payload, and returns it. Cache backend failures degrade to
// an uncached fetch rather than failing the query.
func (s *QueryService) run(ctx context.Context, key string, build func(ctx context.Context) (any, error)) (QueryResult, error) {
	data, err := s.cache.Get(ctx, key)
	if err == nil {
		s.hits.Add(1)
		return QueryResult{Payload: data, CacheHit: true}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "query_service: cache get failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	s.misses.Add(1)

	payload, err, _ := s.group.Do(key, func() (any, error) {
		out, err := build(ctx)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("query_service: marshal payload: %w", err)
		}

		if cacheErr := s.cache.Set(ctx, key, data); cacheErr != nil {
			s.logger.WarnContext(ctx, "query_service: cache set failed",
				slog.String("key", key),
				slog.String("error", cacheErr.Error()),
			)
			// Non-fatal: the next request fetches upstream again.
		}
		return data, nil
	})
	if err != nil {
		return QueryResult{}, err
	}

	return QueryResult{Payload: payload.([]byte)}, nil
}

// fetchNormalized fetches raw records and maps each through the
// normalizer with a single timestamp.
func (s *QueryService) fetchNormalized(ctx context.Context, f gamma.Filters) ([]domain.Market, error) {
	s.upstreamCalls.Add(1)

	raw, err := s.fetcher.FetchMarkets(ctx, f)
	if err != nil {
		return nil, err
	}

	now := s.now()
	markets := make([]domain.Market, 0, len(raw))
	for i := range raw {
		markets = append(markets, gamma.Normalize(raw[i], now))
	}
	return markets, nil
}

// marketsPayload is the response shape shared by the list queries. An
// empty match set serializes as {"count":0,"markets":[]}.
type marketsPayload struct {
	Count   int             `json:"count"`
	Markets []domain.Market `json:"markets"`
}

// categoriesPayload is the response shape of the categories listing.
type categoriesPayload struct {
	Count      int                    `json:"count"`
	Categories []domain.CategoryGroup `json:"categories"`
}

func marketMatchesQuery(m *domain.Market, needle string) bool {
	if strings.Contains(strings.ToLower(m.Question), needle) {
		return true
	}
	if m.Description != nil && strings.Contains(strings.ToLower(*m.Description), needle) {
		return true
	}
	if m.Category != nil && strings.Contains(strings.ToLower(*m.Category), needle) {
		return true
	}
	return false
}

func marketMatchesCategory(m *domain.Market, needle string) bool {
	category := ""
	if m.Category != nil {
		category = strings.ToLower(*m.Category)
	}
	question := strings.ToLower(m.Question)

	if category != "" && strings.Contains(category, needle) {
		return true
	}
	if strings.Contains(question, needle) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}

	rule, ok := categoryRules[needle]
	if !ok {
		return false
	}
	for _, term := range rule.categoryTerms {
		if strings.Contains(category, term) {
			return true
		}
	}
	for _, term := range rule.questionTerms {
		if strings.Contains(question, term) {
			return true
		}
	}
	return false
}

func validateLimit(limit, maxLimit int) error {
	if limit < 1 || limit > maxLimit {
		return fmt.Errorf("query_service: %w: limit must be between 1 and %d", domain.ErrInvalidInput, maxLimit)
	}
	return nil
}

// cacheKey joins a query kind with its normalized parameter values, so
// identical effective queries collide and distinct ones never do.
func cacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

func boolPtr(b bool) *bool { return &b }
