package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// DefaultBaseURL is the public Gamma API root.
const DefaultBaseURL = "https://gamma-api.polymarket.com"

// Config controls the Gamma client's networking behavior.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxRPS          float64
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// OnBreakerChange is invoked on every circuit breaker state
	// transition. Optional.
	OnBreakerChange func(from, to gobreaker.State)
}

// Filters are the upstream query parameters for a markets fetch.
// Nil pointer fields are omitted from the request.
type Filters struct {
	Active    *bool
	Closed    *bool
	Limit     int
	Order     string
	Ascending *bool
	Slug      string
}

func (f Filters) query() url.Values {
	params := url.Values{}
	if f.Active != nil {
		params.Set("active", strconv.FormatBool(*f.Active))
	}
	if f.Closed != nil {
		params.Set("closed", strconv.FormatBool(*f.Closed))
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Order != "" {
		params.Set("order", f.Order)
	}
	if f.Ascending != nil {
		params.Set("ascending", strconv.FormatBool(*f.Ascending))
	}
	if f.Slug != "" {
		params.Set("slug", f.Slug)
	}
	return params
}

// Client is the REST client for the Polymarket Gamma API, which provides
// market discovery, metadata, and search. Every request passes through a
// client-side rate limiter and a circuit breaker so a degraded upstream
// cannot pile up blocked requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// New creates a new Gamma API client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRPS <= 0 {
		cfg.MaxRPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.MaxRPS)
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "gamma",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A 404 is a valid answer, not an upstream failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if cfg.OnBreakerChange != nil {
				cfg.OnBreakerChange(from, to)
			}
		},
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRPS), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// FetchMarkets returns the raw market records matching the given filters.
//
// Transport failures, timeouts, non-2xx responses, and an open circuit
// breaker all surface as domain.ErrUpstreamUnavailable. A response body
// that is not a JSON array surfaces as domain.ErrMalformedData. A record
// that fails to decode individually is logged and skipped so one broken
// market cannot take down a whole listing.
func (c *Client) FetchMarkets(ctx context.Context, f Filters) ([]RawMarket, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("gamma: rate limiter: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doGet(ctx, "/markets?"+f.query().Encode())
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("gamma: fetch markets: %w: circuit open", domain.ErrUpstreamUnavailable)
		}
		return nil, fmt.Errorf("gamma: fetch markets: %w", err)
	}
	body := result.([]byte)

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("gamma: decode markets: %w: %v", domain.ErrMalformedData, err)
	}

	markets := make([]RawMarket, 0, len(records))
	for i, rec := range records {
		var m RawMarket
		if err := json.Unmarshal(rec, &m); err != nil {
			c.logger.WarnContext(ctx, "skipping malformed market record",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		markets = append(markets, m)
	}

	return markets, nil
}

// BreakerState reports the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrUpstreamUnavailable, err)
	}

	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// checkStatus maps non-2xx status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, string(body))
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrUpstreamUnavailable, statusCode, string(body))
	}
}
