package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/server/handler"
	"github.com/yichenwong/polyproxy/internal/server/middleware"
	"github.com/yichenwong/polyproxy/internal/server/ws"
)

// Config holds the HTTP server configuration. An empty APIKey disables
// authentication; a zero RateLimitPerMin disables throttling.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string
	RateLimitPerMin int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Queries *handler.QueryHandler
}

// Deps carries the optional cross-cutting collaborators. Any nil field
// simply disables the corresponding middleware.
type Deps struct {
	Limiter domain.RateLimiter
	Usage   middleware.UsageRecorder
	Hub     *ws.Hub
}

// Server is the HTTP + WebSocket front of the market proxy.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// exemptPaths are not authenticated, throttled, or metered: load balancer
// probes hit /api/health and browsers open /ws before they can send headers.
var exemptPaths = []string{"/api/health", "/ws"}

// NewServer creates a new Server with all routes registered on the ServeMux
// and the middleware chain assembled around it.
func NewServer(cfg Config, handlers Handlers, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health and status.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Market query endpoints. The literal segments (trending, search,
	// liquidity) take precedence over the {slug} wildcard, so a market
	// actually named "trending" is unreachable by slug; that collision is
	// acceptable for this API.
	mux.HandleFunc("GET /api/markets/trending", handlers.Queries.Trending)
	mux.HandleFunc("GET /api/markets/search", handlers.Queries.Search)
	mux.HandleFunc("GET /api/markets/liquidity", handlers.Queries.Liquidity)
	mux.HandleFunc("GET /api/markets/{slug}", handlers.Queries.Market)

	// Category endpoints.
	mux.HandleFunc("GET /api/categories", handlers.Queries.Categories)
	mux.HandleFunc("GET /api/categories/{category}", handlers.Queries.Category)

	// WebSocket endpoint.
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	// Build the middleware chain, innermost first: auth guards the
	// handlers, usage and throttling sit outside it so rejected requests
	// are still metered, and request IDs wrap everything so every log
	// line can be correlated.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKey, exemptPaths...)(h)

	if deps.Limiter != nil && cfg.RateLimitPerMin > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(deps.Limiter, cfg.RateLimitPerMin, window, exemptPaths...)(h)
	}

	if deps.Usage != nil {
		h = middleware.Usage(deps.Usage, exemptPaths...)(h)
	}

	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.RequestID()(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully assembled handler chain. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
