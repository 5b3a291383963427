package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/service"
)

// QueryService defines the methods that the query handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type QueryService interface {
	Trending(ctx context.Context, limit int) (service.QueryResult, error)
	MarketBySlug(ctx context.Context, slug string) (service.QueryResult, error)
	Search(ctx context.Context, query string, limit int) (service.QueryResult, error)
	Categories(ctx context.Context) (service.QueryResult, error)
	Category(ctx context.Context, category string, limit int) (service.QueryResult, error)
	Liquidity(ctx context.Context, minLiquidity float64, limit int) (service.QueryResult, error)
}

// QueryHandler serves the market query endpoints.
type QueryHandler struct {
	queries QueryService
	logger  *slog.Logger
}

// NewQueryHandler creates a QueryHandler with the given service and logger.
func NewQueryHandler(queries QueryService, logger *slog.Logger) *QueryHandler {
	return &QueryHandler{
		queries: queries,
		logger:  logger,
	}
}

// Trending returns the markets with the highest 24-hour volume.
// GET /api/markets/trending?limit=10
func (h *QueryHandler) Trending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", service.DefaultLimit)
	if err != nil {
		writeErrorOutput(w, http.StatusBadRequest, err.Error(), map[string]any{"limit": r.URL.Query().Get("limit")})
		return
	}

	res, err := h.queries.Trending(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, err, map[string]any{"limit": limit})
		return
	}
	h.respond(w, res)
}

// Market returns a single market looked up by its URL slug. An unknown
// slug is a successful response whose payload carries an error field.
// GET /api/markets/{slug}
func (h *QueryHandler) Market(w http.ResponseWriter, r *http.Request) {
	slug := pathParam(r, "slug")

	res, err := h.queries.MarketBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			setCacheHeader(w, false)
			writeOutput(w, http.StatusOK, map[string]any{
				"error": "Market not found",
				"slug":  slug,
			})
			return
		}
		h.respondError(w, r, err, map[string]any{"slug": slug})
		return
	}
	h.respond(w, res)
}

// Search returns active markets matching the query text.
// GET /api/markets/search?query=bitcoin&limit=10
func (h *QueryHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	limit, err := queryInt(r, "limit", service.DefaultLimit)
	if err != nil {
		writeErrorOutput(w, http.StatusBadRequest, err.Error(), map[string]any{"limit": r.URL.Query().Get("limit")})
		return
	}

	res, err := h.queries.Search(r.Context(), query, limit)
	if err != nil {
		h.respondError(w, r, err, map[string]any{"query": query, "limit": limit})
		return
	}
	h.respond(w, res)
}

// Categories lists the categories of active markets with their counts.
// GET /api/categories
func (h *QueryHandler) Categories(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.Categories(r.Context())
	if err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	h.respond(w, res)
}

// Category returns active markets in the requested category.
// GET /api/categories/{category}?limit=10
func (h *QueryHandler) Category(w http.ResponseWriter, r *http.Request) {
	category := pathParam(r, "category")
	limit, err := queryInt(r, "limit", service.DefaultLimit)
	if err != nil {
		writeErrorOutput(w, http.StatusBadRequest, err.Error(), map[string]any{"limit": r.URL.Query().Get("limit")})
		return
	}

	res, err := h.queries.Category(r.Context(), category, limit)
	if err != nil {
		h.respondError(w, r, err, map[string]any{"category": category, "limit": limit})
		return
	}
	h.respond(w, res)
}

// Liquidity returns active markets above a liquidity threshold, most
// liquid first.
// GET /api/markets/liquidity?minLiquidity=10000&limit=10
func (h *QueryHandler) Liquidity(w http.ResponseWriter, r *http.Request) {
	minLiquidity, err := queryFloat(r, "minLiquidity", service.DefaultMinLiquidity)
	if err != nil {
		writeErrorOutput(w, http.StatusBadRequest, err.Error(), map[string]any{"minLiquidity": r.URL.Query().Get("minLiquidity")})
		return
	}
	limit, err := queryInt(r, "limit", service.DefaultLimit)
	if err != nil {
		writeErrorOutput(w, http.StatusBadRequest, err.Error(), map[string]any{"limit": r.URL.Query().Get("limit")})
		return
	}

	res, err := h.queries.Liquidity(r.Context(), minLiquidity, limit)
	if err != nil {
		h.respondError(w, r, err, map[string]any{"minLiquidity": minLiquidity, "limit": limit})
		return
	}
	h.respond(w, res)
}

// respond writes a successful query result, marking whether it was
// served from the cache.
func (h *QueryHandler) respond(w http.ResponseWriter, res service.QueryResult) {
	setCacheHeader(w, res.CacheHit)
	writeOutput(w, http.StatusOK, json.RawMessage(res.Payload))
}

// respondError maps service errors onto envelope error payloads. Invalid
// input is the caller's fault; everything upstream-shaped signals
// degradation explicitly rather than returning an empty market list.
func (h *QueryHandler) respondError(w http.ResponseWriter, r *http.Request, err error, fields map[string]any) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeErrorOutput(w, http.StatusBadRequest, errorMessage(err), fields)
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		h.logger.ErrorContext(r.Context(), "handler: upstream unavailable",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeErrorOutput(w, http.StatusBadGateway, "upstream market data is unavailable", fields)
	case errors.Is(err, domain.ErrMalformedData):
		h.logger.ErrorContext(r.Context(), "handler: malformed upstream data",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeErrorOutput(w, http.StatusBadGateway, "upstream returned malformed data", fields)
	default:
		h.logger.ErrorContext(r.Context(), "handler: query failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeErrorOutput(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// errorMessage strips the wrapping prefixes from a validation error so the
// caller sees only the human-readable part.
func errorMessage(err error) string {
	msg := err.Error()
	// Errors arrive as "query_service: invalid input: <detail>"; surface
	// the detail when present.
	const marker = "invalid input: "
	if i := strings.LastIndex(msg, marker); i >= 0 {
		return msg[i+len(marker):]
	}
	return "invalid input"
}
