package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
	"github.com/yichenwong/polyproxy/internal/service"
)

// StatusHandler serves operational details: uptime, cache behavior, and
// upstream circuit state.
type StatusHandler struct {
	StartedAt    time.Time
	CacheBackend string

	// Stats reports query service counters.
	Stats func() service.Stats
	// BreakerState reports the upstream circuit breaker state.
	BreakerState func() string
	// Usage is consulted for the 24h request count when metering is
	// configured; nil disables the field.
	Usage domain.UsageStore

	Logger *slog.Logger
}

// GetStatus responds with the proxy's runtime status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"uptime":       time.Since(h.StartedAt).Round(time.Second).String(),
		"cacheBackend": h.CacheBackend,
		"upstream":     h.BreakerState(),
		"queries":      h.Stats(),
	}

	if h.Usage != nil {
		count, err := h.Usage.CountSince(r.Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			h.Logger.WarnContext(r.Context(), "handler: usage count failed",
				slog.String("error", err.Error()),
			)
		} else {
			payload["requests24h"] = count
		}
	}

	writeOutput(w, http.StatusOK, payload)
}
