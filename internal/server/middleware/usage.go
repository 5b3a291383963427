package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// UsageRecorder consumes one record per completed API request.
// Implementations must not block; the middleware calls Record on the
// request goroutine after the response is written.
type UsageRecorder interface {
	Record(rec domain.UsageRecord)
}

// Usage returns middleware that meters every completed request: endpoint,
// query string, response status, cache disposition, and duration. Paths
// listed in exempt (health probes, websocket upgrades) are not metered.
func Usage(recorder UsageRecorder, exempt ...string) func(http.Handler) http.Handler {
	exemptPaths := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		exemptPaths[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if recorder == nil {
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			recorder.Record(domain.UsageRecord{
				ID:        uuid.New().String(),
				Endpoint:  r.URL.Path,
				Params:    r.URL.RawQuery,
				Status:    rw.statusCode,
				CacheHit:  rw.Header().Get("X-Cache") == "HIT",
				Duration:  time.Since(start),
				CreatedAt: start.UTC(),
			})
		})
	}
}
