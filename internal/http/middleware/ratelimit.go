package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit caps requests per client IP over a sliding window. Creating a
// job fans out into a full render pipeline, so the API cannot absorb an
// unbounded request rate the way a plain CRUD service could. Rejected
// requests get a problem-detail 429 with a Retry-After hint so well-behaved
// clients back off instead of hammering.
//
// KeyByIP reads the request's RemoteAddr, which the RealIP middleware has
// already rewritten from X-Forwarded-For; this must stay mounted after it.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/problem+json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"title":"Too Many Requests","status":429,"detail":"request rate limit exceeded"}`))
		}),
	)
}
