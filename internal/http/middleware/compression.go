package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForSSE routes event-stream requests around the wrapped
// compression middleware. Compressing encoders buffer output, which defeats
// the immediate flush SSE depends on.
func SkipCompressionForSSE(compress func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isEventStream(r) {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}

func isEventStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return strings.Contains(r.URL.Path, "/jobs/") && strings.HasSuffix(r.URL.Path, "/events")
}
