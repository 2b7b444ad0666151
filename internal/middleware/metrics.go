package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/metrics"
)

// Metrics records request count and latency. It must wrap the ServeMux
// directly so that the matched pattern is visible after the handler returns.
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.IncActiveRequests()
			defer metrics.DecActiveRequests()

			start := time.Now()
			rw := NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rw.Status()), time.Since(start))
		})
	}
}
