package middleware

import (
	"net/http"

	"github.com/maltehedderich/brand-gateway/internal/logger"
)

// CorrelationIDHeader carries the correlation ID in both directions
const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationID reuses the caller's X-Correlation-ID or generates one, stores
// it in the request context and echoes it on the response.
func CorrelationID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationIDHeader)
			if id == "" || len(id) > 128 {
				id = logger.NewCorrelationID()
			}

			w.Header().Set(CorrelationIDHeader, id)
			next.ServeHTTP(w, r.WithContext(logger.WithCorrelationID(r.Context(), id)))
		})
	}
}
