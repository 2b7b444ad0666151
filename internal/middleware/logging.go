package middleware

import (
	"net/http"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/ratelimit"
)

// Logging logs one entry per request once the response has been written.
// 4xx responses are logged at warn level, 5xx at error level.
func Logging() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			log := logger.FromContext(r.Context(), "http")
			fields := logger.Fields{
				"method":        r.Method,
				"path":          r.URL.Path,
				"status":        rw.Status(),
				"duration_ms":   time.Since(start).Milliseconds(),
				"response_size": rw.BytesWritten(),
				"remote_ip":     ratelimit.ResolveIdentifier(r.Header),
				"user_agent":    r.UserAgent(),
			}

			switch {
			case rw.Status() >= 500:
				log.Error("request completed", fields)
			case rw.Status() >= 400:
				log.Warn("request completed", fields)
			default:
				log.Info("request completed", fields)
			}
		})
	}
}
