package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
)

// Middleware checks every request against policy p, keyed by the caller
// identifier. Rate limit headers are always set; requests over quota get a
// 429 and never reach next.
func Middleware(l *Limiter, name string, p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := ResolveIdentifier(r.Header)
			result := l.Check(identifier, p)
			metrics.RecordRateLimitCheck(name, result.Success)

			addRateLimitHeaders(w, result, l.now())

			if !result.Success {
				logger.FromContext(r.Context(), "ratelimit").Warn("rate limit exceeded", logger.Fields{
					"policy":     name,
					"identifier": identifier,
					"limit":      result.Limit,
					"path":       r.URL.Path,
					"method":     r.Method,
				})
				writeRateLimitError(w, r, p, result, l.now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// addRateLimitHeaders sets X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset (unix seconds), plus Retry-After on denial.
func addRateLimitHeaders(w http.ResponseWriter, result Result, now time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

	if retry := result.RetryAfter(now); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	}
}

func writeRateLimitError(w http.ResponseWriter, r *http.Request, p Policy, result Result, now time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":          "rate_limit_exceeded",
		"message":        "Too many requests, please retry later",
		"correlation_id": logger.GetCorrelationID(r.Context()),
		"timestamp":      now.UTC().Format(time.RFC3339),
		"retry_after":    int(result.RetryAfter(now) / time.Second),
		"details": map[string]interface{}{
			"limit":    result.Limit,
			"window":   p.Window.String(),
			"reset_at": result.Reset.UTC().Format(time.RFC3339),
		},
	})
}
