package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/maltehedderich/brand-gateway/internal/logger"
)

// Recovery turns a panic in a handler into a 500 response
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := NewResponseWriter(w)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.FromContext(r.Context(), "recovery").Error("panic recovered", logger.Fields{
					"error":  fmt.Sprintf("%v", rec),
					"stack":  string(debug.Stack()),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				if rw.Written() {
					return
				}
				WriteError(rw, r, http.StatusInternalServerError, "internal_server_error", "An internal error occurred")
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
