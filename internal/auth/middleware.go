package auth

import (
	"errors"
	"net/http"

	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/middleware"
)

// RequireSession rejects requests without a valid session token with 401.
// Validated claims are available to next through ClaimsFromContext.
func RequireSession(m *SessionManager, cookieName string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractToken(r, cookieName)
			if err == nil {
				var claims *Claims
				claims, err = m.Validate(token)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
					return
				}
			}

			code, message := "unauthorized", "Authentication failed"
			var valErr *ValidationError
			if errors.As(err, &valErr) {
				code, message = valErr.Code, valErr.Message
			}

			logger.FromContext(r.Context(), "auth").Info("session rejected", logger.Fields{
				"path":  r.URL.Path,
				"code":  code,
				"error": err.Error(),
			})

			w.Header().Set("WWW-Authenticate", "Bearer")
			w.Header().Set("Cache-Control", "no-store")
			middleware.WriteError(w, r, http.StatusUnauthorized, code, message)
		})
	}
}
