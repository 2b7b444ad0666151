package auth

import (
	"net/http"
	"strings"
)

// ExtractToken returns the session token from the named cookie, falling back
// to an Authorization: Bearer header
func ExtractToken(r *http.Request, cookieName string) (string, error) {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}

	return "", &ValidationError{
		Code:    "missing_token",
		Message: "Session token is required for this resource",
	}
}

// SessionCookie builds the cookie carrying a session token
func SessionCookie(name string, s *Session, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearedCookie builds a cookie that deletes the session cookie
func ClearedCookie(name string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
