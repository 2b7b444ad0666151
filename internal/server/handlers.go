package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/auth"
	"github.com/maltehedderich/brand-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/middleware"
	"github.com/maltehedderich/brand-gateway/internal/upstream"
)

const maxLoginBodyBytes = 4 << 10

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
}

// handleGetBrands serves GET /api/brands. ?fresh=true bypasses the cache.
func (s *Server) handleGetBrands(w http.ResponseWriter, r *http.Request) {
	fresh, err := queryBool(r, "fresh")
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "invalid_parameter", "fresh must be a boolean")
		return
	}

	payload, err := s.deps.Brands.GetBrands(r.Context(), !fresh)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// handleLogin serves POST /api/auth/login. The auth rate limit policy has
// already been applied when this runs.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "invalid_request", "Request body must be a JSON object with username and password")
		return
	}

	session, err := s.deps.Sessions.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		middleware.WriteError(w, r, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		return
	}
	if err != nil {
		logger.FromContext(r.Context(), "server").Error("failed to issue session", logger.Fields{
			"error": err.Error(),
		})
		middleware.WriteError(w, r, http.StatusInternalServerError, "internal_server_error", "An internal error occurred")
		return
	}

	http.SetCookie(w, auth.SessionCookie(s.config.Session.CookieName, session, s.config.Session.SecureCookie))
	w.Header().Set("Cache-Control", "no-store")
	_ = middleware.WriteJSON(w, http.StatusOK, loginResponse{
		Token:     session.Token,
		TokenType: "Bearer",
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleLogout serves POST /api/auth/logout. It always clears the cookie and
// revokes the presented session if it is still valid.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, err := auth.ExtractToken(r, s.config.Session.CookieName); err == nil {
		if claims, err := s.deps.Sessions.Validate(token); err == nil {
			s.deps.Sessions.Revoke(claims)
		}
	}

	http.SetCookie(w, auth.ClearedCookie(s.config.Session.CookieName, s.config.Session.SecureCookie))
	_ = middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleRefreshCache serves POST /api/admin/cache/refresh. Only the upstream
// cache is dropped unless ?local=true asks for the local entry to be
// refetched as well.
func (s *Server) handleRefreshCache(w http.ResponseWriter, r *http.Request) {
	local, err := queryBool(r, "local")
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "invalid_parameter", "local must be a boolean")
		return
	}

	if err := s.deps.Brands.RefreshUpstreamCache(r.Context()); err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}

	if local {
		if _, err := s.deps.Brands.GetBrands(r.Context(), false); err != nil {
			s.writeUpstreamError(w, r, err)
			return
		}
	}

	fields := logger.Fields{"local": local}
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		fields["subject"] = claims.Subject
	}
	logger.FromContext(r.Context(), "server").Info("brand cache refresh requested", fields)

	_ = middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "refreshed",
		"local_refreshed": local,
	})
}

// writeUpstreamError maps a failed upstream call to a gateway response
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context(), "server").Warn("upstream call failed", logger.Fields{
		"path":  r.URL.Path,
		"error": err.Error(),
	})

	var apiErr *upstream.APIError
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.config.Upstream.CircuitBreaker.OpenTimeout/time.Second)))
		middleware.WriteError(w, r, http.StatusServiceUnavailable, "upstream_unavailable", "Upstream service is temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		middleware.WriteError(w, r, http.StatusGatewayTimeout, "upstream_timeout", "Upstream service did not respond in time")
	case errors.As(err, &apiErr):
		middleware.WriteError(w, r, http.StatusBadGateway, "upstream_error", apiErr.Message)
	default:
		middleware.WriteError(w, r, http.StatusBadGateway, "upstream_error", "Upstream request failed")
	}
}

// queryBool parses an optional boolean query parameter; absent means false
func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
