package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/auth"
	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/health"
	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
	"github.com/maltehedderich/brand-gateway/internal/middleware"
	"github.com/maltehedderich/brand-gateway/internal/ratelimit"
	"github.com/maltehedderich/brand-gateway/internal/tracing"
)

// BrandService is the brand read path served by the gateway
type BrandService interface {
	GetBrands(ctx context.Context, useCache bool) (json.RawMessage, error)
	RefreshUpstreamCache(ctx context.Context) error
}

// Dependencies are the components the server routes requests to
type Dependencies struct {
	Brands BrandService
	// Sessions is nil when sessions are disabled; the login, logout and
	// admin routes are then not registered.
	Sessions *auth.SessionManager
	// Limiter may be nil when rate limiting is disabled
	Limiter  *ratelimit.Limiter
	Policies ratelimit.Catalog
	Health   *health.Manager
}

// Server is the brand gateway HTTP server
type Server struct {
	config        *config.Config
	deps          Dependencies
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *logger.ComponentLogger
}

// New creates a new server instance
func New(cfg *config.Config, deps Dependencies) *Server {
	return &Server{
		config: cfg,
		deps:   deps,
		logger: logger.Get().WithComponent("server"),
	}
}

// Handler builds the routed handler with the full middleware chain
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	obs := s.config.Observability
	mux.HandleFunc("GET "+obs.HealthPath, s.deps.Health.HealthHandler())
	mux.HandleFunc("GET "+obs.ReadinessPath, s.deps.Health.ReadinessHandler())
	mux.HandleFunc("GET "+obs.LivenessPath, s.deps.Health.LivenessHandler())

	mux.Handle("GET /api/brands", s.limit(config.PolicyAPI).ThenFunc(s.handleGetBrands))

	if s.deps.Sessions != nil {
		requireSession := auth.RequireSession(s.deps.Sessions, s.config.Session.CookieName)

		mux.Handle("POST /api/auth/login", s.limit(config.PolicyAuth).ThenFunc(s.handleLogin))
		mux.Handle("POST /api/auth/logout", s.limit(config.PolicyAPI).ThenFunc(s.handleLogout))
		mux.Handle("POST /api/admin/cache/refresh",
			s.limit(config.PolicyAPI).Append(requireSession).ThenFunc(s.handleRefreshCache))
	}

	// Metrics has to sit directly on the mux to see the matched pattern.
	return middleware.NewChain(
		middleware.Recovery(),
		middleware.CorrelationID(),
		tracing.Middleware(),
		middleware.Logging(),
		middleware.Metrics(),
	).Then(mux)
}

// limit returns a chain applying the named policy, or an empty chain when
// rate limiting is disabled
func (s *Server) limit(policy string) middleware.Chain {
	if !s.config.RateLimit.Enabled || s.deps.Limiter == nil {
		return middleware.NewChain()
	}
	return middleware.NewChain(ratelimit.Middleware(s.deps.Limiter, policy, s.deps.Policies.MustGet(policy)))
}

// Run serves until ctx is cancelled or a listener fails, then shuts down
// gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", s.config.Server.HTTPPort),
		Handler:        s.Handler(),
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		IdleTimeout:    s.config.Server.IdleTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting HTTP server", logger.Fields{
			"port": s.config.Server.HTTPPort,
		})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if s.config.Observability.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("GET "+s.config.Observability.MetricsPath, metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.Observability.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			s.logger.Info("starting metrics server", logger.Fields{
				"port": s.config.Observability.MetricsPort,
				"path": s.config.Observability.MetricsPath,
			})
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case runErr = <-errChan:
		s.logger.Error("server failed, shutting down", logger.Fields{
			"error": runErr.Error(),
		})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully shuts down the listeners
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating server shutdown")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown metrics server: %w", err)
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}
