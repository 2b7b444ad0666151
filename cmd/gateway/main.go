package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/auth"
	"github.com/maltehedderich/brand-gateway/internal/brands"
	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/health"
	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
	"github.com/maltehedderich/brand-gateway/internal/ratelimit"
	"github.com/maltehedderich/brand-gateway/internal/server"
	"github.com/maltehedderich/brand-gateway/internal/tracing"
	"github.com/maltehedderich/brand-gateway/internal/upstream"
)

const serviceName = "brand-gateway"

var (
	configFile = flag.String("config", "", "Path to configuration file")
	version    = "1.0.0"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	flag.Parse()

	fmt.Printf("Brand Gateway v%s (commit: %s, built: %s)\n", version, gitCommit, buildTime)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logOutput, closeLog, err := initLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	log := logger.Get().WithComponent("main")
	log.Info("starting brand gateway", logger.Fields{
		"version":    version,
		"git_commit": gitCommit,
		"build_time": buildTime,
		"log_output": logOutput,
	})

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped with error", logger.Fields{
			"error": err.Error(),
		})
		closeLog()
		os.Exit(1)
	}

	log.Info("brand gateway stopped")
}

func run(cfg *config.Config, log *logger.ComponentLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.MetricsEnabled {
		metrics.Init()
	}

	if err := tracing.Init(tracing.FromConfig(cfg.Observability, serviceName, version)); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", logger.Fields{"error": err.Error()})
		}
	}()

	policies, err := ratelimit.NewCatalog(cfg.RateLimit.Policies)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Options{SweepInterval: cfg.RateLimit.SweepInterval})
	defer limiter.Close()

	client, err := upstream.New(cfg.Upstream)
	if err != nil {
		return err
	}

	brandService, err := brands.NewService(client, cfg.Cache, nil)
	if err != nil {
		return err
	}

	var sessions *auth.SessionManager
	if cfg.Session.Enabled {
		sessions, err = auth.NewSessionManager(cfg.Session, nil)
		if err != nil {
			return err
		}
	} else {
		log.Warn("sessions disabled, login and admin routes are not served")
	}

	healthMgr := health.NewManager(version)
	healthMgr.Register("config", health.ConfigChecker(func() bool {
		return config.Get() != nil
	}))
	healthMgr.Register("upstream", health.CircuitBreakerChecker("upstream", client.Breaker()))
	healthMgr.Register("ratelimit", health.SweeperChecker(limiter.Running))
	healthMgr.Register("brands_cache", health.CacheChecker(brands.CacheKey, brandService.FetchedAt, cfg.Cache.BrandsTTL))

	log.Info("configuration loaded successfully", logger.Fields{
		"http_port":          cfg.Server.HTTPPort,
		"upstream":           cfg.Upstream.BaseURL,
		"rate_limit_enabled": cfg.RateLimit.Enabled,
		"policies":           policies.Names(),
		"brands_ttl":         cfg.Cache.BrandsTTL.String(),
	})

	srv := server.New(cfg, server.Dependencies{
		Brands:   brandService,
		Sessions: sessions,
		Limiter:  limiter,
		Policies: policies,
		Health:   healthMgr,
	})

	// Blocks until a signal arrives or a listener fails.
	return srv.Run(ctx)
}

// initLogging configures the global logger from the logging section
func initLogging(cfg config.LoggingConfig) (string, func(), error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return "", nil, fmt.Errorf("invalid log level: %w", err)
	}

	closeFn := func() {}
	var out *os.File
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		out, err = os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return "", nil, fmt.Errorf("failed to open log file: %w", err)
		}
		closeFn = func() { _ = out.Close() }
	}

	logger.Init(level, cfg.Format, out)

	if len(cfg.SanitizePatterns) > 0 {
		if err := logger.Get().SetSanitizePatterns(cfg.SanitizePatterns); err != nil {
			closeFn()
			return "", nil, fmt.Errorf("invalid sanitize pattern: %w", err)
		}
	}

	log := logger.Get().WithComponent("main")
	for component, levelStr := range cfg.ComponentLevels {
		componentLevel, err := logger.ParseLevel(levelStr)
		if err != nil {
			log.Warn("invalid component log level", logger.Fields{
				"component": component,
				"level":     levelStr,
				"error":     err.Error(),
			})
			continue
		}
		logger.Get().SetComponentLevel(component, componentLevel)
	}

	return out.Name(), closeFn, nil
}
