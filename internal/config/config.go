package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Names of the rate limit policies every deployment must define.
const (
	PolicyAuth = "auth"
	PolicyAPI  = "api"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "BRAND_GATEWAY_"

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Session       SessionConfig       `yaml:"session" json:"session"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level            string            `yaml:"level" json:"level"`
	Format           string            `yaml:"format" json:"format"` // json or text
	Output           string            `yaml:"output" json:"output"` // stdout, stderr, or file path
	SanitizePatterns []string          `yaml:"sanitize_patterns" json:"sanitize_patterns"`
	ComponentLevels  map[string]string `yaml:"component_levels" json:"component_levels"`
}

// SessionConfig controls the credential check and session token issuance
type SessionConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Username      string        `yaml:"username" json:"username"`
	Password      string        `yaml:"password" json:"password"`
	SigningSecret string        `yaml:"signing_secret" json:"signing_secret"`
	Issuer        string        `yaml:"issuer" json:"issuer"`
	TokenTTL      time.Duration `yaml:"token_ttl" json:"token_ttl"`
	CookieName    string        `yaml:"cookie_name" json:"cookie_name"`
	SecureCookie  bool          `yaml:"secure_cookie" json:"secure_cookie"`
}

// RateLimitConfig contains the fixed-window limiter settings and policy catalog
type RateLimitConfig struct {
	Enabled       bool                    `yaml:"enabled" json:"enabled"`
	SweepInterval time.Duration           `yaml:"sweep_interval" json:"sweep_interval"`
	Policies      map[string]PolicyConfig `yaml:"policies" json:"policies"`
}

// PolicyConfig is one entry of the policy catalog
type PolicyConfig struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// CacheConfig contains local read cache settings
type CacheConfig struct {
	BrandsTTL         time.Duration `yaml:"brands_ttl" json:"brands_ttl"`
	ServeStaleOnError bool          `yaml:"serve_stale_on_error" json:"serve_stale_on_error"`
}

// UpstreamConfig describes the admin API that owns brand records
type UpstreamConfig struct {
	BaseURL          string               `yaml:"base_url" json:"base_url"`
	BrandsPath       string               `yaml:"brands_path" json:"brands_path"`
	CacheRefreshPath string               `yaml:"cache_refresh_path" json:"cache_refresh_path"`
	AdminToken       string               `yaml:"admin_token" json:"admin_token"`
	Timeout          time.Duration        `yaml:"timeout" json:"timeout"`
	MaxRetries       int                  `yaml:"max_retries" json:"max_retries"`
	RetryDelay       time.Duration        `yaml:"retry_delay" json:"retry_delay"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker in front of the upstream
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	MetricsEnabled    bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPort       int     `yaml:"metrics_port" json:"metrics_port"`
	MetricsPath       string  `yaml:"metrics_path" json:"metrics_path"`
	HealthPath        string  `yaml:"health_path" json:"health_path"`
	ReadinessPath     string  `yaml:"readiness_path" json:"readiness_path"`
	LivenessPath      string  `yaml:"liveness_path" json:"liveness_path"`
	TracingEnabled    bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint   string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	Environment       string  `yaml:"environment" json:"environment"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load builds the configuration from defaults, an optional file and
// environment overrides, in that order, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Get returns the most recently loaded configuration
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Default returns a configuration holding only the built-in defaults. It
// does not pass Validate until session credentials are set.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	c.Server.HTTPPort = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 30 * time.Second
	c.Server.IdleTimeout = 120 * time.Second
	c.Server.MaxHeaderBytes = 1 << 20
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"
	c.Logging.SanitizePatterns = []string{"(?i)password", "(?i)token", "(?i)secret", "(?i)authorization"}

	c.Session.Enabled = true
	c.Session.Issuer = "brand-gateway"
	c.Session.TokenTTL = 8 * time.Hour
	c.Session.CookieName = "session_token"
	c.Session.SecureCookie = true

	c.RateLimit.Enabled = true
	c.RateLimit.SweepInterval = 5 * time.Minute
	c.RateLimit.Policies = map[string]PolicyConfig{
		PolicyAuth: {Limit: 5, Window: 15 * time.Minute},
		PolicyAPI:  {Limit: 100, Window: time.Minute},
	}

	// Matches the upstream's own cache lifetime.
	c.Cache.BrandsTTL = time.Hour
	c.Cache.ServeStaleOnError = false

	c.Upstream.BaseURL = "http://localhost:8000"
	c.Upstream.BrandsPath = "/api/brands/"
	c.Upstream.CacheRefreshPath = "/api/admin/refresh-cache/"
	c.Upstream.Timeout = 10 * time.Second
	c.Upstream.MaxRetries = 2
	c.Upstream.RetryDelay = 100 * time.Millisecond
	c.Upstream.CircuitBreaker = CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}

	c.Observability.MetricsEnabled = true
	c.Observability.MetricsPort = 9090
	c.Observability.MetricsPath = "/metrics"
	c.Observability.HealthPath = "/_health"
	c.Observability.ReadinessPath = "/_health/ready"
	c.Observability.LivenessPath = "/_health/live"
	c.Observability.TracingEnabled = false
	c.Observability.TracingSampleRate = 1.0
	c.Observability.Environment = "development"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be 'json' or 'text')", c.Logging.Format)
	}

	if c.Session.Enabled {
		if c.Session.Username == "" || c.Session.Password == "" {
			return fmt.Errorf("session enabled but username or password not specified")
		}
		if len(c.Session.SigningSecret) < 16 {
			return fmt.Errorf("session signing secret must be at least 16 bytes")
		}
		if c.Session.TokenTTL <= 0 {
			return fmt.Errorf("session token TTL must be positive")
		}
		if c.Session.CookieName == "" {
			return fmt.Errorf("session cookie name not specified")
		}
	}

	if c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("rate limit sweep interval must be positive")
	}
	for _, name := range []string{PolicyAuth, PolicyAPI} {
		if _, ok := c.RateLimit.Policies[name]; !ok {
			return fmt.Errorf("rate limit policy %q is required", name)
		}
	}
	for name, p := range c.RateLimit.Policies {
		if p.Limit <= 0 {
			return fmt.Errorf("rate limit policy %q: limit must be positive", name)
		}
		if p.Window <= 0 {
			return fmt.Errorf("rate limit policy %q: window must be positive", name)
		}
	}

	if c.Cache.BrandsTTL <= 0 {
		return fmt.Errorf("brands cache TTL must be positive")
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream base URL: %q", c.Upstream.BaseURL)
	}
	if c.Upstream.BrandsPath == "" || c.Upstream.CacheRefreshPath == "" {
		return fmt.Errorf("upstream brands path and cache refresh path are required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream max retries must not be negative")
	}
	cb := c.Upstream.CircuitBreaker
	if cb.FailureThreshold <= 0 || cb.SuccessThreshold <= 0 || cb.HalfOpenRequests <= 0 || cb.OpenTimeout <= 0 {
		return fmt.Errorf("circuit breaker thresholds and timeout must be positive")
	}

	if c.Observability.MetricsEnabled && (c.Observability.MetricsPort <= 0 || c.Observability.MetricsPort > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Observability.MetricsPort)
	}
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		return fmt.Errorf("tracing enabled but endpoint not specified")
	}

	return nil
}

// loadFromFile loads configuration from a YAML or JSON file
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// JSON is decoded by the YAML parser as well so durations such as "15m"
	// work in both formats.
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return nil
}

// applyEnvOverrides applies BRAND_GATEWAY_* environment variables
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"LOG_LEVEL":            &cfg.Logging.Level,
		"LOG_FORMAT":           &cfg.Logging.Format,
		"LOG_OUTPUT":           &cfg.Logging.Output,
		"SESSION_USERNAME":     &cfg.Session.Username,
		"SESSION_PASSWORD":     &cfg.Session.Password,
		"SESSION_SECRET":       &cfg.Session.SigningSecret,
		"UPSTREAM_BASE_URL":    &cfg.Upstream.BaseURL,
		"UPSTREAM_ADMIN_TOKEN": &cfg.Upstream.AdminToken,
		"TRACING_ENDPOINT":     &cfg.Observability.TracingEndpoint,
		"ENVIRONMENT":          &cfg.Observability.Environment,
	}
	for name, dst := range strs {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"HTTP_PORT":    &cfg.Server.HTTPPort,
		"METRICS_PORT": &cfg.Observability.MetricsPort,
	}
	for name, dst := range ints {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"SESSION_ENABLED":   &cfg.Session.Enabled,
		"RATELIMIT_ENABLED": &cfg.RateLimit.Enabled,
		"CACHE_SERVE_STALE": &cfg.Cache.ServeStaleOnError,
		"METRICS_ENABLED":   &cfg.Observability.MetricsEnabled,
		"TRACING_ENABLED":   &cfg.Observability.TracingEnabled,
	}
	for name, dst := range bools {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"RATELIMIT_SWEEP_INTERVAL": &cfg.RateLimit.SweepInterval,
		"CACHE_BRANDS_TTL":         &cfg.Cache.BrandsTTL,
		"UPSTREAM_TIMEOUT":         &cfg.Upstream.Timeout,
		"SESSION_TOKEN_TTL":        &cfg.Session.TokenTTL,
	}
	for name, dst := range durations {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}

	return nil
}
