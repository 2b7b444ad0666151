package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "brand_gateway"

var (
	// HTTP
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	// Rate limiting
	rateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Rate limit checks by policy and decision",
		},
		[]string{"policy", "decision"}, // allow, deny
	)

	rateLimitSweepEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "sweep_evictions_total",
			Help:      "Expired windows removed by the background sweep",
		},
	)

	rateLimitTrackedKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "tracked_keys",
			Help:      "Number of rate limit windows held in memory after the last sweep",
		},
	)

	// Cache
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by key and result",
		},
		[]string{"key", "result"}, // hit, miss, bypass, stale
	)

	cacheFetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_errors_total",
			Help:      "Failed fetches on the cache miss path",
		},
		[]string{"key"},
	)

	// Upstream admin API
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream requests by operation and status code",
		},
		[]string{"operation", "status_code"},
	)

	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Upstream errors by operation and type",
		},
		[]string{"operation", "error_type"}, // transport, status, decode, circuit_open
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	circuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuitbreaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Sessions
	loginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "login_attempts_total",
			Help:      "Login attempts by result",
		},
		[]string{"result"}, // success, invalid_credentials, rate_limited
	)

	// Health
	healthCheckTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health checks by name and status",
		},
		[]string{"check_name", "status"},
	)

	once sync.Once
)

// Init registers all collectors with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			httpActiveRequests,
			rateLimitChecksTotal,
			rateLimitSweepEvictions,
			rateLimitTrackedKeys,
			cacheLookupsTotal,
			cacheFetchErrorsTotal,
			upstreamRequestsTotal,
			upstreamRequestDuration,
			upstreamErrorsTotal,
			circuitBreakerState,
			circuitBreakerTransitionsTotal,
			loginAttemptsTotal,
			healthCheckTotal,
		)
	})
}

// Handler returns the Prometheus exposition handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func IncActiveRequests() { httpActiveRequests.Inc() }
func DecActiveRequests() { httpActiveRequests.Dec() }

func RecordRateLimitCheck(policy string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	rateLimitChecksTotal.WithLabelValues(policy, decision).Inc()
}

func RecordRateLimitSweep(evicted, remaining int) {
	rateLimitSweepEvictions.Add(float64(evicted))
	rateLimitTrackedKeys.Set(float64(remaining))
}

func RecordCacheLookup(key, result string) {
	cacheLookupsTotal.WithLabelValues(key, result).Inc()
}

func RecordCacheFetchError(key string) {
	cacheFetchErrorsTotal.WithLabelValues(key).Inc()
}

func RecordUpstreamRequest(operation, statusCode string, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(operation, statusCode).Inc()
	upstreamRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordUpstreamError(operation, errorType string) {
	upstreamErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

func SetCircuitBreakerState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func RecordCircuitBreakerTransition(name, from, to string) {
	circuitBreakerTransitionsTotal.WithLabelValues(name, from, to).Inc()
}

func RecordLoginAttempt(result string) {
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

func RecordHealthCheck(checkName, status string) {
	healthCheckTotal.WithLabelValues(checkName, status).Inc()
}
