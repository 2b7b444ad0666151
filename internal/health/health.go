package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a health check result
type Check struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response represents the health check response
type Response struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version,omitempty"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Checker is a function that performs a health check
type Checker func() Check

// Manager manages health checks
type Manager struct {
	version string
	checks  map[string]Checker
	mu      sync.RWMutex
}

// NewManager creates a new health check manager
func NewManager(version string) *Manager {
	return &Manager{
		version: version,
		checks:  make(map[string]Checker),
	}
}

// Register registers a health check
func (m *Manager) Register(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = checker
}

// Unregister removes a health check
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Check runs all health checks. The overall status is the worst of the
// individual results.
func (m *Manager) Check() Response {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]Check, len(m.checks))
	overallStatus := StatusHealthy

	for name, checker := range m.checks {
		check := checker()
		checks[name] = check
		metrics.RecordHealthCheck(name, string(check.Status))

		if check.Status == StatusUnhealthy {
			overallStatus = StatusUnhealthy
		} else if check.Status == StatusDegraded && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	return Response{
		Status:    overallStatus,
		Version:   m.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

// LivenessHandler reports that the process can serve requests at all
func (m *Manager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, Response{
			Status:    StatusHealthy,
			Version:   m.version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler returns 503 only when a check is unhealthy. A degraded
// upstream still leaves cached reads and rate limiting working.
func (m *Manager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := m.Check()

		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeResponse(w, status, response)
	}
}

// HealthHandler always answers 200 with the full check report
func (m *Manager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, m.Check())
	}
}

func writeResponse(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// ConfigChecker checks if configuration is valid
func ConfigChecker(isValid func() bool) Checker {
	return func() Check {
		if isValid() {
			return Check{Name: "config", Status: StatusHealthy}
		}
		return Check{
			Name:   "config",
			Status: StatusUnhealthy,
			Error:  "configuration is invalid",
		}
	}
}

// CircuitBreakerChecker reports a dependency as degraded while its breaker
// is not closed
func CircuitBreakerChecker(name string, cb *circuitbreaker.CircuitBreaker) Checker {
	return func() Check {
		stats := cb.Stats()
		check := Check{
			Name:   name,
			Status: StatusHealthy,
			Details: map[string]interface{}{
				"circuit_breaker": stats.State.String(),
				"failures":        stats.Failures,
			},
		}
		if stats.State != circuitbreaker.StateClosed {
			check.Status = StatusDegraded
			check.Error = "circuit breaker is " + stats.State.String()
		}
		return check
	}
}

// SweeperChecker reports the rate limiter unhealthy once its background
// sweep has stopped, since expired windows would then pile up
func SweeperChecker(running func() bool) Checker {
	return func() Check {
		if running() {
			return Check{Name: "ratelimit", Status: StatusHealthy}
		}
		return Check{
			Name:   "ratelimit",
			Status: StatusUnhealthy,
			Error:  "expiry sweep is not running",
		}
	}
}

// CacheChecker reports how old a cached entry is. An empty or expired entry
// is normal; the next read fetches it.
func CacheChecker(name string, fetchedAt func() (time.Time, bool), ttl time.Duration) Checker {
	return func() Check {
		check := Check{Name: name, Status: StatusHealthy, Details: map[string]interface{}{}}

		at, ok := fetchedAt()
		if !ok {
			check.Details["state"] = "empty"
			return check
		}

		age := time.Since(at)
		check.Details["fetched_at"] = at.UTC().Format(time.RFC3339)
		check.Details["age_seconds"] = int(age.Seconds())
		if age >= ttl {
			check.Details["state"] = "expired"
		} else {
			check.Details["state"] = "fresh"
		}
		return check
	}
}
