package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed means requests are allowed
	StateClosed State = iota
	// StateOpen means requests are rejected without being attempted
	StateOpen
	// StateHalfOpen means a limited number of probes are allowed through
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the call was rejected
var ErrOpen = errors.New("circuit breaker is open")

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes before closing
	SuccessThreshold int
	// OpenTimeout is how long to stay open before probing
	OpenTimeout time.Duration
	// HalfOpenRequests caps concurrent probes while half-open
	HalfOpenRequests int
	// IsFailure decides which errors count against the upstream. Nil counts
	// every non-nil error.
	IsFailure func(error) bool
	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// FromConfig converts the upstream breaker settings
func FromConfig(c config.CircuitBreakerConfig) *Config {
	return &Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		OpenTimeout:      c.OpenTimeout,
		HalfOpenRequests: c.HalfOpenRequests,
	}
}

// CircuitBreaker stops calling a failing dependency for a while and then
// probes it before letting traffic through again
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time
	logger *logger.ComponentLogger

	mu              sync.Mutex
	state           State
	generation      uint64
	failures        int
	successes       int
	inFlight        int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// New creates a new circuit breaker. A nil config uses DefaultConfig.
func New(name string, cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	cb := &CircuitBreaker{
		name:            name,
		config:          c,
		now:             c.Now,
		state:           StateClosed,
		lastStateChange: c.Now(),
		logger:          logger.Get().WithComponent("circuitbreaker"),
	}
	metrics.SetCircuitBreakerState(name, int(StateClosed))
	return cb
}

// Name returns the breaker name used in logs and metrics
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged; a rejected call returns ErrOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.afterRequest(generation, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastStateChange) < cb.config.OpenTimeout {
			return 0, ErrOpen
		}
		cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.config.HalfOpenRequests {
			return 0, ErrOpen
		}
	}

	cb.inFlight++
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// The state changed while the call was running; its outcome belongs to
	// a previous episode.
	if generation != cb.generation {
		return
	}
	cb.inFlight--

	if cb.config.IsFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.generation++
	cb.inFlight = 0
	cb.lastStateChange = cb.now()
	if newState == StateClosed {
		cb.failures = 0
	}
	if newState != StateClosed {
		cb.successes = 0
	}

	metrics.SetCircuitBreakerState(cb.name, int(newState))
	metrics.RecordCircuitBreakerTransition(cb.name, oldState.String(), newState.String())

	fields := logger.Fields{
		"name":      cb.name,
		"old_state": oldState.String(),
		"new_state": newState.String(),
		"failures":  cb.failures,
	}
	if newState == StateOpen {
		cb.logger.Warn("circuit breaker opened", fields)
		return
	}
	cb.logger.Info("circuit breaker state changed", fields)
}

// State returns the current state. An open breaker whose timeout has
// elapsed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats contains circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        int
	Successes       int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0

	cb.logger.Info("circuit breaker reset", logger.Fields{
		"name": cb.name,
	})
}
