package circuitbreaker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/logger"
)

func init() {
	logger.Init(logger.InfoLevel, "json", os.Stdout)
}

var errUpstream = errors.New("upstream error")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *testClock) *CircuitBreaker {
	return New("test", &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
		Now:              clock.Now,
	})
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.state.String() != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, tt.state.String())
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	cb := New("upstream", nil)
	if cb.Name() != "upstream" {
		t.Errorf("expected name upstream, got %s", cb.Name())
	}
	if cb.State() != StateClosed {
		t.Errorf("expected initial state closed, got %s", cb.State())
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", cb.config.FailureThreshold)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.CircuitBreakerConfig{
		FailureThreshold: 7,
		SuccessThreshold: 3,
		OpenTimeout:      10 * time.Second,
		HalfOpenRequests: 2,
	})
	if cfg.FailureThreshold != 7 || cfg.SuccessThreshold != 3 || cfg.OpenTimeout != 10*time.Second || cfg.HalfOpenRequests != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestExecuteReturnsCallError(t *testing.T) {
	cb := newTestBreaker(&testClock{now: time.Unix(0, 0)})

	if err := cb.Execute(context.Background(), fail); !errors.Is(err, errUpstream) {
		t.Errorf("expected upstream error, got %v", err)
	}
	if got := cb.Stats().Failures; got != 1 {
		t.Errorf("expected 1 failure, got %d", got)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	cb := newTestBreaker(&testClock{now: time.Unix(0, 0)})

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), succeed)
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != StateClosed {
		t.Errorf("non-consecutive failures must not open the breaker, got %s", cb.State())
	}
}

func TestCircuitOpens(t *testing.T) {
	cb := newTestBreaker(&testClock{now: time.Unix(0, 0)})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected state open, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("function should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	clock.Advance(time.Minute)

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one success, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("expected second probe to run, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after success threshold, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	clock.Advance(time.Minute)

	_ = cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen right after reopening, got %v", err)
	}
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	clock.Advance(time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(context.Background(), succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("expected second concurrent probe to be rejected, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("expected probe to succeed, got %v", err)
	}
}

func TestIsFailureFilter(t *testing.T) {
	clientErr := errors.New("bad request")
	cb := New("test", &Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, clientErr) },
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return clientErr })
	if cb.State() != StateClosed {
		t.Errorf("filtered errors must not open the breaker, got %s", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb := newTestBreaker(&testClock{now: time.Unix(0, 0)})
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("expected call to run after reset, got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	cb := New("test", &Config{
		FailureThreshold: 100,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(context.Background(), succeed)
				return
			}
			_ = cb.Execute(context.Background(), fail)
		}(i)
	}
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}
