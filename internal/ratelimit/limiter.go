package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
)

// DefaultSweepInterval is used when Options.SweepInterval is zero
const DefaultSweepInterval = 5 * time.Minute

// UnknownIdentifier is used for callers without any address header. All
// such callers share one window.
const UnknownIdentifier = "unknown"

const shardCount = 32

// Result is the outcome of a single Check
type Result struct {
	// Success is false once the window's count exceeds the limit
	Success bool
	// Limit is the policy limit
	Limit int
	// Remaining is max(0, limit - count)
	Remaining int
	// Reset is when the current window ends
	Reset time.Time
}

// RetryAfter returns how long a denied caller should wait, rounded up to
// whole seconds. It is zero for allowed results.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Success {
		return 0
	}
	d := r.Reset.Sub(now)
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

// record is the state of one fixed window
type record struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Options configures a Limiter
type Options struct {
	// SweepInterval is how often expired windows are removed
	SweepInterval time.Duration
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Limiter is an in-memory fixed-window rate limiter keyed by
// (identifier, policy). State is split across shards so that checks on
// unrelated keys rarely contend. A background goroutine evicts expired
// windows until Close is called.
type Limiter struct {
	shards   [shardCount]shard
	now      func() time.Time
	interval time.Duration
	logger   *logger.ComponentLogger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New creates a limiter and starts its sweep goroutine
func New(opts Options) *Limiter {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Limiter{
		now:      opts.Now,
		interval: opts.SweepInterval,
		logger:   logger.Get().WithComponent("ratelimit"),
		stopCh:   make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].records = make(map[string]*record)
	}

	l.running.Store(true)
	l.wg.Add(1)
	go l.sweepLoop()

	return l
}

// Check counts one use of identifier under p and reports whether it is
// within quota. Calls past the limit still count but never move the window.
//
// identifier must be non-empty and p must be valid; violating either is a
// programming error and panics.
func (l *Limiter) Check(identifier string, p Policy) Result {
	if identifier == "" {
		panic("ratelimit: empty identifier")
	}
	if err := p.Validate(); err != nil {
		panic("ratelimit: " + err.Error())
	}

	key := p.key(identifier)
	s := l.shardFor(key)
	now := l.now()

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || !now.Before(rec.resetAt) {
		rec = &record{resetAt: now.Add(p.Window)}
		s.records[key] = rec
	}
	rec.count++
	count, resetAt := rec.count, rec.resetAt
	s.mu.Unlock()

	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Success:   count <= p.Limit,
		Limit:     p.Limit,
		Remaining: remaining,
		Reset:     resetAt,
	}
}

// Len returns the number of windows currently held, expired or not
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}

// Running reports whether the sweep goroutine is active
func (l *Limiter) Running() bool {
	return l.running.Load()
}

// Close stops the sweep goroutine and waits for it to exit
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
	return nil
}

func (l *Limiter) shardFor(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)%shardCount]
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted, remaining := l.sweep()
			metrics.RecordRateLimitSweep(evicted, remaining)
			if evicted > 0 {
				l.logger.Debug("expired windows evicted", logger.Fields{
					"evicted":   evicted,
					"remaining": remaining,
				})
			}
		case <-l.stopCh:
			return
		}
	}
}

// sweep removes every window whose reset time has passed. Shards are locked
// one at a time, so a window is only ever removed while no Check holds it.
func (l *Limiter) sweep() (evicted, remaining int) {
	for i := range l.shards {
		s := &l.shards[i]
		now := l.now()

		s.mu.Lock()
		for key, rec := range s.records {
			if !now.Before(rec.resetAt) {
				delete(s.records, key)
				evicted++
			}
		}
		remaining += len(s.records)
		s.mu.Unlock()
	}
	return evicted, remaining
}
