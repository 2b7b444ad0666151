package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSource returns "v1", "v2", ... and records how often it was called
type countingSource struct {
	calls atomic.Int32
	err   error
}

func (s *countingSource) fetch(context.Context) (string, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "v" + string(rune('0'+n)), nil
}

func newTestCache(t *testing.T, clock *fakeClock, stale bool) *Cache[string] {
	t.Helper()
	c, err := New[string](Options{TTL: time.Hour, Now: clock.Now, ServeStaleOnError: stale})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsNonPositiveTTL(t *testing.T) {
	_, err := New[string](Options{})
	assert.Error(t, err)
}

func TestGet_HitWithinTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, false)
	src := &countingSource{}

	v, err := c.Get(context.Background(), "brands", true, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	clock.Advance(59 * time.Minute)
	v, err = c.Get(context.Background(), "brands", true, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestGet_MissAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, false)
	src := &countingSource{}

	_, err := c.Get(context.Background(), "brands", true, src.fetch)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	v, err := c.Get(context.Background(), "brands", true, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", v, "an entry exactly ttl old must be refetched")
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestGet_BypassAlwaysFetchesAndRefreshesTimestamp(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, false)
	src := &countingSource{}

	_, err := c.Get(context.Background(), "brands", true, src.fetch)
	require.NoError(t, err)
	first, ok := c.FetchedAt("brands")
	require.True(t, ok)

	clock.Advance(10 * time.Minute)
	v, err := c.Get(context.Background(), "brands", false, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	second, ok := c.FetchedAt("brands")
	require.True(t, ok)
	assert.Equal(t, first.Add(10*time.Minute), second)

	// The refreshed entry is served for a full TTL from the bypass.
	clock.Advance(55 * time.Minute)
	v, err = c.Get(context.Background(), "brands", true, src.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestGet_FailedFetchKeepsPriorEntry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, false)
	good := &countingSource{}
	upstreamErr := errors.New("API error: 502")
	bad := &countingSource{err: upstreamErr}

	_, err := c.Get(context.Background(), "brands", true, good.fetch)
	require.NoError(t, err)
	before, _ := c.FetchedAt("brands")

	_, err = c.Get(context.Background(), "brands", false, bad.fetch)
	require.ErrorIs(t, err, upstreamErr)

	after, _ := c.FetchedAt("brands")
	assert.Equal(t, before, after)

	v, err := c.Get(context.Background(), "brands", true, bad.fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.EqualValues(t, 1, bad.calls.Load(), "the hit must not call the source")
}

func TestGet_ExpiredEntryNotServedOnError(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, false)
	upstreamErr := errors.New("connection refused")

	_, err := c.Get(context.Background(), "brands", true, (&countingSource{}).fetch)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	v, err := c.Get(context.Background(), "brands", true, (&countingSource{err: upstreamErr}).fetch)
	assert.ErrorIs(t, err, upstreamErr)
	assert.Empty(t, v)
}

func TestGet_ServeStaleOnError(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, true)
	upstreamErr := errors.New("connection refused")

	_, err := c.Get(context.Background(), "brands", true, (&countingSource{}).fetch)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	v, err := c.Get(context.Background(), "brands", true, (&countingSource{err: upstreamErr}).fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	v, err = c.Get(context.Background(), "brands", false, (&countingSource{err: upstreamErr}).fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestGet_ServeStaleWithoutEntryReturnsError(t *testing.T) {
	c := newTestCache(t, newFakeClock(), true)
	upstreamErr := errors.New("connection refused")

	_, err := c.Get(context.Background(), "brands", true, (&countingSource{err: upstreamErr}).fetch)
	assert.ErrorIs(t, err, upstreamErr)

	_, ok := c.FetchedAt("brands")
	assert.False(t, ok)
}

func TestGet_KeysAreIndependent(t *testing.T) {
	c := newTestCache(t, newFakeClock(), false)
	brands := &countingSource{}
	locations := &countingSource{}

	_, err := c.Get(context.Background(), "brands", true, brands.fetch)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "locations", true, locations.fetch)
	require.NoError(t, err)

	assert.EqualValues(t, 1, brands.calls.Load())
	assert.EqualValues(t, 1, locations.calls.Load())
}

func TestGet_ConcurrentMissesShareOneFetch(t *testing.T) {
	c := newTestCache(t, newFakeClock(), false)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "brands", true, fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		assert.Equal(t, "payload", v)
	}
}

func TestGet_BypassDoesNotJoinSharedFetch(t *testing.T) {
	c := newTestCache(t, newFakeClock(), false)

	var calls atomic.Int32
	release := make(chan struct{})
	slow := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "slow", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), "brands", true, slow)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	v, err := c.Get(context.Background(), "brands", false, func(context.Context) (string, error) {
		calls.Add(1)
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.EqualValues(t, 2, calls.Load())

	close(release)
	<-done
}

func TestGet_WaiterHonorsOwnContext(t *testing.T) {
	c := newTestCache(t, newFakeClock(), false)

	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	go func() { _, _ = c.Get(context.Background(), "brands", true, fetch) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(ctx, "brands", true, fetch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGet_LateSharedFetchDoesNotReplaceNewerBypass(t *testing.T) {
	c := newTestCache(t, newFakeClock(), false)

	var calls atomic.Int32
	release := make(chan struct{})
	old := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "old", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := c.Get(context.Background(), "brands", true, old)
		assert.NoError(t, err)
		assert.Equal(t, "old", v)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := c.Get(context.Background(), "brands", false, func(context.Context) (string, error) {
		return "new", nil
	})
	require.NoError(t, err)

	close(release)
	<-done

	v, err := c.Get(context.Background(), "brands", true, func(context.Context) (string, error) {
		t.Fatal("entry should still be fresh")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestGet_TTLCountsFromFetchStart(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, clock, false)
	start := clock.Now()

	_, err := c.Get(context.Background(), "brands", true, func(context.Context) (string, error) {
		clock.Advance(10 * time.Minute)
		return "payload", nil
	})
	require.NoError(t, err)

	fetchedAt, ok := c.FetchedAt("brands")
	require.True(t, ok)
	assert.Equal(t, start, fetchedAt)

	clock.Advance(50 * time.Minute)
	src := &countingSource{}
	_, err = c.Get(context.Background(), "brands", true, src.fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.calls.Load())
}
