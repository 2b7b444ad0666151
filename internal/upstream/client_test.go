package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltehedderich/brand-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/logger"
)

func testConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:          baseURL,
		BrandsPath:       "/api/brands/",
		CacheRefreshPath: "/api/admin/refresh-cache/",
		AdminToken:       "admin-secret",
		Timeout:          2 * time.Second,
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			OpenTimeout:      time.Minute,
			HalfOpenRequests: 1,
		},
	}
}

func newTestClient(t *testing.T, handler http.Handler, mutate ...func(*config.UpstreamConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "://bad"} {
		_, err := New(testConfig(raw))
		assert.Error(t, err, "base url %q", raw)
	}
}

func TestFetchBrands_ReturnsPayloadUnchanged(t *testing.T) {
	const payload = `{"brands":[{"id":1,"name":"Acme"}],"count":1}`

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/brands/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"), "the read path does not need the admin token")
		_, _ = w.Write([]byte(payload))
	}))

	got, err := c.FetchBrands(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestFetchBrands_APIErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"error field", http.StatusInternalServerError, `{"error":"database unavailable"}`, "database unavailable"},
		{"message field", http.StatusNotFound, `{"message":"not found"}`, "not found"},
		{"unparseable body", http.StatusBadGateway, `<html>bad gateway</html>`, "API error: 502"},
		{"empty body", http.StatusForbidden, ``, "API error: 403"},
		{"non-string error", http.StatusBadRequest, `{"error":{"code":1}}`, "API error: 400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.FetchBrands(context.Background())
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
		})
	}
}

func TestFetchBrands_DoesNotRetryHTTPErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.FetchBrands(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchBrands_RetriesNetworkErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))

	got, err := c.FetchBrands(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
	assert.GreaterOrEqual(t, hits.Load(), int32(2))
}

func TestFetchBrands_GivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(testConfig(base))
	require.NoError(t, err)

	_, err = c.FetchBrands(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestFetchBrands_RejectsInvalidJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"brands":`))
	}))

	_, err := c.FetchBrands(context.Background())
	assert.Error(t, err)
}

func TestFetchBrands_ForwardsCorrelationAndTrace(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "corr-123", r.Header.Get("X-Correlation-ID"))
		_, _ = w.Write([]byte(`[]`))
	}))

	ctx := logger.WithCorrelationID(context.Background(), "corr-123")
	_, err := c.FetchBrands(ctx)
	require.NoError(t, err)
}

func TestRefreshCache_SendsBearerToken(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	require.NoError(t, c.RefreshCache(context.Background()))
	assert.Equal(t, "Bearer admin-secret", gotAuth)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/admin/refresh-cache/", gotPath)
}

func TestRefreshCache_WithoutTokenFailsUpstream(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing credentials"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}), func(cfg *config.UpstreamConfig) { cfg.AdminToken = "" })

	err := c.RefreshCache(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "missing credentials", apiErr.Message)
	assert.EqualValues(t, 1, hits.Load(), "the request still goes out")
}

func TestBreaker_OpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 3; i++ {
		_, err := c.FetchBrands(context.Background())
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, c.Breaker().State())

	_, err := c.FetchBrands(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.EqualValues(t, 3, hits.Load(), "an open breaker must not reach the network")
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	for i := 0; i < 5; i++ {
		_ = c.RefreshCache(context.Background())
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State())
}

func TestCountsAgainstUpstream(t *testing.T) {
	assert.False(t, countsAgainstUpstream(nil))
	assert.False(t, countsAgainstUpstream(context.Canceled))
	assert.False(t, countsAgainstUpstream(&APIError{StatusCode: 404}))
	assert.True(t, countsAgainstUpstream(&APIError{StatusCode: 503}))
	assert.True(t, countsAgainstUpstream(errors.New("dial tcp: connection refused")))
}

func TestJoinURL(t *testing.T) {
	base, err := url.Parse("http://admin.internal:8000/")
	require.NoError(t, err)

	assert.Equal(t, "http://admin.internal:8000/api/brands/", joinURL(base, "/api/brands/"))
	assert.Equal(t, "http://admin.internal:8000/api/brands/", joinURL(base, "api/brands/"))
}
