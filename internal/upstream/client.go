// Package upstream is the HTTP client for the brand admin API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maltehedderich/brand-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/brand-gateway/internal/config"
	"github.com/maltehedderich/brand-gateway/internal/logger"
	"github.com/maltehedderich/brand-gateway/internal/metrics"
	"github.com/maltehedderich/brand-gateway/internal/tracing"
)

const (
	opFetchBrands  = "fetch_brands"
	opRefreshCache = "refresh_cache"

	// maxBodyBytes bounds how much of an upstream response is read
	maxBodyBytes = 10 << 20
)

// Client talks to the admin API. It is safe for concurrent use.
type Client struct {
	brandsURL  string
	refreshURL string
	adminToken string
	maxRetries int
	retryDelay time.Duration

	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.ComponentLogger
}

// New creates a client for the configured admin API. A missing admin token
// is logged once; requests that need it will then be rejected upstream.
func New(cfg config.UpstreamConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", cfg.BaseURL)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	breakerCfg := circuitbreaker.FromConfig(cfg.CircuitBreaker)
	breakerCfg.IsFailure = countsAgainstUpstream

	c := &Client{
		brandsURL:  joinURL(base, cfg.BrandsPath),
		refreshURL: joinURL(base, cfg.CacheRefreshPath),
		adminToken: cfg.AdminToken,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		breaker: circuitbreaker.New("upstream", breakerCfg),
		logger:  logger.Get().WithComponent("upstream"),
	}

	if c.adminToken == "" {
		c.logger.Warn("admin token not configured, cache refresh requests will be rejected upstream")
	}

	return c, nil
}

// Breaker exposes the circuit breaker guarding upstream calls
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// FetchBrands returns the brand list payload exactly as upstream sent it
func (c *Client) FetchBrands(ctx context.Context) (json.RawMessage, error) {
	var payload json.RawMessage

	err := c.call(ctx, opFetchBrands, func(ctx context.Context) error {
		body, err := c.doWithRetry(ctx, opFetchBrands, http.MethodGet, c.brandsURL)
		if err != nil {
			return err
		}
		if !json.Valid(body) {
			metrics.RecordUpstreamError(opFetchBrands, "decode")
			return errors.New("upstream returned invalid JSON")
		}
		payload = json.RawMessage(body)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// RefreshCache asks upstream to drop its server-side brand cache
func (c *Client) RefreshCache(ctx context.Context) error {
	return c.call(ctx, opRefreshCache, func(ctx context.Context) error {
		_, err := c.do(ctx, opRefreshCache, http.MethodPost, c.refreshURL)
		return err
	})
}

// call runs fn inside a client span and the circuit breaker
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "upstream."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	err := c.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.RecordUpstreamError(op, "circuit_open")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// doWithRetry retries network failures with exponential backoff. HTTP error
// responses are returned as-is.
func (c *Client) doWithRetry(ctx context.Context, op, method, target string) ([]byte, error) {
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			c.logger.WithContext(ctx).Warn("upstream request failed, retrying", logger.Fields{
				"operation": op,
				"attempt":   attempt,
				"delay":     delay.String(),
				"error":     err.Error(),
			})

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var body []byte
		body, err = c.do(ctx, op, method, target)
		if err == nil || !isRetryable(ctx, err) {
			return body, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", err)
}

func (c *Client) do(ctx context.Context, op, method, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if op == opRefreshCache && c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	if id := logger.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	tracing.InjectTraceContext(ctx, req)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordUpstreamRequest(op, "error", time.Since(start))
		metrics.RecordUpstreamError(op, "network")
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.RecordUpstreamRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("http.method", method),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	if err != nil {
		metrics.RecordUpstreamError(op, "network")
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, body)
		metrics.RecordUpstreamError(op, "http_"+strconv.Itoa(resp.StatusCode/100)+"xx")
		c.logger.WithContext(ctx).Warn("upstream returned error status", logger.Fields{
			"operation": op,
			"status":    resp.StatusCode,
			"message":   apiErr.Message,
		})
		return nil, apiErr
	}

	return body, nil
}

// isRetryable reports whether err is a transport failure worth another
// attempt. Cancellation by the caller never is.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// countsAgainstUpstream decides which errors move the breaker. Requests
// upstream rejected and requests the caller abandoned do not.
func countsAgainstUpstream(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func joinURL(base *url.URL, path string) string {
	return strings.TrimRight(base.String(), "/") + "/" + strings.TrimLeft(path, "/")
}
