// Package sources implements the four C3 typed HTTP clients (Market,
// Security, Router, Chain). Each wraps an *http.Client with a fixed
// Timeout, routes every call through internal/ratelimit for per-source
// throttling/backoff and internal/cache for TTL'd response reuse, and
// degrades to a filtered sentinel report rather than propagating an error
// when the remote is unavailable after retries — directly grounded on
// internal/service/price_service.go's doGet + fetch* shape.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tokensentry/sentinel/internal/cache"
	"github.com/tokensentry/sentinel/internal/domain"
	"github.com/tokensentry/sentinel/internal/ratelimit"
)

// base holds the plumbing shared by all four clients: the rate limiter, the
// shared TTL cache, and a pre-configured *http.Client.
type base struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	baseURL    string
	sourceKey  string
}

func newBase(baseURL, sourceKey string, timeout time.Duration, limiter *ratelimit.Limiter, c *cache.Cache) base {
	return base{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		cache:      c,
		baseURL:    baseURL,
		sourceKey:  sourceKey,
	}
}

// doGet issues a GET against b.baseURL+path through the rate limiter and
// decodes the JSON body into out. Non-2xx responses are classified via
// ratelimit.ClassifyHTTPStatus so 5xx/429 retry and other 4xx don't.
func (b base) doGet(ctx context.Context, path string, out interface{}) error {
	return b.limiter.Execute(ctx, b.sourceKey, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("sources: build request: %w", err)
		}
		req.Header.Set("User-Agent", "tokensentry/1.0")
		req.Header.Set("Accept", "application/json")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return &ratelimit.RetryableError{Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var retryAfter time.Duration
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := time.ParseDuration(ra + "s"); perr == nil {
					retryAfter = secs
				}
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			httpErr := fmt.Errorf("sources: %s returned %d: %s", path, resp.StatusCode, body)
			if classified := ratelimit.ClassifyHTTPStatus(resp.StatusCode, retryAfter, httpErr); classified != nil {
				return classified
			}
			return nil
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("sources: read body: %w", err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return errJoin(domain.ErrMalformedResponse, err)
		}
		return nil
	})
}

func errJoin(sentinel, wrapped error) error {
	return fmt.Errorf("%w: %v", sentinel, wrapped)
}

// Health is the uniform liveness probe result returned by every client.
type Health struct {
	Healthy   bool
	LatencyMs int64
	Endpoint  string
}

func measureHealth(ctx context.Context, b base, probePath string) Health {
	start := time.Now()
	err := b.limiter.Execute(ctx, b.sourceKey, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+probePath, nil)
		if err != nil {
			return fmt.Errorf("sources: build health request: %w", err)
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return &ratelimit.RetryableError{Err: err}
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return &ratelimit.RetryableError{Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
	latency := time.Since(start).Milliseconds()
	if err == nil {
		b.limiter.Reset(b.sourceKey)
	}
	return Health{
		Healthy:   err == nil,
		LatencyMs: latency,
		Endpoint:  b.baseURL + probePath,
	}
}
