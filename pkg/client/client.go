// Package client provides the upstream video API HTTP client with bearer
// authentication, a typed error taxonomy, and optional caching, rate-limit
// gating and retries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/video-relay/pkg/cache"
	"github.com/Sternrassler/video-relay/pkg/pagination"
	"github.com/Sternrassler/video-relay/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream client operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_requests_total",
		Help: "Total upstream requests by operation and status",
	}, []string{"operation", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by operation",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Operation labels used for metrics and logs.
const (
	OperationPage = "page"
	OperationItem = "item"
)

// maxBodyBytes bounds a single upstream response body.
const maxBodyBytes = 32 << 20

// Client is the upstream API client.
type Client struct {
	httpClient  *http.Client
	redis       *redis.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	scope       string
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// AccessToken is sent as "Authorization: Bearer <token>". It may be empty
	// at construction; requests then fail with a configuration error.
	AccessToken string

	// UserAgent header sent on every request.
	UserAgent string

	// Accept header selecting the upstream API version.
	Accept string

	// RequestTimeout bounds each upstream HTTP request.
	RequestTimeout time.Duration

	Retry RetryConfig

	// Redis enables response caching and rate-limit tracking when non-nil.
	Redis *redis.Client

	// CacheDefaultTTL applies to cached responses without an Expires header.
	CacheDefaultTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(accessToken string) Config {
	return Config{
		AccessToken:     accessToken,
		UserAgent:       "video-relay/0.1.0",
		Accept:          "application/vnd.vimeo.*+json;version=3.4",
		RequestTimeout:  30 * time.Second,
		Retry:           DefaultRetryConfig(),
		CacheDefaultTTL: cache.DefaultTTL,
	}
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Accept == "" {
		return nil, fmt.Errorf("accept header is required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be > 0 (got %s)", cfg.RequestTimeout)
	}
	if cfg.CacheDefaultTTL <= 0 {
		cfg.CacheDefaultTTL = cache.DefaultTTL
	}

	logger := log.With().Str("component", "upstream-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		redis:  cfg.Redis,
		config: cfg,
		scope:  cache.Fingerprint(cfg.AccessToken),
		logger: logger,
	}

	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis)
	}

	return c, nil
}

// FetchPage fetches one page of a paginated listing.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*pagination.Page, error) {
	body, err := c.GetJSON(ctx, OperationPage, pageURL)
	if err != nil {
		return nil, err
	}

	var page pagination.Page
	if err := json.Unmarshal(body, &page); err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassUpstream)).Inc()
		return nil, &APIError{
			Class:      ErrorClassUpstream,
			StatusCode: http.StatusOK,
			Message:    "invalid page envelope",
			Err:        err,
		}
	}
	return &page, nil
}

// FetchOne fetches a single JSON object and returns it unchanged.
func (c *Client) FetchOne(ctx context.Context, resourceURL string) (json.RawMessage, error) {
	body, err := c.GetJSON(ctx, OperationItem, resourceURL)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassUpstream)).Inc()
		return nil, &APIError{
			Class:      ErrorClassUpstream,
			StatusCode: http.StatusOK,
			Message:    "expected a JSON object",
		}
	}
	return json.RawMessage(trimmed), nil
}

// GetJSON performs an authenticated GET and returns the body of a 2xx (or
// revalidated 304) response. Non-2xx statuses become *APIError values.
func (c *Client) GetJSON(ctx context.Context, operation, rawURL string) ([]byte, error) {
	if c.config.AccessToken == "" {
		return nil, NewConfigurationError("upstream access token is not configured")
	}
	if rawURL == "" {
		return nil, NewConfigurationError("upstream URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, NewInvalidArgumentError("build request for %q: %v", rawURL, err)
	}

	return c.do(req, operation)
}

// do orchestrates rate limiting, caching, retries and error classification.
func (c *Client) do(req *http.Request, operation string) ([]byte, error) {
	ctx := req.Context()

	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Accept", c.config.Accept)
	req.Header.Set("User-Agent", c.config.UserAgent)

	cacheKey := cache.KeyForURL(req.URL, c.scope)
	cachedEntry := c.lookupCache(ctx, cacheKey)
	if cachedEntry != nil && cache.ShouldMakeConditionalRequest(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("operation", operation).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	c.logger.Debug().
		Str("operation", operation).
		Str("path", req.URL.Path).
		Msg("Executing upstream request")

	var body []byte
	err := retryWithBackoff(ctx, c.config.Retry, c.logger, func() error {
		var attemptErr error
		body, attemptErr = c.attempt(req, operation, cachedEntry, cacheKey)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// attempt performs one upstream round trip.
func (c *Client) attempt(req *http.Request, operation string, cachedEntry *cache.CacheEntry, cacheKey cache.CacheKey) ([]byte, error) {
	ctx := req.Context()

	if c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			// fail open when Redis is unavailable
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			upstreamRequestsTotal.WithLabelValues(operation, "rate_limited").Inc()
			upstreamErrorsTotal.WithLabelValues(string(ErrorClassUpstream)).Inc()
			return nil, &APIError{
				Class:      ErrorClassUpstream,
				StatusCode: http.StatusTooManyRequests,
				Message:    "request blocked by rate limiter",
				Err:        ErrRateLimited,
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("operation", operation).Msg("Upstream request failed")
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassTransport)).Inc()
		upstreamRequestsTotal.WithLabelValues(operation, "transport_error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &APIError{Class: ErrorClassTransport, Message: "request aborted", Err: ctxErr}
		}
		return nil, &APIError{Class: ErrorClassTransport, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		c.logger.Debug().Str("operation", operation).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()
		c.refreshCacheTTL(ctx, cacheKey, resp.Header)
		return cachedEntry.Data, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := statusError(resp.StatusCode, resp.Status, readErrorBody(resp.Body))
		upstreamErrorsTotal.WithLabelValues(string(apiErr.Class)).Inc()
		c.logger.Warn().
			Str("operation", operation).
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.Class)).
			Msg("Upstream request error")
		return nil, apiErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassTransport)).Inc()
		return nil, &APIError{Class: ErrorClassTransport, StatusCode: resp.StatusCode, Message: "read response body", Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		c.storeCache(ctx, cacheKey, resp, body)
	}

	return body, nil
}

// readErrorBody extracts error body text on a best-effort basis. A read
// failure yields an empty body rather than a second error.
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return ""
	}
	return string(body)
}

func (c *Client) lookupCache(ctx context.Context, key cache.CacheKey) *cache.CacheEntry {
	if c.cache == nil {
		return nil
	}
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Msg("Cache get error")
		}
		return nil
	}
	return entry
}

func (c *Client) storeCache(ctx context.Context, key cache.CacheKey, resp *http.Response, body []byte) {
	if c.cache == nil || !cache.Cacheable(resp.Header) {
		return
	}
	entry := cache.ResponseToEntry(resp, body, c.config.CacheDefaultTTL)
	if entry.TTL() <= 0 {
		return
	}
	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().Dur("ttl", entry.TTL()).Msg("Cached response")
}

func (c *Client) refreshCacheTTL(ctx context.Context, key cache.CacheKey, headers http.Header) {
	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return
	}
	newExpires, err := http.ParseTime(expiresStr)
	if err != nil {
		return
	}
	if err := c.cache.UpdateTTL(ctx, key, newExpires); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Ping checks the Redis backend, if any.
func (c *Client) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}
