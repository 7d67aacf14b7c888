// Package client is the HTTP client for the Rick and Morty character API.
// It combines outbound rate limiting, a Redis response cache with ETag
// revalidation, optional retries and typed decoding of list and detail
// responses.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/cache"
	"github.com/Sternrassler/rickmorty-wiki/pkg/logging"
	"github.com/Sternrassler/rickmorty-wiki/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the unfiltered character list resource.
const DefaultBaseURL = "https://rickandmortyapi.com/api/character"

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmwiki_upstream_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rmwiki_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmwiki_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})

	sharedFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rmwiki_upstream_shared_fetches_total",
		Help: "Fetches answered by an identical in-flight request",
	})
)

// Client talks to the character API.
type Client struct {
	httpClient  *http.Client
	redis       *redis.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	flight      singleflight.Group
	baseURL     *url.URL
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis backs the response cache and the shared cooldown. Optional.
	Redis *redis.Client

	// BaseURL is the unfiltered character list resource.
	BaseURL string

	// UserAgent header sent on every request.
	UserAgent string

	// Rate limiting
	RateLimit float64 // Requests per second, <= 0 disables pacing
	Burst     int

	// Timeout per HTTP attempt.
	Timeout time.Duration

	// Caching
	StaleWindow time.Duration // How long expired entries remain revalidatable

	// Retry. MaxRetries counts retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Redis:          redis,
		BaseURL:        DefaultBaseURL,
		UserAgent:      userAgent,
		RateLimit:      ratelimit.DefaultRequestsPerSecond,
		Burst:          ratelimit.DefaultBurst,
		Timeout:        15 * time.Second,
		StaleWindow:    cache.DefaultStaleWindow,
		MaxRetries:     0,
		InitialBackoff: 1 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("base url must be an absolute http(s) url (got %q)", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	logger := logging.NewLogger("api-client")

	rateLimiter := ratelimit.NewTracker(cfg.Redis, ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit,
		Burst:             cfg.Burst,
	}, logger)

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager = cache.NewManager(cfg.Redis).WithStaleWindow(cfg.StaleWindow)
	} else {
		logger.Info().Msg("No Redis configured - response cache disabled")
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		redis:       cfg.Redis,
		rateLimiter: rateLimiter,
		cache:       cacheManager,
		baseURL:     base,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do performs a GET request with rate limiting, caching and error handling.
// Any status other than 2xx (or a revalidated 304) is returned as *APIError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	target := req.URL.String()
	endpoint := endpointLabel(req.URL.Path)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Cache lookup. Fresh entries never touch the network.
	var cacheKey cache.CacheKey
	var cachedEntry *cache.CacheEntry
	if c.cache != nil && req.Method == http.MethodGet {
		cacheKey = cache.KeyFromURL(req.URL)
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			cachedEntry = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("url", target).Msg("Cache get error")
		}

		if cachedEntry != nil && !cachedEntry.IsExpired() {
			c.logger.Debug().
				Str("url", target).
				Dur("ttl", cachedEntry.TTL()).
				Msg("Serving fresh cache entry")
			requestsTotal.WithLabelValues(endpoint, "cache").Inc()
			return cache.EntryToResponse(cachedEntry), nil
		}

		if cache.ShouldMakeConditionalRequest(cachedEntry) {
			cache.AddConditionalHeaders(req, cachedEntry)
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("url", target).
				Str("etag", cachedEntry.ETag).
				Msg("Revalidating stale cache entry")
		} else {
			cachedEntry = nil
		}
	}

	// Step 2: Rate limit gate
	allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			URL:        target,
			Message:    "rate limit check failed",
			Err:        err,
		}
	}
	if !allowed {
		requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
		return nil, &APIError{
			StatusCode: http.StatusTooManyRequests,
			ErrorClass: ErrorClassRateLimit,
			URL:        target,
			Message:    "request blocked",
			Err:        ratelimit.ErrCoolingDown,
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("url", target).
		Str("method", req.Method).
		Msg("Executing upstream request")

	// Step 3: Execute with retry
	var resp *http.Response
	retryConfig := DefaultRetryConfig()
	retryConfig.MaxAttempts = c.config.MaxRetries + 1
	if c.config.InitialBackoff > 0 {
		retryConfig.InitialBackoff = c.config.InitialBackoff
	}

	retryErr := retryWithBackoff(ctx, retryConfig, func() (ErrorClass, error) {
		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			errClass := c.classifyError(nil, reqErr)
			errorsTotal.WithLabelValues(string(errClass)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			c.logger.Warn().Err(reqErr).Str("url", target).Msg("HTTP request failed")
			return errClass, &APIError{
				ErrorClass: errClass,
				URL:        target,
				Message:    "request failed",
				Err:        reqErr,
			}
		}

		if err := c.rateLimiter.UpdateFromResponse(ctx, resp); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rate limit state")
		}

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
			return "", nil
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errClass := c.classifyError(resp, nil)
			errorsTotal.WithLabelValues(string(errClass)).Inc()

			c.logger.Warn().
				Str("url", target).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("Upstream request error")

			resp.Body.Close()
			return errClass, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: errClass,
				URL:        target,
				Message:    resp.Status,
			}
		}

		return "", nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	// Step 4: 304 Not Modified refreshes the stale entry
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		cache.NotModifiedResponses.Inc()
		c.logger.Debug().Str("url", target).Msg("304 Not Modified - using cache")

		cachedEntry.Expires = cache.ExpiresFromHeaders(resp.Header)
		if err := c.cache.UpdateTTL(ctx, cacheKey, cachedEntry.Expires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}
		return cache.EntryToResponse(cachedEntry), nil
	}

	// Step 5: Store successful responses
	if c.cache != nil && resp.StatusCode == http.StatusOK && req.Method == http.MethodGet {
		entry, err := cache.ResponseToEntry(resp)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("url", target).
				Dur("ttl", entry.TTL()).
				Msg("Cached response")
		}
	}

	return resp, nil
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// Get performs a GET request against an absolute URL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &APIError{
			ErrorClass: ErrorClassClient,
			URL:        rawURL,
			Message:    "invalid request url",
			Err:        err,
		}
	}

	return c.Do(req)
}

// BaseURL returns the unfiltered character list URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Ping checks that the configured Redis is reachable. Without Redis it
// always succeeds.
func (c *Client) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// evict drops the cached copy of rawURL so a body that failed to decode is
// not served again.
func (c *Client) evict(ctx context.Context, rawURL string) {
	if c.cache == nil {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	if err := c.cache.Delete(ctx, cache.KeyFromURL(u)); err != nil {
		c.logger.Warn().Err(err).Str("url", rawURL).Msg("Failed to evict cache entry")
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager (for testing). Nil without Redis.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}

// endpointLabel collapses numeric path segments so metric labels stay bounded.
func endpointLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		if s == "" {
			continue
		}
		if _, err := strconv.Atoi(strings.ReplaceAll(s, ",", "")); err == nil {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}
