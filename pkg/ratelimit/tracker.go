package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrCoolingDown is returned while an upstream cooldown is active.
var ErrCoolingDown = errors.New("upstream cooldown active")

var (
	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rmwiki_rate_limit_blocks_total",
		Help: "Total number of requests blocked by an upstream cooldown",
	})

	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rmwiki_rate_limit_cooldowns_total",
		Help: "Total number of cooldowns started by 429 responses",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rmwiki_rate_limit_wait_seconds",
		Help:    "Time spent waiting on the outbound token bucket",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Config holds the limiter configuration.
type Config struct {
	// RequestsPerSecond is the sustained outbound rate; <= 0 disables pacing.
	RequestsPerSecond float64

	// Burst is the token bucket size.
	Burst int

	// DefaultCooldown applies when a 429 has no parsable Retry-After.
	DefaultCooldown time.Duration
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: DefaultRequestsPerSecond,
		Burst:             DefaultBurst,
		DefaultCooldown:   DefaultCooldown,
	}
}

// Tracker gates outbound requests. Redis is optional; without it the
// cooldown is kept in process memory.
type Tracker struct {
	redis   *redis.Client
	limiter *rate.Limiter
	config  Config
	logger  zerolog.Logger

	mu    sync.Mutex
	local *CooldownState
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = DefaultCooldown
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Tracker{
		redis:   redisClient,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		config:  cfg,
		logger:  logger,
	}
}

// GetState returns the active cooldown, or nil when requests may flow.
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.local.IsActive() {
			state := *t.local
			return &state, nil
		}
		return nil, nil
	}

	data, err := t.redis.Get(ctx, RedisKeyCooldown).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cooldown: %w", err)
	}

	var state CooldownState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse cooldown: %w", err)
	}
	if !state.IsActive() {
		return nil, nil
	}
	return &state, nil
}

// UpdateFromResponse starts a cooldown when resp is a 429.
func (t *Tracker) UpdateFromResponse(ctx context.Context, resp *http.Response) error {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}

	now := time.Now()
	wait, ok := parseRetryAfter(resp.Header.Get("Retry-After"), now)
	if !ok {
		wait = t.config.DefaultCooldown
	}
	if wait > MaxCooldown {
		wait = MaxCooldown
	}

	state := &CooldownState{
		Until:      now.Add(wait),
		StatusCode: resp.StatusCode,
		SetAt:      now,
	}
	rateLimitCooldownsTotal.Inc()

	t.logger.Warn().
		Dur("cooldown", wait).
		Time("until", state.Until).
		Msg("Upstream rate limit hit - pausing requests")

	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cooldown: %w", err)
	}
	if err := t.redis.Set(ctx, RedisKeyCooldown, data, wait).Err(); err != nil {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}
	return nil
}

// ShouldAllowRequest reports false while a cooldown is active. Otherwise it
// waits for a token bucket slot and returns true.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.IsActive() {
		t.logger.Warn().
			Dur("remaining", state.Remaining()).
			Msg("Upstream cooldown active - blocking request")
		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("wait for rate limiter: %w", err)
	}
	rateLimitWaitSeconds.Observe(time.Since(start).Seconds())

	return true, nil
}

// Wait is ShouldAllowRequest folded into a single error.
func (t *Tracker) Wait(ctx context.Context) error {
	allowed, err := t.ShouldAllowRequest(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrCoolingDown
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
