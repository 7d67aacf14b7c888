// Package config loads the server configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/client"
	cronlib "github.com/robfig/cron/v3"
)

// Config holds the application's configuration values.
type Config struct {
	Port       string
	APIBaseURL string
	UserAgent  string

	RedisURL     string
	RedisEnabled bool

	LogLevel  string
	LogPretty bool

	RateLimit      float64
	MaxRetries     int
	RequestTimeout time.Duration

	SessionTTL        time.Duration
	CacheWarmSchedule string
	WarmConcurrency   int
	ShutdownGrace     time.Duration
}

// Load loads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		APIBaseURL:        getEnv("API_BASE_URL", client.DefaultBaseURL),
		UserAgent:         getEnv("USER_AGENT", "rickmorty-wiki/0.1.0"),
		RedisURL:          getEnv("REDIS_URL", "localhost:6379"),
		RedisEnabled:      getEnvBool("REDIS_ENABLED", true),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnvBool("LOG_PRETTY", false),
		RateLimit:         getEnvFloat("RATE_LIMIT", 5),
		MaxRetries:        getEnvInt("MAX_RETRIES", 0),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 15*time.Second),
		SessionTTL:        getEnvDuration("SESSION_TTL", 30*time.Minute),
		CacheWarmSchedule: getEnv("CACHE_WARM_SCHEDULE", "@every 30m"),
		WarmConcurrency:   getEnvInt("WARM_CONCURRENCY", 4),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
	}
}

// Validate reports the first invalid value.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric (got %q)", c.Port)
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) url (got %q)", c.APIBaseURL)
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("USER_AGENT must not be empty")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive (got %s)", c.RequestTimeout)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive (got %s)", c.SessionTTL)
	}
	if c.WarmConcurrency < 1 {
		return fmt.Errorf("WARM_CONCURRENCY must be >= 1 (got %d)", c.WarmConcurrency)
	}
	if c.CacheWarmSchedule != "" {
		if _, err := ParseSchedule(c.CacheWarmSchedule); err != nil {
			return fmt.Errorf("CACHE_WARM_SCHEDULE: %w", err)
		}
	}
	return nil
}

// ParseSchedule parses a five-field cron expression or a descriptor such
// as "@every 30m" or "@hourly".
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	return parser.Parse(strings.TrimSpace(expr))
}

// Helper function to get an environment variable or return a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// Helper function to get an environment variable as an integer.
func getEnvInt(key string, fallback int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return fallback
}

// Helper function to get an environment variable as a float.
func getEnvFloat(key string, fallback float64) float64 {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64); err == nil {
			return value
		}
	}
	return fallback
}

// Helper function to get an environment variable as a bool.
func getEnvBool(key string, fallback bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return fallback
}

// Helper function to get an environment variable as a time.Duration.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(strings.TrimSpace(valueStr)); err == nil {
			return value
		}
	}
	return fallback
}
