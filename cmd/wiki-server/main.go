package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/internal/config"
	"github.com/Sternrassler/rickmorty-wiki/internal/server"
	"github.com/Sternrassler/rickmorty-wiki/pkg/client"
	"github.com/Sternrassler/rickmorty-wiki/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
	log.Info().Msg("Application shut down gracefully")
}

func run() error {
	// Configuration from environment
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.LogLevel)
	logCfg.Pretty = cfg.LogPretty
	logging.Setup(logCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisClient, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	apiClient, err := client.New(clientConfig(cfg, redisClient))
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}
	defer apiClient.Close()

	srv, err := server.NewServer(serverOptions(cfg, apiClient, redisClient != nil))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	log.Info().
		Str("api", apiClient.BaseURL()).
		Str("user_agent", cfg.UserAgent).
		Bool("redis", redisClient != nil).
		Msg("Starting character wiki")

	srv.Start()

	<-ctx.Done()

	log.Info().Msg("Shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// connectRedis returns nil when Redis is disabled.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.RedisEnabled {
		log.Warn().Msg("Redis disabled - running without response cache")
		return nil, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisURL, err)
	}
	log.Info().Str("addr", cfg.RedisURL).Msg("Connected to Redis")
	return redisClient, nil
}

func clientConfig(cfg *config.Config, redisClient *redis.Client) client.Config {
	cc := client.DefaultConfig(redisClient, cfg.UserAgent)
	cc.BaseURL = cfg.APIBaseURL
	cc.RateLimit = cfg.RateLimit
	cc.MaxRetries = cfg.MaxRetries
	cc.Timeout = cfg.RequestTimeout
	return cc
}

// serverOptions only schedules cache warming when there is a cache to warm.
func serverOptions(cfg *config.Config, api server.API, cacheEnabled bool) server.Options {
	opts := server.Options{
		Port:            cfg.Port,
		API:             api,
		RequestTimeout:  cfg.RequestTimeout,
		SessionTTL:      cfg.SessionTTL,
		WarmConcurrency: cfg.WarmConcurrency,
	}
	if cacheEnabled && cfg.CacheWarmSchedule != "" {
		opts.WarmSchedule = cfg.CacheWarmSchedule
		opts.WarmOnStart = true
	}
	return opts
}
