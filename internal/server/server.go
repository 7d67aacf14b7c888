// Package server is the web front end of the character directory: one
// pagination controller per browser session, rendered as HTML.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/logging"
	"github.com/Sternrassler/rickmorty-wiki/pkg/pagination"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sweepSchedule is how often idle sessions are looked for.
const sweepSchedule = "@every 1m"

// Options configures a Server.
type Options struct {
	Port string
	API  API

	RequestTimeout time.Duration
	SessionTTL     time.Duration

	// WarmSchedule is a cron expression for refreshing the cached listing.
	// Empty disables warming.
	WarmSchedule    string
	WarmConcurrency int
	WarmOnStart     bool
}

// Server wraps the http.Server with the session registry and background jobs.
type Server struct {
	httpServer *http.Server
	sessions   *SessionStore
	scheduler  *cron.Cron
	warmer     *pagination.BatchFetcher
	api        API
	opts       Options
	logger     zerolog.Logger
}

// NewServer creates and configures a new server.
func NewServer(opts Options) (*Server, error) {
	if opts.API == nil {
		return nil, errors.New("api client is required")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}

	logger := logging.NewLogger("server")

	sessions := NewSessionStore(func() *pagination.Controller {
		return pagination.NewController(opts.API, opts.API.BaseURL(), log.Logger)
	})

	handlers, err := NewHandlers(opts.API, sessions, opts.RequestTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		httpServer: &http.Server{
			Addr:              ":" + opts.Port,
			Handler:           NewRouter(handlers),
			ReadHeaderTimeout: 10 * time.Second,
		},
		sessions: sessions,
		api:      opts.API,
		opts:     opts,
		logger:   logger,
	}

	cronLog := cronLogger{logger: logging.NewLogger("scheduler")}
	s.scheduler = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if _, err := s.scheduler.AddFunc(sweepSchedule, s.sweepSessions); err != nil {
		return nil, fmt.Errorf("schedule session sweep: %w", err)
	}

	if opts.WarmSchedule != "" {
		s.warmer = pagination.NewBatchFetcher(opts.API, pagination.Config{
			MaxConcurrency: opts.WarmConcurrency,
			Timeout:        opts.RequestTimeout,
		})
		if _, err := s.scheduler.AddFunc(opts.WarmSchedule, s.warmCache); err != nil {
			return nil, fmt.Errorf("schedule cache warm %q: %w", opts.WarmSchedule, err)
		}
	}

	return s, nil
}

// Handler returns the HTTP handler (for testing).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Start runs the HTTP server and the scheduler in the background.
func (s *Server) Start() {
	s.scheduler.Start()
	if s.warmer != nil && s.opts.WarmOnStart {
		go s.warmCache()
	}

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal().Err(err).Msg("Could not start HTTP server")
		}
	}()
}

// Shutdown stops the scheduler and gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	jobsDone := s.scheduler.Stop()
	err := s.httpServer.Shutdown(ctx)

	select {
	case <-jobsDone.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("Background jobs still running at shutdown")
	}
	return err
}

func (s *Server) sweepSessions() {
	if removed := s.sessions.Sweep(s.opts.SessionTTL); removed > 0 {
		s.logger.Info().
			Int("removed", removed).
			Int("remaining", s.sessions.Len()).
			Msg("Expired idle sessions")
	}
}

// warmCache fetches every page of the unfiltered listing so the response
// cache holds it before viewers ask.
func (s *Server) warmCache() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pages, err := s.warmer.FetchAllPages(ctx, s.api.BaseURL())
	if err != nil {
		s.logger.Warn().Err(err).Int("pages", len(pages)).Msg("Cache warm incomplete")
		return
	}
	s.logger.Info().Int("pages", len(pages)).Msg("Cache warmed")
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
