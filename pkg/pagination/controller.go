package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Sternrassler/rickmorty-wiki/pkg/character"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrStaleResponse is returned when a newer request was issued while this
// one was in flight. The response is dropped and state is unchanged.
var ErrStaleResponse = errors.New("response overtaken by a newer request")

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmwiki_pagination_fetches_total",
		Help: "Controller fetch outcomes by kind (fresh, incremental, stale, failed)",
	}, []string{"outcome"})

	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmwiki_pagination_skipped_total",
		Help: "Controller events that issued no fetch, by reason",
	}, []string{"reason"})
)

// DataSource returns one page of characters for an absolute URL.
type DataSource interface {
	FetchPage(ctx context.Context, pageURL string) (*character.Page, error)
}

// PageDescriptor names the page behind the displayed list and its neighbours.
// Empty Next/Prev mean there is no such page.
type PageDescriptor struct {
	Target string `json:"target"`
	Next   string `json:"next"`
	Prev   string `json:"prev"`
}

// State is a copy of the controller state.
type State struct {
	Descriptor PageDescriptor        `json:"page"`
	Results    []character.Character `json:"results"`
}

// Controller is the search and "load more" state machine for one viewer.
// It is safe for concurrent use; the lock is never held during a fetch.
type Controller struct {
	source     DataSource
	defaultURL string
	logger     zerolog.Logger

	mu          sync.Mutex
	initialized bool
	descriptor  PageDescriptor
	results     []character.Character
	seq         uint64
}

// NewController creates a controller whose unfiltered listing lives at
// defaultURL.
func NewController(source DataSource, defaultURL string, logger zerolog.Logger) *Controller {
	return &Controller{
		source:     source,
		defaultURL: strings.TrimRight(defaultURL, "/"),
		logger:     logger.With().Str("component", "pagination").Logger(),
		descriptor: PageDescriptor{Target: strings.TrimRight(defaultURL, "/")},
	}
}

// Initialize seeds the controller with the already fetched first page of
// the unfiltered listing. It never calls the data source.
func (c *Controller) Initialize(seed *character.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.descriptor = PageDescriptor{Target: c.defaultURL}
	c.results = []character.Character{}
	if seed != nil {
		c.descriptor.Next = seed.Info.Next
		c.descriptor.Prev = seed.Info.Prev
		c.results = append(c.results, seed.Results...)
	}
	c.initialized = true
	// Invalidate anything still in flight from before the reset.
	c.seq++

	c.logger.Debug().
		Int("results", len(c.results)).
		Str("next", c.descriptor.Next).
		Msg("Controller initialized")
}

// RequestSearch fetches the first page of the listing filtered by name.
// An empty query is the unfiltered filter URL.
func (c *Controller) RequestSearch(ctx context.Context, query string) error {
	return c.request(ctx, SearchURL(c.defaultURL, query), "search")
}

// RequestMore fetches the page after the current one and appends it. It is a
// no-op returning nil when there is no next page.
func (c *Controller) RequestMore(ctx context.Context) error {
	c.mu.Lock()
	next := c.descriptor.Next
	c.mu.Unlock()

	if next == "" {
		skippedTotal.WithLabelValues("no_next").Inc()
		c.logger.Debug().Msg("Load more ignored - no next page")
		return nil
	}
	return c.request(ctx, next, "more")
}

// request applies the reactive fetch rule for a new target.
func (c *Controller) request(ctx context.Context, target, event string) error {
	c.mu.Lock()
	if target == c.defaultURL || target == c.descriptor.Target {
		c.mu.Unlock()
		skippedTotal.WithLabelValues("same_target").Inc()
		c.logger.Debug().
			Str("event", event).
			Str("target", target).
			Msg("Target unchanged - no fetch")
		return nil
	}
	c.seq++
	token := c.seq
	c.mu.Unlock()

	c.logger.Debug().
		Str("event", event).
		Str("target", target).
		Uint64("seq", token).
		Msg("Fetching page")

	page, err := c.source.FetchPage(ctx, target)

	c.mu.Lock()
	defer c.mu.Unlock()

	if token != c.seq {
		fetchesTotal.WithLabelValues("stale").Inc()
		c.logger.Debug().
			Str("target", target).
			Uint64("seq", token).
			Uint64("latest", c.seq).
			Msg("Dropping stale response")
		return ErrStaleResponse
	}

	if err != nil {
		fetchesTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().
			Err(err).
			Str("event", event).
			Str("target", target).
			Msg("Page fetch failed - keeping current list")
		return fmt.Errorf("fetch %s: %w", target, err)
	}

	c.descriptor = PageDescriptor{
		Target: target,
		Next:   page.Info.Next,
		Prev:   page.Info.Prev,
	}

	// A page without a prev cursor is the first page of some query.
	if page.Info.IsFirst() {
		c.results = append([]character.Character{}, page.Results...)
		fetchesTotal.WithLabelValues("fresh").Inc()
	} else {
		c.results = append(c.results, page.Results...)
		fetchesTotal.WithLabelValues("incremental").Inc()
	}

	c.logger.Debug().
		Str("target", target).
		Bool("fresh", page.Info.IsFirst()).
		Int("received", len(page.Results)).
		Int("results", len(c.results)).
		Msg("Page merged")

	return nil
}

// Snapshot returns a copy of the current descriptor and results.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		Descriptor: c.descriptor,
		Results:    append([]character.Character{}, c.results...),
	}
}

// HasMore reports whether a next page exists.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptor.Next != ""
}

// Initialized reports whether Initialize has been called.
func (c *Controller) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// SearchURL returns the listing at base filtered by name.
func SearchURL(base, query string) string {
	return strings.TrimRight(base, "/") + "/?name=" + url.QueryEscape(query)
}
