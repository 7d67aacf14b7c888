package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/character"
	"github.com/Sternrassler/rickmorty-wiki/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	batchPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmwiki_batch_pages_total",
		Help: "Pages fetched by the batch fetcher by result (ok, failed)",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rmwiki_batch_duration_seconds",
		Help:    "Duration of FetchAllPages runs",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests.
	// Keep it at or below the client's burst so workers are not just queueing
	// on the token bucket.
	MaxConcurrency int
	// Timeout per page fetch
	Timeout time.Duration
	// Buffer size for channels (default: estimated total pages)
	BufferSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		BufferSize:     64,
	}
}

// PageFetcher fetches page n of the listing rooted at listURL. The returned
// page's Info.Pages is the total page count.
type PageFetcher interface {
	FetchPageNumber(ctx context.Context, listURL string, n int) (*character.Page, error)
}

// PageResult represents the result of fetching a single page
type PageResult struct {
	PageNumber int
	Page       *character.Page
	Error      error
}

// BatchFetcher handles parallel fetching of multiple pages
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logging.NewLogger("batch-fetcher"),
	}
}

// FetchAllPages fetches all pages of a listing in parallel using a worker pool.
// Returns map of pageNumber -> page for successful pages; on a worker failure
// the partial map is returned together with the error.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, listURL string) (map[int]*character.Page, error) {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	// Fetch first page to get total page count
	firstPage, err := bf.fetchOne(ctx, listURL, 1)
	if err != nil {
		batchPagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to fetch first page: %w", err)
	}
	batchPagesTotal.WithLabelValues("ok").Inc()
	totalPages := firstPage.Info.Pages

	bf.logger.Info().
		Str("url", listURL).
		Int("total_pages", totalPages).
		Msg("Starting parallel page fetch")

	results := map[int]*character.Page{1: firstPage}

	// Single page optimization
	if totalPages <= 1 {
		bf.logger.Info().
			Str("url", listURL).
			Int("pages", 1).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return results, nil
	}

	// Workers stop picking up pages once one of them fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pageQueue := make(chan int, bf.config.BufferSize)
	pageResults := make(chan PageResult, bf.config.BufferSize)
	errs := make(chan error, bf.config.MaxConcurrency)

	// Fill page queue (skip page 1, already fetched)
	go func() {
		defer close(pageQueue)
		for page := 2; page <= totalPages; page++ {
			select {
			case pageQueue <- page:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Start worker pool
	var wg sync.WaitGroup
	for i := 0; i < bf.config.MaxConcurrency; i++ {
		wg.Add(1)
		go bf.worker(ctx, cancel, listURL, pageQueue, pageResults, errs, &wg, i)
	}

	// Close results channel when all workers done
	go func() {
		wg.Wait()
		close(pageResults)
		close(errs)
	}()

	// Collect results
	for result := range pageResults {
		results[result.PageNumber] = result.Page

		// Progress logging every 10 pages
		if len(results)%10 == 0 {
			bf.logger.Debug().
				Int("fetched", len(results)).
				Int("total", totalPages).
				Float64("progress_pct", float64(len(results))/float64(totalPages)*100).
				Msg("Fetch progress")
		}
	}

	// Check for errors
	if err := <-errs; err != nil {
		bf.logger.Warn().
			Err(err).
			Int("fetched_pages", len(results)).
			Int("total_pages", totalPages).
			Msg("Worker error - returning partial results")
		return results, fmt.Errorf("worker error (partial data: %d/%d pages): %w", len(results), totalPages, err)
	}
	if err := ctx.Err(); err != nil && len(results) < totalPages {
		return results, fmt.Errorf("cancelled (partial data: %d/%d pages): %w", len(results), totalPages, err)
	}

	bf.logger.Info().
		Str("url", listURL).
		Int("pages", len(results)).
		Int("total", totalPages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

// fetchOne fetches a single page with the per-page timeout.
func (bf *BatchFetcher) fetchOne(ctx context.Context, listURL string, n int) (*character.Page, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchPageNumber(pageCtx, listURL, n)
}

// worker processes pages from the queue
func (bf *BatchFetcher) worker(ctx context.Context, cancel context.CancelFunc, listURL string, pageQueue <-chan int, results chan<- PageResult, errs chan<- error, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for pageNum := range pageQueue {
		// Check context cancellation
		select {
		case <-ctx.Done():
			bf.logger.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		page, err := bf.fetchOne(ctx, listURL, pageNum)
		if err != nil {
			batchPagesTotal.WithLabelValues("failed").Inc()
			bf.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Int("page", pageNum).
				Msg("Page fetch failed")

			// Non-blocking error send
			select {
			case errs <- fmt.Errorf("page %d: %w", pageNum, err):
			default:
			}
			cancel()
			return
		}
		batchPagesTotal.WithLabelValues("ok").Inc()

		// Send result
		select {
		case results <- PageResult{
			PageNumber: pageNum,
			Page:       page,
		}:
		case <-ctx.Done():
			bf.logger.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled after fetch)")
			return
		}

		pagesProcessed++
	}

	if pagesProcessed > 0 {
		bf.logger.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", pagesProcessed).
			Msg("Worker completed")
	}
}
