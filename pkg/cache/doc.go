// Package cache provides a Redis-backed HTTP response cache for the
// character API.
//
// Features:
//
// - Freshness from the Expires header or Cache-Control max-age
// - Stale entries retained for a revalidation window
// - ETag (If-None-Match) and Last-Modified (If-Modified-Since) revalidation
// - Deterministic cache keys built from the request URL
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.KeyFromURL(req.URL)
//	entry, err := manager.Get(ctx, key)
//	switch {
//	case errors.Is(err, cache.ErrCacheMiss):
//		// fetch from upstream
//	case entry.IsExpired():
//		cache.AddConditionalHeaders(req, entry) // revalidate
//	default:
//		resp := cache.EntryToResponse(entry) // serve from cache
//	}
//
// # Storing Responses
//
//	entry, err := cache.ResponseToEntry(resp)
//	if err != nil {
//		return err
//	}
//	if err := manager.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
// # Metrics
//
//   - rmwiki_cache_hits_total{layer="redis"} - Cache hits (fresh or stale)
//   - rmwiki_cache_misses_total - Cache misses
//   - rmwiki_cache_size_bytes{layer="redis"} - Bytes written to the cache
//   - rmwiki_cache_conditional_requests_total - Revalidation requests sent
//   - rmwiki_cache_not_modified_total - 304 responses received
//   - rmwiki_cache_errors_total{operation} - Cache operation errors
package cache
