// Package pagination owns the list-browsing state of the character
// directory and the bulk page fetching used to warm the response cache.
//
// Controller is the search/"load more" state machine. It is seeded once
// from an already fetched first page and afterwards reacts to two events:
//
//	ctrl := pagination.NewController(apiClient, apiClient.BaseURL(), logger)
//	ctrl.Initialize(firstPage)
//	err := ctrl.RequestSearch(ctx, "rick") // replaces the list
//	err = ctrl.RequestMore(ctx)            // appends the next page
//
// Whether a response replaces or extends the list is decided by its prev
// cursor: a page without one is the first page of a query. Each fetch carries
// a sequence number and responses overtaken by a newer request are dropped
// with ErrStaleResponse.
//
// BatchFetcher fetches every page of a listing with a bounded worker pool:
//
//	fetcher := pagination.NewBatchFetcher(apiClient, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, apiClient.BaseURL())
//
// It fetches the first page to learn the page count, spreads the remaining
// pages across workers and returns partial results together with an error
// when a worker fails.
package pagination
