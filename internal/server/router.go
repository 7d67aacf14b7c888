package server

import (
	"net/http"

	"github.com/Sternrassler/rickmorty-wiki/pkg/metrics"
)

// NewRouter creates a new http.ServeMux and registers the handlers.
func NewRouter(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(pattern, route string, fn http.HandlerFunc) {
		mux.Handle(pattern, metrics.InstrumentHandler(route, fn))
	}

	handle("GET /{$}", "/", h.Index)
	handle("POST /search", "/search", h.Search)
	handle("POST /more", "/more", h.More)
	handle("GET /character/{id}", "/character/:id", h.Character)
	handle("GET /api/characters", "/api/characters", h.Characters)
	handle("GET /health", "/health", h.Health)
	handle("GET /ready", "/ready", h.Ready)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
