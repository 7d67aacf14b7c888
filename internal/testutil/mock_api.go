// Package testutil provides an in-process fake of the character API.
package testutil

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/character"
)

// CharacterPath is where the fake serves the character resource.
const CharacterPath = "/api/character"

// MockAPIResponse defines a canned response for a path.
type MockAPIResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable fake of the character API. By default it pages
// Characters PageSize at a time, filters by ?name= (case-insensitive
// substring), answers 404 {"error":...} when nothing matches and serves
// /api/character/{id}. Responses carry a content ETag and honour If-None-Match.
type MockAPI struct {
	server *httptest.Server

	mu         sync.RWMutex
	handlers   map[string]func(w http.ResponseWriter, r *http.Request)
	characters []character.Character
	pageSize   int
	maxAge     int

	// Tracking
	RequestCount      int
	ConditionalCount  int
	NotModifiedCount  int
	RequestedURLs     []string
	LastRequestHeader http.Header
}

// NewMockAPI creates a fake serving total generated characters.
func NewMockAPI(total int) *MockAPI {
	mock := &MockAPI{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		characters: GenerateCharacters(total),
		pageSize:   20,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.RequestedURLs = append(mock.RequestedURLs, r.URL.RequestURI())
		mock.LastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server root URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// BaseURL returns the unfiltered character list URL.
func (m *MockAPI) BaseURL() string {
	return m.server.URL + CharacterPath
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.NotModifiedCount = 0
	m.RequestedURLs = nil
	m.LastRequestHeader = nil
}

// SetPageSize changes how many characters each page holds.
func (m *MockAPI) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.pageSize = n
	}
}

// SetMaxAge makes responses carry Cache-Control max-age (0 = no header).
func (m *MockAPI) SetMaxAge(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxAge = seconds
}

// SetCharacters replaces the served dataset.
func (m *MockAPI) SetCharacters(chars []character.Character) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.characters = append([]character.Character(nil), chars...)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// ClearHandler restores the default behaviour for path.
func (m *MockAPI) ClearHandler(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, path)
}

// SetResponse configures a canned response for a path.
func (m *MockAPI) SetResponse(path string, resp MockAPIResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockAPI) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetRequestedURLs returns the request URIs seen so far, in order.
func (m *MockAPI) GetRequestedURLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.RequestedURLs...)
}

// PageURL returns the URL of page n for an optional name filter, in the
// same shape the fake emits as next/prev cursors.
func (m *MockAPI) PageURL(name string, n int) string {
	return pageURL(m.BaseURL(), name, n)
}

func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch {
	case path == CharacterPath:
		m.listHandler(w, r)
	case strings.HasPrefix(path, CharacterPath+"/"):
		m.detailHandler(w, r, strings.TrimPrefix(path, CharacterPath+"/"))
	default:
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "There is nothing here"}, 0, m)
	}
}

func (m *MockAPI) listHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	chars := m.characters
	size := m.pageSize
	maxAge := m.maxAge
	m.mu.RUnlock()

	name := r.URL.Query().Get("name")
	var matched []character.Character
	for _, c := range chars {
		if name == "" || strings.Contains(strings.ToLower(c.Name), strings.ToLower(name)) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "There is nothing here"}, 0, m)
		return
	}

	pages := (len(matched) + size - 1) / size
	n := 1
	if p := r.URL.Query().Get("page"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil || v < 1 || v > pages {
			writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "There is nothing here"}, 0, m)
			return
		}
		n = v
	}

	page := character.Page{
		Info: character.Info{
			Count: len(matched),
			Pages: pages,
		},
	}
	if n < pages {
		page.Info.Next = pageURL(m.BaseURL(), name, n+1)
	}
	if n > 1 {
		page.Info.Prev = pageURL(m.BaseURL(), name, n-1)
	}
	end := n * size
	if end > len(matched) {
		end = len(matched)
	}
	page.Results = matched[(n-1)*size : end]

	writeJSON(w, r, http.StatusOK, pageWire(page), maxAge, m)
}

func (m *MockAPI) detailHandler(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.Atoi(rawID)
	if err != nil {
		writeJSON(w, r, http.StatusInternalServerError, map[string]string{"error": "Hey! you must provide an id"}, 0, m)
		return
	}

	m.mu.RLock()
	chars := m.characters
	maxAge := m.maxAge
	m.mu.RUnlock()

	for _, c := range chars {
		if c.ID == id {
			writeJSON(w, r, http.StatusOK, c, maxAge, m)
			return
		}
	}
	writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "Character not found"}, 0, m)
}

// pageWire renders empty cursors as JSON null, like the real API.
func pageWire(p character.Page) any {
	nullable := func(s string) *string {
		if s == "" {
			return nil
		}
		return &s
	}
	return map[string]any{
		"info": map[string]any{
			"count": p.Info.Count,
			"pages": p.Info.Pages,
			"next":  nullable(p.Info.Next),
			"prev":  nullable(p.Info.Prev),
		},
		"results": p.Results,
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any, maxAge int, m *MockAPI) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if status == http.StatusOK {
		sum := sha1.Sum(body)
		etag := `W/"` + hex.EncodeToString(sum[:8]) + `"`
		w.Header().Set("ETag", etag)
		if maxAge > 0 {
			w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", maxAge))
		} else {
			w.Header().Set("Cache-Control", "no-cache")
		}
		if r.Header.Get("If-None-Match") == etag {
			m.mu.Lock()
			m.NotModifiedCount++
			m.mu.Unlock()
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.WriteHeader(status)
	w.Write(body)
}

func pageURL(base, name string, n int) string {
	u := base + "?page=" + strconv.Itoa(n)
	if name != "" {
		u += "&name=" + name
	}
	return u
}

var sampleNames = []string{
	"Rick Sanchez", "Morty Smith", "Summer Smith", "Beth Smith", "Jerry Smith",
	"Abadango Cluster Princess", "Abradolf Lincler", "Adjudicator Rick", "Agency Director", "Alan Rails",
}

// GenerateCharacters builds n deterministic characters with ids 1..n.
func GenerateCharacters(n int) []character.Character {
	chars := make([]character.Character, n)
	created := time.Date(2017, 11, 4, 18, 48, 46, 0, time.UTC)
	for i := range chars {
		id := i + 1
		name := sampleNames[i%len(sampleNames)]
		if i >= len(sampleNames) {
			name = fmt.Sprintf("%s %d", name, id)
		}
		status := "Alive"
		if id%3 == 0 {
			status = "Dead"
		}
		chars[i] = character.Character{
			ID:       id,
			Name:     name,
			Status:   status,
			Species:  "Human",
			Gender:   "Male",
			Origin:   character.Place{Name: "Earth (C-137)"},
			Location: character.Place{Name: "Citadel of Ricks"},
			Image:    fmt.Sprintf("https://rickandmortyapi.com/api/character/avatar/%d.jpeg", id),
			URL:      fmt.Sprintf("https://rickandmortyapi.com/api/character/%d", id),
			Created:  created.Add(time.Duration(id) * time.Minute),
		}
	}
	return chars
}

// NewTooManyRequestsResponse creates a 429 with a Retry-After header.
func NewTooManyRequestsResponse(retryAfter int) MockAPIResponse {
	return MockAPIResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(retryAfter),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockAPIResponse {
	return MockAPIResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewMalformedResponse creates a 200 whose body is not the expected shape.
func NewMalformedResponse(body string) MockAPIResponse {
	return MockAPIResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
