package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/character"
	"github.com/Sternrassler/rickmorty-wiki/pkg/client"
	"github.com/Sternrassler/rickmorty-wiki/pkg/pagination"
	"github.com/Sternrassler/rickmorty-wiki/pkg/ratelimit"
	"github.com/rs/zerolog"
)

//go:embed templates/*.html
var templateFS embed.FS

// Messages shown to the viewer.
const (
	msgNoResults   = "No characters found"
	msgRateLimited = "The character API is busy right now, please try again in a moment"
	msgBadResponse = "The character API returned something unexpected"
	msgUnreachable = "Could not reach the character API"
	msgNotFound    = "Character not found"
)

// API is what the handlers need from the character API client.
type API interface {
	FetchPage(ctx context.Context, pageURL string) (*character.Page, error)
	FetchPageNumber(ctx context.Context, listURL string, n int) (*character.Page, error)
	FetchDefault(ctx context.Context) (*character.Page, error)
	FetchOne(ctx context.Context, id int) (*character.Character, error)
	BaseURL() string
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	api            API
	sessions       *SessionStore
	templates      *template.Template
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewHandlers creates the handlers and parses the embedded templates.
func NewHandlers(api API, sessions *SessionStore, requestTimeout time.Duration, logger zerolog.Logger) (*Handlers, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &Handlers{
		api:            api,
		sessions:       sessions,
		templates:      tmpl,
		requestTimeout: requestTimeout,
		logger:         logger,
	}, nil
}

type indexView struct {
	Title   string
	Flash   string
	Query   string
	Results []character.Character
	HasMore bool
}

type characterView struct {
	Title     string
	Character *character.Character
}

type errorView struct {
	Title string
	Flash string
}

// Index renders the character list of the viewer's session.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if err := h.ensureInitialized(ctx, sess); err != nil {
		h.logger.Warn().Err(err).Str("session", sess.ID).Msg("Initial load failed")
		sess.SetFlash(userMessage(err))
	}

	state := sess.Controller.Snapshot()
	h.render(w, http.StatusOK, "index", indexView{
		Title:   "Rick and Morty Wiki",
		Flash:   sess.TakeFlash(),
		Query:   sess.Query(),
		Results: state.Results,
		HasMore: state.Descriptor.Next != "",
	})
}

// Search runs a name search and redirects back to the list.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	query := strings.TrimSpace(r.PostFormValue("query"))
	sess := h.session(w, r)

	h.handleEvent(r.Context(), sess, "search", func(ctx context.Context) error {
		if err := sess.Controller.RequestSearch(ctx, query); err != nil {
			return err
		}
		sess.SetQuery(query)
		return nil
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// More loads the next page and redirects back to the list.
func (h *Handlers) More(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	h.handleEvent(r.Context(), sess, "more", sess.Controller.RequestMore)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleEvent makes sure the session is seeded, runs fn and turns a failure
// into a flash message for the next render.
func (h *Handlers) handleEvent(parent context.Context, sess *Session, event string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, h.requestTimeout)
	defer cancel()

	err := h.ensureInitialized(ctx, sess)
	if err == nil {
		err = fn(ctx)
	}

	switch {
	case err == nil:
	case errors.Is(err, pagination.ErrStaleResponse):
		h.logger.Debug().Str("session", sess.ID).Str("event", event).Msg("Superseded by a newer request")
	default:
		h.logger.Warn().Err(err).Str("session", sess.ID).Str("event", event).Msg("Request failed")
		sess.SetFlash(userMessage(err))
	}
}

// Character renders the detail page for one character.
func (h *Handlers) Character(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		h.render(w, http.StatusNotFound, "error", errorView{Title: "Not Found", Flash: msgNotFound})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	c, err := h.api.FetchOne(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			h.render(w, http.StatusNotFound, "error", errorView{Title: "Not Found", Flash: msgNotFound})
			return
		}
		h.logger.Warn().Err(err).Int("id", id).Msg("Detail load failed")
		h.render(w, http.StatusBadGateway, "error", errorView{Title: "Error", Flash: userMessage(err)})
		return
	}

	h.render(w, http.StatusOK, "character", characterView{Title: c.Name, Character: c})
}

type charactersResponse struct {
	pagination.State
	Query   string `json:"query"`
	HasMore bool   `json:"has_more"`
	Error   string `json:"error,omitempty"`
}

// Characters returns the session's current list as JSON.
func (h *Handlers) Characters(w http.ResponseWriter, r *http.Request) {
	sess := h.session(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	resp := charactersResponse{}
	status := http.StatusOK
	if err := h.ensureInitialized(ctx, sess); err != nil {
		resp.Error = userMessage(err)
		status = http.StatusBadGateway
	}

	resp.State = sess.Controller.Snapshot()
	resp.Query = sess.Query()
	resp.HasMore = resp.Descriptor.Next != ""

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write response")
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Ready reports whether the backing Redis answers.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.api.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Readiness check failed")
		http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// session returns the viewer's session, creating one (and its cookie) when
// the request carries none or an expired one.
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) *Session {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if sess, ok := h.sessions.Get(c.Value); ok {
			return sess
		}
	}

	sess := h.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.Debug().Str("session", sess.ID).Msg("Session created")
	return sess
}

// ensureInitialized seeds the session controller from the initial loader
// the first time it is needed.
func (h *Handlers) ensureInitialized(ctx context.Context, sess *Session) error {
	sess.initMu.Lock()
	defer sess.initMu.Unlock()

	if sess.Controller.Initialized() {
		return nil
	}

	page, err := h.api.FetchDefault(ctx)
	if err != nil {
		return err
	}
	sess.Controller.Initialize(page)
	return nil
}

func (h *Handlers) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := h.templates.ExecuteTemplate(&buf, name, data); err != nil {
		h.logger.Error().Err(err).Str("template", name).Msg("Template execution failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// userMessage maps a fetch failure to the text shown to the viewer.
func userMessage(err error) string {
	switch {
	case client.IsNotFound(err):
		return msgNoResults
	case errors.Is(err, ratelimit.ErrCoolingDown):
		return msgRateLimited
	case client.IsDecode(err):
		return msgBadResponse
	default:
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorClass == client.ErrorClassRateLimit {
			return msgRateLimited
		}
		return msgUnreachable
	}
}
