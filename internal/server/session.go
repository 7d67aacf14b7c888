package server

import (
	"sync"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/pagination"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionCookie carries the viewer's session id.
const SessionCookie = "rmwiki_session"

var sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "rmwiki_sessions_active",
	Help: "Live viewer sessions",
})

// Session is one viewer's browsing state.
type Session struct {
	ID         string
	Controller *pagination.Controller

	// initMu serializes the initial load so it runs once per session.
	initMu sync.Mutex

	mu       sync.Mutex
	query    string
	flash    string
	lastSeen time.Time
}

// SetFlash stores a message for the next render.
func (s *Session) SetFlash(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flash = msg
}

// TakeFlash returns and clears the pending message.
func (s *Session) TakeFlash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.flash
	s.flash = ""
	return msg
}

// SetQuery records the search text behind the displayed list.
func (s *Session) SetQuery(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = q
}

// Query returns the search text behind the displayed list.
func (s *Session) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SessionStore is an in-memory registry of sessions keyed by id.
type SessionStore struct {
	newController func() *pagination.Controller
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates a store that gives each new session its own
// controller from newController.
func NewSessionStore(newController func() *pagination.Controller) *SessionStore {
	return &SessionStore{
		newController: newController,
		now:           time.Now,
		sessions:      make(map[string]*Session),
	}
}

// Get returns the session for id and marks it as used.
func (s *SessionStore) Get(id string) (*Session, bool) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()

	if ok {
		sess.touch(s.now())
	}
	return sess, ok
}

// Create registers a new session with a fresh controller.
func (s *SessionStore) Create() *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		Controller: s.newController(),
		lastSeen:   s.now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	sessionsActive.Set(float64(n))
	return sess
}

// Sweep drops sessions idle for longer than ttl and returns how many were
// removed.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	sessionsActive.Set(float64(n))
	return removed
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
