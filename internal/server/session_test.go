package server

import (
	"testing"
	"time"

	"github.com/Sternrassler/rickmorty-wiki/pkg/pagination"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestStore() (*SessionStore, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewSessionStore(func() *pagination.Controller {
		return pagination.NewController(nil, "https://example.com/api/character", zerolog.Nop())
	})
	store.now = func() time.Time { return now }
	return store, &now
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store, _ := newTestStore()

	sess := store.Create()
	if _, err := uuid.Parse(sess.ID); err != nil {
		t.Errorf("session id %q is not a uuid: %v", sess.ID, err)
	}
	if sess.Controller == nil {
		t.Fatal("session has no controller")
	}

	got, ok := store.Get(sess.ID)
	if !ok || got != sess {
		t.Error("Get() did not return the created session")
	}

	other := store.Create()
	if other.Controller == sess.Controller {
		t.Error("sessions share a controller")
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestSessionStore_GetUnknown(t *testing.T) {
	store, _ := newTestStore()

	tests := []string{"", "not-a-uuid", uuid.NewString()}
	for _, id := range tests {
		if _, ok := store.Get(id); ok {
			t.Errorf("Get(%q) found a session", id)
		}
	}
}

func TestSessionStore_Sweep(t *testing.T) {
	store, now := newTestStore()

	idle := store.Create()
	*now = now.Add(20 * time.Minute)
	active := store.Create()

	*now = now.Add(15 * time.Minute)
	// touching keeps a session alive
	store.Get(active.ID)

	removed := store.Sweep(30 * time.Minute)
	if removed != 1 {
		t.Errorf("Sweep() removed %d, want 1", removed)
	}
	if _, ok := store.Get(idle.ID); ok {
		t.Error("idle session survived the sweep")
	}
	if _, ok := store.Get(active.ID); !ok {
		t.Error("active session was swept")
	}
}

func TestSession_Flash(t *testing.T) {
	store, _ := newTestStore()
	sess := store.Create()

	if msg := sess.TakeFlash(); msg != "" {
		t.Errorf("TakeFlash() = %q on new session", msg)
	}

	sess.SetFlash("No characters found")
	if msg := sess.TakeFlash(); msg != "No characters found" {
		t.Errorf("TakeFlash() = %q", msg)
	}
	if msg := sess.TakeFlash(); msg != "" {
		t.Errorf("flash not cleared: %q", msg)
	}

	sess.SetQuery("rick")
	if sess.Query() != "rick" {
		t.Errorf("Query() = %q", sess.Query())
	}
}
