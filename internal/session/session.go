// Package session implements the session manager: owns
// sessions and their per-session state stores, including the permanent,
// undestroyable default session.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/statestore"
	"github.com/openstarry/core/pkg/models"
)

// EventSessionCreated and EventSessionDestroyed are the bus event types
// emitted by Manager.
const (
	EventSessionCreated   = "session:created"
	EventSessionDestroyed = "session:destroyed"
)

// Manager owns every live Session and its backing state store.
type Manager struct {
	mu      sync.RWMutex
	bus     *bus.Bus
	logger  *slog.Logger
	entries map[string]*entry
}

type entry struct {
	session *models.Session
	store   *statestore.Store
}

// New constructs a Manager with the permanent default session already
// present.
func New(b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		bus:     b,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	now := time.Now()
	m.entries[models.DefaultSessionID] = &entry{
		session: &models.Session{
			ID:        models.DefaultSessionID,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  make(map[string]any),
		},
		store: statestore.New(),
	}
	return m
}

// Create allocates a new UUID-identified session, emits session:created,
// and returns it.
func (m *Manager) Create(metadata map[string]any) *models.Session {
	now := time.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  cloneMetadata(metadata),
	}

	m.mu.Lock()
	m.entries[sess.ID] = &entry{session: sess, store: statestore.New()}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(EventSessionCreated, sess.Clone())
	}
	return sess
}

// Get returns the session for id, or nil if it doesn't exist.
func (m *Manager) Get(id string) *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	return e.session
}

// Destroy removes the session for id. It refuses the default session and
// unknown ids.
func (m *Manager) Destroy(id string) bool {
	if id == models.DefaultSessionID {
		return false
	}

	m.mu.Lock()
	_, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, id)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(EventSessionDestroyed, map[string]any{"sessionId": id})
	}
	return true
}

// GetStateManager returns the named session's state store. If id is empty
// or unknown, it returns the default session's store — unknown ids are
// logged, never an error, preserving compatibility with clients that omit
// session ids.
func (m *Manager) GetStateManager(id string) *statestore.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id != "" {
		if e, ok := m.entries[id]; ok {
			return e.store
		}
		m.logger.Warn("unknown session id, falling back to default session", "sessionId", id)
	}
	return m.entries[models.DefaultSessionID].store
}

// GetDefaultSession returns the permanent default session.
func (m *Manager) GetDefaultSession() *models.Session {
	return m.Get(models.DefaultSessionID)
}

// List returns every live session.
func (m *Manager) List() []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.session)
	}
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
