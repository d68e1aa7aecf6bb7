package record

import (
	"log/slog"
	"sync"
)

// Manager tracks named live recording sessions, providing
// create/remove/list operations for hosts that record several inputs at
// once. Each name maps to at most one live session.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. If log is nil, slog.Default() is
// used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create builds a session from cfg and registers it under name. Returns
// nil and false if a session with this name already exists or the session
// cannot be constructed.
func (m *Manager) Create(name string, cfg Config) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[name]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "name", name)
		return nil, false
	}

	s, err := New(cfg)
	if err != nil {
		m.log.Warn("session creation failed", "name", name, "error", err)
		return nil, false
	}

	m.sessions[name] = s
	m.log.Info("session created", "name", name, "session_id", s.ID())
	return s, true
}

// Get returns the session registered under name.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Remove unregisters a session. Finishing it remains the caller's job.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	_, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if ok {
		m.log.Info("session removed", "name", name)
	}
}

// List returns all registered sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
