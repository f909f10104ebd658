package session

import (
	"errors"
	"sync"
)

// ErrRegistered is returned when a session id is already live in a Registry.
var ErrRegistered = errors.New("session already registered")

// Registry tracks running sessions by id so they can be canceled from outside
// the goroutine driving them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s under its id.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return ErrRegistered
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove drops the session with id, if any.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Cancel cancels the session with id. It reports false when no such session
// is registered or it had already finished.
func (r *Registry) Cancel(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.Cancel()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
