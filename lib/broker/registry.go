package broker

import (
	"fmt"
	"sort"
	"sync"
)

// registry maps identities to live sessions.
type registry struct {
	mu       sync.RWMutex
	sessions map[Identity]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[Identity]*session)}
}

// register adds s. It fails if the identity is already taken.
func (r *registry) register(s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("broker: plugin %s is already registered", s.id)
	}
	r.sessions[s.id] = s
	return nil
}

func (r *registry) lookup(id Identity) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// remove deletes s if it is still the session registered under its
// identity, and reports whether it did.
func (r *registry) remove(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.id]; !ok || current != s {
		return false
	}
	delete(r.sessions, s.id)
	return true
}

// snapshot returns the registered sessions ordered by identity.
func (r *registry) snapshot() []*session {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	return sessions
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
