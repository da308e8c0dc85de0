package server

import (
	"sync"

	"github.com/1ureka/vlessgate/internal/tunnel"
)

// Registry tracks the live tunnel sessions so they can be closed together
// on shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint32]*tunnel.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint32]*tunnel.Session),
	}
}

// Register adds s under its session ID. An older session with the same ID
// stays running but is no longer tracked.
func (r *Registry) Register(s *tunnel.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Unregister removes s, unless its ID has since been taken by another session.
func (r *Registry) Unregister(s *tunnel.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID()]; ok && cur == s {
		delete(r.sessions, s.ID())
	}
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every tracked session. Sessions unregister themselves as
// their Run returns.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	list := make([]*tunnel.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	for _, s := range list {
		s.Close()
	}
}
