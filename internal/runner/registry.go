package runner

import (
	"sync"

	"github.com/agentum-dev/agentum/internal/agent"
	"github.com/agentum-dev/agentum/internal/hub"
)

// liveSession pairs a running supervisor with its hub.
type liveSession struct {
	sup *agent.Supervisor
	hub *hub.Hub
}

// Registry is the process-wide mapping of live sessions. Only the task
// runner creates entries and only the supervisor's exit path removes
// them; cancel and SSE lookups read it.
type Registry struct {
	mu   sync.Mutex
	live map[string]liveSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]liveSession)}
}

// Add registers a live session. Returns false when one is already running
// for the id — at most one supervisor per session at a time.
func (r *Registry) Add(sessionID string, sup *agent.Supervisor, h *hub.Hub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.live[sessionID]; exists {
		return false
	}
	r.live[sessionID] = liveSession{sup: sup, hub: h}
	return true
}

// Remove drops a live session entry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, sessionID)
}

// Supervisor returns the live supervisor for a session, if any.
func (r *Registry) Supervisor(sessionID string) (*agent.Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.live[sessionID]
	return entry.sup, ok
}

// Hub returns the live hub for a session, if any.
func (r *Registry) Hub(sessionID string) (*hub.Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.live[sessionID]
	return entry.hub, ok
}

// Count returns the number of live sessions, for the capacity gate.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Each calls fn for every live session id. Used during shutdown.
func (r *Registry) Each(fn func(sessionID string, sup *agent.Supervisor)) {
	r.mu.Lock()
	snapshot := make(map[string]liveSession, len(r.live))
	for id, entry := range r.live {
		snapshot[id] = entry
	}
	r.mu.Unlock()
	for id, entry := range snapshot {
		fn(id, entry.sup)
	}
}
