package session

import (
	"sort"
	"strings"
	"sync"

	"ipgate/internal/domain"
)

// Registry is an in-memory directory of connected clients keyed by the
// lowercased account name.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]domain.Session)}
}

// Connect records a session, replacing any earlier one for the same name.
func (r *Registry) Connect(name, ip string) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}

	r.mu.Lock()
	r.sessions[key] = domain.Session{AccountName: strings.TrimSpace(name), IP: strings.TrimSpace(ip)}
	r.mu.Unlock()
}

func (r *Registry) Disconnect(name string) {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// ConnectedSessions returns a snapshot ordered by account name.
func (r *Registry) ConnectedSessions() []domain.Session {
	r.mu.RLock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].AccountName) < strings.ToLower(out[j].AccountName)
	})
	return out
}

// IPOf returns the address name is connected from.
func (r *Registry) IPOf(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s.IP, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
