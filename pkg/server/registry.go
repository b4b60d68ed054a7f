package server

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

var (
	ErrTooManySessions = errors.New("the server has reached its session limit")
	ErrSessionNotFound = errors.New("session not found")
	ErrAliasInUse      = errors.New("session alias is already in use")
	ErrRegistryClosed  = errors.New("server is shutting down")
)

// Registry manages all active sessions
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	aliases     map[string]*Session
	maxSessions int
	closed      bool
}

// NewRegistry creates a registry that holds at most maxSessions sessions
// (0 for no limit)
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		aliases:     make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// CheckCapacity reports whether a session with the given alias could be
// added right now. Add repeats the check.
func (r *Registry) CheckCapacity(alias string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkLocked(alias)
}

func (r *Registry) checkLocked(alias string) error {
	if r.closed {
		return ErrRegistryClosed
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return ErrTooManySessions
	}
	if alias != "" {
		if _, ok := r.aliases[strings.ToLower(alias)]; ok {
			return ErrAliasInUse
		}
	}
	return nil
}

// Add registers a session
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(s.Alias()); err != nil {
		return err
	}
	r.sessions[s.ID()] = s
	if s.Alias() != "" {
		r.aliases[strings.ToLower(s.Alias())] = s
	}
	return nil
}

// Get returns a session by id or alias
func (r *Registry) Get(idOrAlias string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[idOrAlias]; ok {
		return s, true
	}
	s, ok := r.aliases[strings.ToLower(idOrAlias)]
	return s, ok
}

// Sessions returns all active sessions ordered by id
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(sessions, func(a, b *Session) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return sessions
}

// Remove drops a session that has ended. Only the registered instance is
// removed, so a stale callback cannot drop a newer session with the same id.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.ID()] != s {
		return
	}
	delete(r.sessions, s.ID())
	if s.Alias() != "" {
		delete(r.aliases, strings.ToLower(s.Alias()))
	}
}

// Count returns the number of active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountUsers returns the number of users across all sessions
func (r *Registry) CountUsers() int {
	total := 0
	for _, s := range r.Sessions() {
		total += s.UserCount()
	}
	return total
}

// CloseAll stops accepting sessions and shuts down every active one.
// Persistent histories are closed, not deleted, so they can be restored.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	// Sessions call Remove as they end, so kill them without holding mu
	for _, s := range r.Sessions() {
		s.Kill(false)
	}
}
