// Package registry multiplexes a user identity onto the set of live duplex
// sessions for that user. State is purely in-memory and rebuilt from zero on
// restart; reconnecting clients re-request status explicitly.
package registry

import "sync"

// Session is one live duplex connection. Send must be safe for concurrent
// use and should fail (not block forever) once the connection is closed.
type Session interface {
	Send(event any) error
}

// Registry maps user IDs to their open sessions. All methods are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[Session]struct{}
}

// New initializes an empty registry.
func New() *Registry {
	return &Registry{users: make(map[string]map[Session]struct{})}
}

// Register adds a session for the user.
func (r *Registry) Register(userID string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.users[userID]
	if !ok {
		sessions = make(map[Session]struct{})
		r.users[userID] = sessions
	}
	sessions[session] = struct{}{}
}

// Unregister removes a session, dropping the user's entry entirely once its
// session set is empty.
func (r *Registry) Unregister(userID string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.users[userID]
	if !ok {
		return
	}
	delete(sessions, session)
	if len(sessions) == 0 {
		delete(r.users, userID)
	}
}

// Broadcast delivers event to every open session for the user. Delivery is
// best-effort: sessions that fail to write are skipped.
func (r *Registry) Broadcast(userID string, event any) {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.users[userID]))
	for session := range r.users[userID] {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	for _, session := range sessions {
		_ = session.Send(event)
	}
}

// SessionCount reports the number of open sessions for the user.
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}
