package server

import (
	"sync"

	"github.com/orris-inc/orris-relay/internal/mux"
)

// Registry maps each user id to its one live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*mux.Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*mux.Session)}
}

// Register makes sess the live session of its user and returns the session
// it replaced, or nil. The caller evicts the replaced session.
func (r *Registry) Register(sess *mux.Session) *mux.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sessions[sess.UserID()]
	r.sessions[sess.UserID()] = sess
	if old == sess {
		return nil
	}
	return old
}

// Remove drops sess if it is still the live session of its user.
func (r *Registry) Remove(sess *mux.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[sess.UserID()] != sess {
		return false
	}
	delete(r.sessions, sess.UserID())
	return true
}

// Lookup returns the live session of userID. Only established sessions are
// returned.
func (r *Registry) Lookup(userID uint32) (*mux.Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok || sess.State() != mux.StateEstablished {
		return nil, false
	}
	return sess, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*mux.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*mux.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// NumStreams sums the streams of every registered session.
func (r *Registry) NumStreams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sess := range r.sessions {
		n += sess.NumStreams()
	}
	return n
}
