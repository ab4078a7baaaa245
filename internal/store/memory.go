package store

import (
	"context"
	"sync"

	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// MemoryStore keeps users and tunnels in memory. Set replaces the data and
// signals watchers.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	tunnels  []tunnel.Definition
	watchers []chan struct{}
}

// NewMemoryStore creates a store holding users and defs.
func NewMemoryStore(users []User, defs []tunnel.Definition) (*MemoryStore, error) {
	s := &MemoryStore{}
	if err := s.Set(users, defs); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the stored data.
func (s *MemoryStore) Set(users []User, defs []tunnel.Definition) error {
	byName, err := indexUsers(users)
	if err != nil {
		return err
	}
	if err := checkTunnelIDs(defs); err != nil {
		return err
	}

	s.mu.Lock()
	s.users = byName
	s.tunnels = append([]tunnel.Definition(nil), defs...)
	watchers := s.watchers
	s.mu.Unlock()

	for _, ch := range watchers {
		notify(ch)
	}
	return nil
}

func (s *MemoryStore) Authenticate(_ context.Context, username, password string) (uint32, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return verify(nil, username, password)
	}
	return verify(&u, username, password)
}

func (s *MemoryStore) Tunnels(context.Context) ([]tunnel.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tunnel.Definition(nil), s.tunnels...), nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	out := make(chan struct{})
	go func() {
		defer close(out)
		defer s.removeWatcher(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) removeWatcher(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.watchers {
		if w == ch {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}
