package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/orris-inc/orris-relay/internal/logger"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// reloadDebounce coalesces the burst of events an editor produces on save.
const reloadDebounce = 100 * time.Millisecond

type fileData struct {
	Users   []User              `yaml:"users"`
	Tunnels []tunnel.Definition `yaml:"tunnels"`
}

// FileStore reads users and tunnels from a YAML file:
//
//	users:
//	  - id: 42
//	    username: alice
//	    password_hash: $2a$10$...
//	tunnels:
//	  - id: 1
//	    source: ":3000"
//	    endpoint: www.example.com:80
//	    enabled: true
//	    sender: 42
//	    receiver: 0
//	    tunnel_type: tcp
type FileStore struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	users   map[string]User
	tunnels []tunnel.Definition
}

// OpenFile loads the store at path.
func OpenFile(path string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &FileStore{path: filepath.Clean(path), log: log.With("component", "store")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On error the previous data stays in effect.
func (s *FileStore) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}
	var data fileData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidData, s.path, err)
	}
	byName, err := indexUsers(data.Users)
	if err != nil {
		return err
	}
	if err := checkTunnelIDs(data.Tunnels); err != nil {
		return err
	}

	s.mu.Lock()
	s.users = byName
	s.tunnels = data.Tunnels
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Authenticate(_ context.Context, username, password string) (uint32, error) {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return verify(nil, username, password)
	}
	return verify(&u, username, password)
}

func (s *FileStore) Tunnels(context.Context) ([]tunnel.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tunnel.Definition(nil), s.tunnels...), nil
}

// Watch reloads the file whenever it changes on disk and signals after each
// successful reload. The parent directory is watched so that editors that
// replace the file by rename are seen.
func (s *FileStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", s.path, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				debounce = time.After(reloadDebounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("store watcher error", "error", err)
			case <-debounce:
				debounce = nil
				if err := s.Reload(); err != nil {
					s.log.Error("reload store, keeping previous data", "path", s.path, "error", err)
					continue
				}
				s.log.Info("store reloaded", "path", s.path)
				notify(out)
			}
		}
	}()
	return out, nil
}
