package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orris-inc/orris-relay/internal/tunnel"
)

func writeStoreFile(t *testing.T, path, hash string, endpoint string) {
	t.Helper()
	content := fmt.Sprintf(`users:
  - id: 42
    username: alice
    password_hash: %q
tunnels:
  - id: 1
    source: ":3000"
    endpoint: %q
    enabled: true
    sender: 42
    receiver: 0
    tunnel_type: tcp
    encryption_method: aes-256-gcm
`, hash, endpoint)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write store file: %v", err)
	}
}

func TestFileStore_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	writeStoreFile(t, path, mustHash(t, "secret"), "www.example.com:80")

	s, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	ctx := context.Background()

	id, err := s.Authenticate(ctx, "alice", "secret")
	if err != nil || id != 42 {
		t.Fatalf("Authenticate() = %d, %v", id, err)
	}
	if _, err := s.Authenticate(ctx, "alice", "nope"); !errors.Is(err, tunnel.ErrAuthFailed) {
		t.Errorf("wrong password error = %v", err)
	}

	defs, err := s.Tunnels(ctx)
	if err != nil {
		t.Fatalf("Tunnels() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("Tunnels() = %d defs, want 1", len(defs))
	}
	d := defs[0]
	if d.Endpoint != "www.example.com:80" || d.Sender != 42 || d.Type != tunnel.TypeTCP || d.EncryptionMethod != "aes-256-gcm" {
		t.Errorf("tunnel = %+v", d)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("loaded tunnel does not validate: %v", err)
	}
}

func TestFileStore_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"not yaml", "users: [\n"},
		{"duplicate user", "users:\n  - {id: 1, username: a}\n  - {id: 2, username: a}\n"},
		{"duplicate tunnel", "tunnels:\n  - {id: 1}\n  - {id: 1}\n"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, fmt.Sprintf("bad%d.yaml", i))
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := OpenFile(path, nil); !errors.Is(err, ErrInvalidData) {
				t.Errorf("OpenFile() error = %v, want ErrInvalidData", err)
			}
		})
	}

	if _, err := OpenFile(filepath.Join(dir, "missing.yaml"), nil); err == nil {
		t.Error("OpenFile(missing) succeeded")
	}
}

func TestFileStore_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	writeStoreFile(t, path, mustHash(t, "secret"), "a.example.com:80")
	s, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("tunnels: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("Reload() of broken file succeeded")
	}
	defs, _ := s.Tunnels(context.Background())
	if len(defs) != 1 || defs[0].Endpoint != "a.example.com:80" {
		t.Errorf("tunnels after failed reload = %+v", defs)
	}
}

func TestFileStore_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.yaml")
	hash := mustHash(t, "secret")
	writeStoreFile(t, path, hash, "a.example.com:80")
	s, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeStoreFile(t, path, hash, "b.example.com:80")

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload signalled")
	}
	defs, _ := s.Tunnels(ctx)
	if len(defs) != 1 || defs[0].Endpoint != "b.example.com:80" {
		t.Errorf("tunnels after reload = %+v", defs)
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
