// Package store provides credentials and tunnel definitions to the server.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// ErrInvalidData is returned when stored users or tunnels are inconsistent.
var ErrInvalidData = errors.New("invalid store data")

// User is one account allowed to open a session.
type User struct {
	ID           uint32 `json:"id" yaml:"id"`
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"password_hash" yaml:"password_hash"`
}

// Store resolves credentials and tunnel definitions.
type Store interface {
	// Authenticate returns the user id for valid credentials. Failures wrap
	// tunnel.ErrAuthFailed.
	Authenticate(ctx context.Context, username, password string) (uint32, error)
	// Tunnels returns every configured tunnel.
	Tunnels(ctx context.Context) ([]tunnel.Definition, error)
	// Watch signals whenever the stored data changed. The channel is closed
	// when ctx ends.
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// HashPassword returns the bcrypt hash stored for a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// verify checks password against u. A nil u still pays for one bcrypt
// comparison so unknown usernames take as long as wrong passwords.
func verify(u *User, username, password string) (uint32, error) {
	if u == nil {
		dummyOnce.Do(func() {
			dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unused"), bcrypt.DefaultCost)
		})
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return 0, fmt.Errorf("%w: unknown user %q", tunnel.ErrAuthFailed, username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return 0, fmt.Errorf("%w: user %q: wrong password", tunnel.ErrAuthFailed, username)
	}
	return u.ID, nil
}

// indexUsers checks ids and usernames are unique and non-zero.
func indexUsers(users []User) (map[string]User, error) {
	byName := make(map[string]User, len(users))
	ids := make(map[uint32]bool, len(users))
	for _, u := range users {
		switch {
		case u.ID == tunnel.ServerUserID:
			return nil, fmt.Errorf("%w: user %q has id 0, which denotes the server", ErrInvalidData, u.Username)
		case u.Username == "":
			return nil, fmt.Errorf("%w: user %d has no username", ErrInvalidData, u.ID)
		case ids[u.ID]:
			return nil, fmt.Errorf("%w: duplicate user id %d", ErrInvalidData, u.ID)
		}
		if _, dup := byName[u.Username]; dup {
			return nil, fmt.Errorf("%w: duplicate username %q", ErrInvalidData, u.Username)
		}
		ids[u.ID] = true
		byName[u.Username] = u
	}
	return byName, nil
}

func checkTunnelIDs(defs []tunnel.Definition) error {
	seen := make(map[uint32]bool, len(defs))
	for _, d := range defs {
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate tunnel id %d", ErrInvalidData, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// notify performs a non-blocking send on a reload channel.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Snapshot is an immutable view of the tunnel table.
type Snapshot struct {
	version uint64
	tunnels []tunnel.Definition
	byID    map[uint32]int
}

// NewSnapshot indexes defs. The version increases with every reload.
func NewSnapshot(version uint64, defs []tunnel.Definition) *Snapshot {
	sorted := make([]tunnel.Definition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[uint32]int, len(sorted))
	for i, d := range sorted {
		byID[d.ID] = i
	}
	return &Snapshot{version: version, tunnels: sorted, byID: byID}
}

// Version returns the snapshot version.
func (s *Snapshot) Version() uint64 { return s.version }

// Tunnel returns the definition with the given id.
func (s *Snapshot) Tunnel(id uint32) (tunnel.Definition, bool) {
	i, ok := s.byID[id]
	if !ok {
		return tunnel.Definition{}, false
	}
	return s.tunnels[i], true
}

// Tunnels returns every definition ordered by id.
func (s *Snapshot) Tunnels() []tunnel.Definition {
	out := make([]tunnel.Definition, len(s.tunnels))
	copy(out, s.tunnels)
	return out
}

// EnteredBy returns the definitions whose listener is hosted by host.
func (s *Snapshot) EnteredBy(host uint32) []tunnel.Definition {
	var out []tunnel.Definition
	for _, d := range s.tunnels {
		if d.EntryHost() == host {
			out = append(out, d)
		}
	}
	return out
}

// ForUser returns the definitions the user sends or receives.
func (s *Snapshot) ForUser(userID uint32) []tunnel.Definition {
	var out []tunnel.Definition
	for _, d := range s.tunnels {
		if d.Involves(userID) {
			out = append(out, d)
		}
	}
	return out
}

// ResolveTunnel finds the enabled tunnel host listens for on listenAddr. A
// wildcard host on either side matches any address with the same port.
func (s *Snapshot) ResolveTunnel(host uint32, listenAddr string) (tunnel.Definition, error) {
	wantHost, wantPort, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return tunnel.Definition{}, fmt.Errorf("%w: listen address %q", tunnel.ErrNotFound, listenAddr)
	}
	for _, d := range s.tunnels {
		if !d.Enabled || d.EntryHost() != host {
			continue
		}
		h, p, err := net.SplitHostPort(d.Source)
		if err != nil || p != wantPort {
			continue
		}
		if h == wantHost || isWildcard(h) || isWildcard(wantHost) {
			return d, nil
		}
	}
	return tunnel.Definition{}, fmt.Errorf("%w: no tunnel listens on %s", tunnel.ErrNotFound, listenAddr)
}

func isWildcard(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
