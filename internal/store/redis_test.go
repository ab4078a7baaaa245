package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/orris-inc/orris-relay/internal/tunnel"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("OpenRedis() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore_Authenticate(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if err := s.PutUser(ctx, User{ID: 42, Username: "alice"}, "secret"); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}

	id, err := s.Authenticate(ctx, "alice", "secret")
	if err != nil || id != 42 {
		t.Fatalf("Authenticate() = %d, %v", id, err)
	}
	if _, err := s.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, tunnel.ErrAuthFailed) {
		t.Errorf("wrong password error = %v", err)
	}
	if _, err := s.Authenticate(ctx, "bob", "secret"); !errors.Is(err, tunnel.ErrAuthFailed) {
		t.Errorf("unknown user error = %v", err)
	}

	mr.HSet(DefaultRedisPrefix+redisUsersKey, "broken", "{not json")
	if _, err := s.Authenticate(ctx, "broken", "x"); !errors.Is(err, ErrInvalidData) {
		t.Errorf("undecodable user error = %v, want ErrInvalidData", err)
	}
	mr.HSet(DefaultRedisPrefix+redisUsersKey, "root", `{"id":0,"username":"root"}`)
	if _, err := s.Authenticate(ctx, "root", "x"); !errors.Is(err, ErrInvalidData) {
		t.Errorf("zero id user error = %v, want ErrInvalidData", err)
	}
}

func TestRedisStore_Tunnels(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	for _, d := range testDefs() {
		if err := s.PutTunnel(ctx, d); err != nil {
			t.Fatalf("PutTunnel() error = %v", err)
		}
	}
	mr.HSet(DefaultRedisPrefix+redisTunnelsKey, "77", "garbage")

	defs, err := s.Tunnels(ctx)
	if err != nil {
		t.Fatalf("Tunnels() error = %v", err)
	}
	snap := NewSnapshot(1, defs)
	if got := ids(snap.Tunnels()); !equalIDs(got, []uint32{1, 2, 3, 4}) {
		t.Errorf("tunnel ids = %v", got)
	}
	if d, _ := snap.Tunnel(4); d.Type != tunnel.TypeSOCKS5 || d.Sender != 9 {
		t.Errorf("tunnel 4 = %+v", d)
	}

	if err := s.DeleteTunnel(ctx, 2); err != nil {
		t.Fatalf("DeleteTunnel() error = %v", err)
	}
	defs, _ = s.Tunnels(ctx)
	if len(defs) != 3 {
		t.Errorf("Tunnels() after delete = %d, want 3", len(defs))
	}
}

func TestRedisStore_Prefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "edge:", nil)
	t.Cleanup(func() { s.Close() })

	if err := s.PutTunnel(context.Background(), testDefs()[0]); err != nil {
		t.Fatalf("PutTunnel() error = %v", err)
	}
	if !mr.Exists("edge:tunnels") {
		t.Error("tunnels not stored under the configured prefix")
	}
}

func TestRedisStore_Watch(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := s.NotifyReload(ctx); err != nil {
		t.Fatalf("NotifyReload() error = %v", err)
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not delivered")
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

func TestOpenRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := OpenRedis(ctx, RedisConfig{Addr: addr}, nil); err == nil {
		t.Fatal("OpenRedis() to a closed server succeeded")
	}
}
