package router

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/forwarder"
	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

func TestResolve(t *testing.T) {
	base := tunnel.Definition{ID: 1, Source: ":3000", Endpoint: "www.example.com:80", Enabled: true, Type: tunnel.TypeTCP}
	with := func(f func(d *tunnel.Definition)) tunnel.Definition {
		d := base
		f(&d)
		return d
	}

	tests := []struct {
		name      string
		def       tunnel.Definition
		target    string
		wantErr   error
		entry     uint32
		exit      uint32
		direction tunnel.Direction
		wantTgt   string
	}{
		{
			name:      "server entry",
			def:       with(func(d *tunnel.Definition) { d.Sender = 42 }),
			exit:      42,
			direction: tunnel.RelayToEndpoint,
			wantTgt:   "www.example.com:80",
		},
		{
			name:      "server exit",
			def:       with(func(d *tunnel.Definition) { d.Receiver = 7 }),
			entry:     7,
			direction: tunnel.RelayToEndpoint,
			wantTgt:   "www.example.com:80",
		},
		{
			name:      "client to client",
			def:       with(func(d *tunnel.Definition) { d.Receiver = 7; d.Sender = 42 }),
			entry:     7,
			exit:      42,
			direction: tunnel.RelayToPeer,
			wantTgt:   "www.example.com:80",
		},
		{
			name:    "neither side",
			def:     base,
			wantErr: tunnel.ErrTunnelMisconfigured,
		},
		{
			name:    "disabled",
			def:     with(func(d *tunnel.Definition) { d.Sender = 42; d.Enabled = false }),
			wantErr: tunnel.ErrTunnelMisconfigured,
		},
		{
			name:    "unknown cipher",
			def:     with(func(d *tunnel.Definition) { d.Sender = 42; d.EncryptionMethod = "rc4" }),
			wantErr: tunnel.ErrUnsupportedCipher,
		},
		{
			name: "socks target with mapping",
			def: with(func(d *tunnel.Definition) {
				d.Sender = 42
				d.Type = tunnel.TypeSOCKS5
				d.Endpoint = ""
				d.CustomMapping = "example.com=10.0.0.5"
			}),
			target:    "example.com:443",
			exit:      42,
			direction: tunnel.RelayToEndpoint,
			wantTgt:   "10.0.0.5:443",
		},
		{
			name:    "socks without target",
			def:     with(func(d *tunnel.Definition) { d.Sender = 42; d.Type = tunnel.TypeSOCKS5 }),
			wantErr: tunnel.ErrTunnelMisconfigured,
		},
		{
			name:      "static endpoint ignores socks target",
			def:       with(func(d *tunnel.Definition) { d.Sender = 42 }),
			target:    "other:1",
			exit:      42,
			direction: tunnel.RelayToEndpoint,
			wantTgt:   "www.example.com:80",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Resolve(&tt.def, tt.target)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if plan.Entry != tt.entry || plan.Exit != tt.exit || plan.Direction != tt.direction || plan.Target != tt.wantTgt {
				t.Errorf("plan = %+v", plan)
			}
		})
	}
}

func TestResolveExit(t *testing.T) {
	const chain = "a.example=b.example,b.example=c.example"
	socks := tunnel.Definition{ID: 2, Source: ":1080", Enabled: true, Receiver: 7, Sender: 42, Type: tunnel.TypeSOCKS5, CustomMapping: chain}
	static := tunnel.Definition{ID: 3, Source: ":3000", Endpoint: "a.example:80", Enabled: true, Sender: 42, Type: tunnel.TypeTCP, CustomMapping: chain}

	tests := []struct {
		name    string
		def     tunnel.Definition
		target  string
		wantTgt string
		wantErr error
	}{
		{name: "socks target already mapped", def: socks, target: "b.example:80", wantTgt: "b.example:80"},
		{name: "socks target without mapping", def: socks, target: "d.example:80", wantTgt: "d.example:80"},
		{name: "static endpoint mapped once", def: static, target: "b.example:80", wantTgt: "b.example:80"},
		{name: "socks target without port", def: socks, target: "b.example", wantErr: tunnel.ErrTunnelMisconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ResolveExit(&tt.def, tt.target)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if plan.Target != tt.wantTgt {
				t.Errorf("target = %q, want %q", plan.Target, tt.wantTgt)
			}
		})
	}

	// the entry maps once and the exit dials what it was sent
	entry, err := Resolve(&socks, "a.example:80")
	if err != nil {
		t.Fatal(err)
	}
	exit, err := ResolveExit(&socks, entry.Target)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Target != "b.example:80" || exit.Target != entry.Target {
		t.Errorf("entry target = %q, exit target = %q, want both b.example:80", entry.Target, exit.Target)
	}
}

func TestPlan_OpenRequest(t *testing.T) {
	def := tunnel.Definition{ID: 5, Source: ":3000", Endpoint: "db:5432", Enabled: true, Sender: 42, Type: tunnel.TypeTCP,
		Compressed: true, EncryptionMethod: "xchacha20-poly1305"}
	plan, err := Resolve(&def, "")
	if err != nil {
		t.Fatal(err)
	}

	req, p, err := plan.OpenRequest("1.2.3.4:5555")
	if err != nil {
		t.Fatal(err)
	}
	if req.TunnelID != 5 || req.Network != tunnel.NetworkTCP || !req.Compressed || req.Source != "1.2.3.4:5555" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Key) != tunnel.KeySeedSize {
		t.Errorf("key seed length = %d", len(req.Key))
	}

	other, _, _ := plan.OpenRequest("1.2.3.4:5555")
	if string(other.Key) == string(req.Key) {
		t.Error("key seed reused across streams")
	}

	// the far side derives the same pipeline from the request alone
	peer, err := tunnel.PipelineFor(&req)
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := p.Seal([]byte("secret"))
	if plain, err := peer.Open(sealed); err != nil || string(plain) != "secret" {
		t.Errorf("peer open = %q, %v", plain, err)
	}
}

type sessionMap struct {
	mu       sync.Mutex
	sessions map[uint32]*mux.Session
}

func (m *sessionMap) Lookup(userID uint32) (*mux.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

type tunnelMap map[uint32]tunnel.Definition

func (m tunnelMap) Tunnel(id uint32) (tunnel.Definition, bool) {
	d, ok := m[id]
	return d, ok
}

type handler struct {
	open func(sess *mux.Session, st *mux.Stream)
}

func (h handler) HandleOpen(sess *mux.Session, st *mux.Stream) {
	if h.open == nil {
		st.Reject(tunnel.ReasonRefused)
		return
	}
	h.open(sess, st)
}

func (handler) HandleSync(*mux.Session, *tunnel.TunnelSync) {}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// connect authenticates a client as userID against a server session handled
// by sh and registers the server side in sessions.
func connect(t *testing.T, sessions *sessionMap, userID uint32, sh, ch mux.Handler) *mux.Session {
	t.Helper()
	c1, c2 := net.Pipe()
	cfg := mux.DefaultConfig()
	cfg.DrainTimeout = 200 * time.Millisecond

	auth := mux.AuthenticatorFunc(func(context.Context, string, string) (uint32, error) { return userID, nil })
	var srv *mux.Session
	errc := make(chan error, 1)
	go func() {
		var err error
		srv, err = mux.ServerHandshake(context.Background(), c1, auth, cfg, sh)
		errc <- err
	}()
	cli, err := mux.ClientHandshake(context.Background(), c2, "u", "p", cfg, ch)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	sessions.mu.Lock()
	sessions.sessions[userID] = srv
	sessions.mu.Unlock()
	srv.Start()
	cli.Start()
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	return cli
}

func tcpEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func echoThrough(t *testing.T, rw io.ReadWriter, msg string) {
	t.Helper()
	if _, err := rw.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(rw, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func newRouter(sessions *sessionMap, tunnels tunnelMap, sink events.Sink) *Router {
	exit := forwarder.NewExit(forwarder.ExitConfig{DialTimeout: time.Second}, nil)
	return New(sessions, tunnels, exit, sink, nil)
}

func TestRouter_OpenOnSenderSession(t *testing.T) {
	sessions := &sessionMap{sessions: map[uint32]*mux.Session{}}
	def := tunnel.Definition{ID: 1, Source: "127.0.0.1:3000", Endpoint: "www.example.com:80", Enabled: true, Sender: 42, Type: tunnel.TypeTCP}
	rec := &recorder{}
	r := newRouter(sessions, tunnelMap{1: def}, rec)

	t.Run("offline", func(t *testing.T) {
		start := time.Now()
		_, err := r.Open(context.Background(), &def, "", "10.0.0.1:1234")
		if !errors.Is(err, tunnel.ErrPeerOffline) {
			t.Fatalf("err = %v, want ErrPeerOffline", err)
		}
		if time.Since(start) > time.Second {
			t.Error("offline peer was not reported immediately")
		}
		if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != events.PeerOffline {
			t.Errorf("events = %v", kinds)
		}
	})

	t.Run("online", func(t *testing.T) {
		got := make(chan tunnel.OpenRequest, 1)
		connect(t, sessions, 42, r, handler{open: func(_ *mux.Session, st *mux.Stream) {
			got <- st.Request()
			st.Accept(nil)
		}})

		st, err := r.Open(context.Background(), &def, "", "10.0.0.1:1234")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer st.Close()
		if st.Session().UserID() != 42 {
			t.Errorf("stream on user %d's session", st.Session().UserID())
		}

		req := <-got
		if req.Direction != tunnel.RelayToEndpoint || req.Target != "www.example.com:80" || req.Source != "10.0.0.1:1234" {
			t.Errorf("request = %+v", req)
		}
	})
}

func TestRouter_OpenRejectsClientEntry(t *testing.T) {
	sessions := &sessionMap{sessions: map[uint32]*mux.Session{}}
	def := tunnel.Definition{ID: 1, Source: ":3000", Endpoint: "x:1", Enabled: true, Sender: 42, Receiver: 7, Type: tunnel.TypeTCP}
	r := newRouter(sessions, tunnelMap{1: def}, nil)

	if _, err := r.Open(context.Background(), &def, "", "a:1"); !errors.Is(err, tunnel.ErrTunnelMisconfigured) {
		t.Errorf("err = %v, want ErrTunnelMisconfigured", err)
	}
}

func TestRouter_HandleOpenServerExit(t *testing.T) {
	sessions := &sessionMap{sessions: map[uint32]*mux.Session{}}
	echo := tcpEcho(t)
	tunnels := tunnelMap{
		1: {ID: 1, Source: ":3000", Endpoint: echo, Enabled: true, Receiver: 7, Type: tunnel.TypeTCP, EncryptionMethod: "aes-128-gcm"},
		2: {ID: 2, Source: ":3001", Endpoint: echo, Enabled: true, Receiver: 8, Type: tunnel.TypeTCP},
		3: {ID: 3, Source: ":3002", Endpoint: echo, Enabled: false, Receiver: 7, Type: tunnel.TypeTCP},
	}
	r := newRouter(sessions, tunnels, nil)
	cli := connect(t, sessions, 7, r, handler{})

	open := func(id uint32, target string) (*mux.Stream, error) {
		def := tunnels[id]
		plan := Plan{Tunnel: def, Entry: 7, Direction: tunnel.RelayToEndpoint, Target: target}
		req, p, err := plan.OpenRequest("127.0.0.1:9")
		if err != nil {
			return nil, err
		}
		return cli.OpenStream(context.Background(), req, p)
	}

	t.Run("relays to endpoint", func(t *testing.T) {
		st, err := open(1, echo)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer st.Close()
		echoThrough(t, st, "through the server")
	})

	t.Run("target is pinned to the endpoint", func(t *testing.T) {
		st, err := open(1, "127.0.0.1:1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer st.Close()
		echoThrough(t, st, "pinned")
	})

	t.Run("not the receiver", func(t *testing.T) {
		if _, err := open(2, echo); !errors.Is(err, tunnel.ErrRefused) {
			t.Errorf("err = %v, want ErrRefused", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		if _, err := open(3, echo); !errors.Is(err, tunnel.ErrTunnelMisconfigured) {
			t.Errorf("err = %v, want ErrTunnelMisconfigured", err)
		}
	})
}

func TestRouter_BridgesClients(t *testing.T) {
	sessions := &sessionMap{sessions: map[uint32]*mux.Session{}}
	echo := tcpEcho(t)
	def := tunnel.Definition{ID: 4, Source: ":4000", Endpoint: echo, Enabled: true, Receiver: 7, Sender: 42, Type: tunnel.TypeTCP,
		Compressed: true, EncryptionMethod: "chacha20-poly1305"}
	r := newRouter(sessions, tunnelMap{4: def}, nil)

	exit := forwarder.NewExit(forwarder.ExitConfig{}, nil)
	entry := connect(t, sessions, 7, r, handler{})

	plan, err := Resolve(&def, "")
	if err != nil {
		t.Fatal(err)
	}
	req, p, err := plan.OpenRequest("127.0.0.1:9")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("exit offline", func(t *testing.T) {
		if _, err := entry.OpenStream(context.Background(), req, p); !errors.Is(err, tunnel.ErrPeerOffline) {
			t.Errorf("err = %v, want ErrPeerOffline", err)
		}
	})

	t.Run("bridged", func(t *testing.T) {
		seen := make(chan tunnel.OpenRequest, 1)
		connect(t, sessions, 42, r, handler{open: func(_ *mux.Session, st *mux.Stream) {
			seen <- st.Request()
			exit.Serve(st, st.Request().Target)
		}})

		st, err := entry.OpenStream(context.Background(), req, p)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer st.Close()
		echoThrough(t, st, "end to end encrypted")

		got := <-seen
		if got.Direction != tunnel.RelayToEndpoint || string(got.Key) != string(req.Key) {
			t.Errorf("exit leg request = %+v", got)
		}
	})
}

func TestRouter_BridgeKeepsMappedTarget(t *testing.T) {
	sessions := &sessionMap{sessions: map[uint32]*mux.Session{}}
	def := tunnel.Definition{ID: 6, Source: ":1080", Enabled: true, Receiver: 7, Sender: 42, Type: tunnel.TypeSOCKS5,
		CustomMapping: "a.example=b.example,b.example=c.example"}
	r := newRouter(sessions, tunnelMap{6: def}, nil)

	seen := make(chan string, 1)
	entry := connect(t, sessions, 7, r, handler{})
	connect(t, sessions, 42, r, handler{open: func(_ *mux.Session, st *mux.Stream) {
		seen <- st.Request().Target
		st.Reject(tunnel.ReasonRefused)
	}})

	plan, err := Resolve(&def, "a.example:80")
	if err != nil {
		t.Fatal(err)
	}
	req, p, err := plan.OpenRequest("127.0.0.1:9")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := entry.OpenStream(context.Background(), req, p); !errors.Is(err, tunnel.ErrRefused) {
		t.Errorf("err = %v, want ErrRefused", err)
	}

	select {
	case got := <-seen:
		if got != "b.example:80" {
			t.Errorf("exit leg target = %q, want b.example:80", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("exit leg never opened")
	}
}
