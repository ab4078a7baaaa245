// Package socks5 negotiates SOCKS5 CONNECT requests on tunnel listeners.
package socks5

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"

	socks5 "github.com/armon/go-socks5"

	"github.com/orris-inc/orris-relay/internal/logger"
)

// DialFunc opens the relay for a negotiated CONNECT target in host:port
// form. The success reply is sent only after it returns. A failure maps to
// "connection refused" when its message mentions a refusal and to "host
// unreachable" otherwise. The returned conn's LocalAddr must be a
// *net.TCPAddr.
type DialFunc func(ctx context.Context, target string) (net.Conn, error)

// Config configures a Handler. Authentication is required when Username is
// set.
type Config struct {
	Username string
	Password string
	Logger   *slog.Logger
}

// Handler serves SOCKS5 negotiations for one tunnel.
type Handler struct {
	creds socks5.CredentialStore
	log   *slog.Logger
}

// NewHandler creates a handler for cfg.
func NewHandler(cfg Config) *Handler {
	h := &Handler{log: cfg.Logger}
	if h.log == nil {
		h.log = logger.Default()
	}
	if cfg.Username != "" {
		h.creds = credentials{username: cfg.Username, password: cfg.Password}
	}
	return h
}

// RequiresAuth reports whether clients must authenticate.
func (h *Handler) RequiresAuth() bool { return h.creds != nil }

// Serve negotiates on conn and, after a successful CONNECT, relays conn
// through the connection returned by dial until either side closes.
// Malformed requests, failed authentication and BIND or UDP ASSOCIATE get
// the standard failure reply before Serve returns. dial is never called for
// them. conn is closed when Serve returns.
func (h *Handler) Serve(conn net.Conn, dial DialFunc) error {
	srv, err := socks5.New(&socks5.Config{
		Credentials: h.creds,
		Resolver:    passthroughResolver{},
		Logger:      slog.NewLogLogger(h.log.Handler(), slog.LevelDebug),
		Dial: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dial(ctx, addr)
		},
	})
	if err != nil {
		return err
	}
	return srv.ServeConn(conn)
}

// passthroughResolver leaves domain names unresolved so the exit side
// resolves them.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

type credentials struct {
	username string
	password string
}

func (c credentials) Valid(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.password)) == 1
	return userOK && passOK
}
