package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// Authenticator verifies client credentials. Rejections wrap tunnel.ErrAuthFailed.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (userID uint32, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (uint32, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (uint32, error) {
	return f(ctx, username, password)
}

// ServerHandshake authenticates a client on conn. The returned session is not
// started: the caller registers it and then calls Start. conn is not closed
// on failure.
func ServerHandshake(ctx context.Context, conn net.Conn, auth Authenticator, cfg Config, h Handler) (*Session, error) {
	cfg = cfg.withDefaults()
	conn.SetDeadline(handshakeDeadline(ctx, cfg))

	dec := tunnel.NewDecoder(conn)
	f, err := dec.Next()
	if err != nil {
		return nil, fmt.Errorf("read auth request: %w", err)
	}
	if f.Kind != tunnel.KindAuthRequest || f.StreamID != 0 {
		return nil, fmt.Errorf("%w: expected %s, got %s", tunnel.ErrProtocol, tunnel.KindAuthRequest, f.Kind)
	}

	var req tunnel.AuthRequest
	if err := tunnel.ParseJSON(f, &req); err != nil {
		return nil, err
	}

	fail := func(err error, msg string) (*Session, error) {
		cfg.Events.Emit(events.Event{Kind: events.AuthFailed, Remote: conn.RemoteAddr().String(), Err: err})
		writeJSONFrame(conn, tunnel.KindAuthResponse, &tunnel.AuthResponse{Error: msg})
		return nil, err
	}

	if req.Version != tunnel.ProtocolVersion {
		return fail(fmt.Errorf("%w: protocol version %d", tunnel.ErrProtocol, req.Version), "unsupported protocol version")
	}
	userID, err := auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, tunnel.ErrAuthFailed) {
			err = fmt.Errorf("%w: %v", tunnel.ErrAuthFailed, err)
		}
		return fail(fmt.Errorf("user %q: %w", req.Username, err), tunnel.ErrAuthFailed.Error())
	}

	sess := newSession(conn, dec, RoleServer, uuid.NewString(), userID, cfg, h)
	resp := &tunnel.AuthResponse{
		OK:                  true,
		UserID:              userID,
		SessionID:           sess.id,
		HeartbeatIntervalMs: cfg.HeartbeatInterval.Milliseconds(),
		StreamWindow:        uint32(cfg.StreamWindow),
	}
	if err := writeJSONFrame(conn, tunnel.KindAuthResponse, resp); err != nil {
		return nil, fmt.Errorf("write auth response: %w", err)
	}

	conn.SetDeadline(time.Time{})
	return sess, nil
}

// ClientHandshake authenticates to the server on conn. The client adopts the
// heartbeat interval and stream window the server announces. The returned
// session is not started.
func ClientHandshake(ctx context.Context, conn net.Conn, username, password string, cfg Config, h Handler) (*Session, error) {
	cfg = cfg.withDefaults()
	conn.SetDeadline(handshakeDeadline(ctx, cfg))

	req := &tunnel.AuthRequest{Username: username, Password: password, Version: tunnel.ProtocolVersion}
	if err := writeJSONFrame(conn, tunnel.KindAuthRequest, req); err != nil {
		return nil, fmt.Errorf("write auth request: %w", err)
	}

	dec := tunnel.NewDecoder(conn)
	f, err := dec.Next()
	if err != nil {
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	if f.Kind != tunnel.KindAuthResponse {
		return nil, fmt.Errorf("%w: expected %s, got %s", tunnel.ErrProtocol, tunnel.KindAuthResponse, f.Kind)
	}

	var resp tunnel.AuthResponse
	if err := tunnel.ParseJSON(f, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: %s", tunnel.ErrAuthFailed, resp.Error)
	}

	if resp.HeartbeatIntervalMs > 0 {
		cfg.HeartbeatInterval = time.Duration(resp.HeartbeatIntervalMs) * time.Millisecond
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if resp.StreamWindow > 0 {
		cfg.StreamWindow = int(resp.StreamWindow)
	}

	conn.SetDeadline(time.Time{})
	return newSession(conn, dec, RoleClient, resp.SessionID, resp.UserID, cfg, h), nil
}

func handshakeDeadline(ctx context.Context, cfg Config) time.Time {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func writeJSONFrame(conn net.Conn, kind tunnel.FrameKind, v any) error {
	f, err := tunnel.NewJSONFrame(kind, v)
	if err != nil {
		return err
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
