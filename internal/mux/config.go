package mux

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/logger"
)

// Role is the side of the control connection a session runs on.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the lifecycle state of a control connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateEstablished
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes a session.
type Config struct {
	// HeartbeatInterval is how often the client pings and both sides check liveness.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes the session after this long without any inbound frame.
	HeartbeatTimeout time.Duration
	// StreamWindow is the per-stream ceiling of unacknowledged bytes.
	StreamWindow int
	// BackpressureTimeout force-closes a stream whose writer waited this long for credit.
	BackpressureTimeout time.Duration
	// OpenTimeout bounds the wait for an OpenAck.
	OpenTimeout time.Duration
	// HandshakeTimeout bounds authentication.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each write to the transport.
	WriteTimeout time.Duration
	// DrainTimeout bounds flushing queued frames on a graceful close.
	DrainTimeout time.Duration
	// MaxStreams caps concurrent streams per session.
	MaxStreams int

	Events events.Sink
	Logger *slog.Logger
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   10 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		StreamWindow:        1 << 20,
		BackpressureTimeout: 30 * time.Second,
		OpenTimeout:         10 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		WriteTimeout:        30 * time.Second,
		DrainTimeout:        2 * time.Second,
		MaxStreams:          65536,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.StreamWindow <= 0 {
		c.StreamWindow = d.StreamWindow
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = d.BackpressureTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = d.MaxStreams
	}
	if c.Events == nil {
		c.Events = events.Discard
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
	return c
}
