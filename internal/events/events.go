// Package events carries structured lifecycle events from the relay engine to
// observability sinks.
package events

import (
	"log/slog"

	"github.com/orris-inc/orris-relay/internal/logger"
)

// Kind identifies an event.
type Kind string

const (
	SessionEstablished Kind = "session_established"
	SessionClosed      Kind = "session_closed"
	StreamOpened       Kind = "stream_opened"
	StreamClosed       Kind = "stream_closed"
	PipelineFailure    Kind = "pipeline_failure"
	PeerOffline        Kind = "peer_offline"
	AuthFailed         Kind = "auth_failed"
	TunnelActivated    Kind = "tunnel_activated"
	TunnelDeactivated  Kind = "tunnel_deactivated"
	TunnelRejected     Kind = "tunnel_rejected"
	DatagramDropped    Kind = "datagram_dropped"
	HostStats          Kind = "host_stats"
)

// Event is one structured occurrence. Zero fields are omitted by sinks.
type Event struct {
	Kind      Kind
	SessionID string
	UserID    uint32
	StreamID  uint32
	TunnelID  uint32
	Reason    string
	Remote    string
	Err       error
	Bytes     int64
	Attrs     []slog.Attr
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes events through slog.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink writing to log, or to the default logger when nil.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = logger.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(e Event) {
	attrs := make([]any, 0, 8+len(e.Attrs))
	if e.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", e.SessionID))
	}
	if e.UserID != 0 {
		attrs = append(attrs, slog.Uint64("user_id", uint64(e.UserID)))
	}
	if e.StreamID != 0 {
		attrs = append(attrs, slog.Uint64("stream_id", uint64(e.StreamID)))
	}
	if e.TunnelID != 0 {
		attrs = append(attrs, slog.Uint64("tunnel_id", uint64(e.TunnelID)))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Remote != "" {
		attrs = append(attrs, slog.String("remote", e.Remote))
	}
	if e.Bytes != 0 {
		attrs = append(attrs, slog.Int64("bytes", e.Bytes))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	for _, a := range e.Attrs {
		attrs = append(attrs, a)
	}

	msg := string(e.Kind)
	switch e.Kind {
	case PipelineFailure, TunnelRejected:
		s.log.Error(msg, attrs...)
	case PeerOffline, AuthFailed, DatagramDropped:
		s.log.Warn(msg, attrs...)
	case StreamOpened, StreamClosed:
		s.log.Debug(msg, attrs...)
	default:
		s.log.Info(msg, attrs...)
	}
}
