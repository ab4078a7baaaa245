// Package mux multiplexes logical streams over one authenticated control
// connection.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// writeBatchSize is the amount of encoded frames coalesced into one write.
const writeBatchSize = 64 * 1024

// ErrSessionClosed is the cause of a session closed by a local Close.
var ErrSessionClosed = errors.New("session closed")

// Handler receives what the peer initiates on a session.
type Handler interface {
	// HandleOpen runs in its own goroutine for every stream the peer opens.
	// It must Accept or Reject the stream.
	HandleOpen(sess *Session, st *Stream)
	// HandleSync is called from the read loop and must not block.
	HandleSync(sess *Session, sync *tunnel.TunnelSync)
}

// Session is one authenticated control connection and its streams.
type Session struct {
	id      string
	userID  uint32
	role    Role
	conn    net.Conn
	dec     *tunnel.Decoder
	cfg     Config
	handler Handler
	log     *slog.Logger

	table *streamTable
	sched *writeScheduler

	state        atomic.Int32
	started      atomic.Bool
	lastActivity atomic.Int64
	pingSeq      atomic.Uint64

	closeOnce  sync.Once
	errMu      sync.Mutex
	err        error
	done       chan struct{}
	stopWriter chan struct{}
	writerDone chan struct{}
}

func newSession(conn net.Conn, dec *tunnel.Decoder, role Role, id string, userID uint32, cfg Config, h Handler) *Session {
	s := &Session{
		id:         id,
		userID:     userID,
		role:       role,
		conn:       conn,
		dec:        dec,
		cfg:        cfg,
		handler:    h,
		table:      newStreamTable(role, cfg.MaxStreams),
		sched:      newWriteScheduler(),
		done:       make(chan struct{}),
		stopWriter: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.log = cfg.Logger.With("session_id", id, "role", role.String())
	s.state.Store(int32(StateAuthenticating))
	s.touch()
	return s
}

// ID returns the session id assigned by the server.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user.
func (s *Session) UserID() uint32 { return s.userID }

// Role returns which side of the connection this session runs on.
func (s *Session) Role() Role { return s.role }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// RemoteAddr returns the peer address of the control connection.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// NumStreams returns the number of streams holding an id.
func (s *Session) NumStreams() int { return s.table.len() }

// StreamWindow returns the per-stream credit window in effect.
func (s *Session) StreamWindow() int { return s.cfg.StreamWindow }

// HeartbeatInterval returns the heartbeat interval in effect.
func (s *Session) HeartbeatInterval() time.Duration { return s.cfg.HeartbeatInterval }

// Err returns why the session closed, or nil while it is running.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Start runs the read, write and heartbeat loops. Calling it again is a no-op.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateEstablished)) {
		return
	}
	s.touch()

	go s.readLoop()
	go s.writeLoop()
	go s.heartbeatLoop()

	s.emit(events.Event{Kind: events.SessionEstablished})
	s.log.Info("session established", "user_id", s.userID, "remote", s.RemoteAddr())
}

// OpenStream opens a stream to the peer and waits for it to be accepted.
// p transforms payloads on this side; nil passes them through.
func (s *Session) OpenStream(ctx context.Context, req tunnel.OpenRequest, p *tunnel.Pipeline) (*Stream, error) {
	if s.State() != StateEstablished {
		return nil, tunnel.ErrSessionLost
	}
	payload, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}

	st, err := s.table.allocate(func(id uint32) *Stream {
		st := newStream(s, id, OriginLocal, req)
		st.pipeline = p
		return st
	})
	if err != nil {
		return nil, err
	}
	if !s.sched.pushStream(&tunnel.Frame{Kind: tunnel.KindOpen, StreamID: st.id, Payload: payload}) {
		st.sessionLost()
		return nil, tunnel.ErrSessionLost
	}

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case <-st.openDone:
		st.mu.Lock()
		err := st.openErr
		st.mu.Unlock()
		if err != nil {
			st.Close()
			return nil, err
		}
		s.emitStream(events.StreamOpened, st, nil)
		return st, nil
	case <-ctx.Done():
		st.Abort(tunnel.ReasonAborted)
		return nil, ctx.Err()
	case <-timer.C:
		st.Abort(tunnel.ReasonAborted)
		return nil, fmt.Errorf("stream %d: %w", st.id, ErrOpenTimeout)
	}
}

// SendSync pushes a tunnel snapshot to the peer.
func (s *Session) SendSync(sync *tunnel.TunnelSync) error {
	f, err := tunnel.NewJSONFrame(tunnel.KindTunnelSync, sync)
	if err != nil {
		return err
	}
	if len(f.Payload) > tunnel.MaxPayloadSize {
		return fmt.Errorf("tunnel sync: %w", tunnel.ErrFrameTooLarge)
	}
	if !s.sched.pushControl(f) {
		return tunnel.ErrSessionLost
	}
	return nil
}

// Close tells the peer the session is ending, flushes control frames and
// closes the connection. It blocks until the session is shut down.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed, tunnel.ReasonNormal, true)
	return nil
}

// CloseWithReason closes the session after sending an Error frame carrying
// reason and msg.
func (s *Session) CloseWithReason(reason tunnel.Reason, msg string) {
	cause := reason.Err()
	if reason == tunnel.ReasonNormal {
		cause = ErrSessionClosed
	}
	if msg != "" {
		cause = fmt.Errorf("%w: %s", cause, msg)
	}
	s.shutdown(cause, reason, true)
}

func (s *Session) shutdown(cause error, reason tunnel.Reason, notify bool) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		s.state.Store(int32(StateDraining))

		for _, st := range s.table.closeAll() {
			st.sessionLost()
		}

		if notify && s.started.Load() {
			s.sched.dropStreams()
			s.sched.pushControl(tunnel.NewErrorFrame(reason, cause.Error()))
			close(s.stopWriter)
			timer := time.NewTimer(s.cfg.DrainTimeout)
			select {
			case <-s.writerDone:
			case <-timer.C:
				s.log.Debug("drain timed out")
			}
			timer.Stop()
		} else {
			close(s.stopWriter)
		}

		s.conn.Close()
		s.sched.close()
		s.state.Store(int32(StateClosed))
		close(s.done)

		if s.started.Load() {
			s.emit(events.Event{Kind: events.SessionClosed, Reason: reason.String(), Err: cause})
		}
		s.log.Info("session closed", "user_id", s.userID, "reason", cause)
	})
	<-s.done
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) emit(e events.Event) {
	e.SessionID = s.id
	e.UserID = s.userID
	if e.Remote == "" {
		e.Remote = s.RemoteAddr()
	}
	s.cfg.Events.Emit(e)
}

func (s *Session) emitStream(kind events.Kind, st *Stream, err error) {
	s.emit(events.Event{Kind: kind, StreamID: st.id, TunnelID: st.req.TunnelID, Err: err})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	buf := make([]byte, 0, writeBatchSize+tunnel.HeaderSize+tunnel.MaxPayloadSize)
	for {
		f := s.sched.next(s.stopWriter)
		if f == nil {
			return
		}

		var err error
		buf, err = tunnel.AppendFrame(buf[:0], f)
		for err == nil && len(buf) < writeBatchSize {
			more := s.sched.tryNext()
			if more == nil {
				break
			}
			buf, err = tunnel.AppendFrame(buf, more)
		}
		if err != nil {
			s.log.Error("encode frame failed", "error", err)
			go s.shutdown(fmt.Errorf("encode frame: %w", err), tunnel.ReasonProtocolError, false)
			return
		}

		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := s.conn.Write(buf); err != nil {
			if s.State() == StateEstablished {
				s.log.Warn("write failed", "error", err)
			}
			go s.shutdown(fmt.Errorf("%w: write: %v", tunnel.ErrSessionLost, err), tunnel.ReasonSessionLost, false)
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		f, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, tunnel.ErrFrameTooLarge) || errors.Is(err, tunnel.ErrMalformedFrame) {
				s.log.Warn("protocol violation", "error", err)
				s.shutdown(err, tunnel.ReasonOf(err), true)
				return
			}
			if s.State() == StateEstablished {
				s.log.Warn("read failed", "error", err)
			}
			s.shutdown(fmt.Errorf("%w: read: %v", tunnel.ErrSessionLost, err), tunnel.ReasonSessionLost, false)
			return
		}
		s.touch()

		if f.Kind == tunnel.KindError {
			s.onPeerError(f)
			return
		}
		if err := s.dispatch(f); err != nil {
			s.log.Warn("peer violated protocol", "error", err, "kind", f.Kind.String())
			s.shutdown(err, tunnel.ReasonOf(err), true)
			return
		}
	}
}

func (s *Session) dispatch(f *tunnel.Frame) error {
	switch f.Kind {
	case tunnel.KindPing:
		seq, err := tunnel.ParseHeartbeat(f.Payload)
		if err != nil {
			return err
		}
		s.sched.pushControl(tunnel.NewHeartbeatFrame(tunnel.KindPong, seq))

	case tunnel.KindPong:

	case tunnel.KindOpen:
		return s.handleOpen(f)

	case tunnel.KindOpenAck:
		if st := s.table.get(f.StreamID); st != nil {
			st.onOpenAck()
		}

	case tunnel.KindData:
		if st := s.table.get(f.StreamID); st != nil {
			st.onData(f.Payload)
		} else {
			s.log.Debug("data for unknown stream dropped", "stream_id", f.StreamID)
		}

	case tunnel.KindClose:
		reason, fin, err := tunnel.ParseClose(f.Payload)
		if err != nil {
			return err
		}
		if st := s.table.get(f.StreamID); st != nil {
			st.onClose(reason, fin)
		}

	case tunnel.KindCloseAck:
		if st := s.table.get(f.StreamID); st != nil {
			st.onCloseAck()
		}

	case tunnel.KindWindowUpdate:
		credit, err := tunnel.ParseWindowUpdate(f.Payload)
		if err != nil {
			return err
		}
		if st := s.table.get(f.StreamID); st != nil {
			st.onWindowUpdate(credit)
		}

	case tunnel.KindTunnelSync:
		var sync tunnel.TunnelSync
		if err := tunnel.ParseJSON(f, &sync); err != nil {
			return err
		}
		if s.handler != nil {
			s.handler.HandleSync(s, &sync)
		}

	default:
		return fmt.Errorf("%w: unexpected %s frame", tunnel.ErrProtocol, f.Kind)
	}
	return nil
}

// onPeerError ends the session with the reason the peer sent. Nothing is
// read after an Error frame.
func (s *Session) onPeerError(f *tunnel.Frame) {
	reason, msg, err := tunnel.ParseError(f.Payload)
	if err != nil {
		s.shutdown(err, tunnel.ReasonOf(err), true)
		return
	}
	cause := reason.Err()
	if reason == tunnel.ReasonNormal {
		cause = ErrSessionClosed
	}
	s.log.Info("peer closed session", "reason", reason.String(), "message", msg)
	s.shutdown(fmt.Errorf("peer: %w: %s", cause, msg), reason, false)
}

func (s *Session) handleOpen(f *tunnel.Frame) error {
	if f.StreamID == 0 {
		return fmt.Errorf("%w: open on stream 0", tunnel.ErrProtocol)
	}
	var req tunnel.OpenRequest
	if err := req.UnmarshalBinary(f.Payload); err != nil {
		return err
	}

	st := newStream(s, f.StreamID, OriginRemote, req)
	if err := s.table.insert(st); err != nil {
		switch {
		case errors.Is(err, tunnel.ErrSessionLost):
			return nil
		case errors.Is(err, ErrStreamsExhausted):
			s.sched.pushStream(tunnel.NewCloseFrame(f.StreamID, tunnel.ReasonRefused, false))
			return nil
		}
		return err
	}

	if s.handler == nil {
		st.Reject(tunnel.ReasonRefused)
		return nil
	}
	go s.handler.HandleOpen(s, st)
	return nil
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if idle := s.idle(); idle > s.cfg.HeartbeatTimeout {
				s.log.Warn("heartbeat timeout", "idle", idle.Truncate(time.Millisecond))
				s.shutdown(fmt.Errorf("%w: no frames for %s", tunnel.ErrIdleTimeout, idle.Truncate(time.Millisecond)),
					tunnel.ReasonIdleTimeout, false)
				return
			}
			if s.role == RoleClient {
				s.sched.pushControl(tunnel.NewHeartbeatFrame(tunnel.KindPing, s.pingSeq.Add(1)))
			}
		}
	}
}
