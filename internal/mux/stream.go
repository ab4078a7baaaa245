package mux

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// writeChunkSize is the plaintext size of each Data frame produced by Write.
const writeChunkSize = 16 * 1024

var (
	// ErrStreamClosed is returned for I/O on a stream closed by this side, or
	// writes after the peer closed it normally.
	ErrStreamClosed = errors.New("stream closed")
	// ErrStreamNotOpen is returned for writes before the stream is accepted.
	ErrStreamNotOpen = errors.New("stream not open")
	// ErrOpenTimeout is returned when the peer did not answer an Open in time.
	ErrOpenTimeout = errors.New("open timed out")
	// ErrDatagramTooLarge is returned when a sealed datagram does not fit one frame.
	ErrDatagramTooLarge = errors.New("datagram too large")
	// ErrNoCredit is returned when a datagram is dropped for lack of credit.
	ErrNoCredit = errors.New("no send credit")
)

// Origin tells which end opened a stream.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// StreamState is the observable state of a logical stream.
type StreamState int

const (
	StreamOpening StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpening:
		return "opening"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed-local"
	case StreamHalfClosedRemote:
		return "half-closed-remote"
	default:
		return "closed"
	}
}

// Stream is one logical stream of a session. Reads and writes may run
// concurrently with each other, but a stream has a single reader and a
// single writer.
//
// A stream ends in one of two ways. Close or Abort sends a terminate and the
// id is released once the peer acknowledges it. A terminate from the peer is
// acknowledged once this side calls Close or Abort. Until then buffered data
// stays readable.
type Stream struct {
	id       uint32
	sess     *Session
	origin   Origin
	req      tunnel.OpenRequest
	window   int
	pipeline *tunnel.Pipeline

	readMu  sync.Mutex
	readBuf []byte

	mu            sync.Mutex
	opened        bool
	openErr       error
	openDone      chan struct{}
	openSignalled bool
	inbound       [][]byte
	inboundBytes  int
	pendingCredit int
	inflight      int
	localFin      bool
	remoteFin     bool
	localClosed   bool
	sentTerm      bool
	recvTerm      bool
	sentAck       bool
	recvAck       bool
	released      bool
	termErr       error
	closeReason   tunnel.Reason
	done          chan struct{}
	doneClosed    bool
	readSignal    chan struct{}
	creditSignal  chan struct{}

	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	closedEvent sync.Once
}

func newStream(sess *Session, id uint32, origin Origin, req tunnel.OpenRequest) *Stream {
	return &Stream{
		id:           id,
		sess:         sess,
		origin:       origin,
		req:          req,
		window:       sess.cfg.StreamWindow,
		openDone:     make(chan struct{}),
		done:         make(chan struct{}),
		readSignal:   make(chan struct{}, 1),
		creditSignal: make(chan struct{}, 1),
	}
}

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.id }

// TunnelID returns the tunnel the stream belongs to.
func (s *Stream) TunnelID() uint32 { return s.req.TunnelID }

// Request returns the Open request that created the stream.
func (s *Stream) Request() tunnel.OpenRequest { return s.req }

// Origin reports which end opened the stream.
func (s *Stream) Origin() Origin { return s.origin }

// Session returns the owning session.
func (s *Stream) Session() *Session { return s.sess }

// Done is closed once the stream is terminated by either side or its session is lost.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns why the stream ended, or nil while it is live.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Traffic returns bytes received and sent on the wire for this stream.
func (s *Stream) Traffic() (in, out int64) {
	return s.bytesIn.Load(), s.bytesOut.Load()
}

// State returns the current stream state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.released, s.sentTerm, s.recvTerm, s.termErr != nil, s.localFin && s.remoteFin:
		return StreamClosed
	case s.localFin:
		return StreamHalfClosedLocal
	case s.remoteFin:
		return StreamHalfClosedRemote
	case s.opened:
		return StreamOpen
	default:
		return StreamOpening
	}
}

// Accept answers a peer's Open. p transforms payloads; nil passes them through.
func (s *Stream) Accept(p *tunnel.Pipeline) error {
	s.mu.Lock()
	if err := s.terminatedErrLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.pipeline = p
	s.opened = true
	s.sess.sched.pushControl(&tunnel.Frame{Kind: tunnel.KindOpenAck, StreamID: s.id})
	s.mu.Unlock()

	s.sess.emitStream(events.StreamOpened, s, nil)
	return nil
}

// Reject refuses a peer's Open with reason.
func (s *Stream) Reject(reason tunnel.Reason) {
	s.Abort(reason)
}

// Read reads plaintext from the stream.
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.readBuf) == 0 {
		chunk, err := s.ReadChunk()
		if err != nil {
			return 0, err
		}
		plain, err := s.open(chunk)
		if err != nil {
			return 0, err
		}
		s.readBuf = plain
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// ReadDatagram returns the plaintext of the next Data frame.
func (s *Stream) ReadDatagram() ([]byte, error) {
	chunk, err := s.ReadChunk()
	if err != nil {
		return nil, err
	}
	return s.open(chunk)
}

// ReadChunk returns the next Data payload as received, without applying the
// pipeline. It blocks until data arrives or the stream ends.
func (s *Stream) ReadChunk() ([]byte, error) {
	for {
		s.mu.Lock()
		if s.localClosed {
			s.mu.Unlock()
			return nil, ErrStreamClosed
		}
		if len(s.inbound) > 0 {
			chunk := s.inbound[0]
			s.inbound[0] = nil
			s.inbound = s.inbound[1:]
			s.inboundBytes -= len(chunk)
			s.returnCreditLocked(len(chunk))
			s.mu.Unlock()
			s.bytesIn.Add(int64(len(chunk)))
			return chunk, nil
		}
		if s.remoteFin {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if s.termErr != nil {
			err := s.termErr
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.readSignal:
		case <-s.done:
		}
	}
}

// Write seals p in chunks and queues them, blocking while the stream has no
// credit. A writer stalled past the backpressure timeout aborts the stream.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), writeChunkSize)
		sealed, err := s.seal(p[:n])
		if err != nil {
			return written, err
		}
		if err := s.writeChunk(sealed); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// WriteDatagram seals p into exactly one Data frame. It never blocks: a
// datagram that does not fit or finds no credit is rejected.
func (s *Stream) WriteDatagram(p []byte) error {
	sealed, err := s.seal(p)
	if err != nil {
		return err
	}
	if len(sealed) > tunnel.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrDatagramTooLarge, len(sealed))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}
	if s.inflight > 0 && s.inflight+len(sealed) > s.window {
		return ErrNoCredit
	}
	s.inflight += len(sealed)
	s.sess.sched.pushStream(&tunnel.Frame{Kind: tunnel.KindData, StreamID: s.id, Payload: sealed})
	s.bytesOut.Add(int64(len(sealed)))
	return nil
}

// WriteChunk queues an already transformed payload. The stream keeps chunk.
func (s *Stream) WriteChunk(chunk []byte) error {
	if len(chunk) > tunnel.MaxPayloadSize {
		return tunnel.ErrFrameTooLarge
	}
	return s.writeChunk(chunk)
}

func (s *Stream) writeChunk(payload []byte) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		s.mu.Lock()
		if err := s.writableLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		if s.inflight == 0 || s.inflight+len(payload) <= s.window {
			s.inflight += len(payload)
			s.sess.sched.pushStream(&tunnel.Frame{Kind: tunnel.KindData, StreamID: s.id, Payload: payload})
			s.mu.Unlock()
			s.bytesOut.Add(int64(len(payload)))
			return nil
		}
		s.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(s.sess.cfg.BackpressureTimeout)
		}
		select {
		case <-s.creditSignal:
		case <-s.done:
		case <-timer.C:
			s.Abort(tunnel.ReasonBackpressureTimeout)
			return fmt.Errorf("stream %d: %w", s.id, tunnel.ErrBackpressureTimeout)
		}
	}
}

// CloseWrite half-closes the stream: the peer reads EOF after the data
// already written.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		if errors.Is(err, ErrStreamClosed) {
			return nil
		}
		return err
	}
	s.localFin = true
	s.sess.sched.pushStream(tunnel.NewCloseFrame(s.id, tunnel.ReasonNormal, true))
	return nil
}

// Close terminates the stream after the data already written. Buffered
// inbound data is discarded. Closing a closed stream is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked(tunnel.ReasonNormal, false)
	return nil
}

// Abort terminates the stream with reason and drops data not yet sent.
func (s *Stream) Abort(reason tunnel.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked(reason, true)
}

func (s *Stream) seal(p []byte) ([]byte, error) {
	if !s.pipeline.Transforms() {
		return append([]byte(nil), p...), nil
	}
	return s.pipeline.Seal(p)
}

func (s *Stream) open(chunk []byte) ([]byte, error) {
	plain, err := s.pipeline.Open(chunk)
	if err != nil {
		s.sess.emitStream(events.PipelineFailure, s, err)
		s.Abort(tunnel.ReasonCorruptPayload)
		return nil, fmt.Errorf("stream %d: %w", s.id, err)
	}
	return plain, nil
}

func (s *Stream) terminatedErrLocked() error {
	switch {
	case s.localClosed || s.sentTerm:
		return ErrStreamClosed
	case s.recvTerm && errors.Is(s.termErr, io.EOF):
		return ErrStreamClosed
	case s.termErr != nil:
		return s.termErr
	}
	return nil
}

func (s *Stream) writableLocked() error {
	if err := s.terminatedErrLocked(); err != nil {
		return err
	}
	if s.localFin {
		return ErrStreamClosed
	}
	if !s.opened {
		return ErrStreamNotOpen
	}
	return nil
}

func (s *Stream) returnCreditLocked(n int) {
	if n == 0 || s.sentTerm || s.recvTerm || s.remoteFin {
		return
	}
	s.pendingCredit += n
	if s.pendingCredit >= s.window/4 || len(s.inbound) == 0 {
		s.sess.sched.pushControl(tunnel.NewWindowUpdateFrame(s.id, uint32(s.pendingCredit)))
		s.pendingCredit = 0
	}
}

func (s *Stream) terminateLocked(reason tunnel.Reason, purge bool) {
	if s.localClosed {
		return
	}
	s.localClosed = true
	s.inbound = nil
	s.inboundBytes = 0

	if s.released {
		// session already gone
		s.wakeLocked()
		return
	}

	if s.recvTerm {
		s.sendAckLocked()
	} else if !s.sentTerm {
		if purge {
			s.sess.sched.purge(s.id)
		}
		s.sentTerm = true
		s.closeReason = reason
		s.sess.sched.pushStream(tunnel.NewCloseFrame(s.id, reason, false))
	}

	if s.termErr == nil {
		if reason == tunnel.ReasonNormal {
			s.termErr = ErrStreamClosed
		} else {
			s.termErr = reason.Err()
		}
	}
	s.finishOpenLocked(s.termErr)
	s.wakeLocked()
	s.tryReleaseLocked()
}

func (s *Stream) sendAckLocked() {
	if s.sentAck {
		return
	}
	s.sentAck = true
	s.sess.sched.pushControl(&tunnel.Frame{Kind: tunnel.KindCloseAck, StreamID: s.id})
}

func (s *Stream) finishOpenLocked(err error) {
	if s.openSignalled {
		return
	}
	s.openSignalled = true
	s.openErr = err
	close(s.openDone)
}

func (s *Stream) wakeLocked() {
	if !s.doneClosed && (s.sentTerm || s.recvTerm || s.termErr != nil) {
		s.doneClosed = true
		close(s.done)
	}
	select {
	case s.readSignal <- struct{}{}:
	default:
	}
	select {
	case s.creditSignal <- struct{}{}:
	default:
	}
}

func (s *Stream) tryReleaseLocked() {
	if s.released || (!s.sentTerm && !s.recvTerm) {
		return
	}
	if s.sentTerm && !s.recvAck {
		return
	}
	if s.recvTerm && !s.sentAck {
		return
	}
	s.released = true
	s.sess.table.remove(s)
	s.emitClosedLocked()
}

func (s *Stream) emitClosedLocked() {
	reason := s.closeReason
	s.closedEvent.Do(func() {
		in, out := s.Traffic()
		s.sess.cfg.Events.Emit(events.Event{
			Kind:      events.StreamClosed,
			SessionID: s.sess.id,
			UserID:    s.sess.userID,
			StreamID:  s.id,
			TunnelID:  s.req.TunnelID,
			Reason:    reason.String(),
			Bytes:     in + out,
		})
	})
}

// Frame handlers, called from the session read loop. None of them block.

func (s *Stream) onOpenAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.origin != OriginLocal || s.sentTerm || s.recvTerm || s.opened {
		return
	}
	s.opened = true
	s.finishOpenLocked(nil)
}

func (s *Stream) onData(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.localClosed || s.sentTerm || s.recvTerm || s.remoteFin || s.termErr != nil {
		return
	}
	used := s.inboundBytes + s.pendingCredit
	if used > 0 && used+len(payload) > s.window {
		s.sess.log.Warn("peer exceeded stream window", "stream_id", s.id, "window", s.window)
		s.terminateLocked(tunnel.ReasonProtocolError, true)
		return
	}
	s.inbound = append(s.inbound, payload)
	s.inboundBytes += len(payload)
	s.wakeLocked()
}

func (s *Stream) onClose(reason tunnel.Reason, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fin {
		if !s.recvTerm {
			s.remoteFin = true
			s.wakeLocked()
		}
		return
	}
	if s.recvTerm {
		return
	}

	s.recvTerm = true
	s.sess.sched.purge(s.id)
	if !s.sentTerm {
		s.closeReason = reason
	}
	if s.termErr == nil {
		s.termErr = reason.Err()
	}
	if !s.opened {
		err := s.termErr
		if reason == tunnel.ReasonNormal {
			err = tunnel.ErrRefused
		}
		s.finishOpenLocked(err)
	}
	if s.localClosed {
		s.sendAckLocked()
	}
	s.wakeLocked()
	s.tryReleaseLocked()
}

func (s *Stream) onCloseAck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sentTerm {
		return
	}
	s.recvAck = true
	s.tryReleaseLocked()
}

func (s *Stream) onWindowUpdate(credit uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight -= int(credit)
	if s.inflight < 0 {
		s.inflight = 0
	}
	select {
	case s.creditSignal <- struct{}{}:
	default:
	}
}

// sessionLost ends the stream without a handshake because its session is gone.
func (s *Stream) sessionLost() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	if !s.sentTerm && !s.recvTerm {
		s.termErr = tunnel.ErrSessionLost
		s.closeReason = tunnel.ReasonSessionLost
	}
	s.finishOpenLocked(tunnel.ErrSessionLost)
	s.wakeLocked()
	s.emitClosedLocked()
}
