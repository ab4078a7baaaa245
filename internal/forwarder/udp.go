package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/orris-inc/orris-relay/internal/events"
	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// UDPListener maps each source address of a tunnel to one stream. Every
// datagram is one Data frame. Flows idle for longer than the idle timeout
// are reclaimed.
type UDPListener struct {
	def     tunnel.Definition
	opener  Opener
	traffic *TrafficCounter
	events  events.Sink
	log     *slog.Logger

	conn   *net.UDPConn
	flows  *cache.Cache
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type udpFlow struct {
	key  string
	addr *net.UDPAddr

	mu      sync.Mutex
	stream  *mux.Stream
	pending [][]byte
	closed  bool
}

// close ends the flow's stream with reason. It reports whether the flow was
// still open.
func (f *udpFlow) close(reason tunnel.Reason) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.closed = true
	st := f.stream
	f.pending = nil
	f.mu.Unlock()

	if st != nil {
		if reason == tunnel.ReasonNormal {
			st.Close()
		} else {
			st.Abort(reason)
		}
	}
	return true
}

// NewUDPListener creates a listener for def with the given idle timeout,
// or the default when zero.
func NewUDPListener(def tunnel.Definition, opener Opener, traffic *TrafficCounter, idle time.Duration, sink events.Sink, log *slog.Logger) *UDPListener {
	if idle <= 0 {
		idle = udpIdleTimeout
	}
	cleanup := udpCleanupInterval
	if idle < cleanup {
		cleanup = idle / 2
	}
	if sink == nil {
		sink = events.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &UDPListener{
		def:     def,
		opener:  opener,
		traffic: traffic,
		events:  sink,
		log:     log,
		flows:   cache.New(idle, cleanup),
		ctx:     ctx,
		cancel:  cancel,
	}
	l.flows.OnEvicted(func(_ string, v any) {
		if v.(*udpFlow).close(tunnel.ReasonIdleTimeout) {
			l.log.Debug("udp flow idle", "source", v.(*udpFlow).key)
		}
	})
	return l
}

func (l *UDPListener) Start() error {
	addr, err := net.ResolveUDPAddr("udp", l.def.Source)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.def.Source, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp on %s: %w", l.def.Source, err)
	}
	l.conn = conn

	l.wg.Add(1)
	go l.readLoop()
	return nil
}

func (l *UDPListener) Stop() {
	l.cancel()
	if l.conn != nil {
		l.conn.Close()
	}
	for _, item := range l.flows.Items() {
		item.Object.(*udpFlow).close(tunnel.ReasonNormal)
	}
	l.flows.Flush()
	l.wg.Wait()
}

func (l *UDPListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// NumFlows returns the number of live flows.
func (l *UDPListener) NumFlows() int {
	return l.flows.ItemCount()
}

func (l *UDPListener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, udpMaxPacketSize)
	for {
		n, clientAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
			}
			if isClosedError(err) {
				return
			}
			l.log.Error("udp read error", "error", err)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		l.getOrCreateFlow(clientAddr).send(l, datagram)
	}
}

func (l *UDPListener) getOrCreateFlow(addr *net.UDPAddr) *udpFlow {
	key := addr.String()
	if v, ok := l.flows.Get(key); ok {
		f := v.(*udpFlow)
		l.flows.SetDefault(key, f)
		return f
	}

	f := &udpFlow{key: key, addr: addr}
	l.flows.SetDefault(key, f)

	l.wg.Add(1)
	go l.openFlow(f)
	return f
}

func (f *udpFlow) send(l *UDPListener, datagram []byte) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	st := f.stream
	if st == nil {
		if len(f.pending) < udpPendingLimit {
			f.pending = append(f.pending, datagram)
		}
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	l.write(f, st, datagram)
}

func (l *UDPListener) write(f *udpFlow, st *mux.Stream, datagram []byte) {
	err := st.WriteDatagram(datagram)
	switch {
	case err == nil:
		l.traffic.AddUpload(int64(len(datagram)))
	case errors.Is(err, mux.ErrDatagramTooLarge):
		l.log.Error("udp datagram too large, dropped", "source", f.key, "size", len(datagram))
		l.events.Emit(events.Event{Kind: events.DatagramDropped, TunnelID: l.def.ID, StreamID: st.ID(), Remote: f.key, Bytes: int64(len(datagram)), Err: err})
	case errors.Is(err, mux.ErrNoCredit):
		l.log.Debug("udp datagram dropped, no credit", "source", f.key, "size", len(datagram))
	default:
		l.removeFlow(f, tunnel.ReasonOf(err))
	}
}

func (l *UDPListener) openFlow(f *udpFlow) {
	defer l.wg.Done()

	st, err := l.opener.Open(l.ctx, &l.def, "", f.key)
	if err != nil {
		l.log.Debug("open udp flow failed", "source", f.key, "error", err)
		l.removeFlow(f, tunnel.ReasonNormal)
		return
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		st.Close()
		return
	}
	f.stream = st
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, datagram := range pending {
		l.write(f, st, datagram)
	}

	l.wg.Add(1)
	go l.downstream(f, st)
}

// downstream writes datagrams from the stream back to the flow's source.
func (l *UDPListener) downstream(f *udpFlow, st *mux.Stream) {
	defer l.wg.Done()

	for {
		datagram, err := st.ReadDatagram()
		if err != nil {
			l.removeFlow(f, tunnel.ReasonNormal)
			return
		}
		if _, err := l.conn.WriteToUDP(datagram, f.addr); err != nil {
			if isClosedError(err) {
				return
			}
			l.log.Error("udp write to client failed", "source", f.key, "error", err)
			continue
		}
		l.traffic.AddDownload(int64(len(datagram)))
		if v, ok := l.flows.Get(f.key); ok && v.(*udpFlow) == f {
			l.flows.SetDefault(f.key, f)
		}
	}
}

func (l *UDPListener) removeFlow(f *udpFlow, reason tunnel.Reason) {
	f.close(reason)
	if v, ok := l.flows.Get(f.key); ok && v.(*udpFlow) == f {
		l.flows.Delete(f.key)
	}
}
