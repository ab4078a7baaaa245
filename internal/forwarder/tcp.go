package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// TCPListener accepts connections on a tunnel source and relays each one
// over its own stream.
type TCPListener struct {
	def      tunnel.Definition
	opener   Opener
	traffic  *TrafficCounter
	log      *slog.Logger
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPListener creates a listener for def. It binds on Start.
func NewTCPListener(def tunnel.Definition, opener Opener, traffic *TrafficCounter, log *slog.Logger) *TCPListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPListener{
		def:     def,
		opener:  opener,
		traffic: traffic,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *TCPListener) Start() error {
	listener, err := net.Listen("tcp", l.def.Source)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.def.Source, err)
	}
	l.listener = listener

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *TCPListener) Stop() {
	l.cancel()
	if l.listener != nil {
		l.listener.Close()
	}
	l.wg.Wait()
}

func (l *TCPListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
			}
			if isClosedError(err) {
				return
			}
			l.log.Error("tcp accept error", "error", err)
			if tunnel.IsResourceExhausted(err) {
				time.Sleep(acceptRetryDelay)
			}
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *TCPListener) handleConnection(conn net.Conn) {
	defer l.wg.Done()

	source := conn.RemoteAddr().String()
	st, err := l.opener.Open(l.ctx, &l.def, "", source)
	if err != nil {
		l.log.Debug("open stream failed", "source", source, "error", err)
		conn.Close()
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.ctx.Done():
			st.Abort(tunnel.ReasonAborted)
			conn.Close()
		case <-done:
		}
	}()

	Relay(conn, st, l.traffic.AddUpload, l.traffic.AddDownload)
}
