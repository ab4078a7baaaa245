package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/socks5"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// SOCKSListener accepts SOCKS5 clients on a tunnel source. Each CONNECT
// target becomes the endpoint of a new stream.
type SOCKSListener struct {
	def      tunnel.Definition
	opener   Opener
	handler  *socks5.Handler
	traffic  *TrafficCounter
	log      *slog.Logger
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSOCKSListener creates a listener for def, requiring def's credentials
// when a username is set.
func NewSOCKSListener(def tunnel.Definition, opener Opener, traffic *TrafficCounter, log *slog.Logger) *SOCKSListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &SOCKSListener{
		def:    def,
		opener: opener,
		handler: socks5.NewHandler(socks5.Config{
			Username: def.Username,
			Password: def.Password,
			Logger:   log,
		}),
		traffic: traffic,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *SOCKSListener) Start() error {
	listener, err := net.Listen("tcp", l.def.Source)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.def.Source, err)
	}
	l.listener = listener

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

func (l *SOCKSListener) Stop() {
	l.cancel()
	if l.listener != nil {
		l.listener.Close()
	}
	l.wg.Wait()
}

func (l *SOCKSListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *SOCKSListener) acceptLoop() {
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
			l.log.Error("socks5 accept error", "error", err)
			if tunnel.IsResourceExhausted(err) {
				time.Sleep(acceptRetryDelay)
			}
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *SOCKSListener) handleConnection(conn net.Conn) {
	defer l.wg.Done()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	source := conn.RemoteAddr().String()
	err := l.handler.Serve(conn, func(ctx context.Context, target string) (net.Conn, error) {
		st, err := l.opener.Open(l.ctx, &l.def, target, source)
		if err != nil {
			return nil, err
		}
		return newStreamConn(st, conn, l.traffic), nil
	})
	if err != nil && !isClosedError(err) {
		l.log.Debug("socks5 session ended", "source", source, "error", err)
	}
}

// streamConn presents a stream as a net.Conn to the SOCKS5 proxy loop. It
// reuses the client connection's addresses.
type streamConn struct {
	*mux.Stream
	client  net.Conn
	traffic *TrafficCounter
}

func newStreamConn(st *mux.Stream, client net.Conn, traffic *TrafficCounter) *streamConn {
	return &streamConn{Stream: st, client: client, traffic: traffic}
}

func (c *streamConn) Read(p []byte) (int, error) {
	n, err := c.Stream.Read(p)
	if n > 0 {
		c.traffic.AddDownload(int64(n))
	}
	return n, err
}

func (c *streamConn) Write(p []byte) (int, error) {
	n, err := c.Stream.Write(p)
	if n > 0 {
		c.traffic.AddUpload(int64(n))
	}
	return n, err
}

// LocalAddr must be a TCP address; the proxy reports it as the bound address.
func (c *streamConn) LocalAddr() net.Addr {
	if addr, ok := c.client.LocalAddr().(*net.TCPAddr); ok && addr.IP != nil {
		return addr
	}
	return &net.TCPAddr{IP: net.IPv4zero}
}

func (c *streamConn) RemoteAddr() net.Addr { return c.client.RemoteAddr() }

func (c *streamConn) SetDeadline(time.Time) error      { return nil }
func (c *streamConn) SetReadDeadline(time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(time.Time) error { return nil }
