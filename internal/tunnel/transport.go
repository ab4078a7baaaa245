package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orris-inc/orris-relay/internal/logger"
)

// Transport kinds for the control connection.
const (
	TransportTCP       = "tcp"
	TransportWebsocket = "ws"
)

// WebsocketPath is the HTTP path the server upgrades on.
const WebsocketPath = "/tunnel"

const dialTimeout = 10 * time.Second

// IsResourceExhausted reports whether err means the process ran out of file
// descriptors or socket buffers.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ENOBUFS)
}

// Acceptor yields inbound control connections.
type Acceptor interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Dial opens a control connection to addr. For websocket, addr may be a
// ws:// or wss:// URL or a host:port.
func Dial(ctx context.Context, kind, addr string, tlsConf *tls.Config) (net.Conn, error) {
	switch kind {
	case "", TransportTCP:
		dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
		if tlsConf != nil {
			td := &tls.Dialer{NetDialer: dialer, Config: tlsConf}
			return td.DialContext(ctx, "tcp", addr)
		}
		return dialer.DialContext(ctx, "tcp", addr)
	case TransportWebsocket:
		return DialWebsocket(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Listen binds an acceptor for the given transport.
func Listen(kind, addr string, tlsConf *tls.Config) (Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}

	switch kind {
	case "", TransportTCP:
		return &tcpAcceptor{Listener: ln}, nil
	case TransportWebsocket:
		return NewWebsocketAcceptor(ln), nil
	default:
		ln.Close()
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

type tcpAcceptor struct {
	net.Listener
}

// DialWebsocket connects to a websocket acceptor and returns the connection
// as a byte stream.
func DialWebsocket(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	endpoint, err := websocketURL(addr, tlsConf != nil)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
		TLSClientConfig:  tlsConf,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return newWSConn(conn), nil
}

func websocketURL(addr string, secure bool) (string, error) {
	if u, err := url.Parse(addr); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		if u.Path == "" {
			u.Path = WebsocketPath
		}
		return u.String(), nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid websocket address %q: %w", addr, err)
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: WebsocketPath}
	return u.String(), nil
}

// WebsocketAcceptor serves websocket upgrades and hands out the resulting
// connections.
type WebsocketAcceptor struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
}

// NewWebsocketAcceptor starts serving websocket upgrades on ln.
func NewWebsocketAcceptor(ln net.Listener) *WebsocketAcceptor {
	a := &WebsocketAcceptor{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebsocketPath, a.handleUpgrade)
	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: dialTimeout,
	}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket acceptor error", "error", err)
		}
	}()

	return a
}

func (a *WebsocketAcceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	select {
	case a.conns <- newWSConn(conn):
	case <-a.done:
		conn.Close()
	}
}

// Accept waits for the next upgraded connection.
func (a *WebsocketAcceptor) Accept() (net.Conn, error) {
	select {
	case conn := <-a.conns:
		return conn, nil
	case <-a.done:
		return nil, net.ErrClosed
	}
}

// Close stops serving upgrades.
func (a *WebsocketAcceptor) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = a.server.Shutdown(ctx)
	})
	return err
}

// Addr returns the bound address.
func (a *WebsocketAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// wsConn adapts a websocket connection to a byte stream. Each Write is sent
// as one binary message.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if w.reader == nil {
			msgType, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			w.reader = r
		}

		n, err := w.reader.Read(p)
		if errors.Is(err, io.EOF) {
			w.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error                       { return w.conn.Close() }
func (w *wsConn) LocalAddr() net.Addr                { return w.conn.LocalAddr() }
func (w *wsConn) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}
