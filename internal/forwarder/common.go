// Package forwarder binds tunnel sources, dials tunnel endpoints and pumps
// bytes between local sockets and mux streams.
package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// isClosedError checks if the error is due to closed connection.
func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// acceptRetryDelay pauses an accept loop that ran out of descriptors.
const acceptRetryDelay = 100 * time.Millisecond

// bufferSize is the size of the buffer used for copying data.
const bufferSize = 64 * 1024

// UDP constants
const (
	udpMaxPacketSize   = 65535
	udpIdleTimeout     = 2 * time.Minute
	udpCleanupInterval = 30 * time.Second
	udpPendingLimit    = 16
)

// Opener opens the relay stream for a connection accepted on a tunnel
// source. target is the SOCKS5 CONNECT target, empty for other types.
// source is the remote address of the local client.
type Opener interface {
	Open(ctx context.Context, def *tunnel.Definition, target, source string) (*mux.Stream, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, def *tunnel.Definition, target, source string) (*mux.Stream, error)

func (f OpenerFunc) Open(ctx context.Context, def *tunnel.Definition, target, source string) (*mux.Stream, error) {
	return f(ctx, def, target, source)
}

// Listener is a bound tunnel source.
type Listener interface {
	Start() error
	Stop()
	Addr() net.Addr
}

// bufPool is a pool of buffers used for copying data to reduce GC pressure.
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, bufferSize)
		return &buf
	},
}

// copyBuffer copies data from src to dst using a pooled buffer.
// It calls trafficFn with the number of bytes written after each write.
// EOF from src ends the copy without error.
func copyBuffer(dst io.Writer, src io.Reader, trafficFn func(int64)) (int64, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	var written int64
	for {
		nr, rerr := src.Read(*bufp)
		if nr > 0 {
			nw, werr := dst.Write((*bufp)[:nr])
			if nw > 0 {
				written += int64(nw)
				if trafficFn != nil {
					trafficFn(int64(nw))
				}
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// closeWrite half-closes conn when it supports it and closes it otherwise.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}

// TrafficCounter tracks upload and download bytes.
type TrafficCounter struct {
	upload   atomic.Int64
	download atomic.Int64
}

// AddUpload adds bytes sent from the source side towards the endpoint.
func (t *TrafficCounter) AddUpload(n int64) {
	t.upload.Add(n)
}

// AddDownload adds bytes sent from the endpoint back to the source side.
func (t *TrafficCounter) AddDownload(n int64) {
	t.download.Add(n)
}

// GetAndReset returns current traffic and resets counters.
func (t *TrafficCounter) GetAndReset() (upload, download int64) {
	return t.upload.Swap(0), t.download.Swap(0)
}

// TrafficTable holds one counter per tunnel.
type TrafficTable struct {
	mu       sync.Mutex
	counters map[uint32]*TrafficCounter
}

// NewTrafficTable creates an empty table.
func NewTrafficTable() *TrafficTable {
	return &TrafficTable{counters: make(map[uint32]*TrafficCounter)}
}

// Get returns the counter of a tunnel, creating it on first use.
func (t *TrafficTable) Get(tunnelID uint32) *TrafficCounter {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.counters[tunnelID]
	if !ok {
		c = &TrafficCounter{}
		t.counters[tunnelID] = c
	}
	return c
}

// TrafficItem is the traffic of one tunnel since the last snapshot.
type TrafficItem struct {
	TunnelID uint32
	Upload   int64
	Download int64
}

// Snapshot returns and resets the traffic of every tunnel that moved bytes.
func (t *TrafficTable) Snapshot() []TrafficItem {
	t.mu.Lock()
	defer t.mu.Unlock()

	var items []TrafficItem
	for id, c := range t.counters {
		up, down := c.GetAndReset()
		if up > 0 || down > 0 {
			items = append(items, TrafficItem{TunnelID: id, Upload: up, Download: down})
		}
	}
	return items
}
