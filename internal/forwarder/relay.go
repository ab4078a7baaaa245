package forwarder

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/orris-inc/orris-relay/internal/mux"
	"github.com/orris-inc/orris-relay/internal/tunnel"
)

// Relay pumps bytes between a local connection and a stream until both
// directions finish. Half-closes propagate both ways. fromConn counts bytes
// read from conn, toConn bytes written to it. Both conn and st are closed on
// return.
func Relay(conn net.Conn, st *mux.Stream, fromConn, toConn func(int64)) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if _, err := copyBuffer(st, conn, fromConn); err != nil {
			if !isClosedError(err) {
				st.Abort(tunnel.ReasonAborted)
			} else {
				st.Close()
			}
			return
		}
		st.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		_, err := copyBuffer(conn, st, toConn)
		if err == nil && st.Err() == nil {
			// peer half-closed; keep uploading
			closeWrite(conn)
			return
		}
		conn.Close()
	}()

	wg.Wait()
	st.Close()
	conn.Close()
}

// Bridge splices two streams without touching their payloads. Each side's
// FIN or terminate is forwarded to the other.
func Bridge(a, b *mux.Stream, traffic *TrafficCounter) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(b, a, traffic.AddUpload)
	}()
	go func() {
		defer wg.Done()
		pump(a, b, traffic.AddDownload)
	}()
	wg.Wait()

	a.Close()
	b.Close()
}

func pump(dst, src *mux.Stream, count func(int64)) {
	for {
		chunk, err := src.ReadChunk()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) && src.Err() == nil:
				dst.CloseWrite()
			case errors.Is(err, io.EOF), errors.Is(err, mux.ErrStreamClosed):
				dst.Close()
			default:
				dst.Abort(tunnel.ReasonOf(err))
			}
			return
		}
		n := len(chunk)
		if err := dst.WriteChunk(chunk); err != nil {
			src.Abort(tunnel.ReasonOf(err))
			return
		}
		count(int64(n))
	}
}
