package tunnel

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestTransportRoundTrip(t *testing.T) {
	for _, kind := range []string{TransportTCP, TransportWebsocket} {
		t.Run(kind, func(t *testing.T) {
			acceptor, err := Listen(kind, "127.0.0.1:0", nil)
			if err != nil {
				t.Fatalf("Listen failed: %v", err)
			}
			defer acceptor.Close()

			accepted := make(chan net.Conn, 1)
			go func() {
				conn, err := acceptor.Accept()
				if err != nil {
					close(accepted)
					return
				}
				accepted <- conn
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client, err := Dial(ctx, kind, acceptor.Addr().String(), nil)
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			defer client.Close()

			var server net.Conn
			select {
			case server = <-accepted:
				if server == nil {
					t.Fatal("Accept failed")
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for accept")
			}
			defer server.Close()

			frames := []*Frame{
				{Kind: KindAuthRequest, Payload: []byte(`{"username":"u"}`)},
				{Kind: KindData, StreamID: 1, Payload: bytes.Repeat([]byte("z"), 100000)},
			}
			go func() {
				for _, f := range frames {
					data, _ := f.Encode()
					client.Write(data)
				}
			}()

			dec := NewDecoder(server)
			for i, want := range frames {
				got, err := dec.Next()
				if err != nil {
					t.Fatalf("frame %d: %v", i, err)
				}
				if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
					t.Fatalf("frame %d mismatch", i)
				}
			}
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	testCases := []struct {
		addr   string
		secure bool
		want   string
	}{
		{"relay.example.com:7000", false, "ws://relay.example.com:7000/tunnel"},
		{"relay.example.com:443", true, "wss://relay.example.com:443/tunnel"},
		{"wss://relay.example.com/custom", false, "wss://relay.example.com/custom"},
		{"ws://relay.example.com:80", false, "ws://relay.example.com:80/tunnel"},
	}

	for _, tc := range testCases {
		t.Run(tc.addr, func(t *testing.T) {
			got, err := websocketURL(tc.addr, tc.secure)
			if err != nil {
				t.Fatalf("websocketURL failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}

	if _, err := websocketURL("no-port", false); err == nil {
		t.Error("expected error for address without port")
	}
}
