package tunnel

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestOpenRequestRoundTrip(t *testing.T) {
	seed, err := GenerateKeySeed()
	if err != nil {
		t.Fatalf("GenerateKeySeed failed: %v", err)
	}

	testCases := []struct {
		name string
		req  OpenRequest
	}{
		{
			name: "tcp relay to endpoint",
			req: OpenRequest{
				TunnelID:  7,
				Direction: RelayToEndpoint,
				Network:   NetworkTCP,
				Method:    MethodNone,
				Target:    "www.example.com:80",
				Source:    "192.0.2.10:51234",
			},
		},
		{
			name: "udp compressed encrypted",
			req: OpenRequest{
				TunnelID:   1 << 30,
				Direction:  RelayToPeer,
				Network:    NetworkUDP,
				Compressed: true,
				Method:     MethodXChaCha20Poly1305,
				Key:        seed,
				Target:     "[2001:db8::1]:53",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.req.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary failed: %v", err)
			}

			var got OpenRequest
			if err := got.UnmarshalBinary(data); err != nil {
				t.Fatalf("UnmarshalBinary failed: %v", err)
			}

			if got.TunnelID != tc.req.TunnelID || got.Direction != tc.req.Direction ||
				got.Network != tc.req.Network || got.Compressed != tc.req.Compressed ||
				got.Method != tc.req.Method || got.Target != tc.req.Target || got.Source != tc.req.Source {
				t.Errorf("got %+v, want %+v", got, tc.req)
			}
			if !bytes.Equal(got.Key, tc.req.Key) {
				t.Error("key mismatch")
			}
		})
	}
}

func TestOpenRequestMalformed(t *testing.T) {
	valid, err := (&OpenRequest{TunnelID: 1, Direction: RelayToEndpoint, Network: NetworkTCP, Target: "a:1"}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	badDirection := append([]byte(nil), valid...)
	badDirection[4] = 9

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"bad direction", badDirection},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var req OpenRequest
			if err := req.UnmarshalBinary(tc.data); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestControlPayloads(t *testing.T) {
	t.Run("close", func(t *testing.T) {
		f := NewCloseFrame(5, ReasonBackpressureTimeout, true)
		reason, fin, err := ParseClose(f.Payload)
		if err != nil {
			t.Fatalf("ParseClose failed: %v", err)
		}
		if reason != ReasonBackpressureTimeout || !fin || f.StreamID != 5 {
			t.Errorf("got %s fin=%v id=%d", reason, fin, f.StreamID)
		}
		if _, _, err := ParseClose([]byte{1}); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("expected ErrMalformedFrame, got %v", err)
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		f := NewHeartbeatFrame(KindPong, 1<<40)
		counter, err := ParseHeartbeat(f.Payload)
		if err != nil || counter != 1<<40 {
			t.Errorf("got %d, %v", counter, err)
		}
	})

	t.Run("window update", func(t *testing.T) {
		f := NewWindowUpdateFrame(3, 65536)
		credit, err := ParseWindowUpdate(f.Payload)
		if err != nil || credit != 65536 {
			t.Errorf("got %d, %v", credit, err)
		}
	})

	t.Run("error", func(t *testing.T) {
		f := NewErrorFrame(ReasonSuperseded, "replaced by newer login")
		reason, msg, err := ParseError(f.Payload)
		if err != nil || reason != ReasonSuperseded || msg != "replaced by newer login" {
			t.Errorf("got %s %q %v", reason, msg, err)
		}
	})

	t.Run("tunnel sync", func(t *testing.T) {
		sync := TunnelSync{Version: 3, Tunnels: []Definition{{ID: 1, Source: ":3000", Type: TypeTCP}}}
		f, err := NewJSONFrame(KindTunnelSync, &sync)
		if err != nil {
			t.Fatalf("NewJSONFrame failed: %v", err)
		}
		var got TunnelSync
		if err := ParseJSON(f, &got); err != nil {
			t.Fatalf("ParseJSON failed: %v", err)
		}
		if got.Version != 3 || len(got.Tunnels) != 1 || got.Tunnels[0].Source != ":3000" {
			t.Errorf("got %+v", got)
		}
		if err := ParseJSON(&Frame{Kind: KindTunnelSync, Payload: []byte("{")}, &got); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("expected ErrMalformedFrame, got %v", err)
		}
	})
}

func TestReasonErrors(t *testing.T) {
	if ReasonNormal.Err() != io.EOF {
		t.Errorf("normal close should read as EOF")
	}

	for reason := ReasonAborted; reason <= ReasonMalformedFrame; reason++ {
		err := reason.Err()
		if got := ReasonOf(err); got != reason {
			t.Errorf("ReasonOf(%v) = %s, want %s", err, got, reason)
		}
	}

	if got := ReasonOf(errors.New("boom")); got != ReasonAborted {
		t.Errorf("unknown errors should map to aborted, got %s", got)
	}
}
