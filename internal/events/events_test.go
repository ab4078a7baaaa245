package events

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/orris-inc/orris-relay/internal/logger"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	sink := NewLogSink(slog.New(logger.NewHandler(&buf, level)))

	sink.Emit(Event{Kind: PeerOffline, TunnelID: 1, UserID: 42, Remote: "192.0.2.1:5000", Err: errors.New("peer offline")})

	out := buf.String()
	for _, want := range []string{"WRN", "peer_offline", "user_id=42", "tunnel_id=1", "remote=192.0.2.1:5000", "error=peer offline"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestMultiSink(t *testing.T) {
	var got []Kind
	record := SinkFunc(func(e Event) { got = append(got, e.Kind) })

	Multi{record, Discard, record}.Emit(Event{Kind: SessionEstablished})

	if len(got) != 2 {
		t.Errorf("expected 2 deliveries, got %d", len(got))
	}
}

func TestMetricsSink(t *testing.T) {
	m := NewMetricsSink()

	m.Emit(Event{Kind: SessionEstablished})
	m.Emit(Event{Kind: SessionEstablished})
	m.Emit(Event{Kind: SessionClosed, Reason: "session superseded"})
	m.Emit(Event{Kind: StreamOpened, TunnelID: 7})
	m.Emit(Event{Kind: StreamClosed, TunnelID: 7, Reason: "normal", Bytes: 1024})
	m.Emit(Event{Kind: PeerOffline, TunnelID: 7})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"relay_sessions_active 1",
		"relay_sessions_established_total 2",
		`relay_sessions_closed_total{reason="session superseded"} 1`,
		`relay_streams_opened_total{tunnel="7"} 1`,
		"relay_streams_active 0",
		`relay_relayed_bytes_total{tunnel="7"} 1024`,
		`relay_peer_offline_total{tunnel="7"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
