package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	log := slog.New(NewHandler(&buf, level)).With("component", "mux")

	log.Info("stream opened", "stream_id", 3)
	log.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "INF") || !strings.Contains(out, "stream opened component=mux stream_id=3") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record should be filtered at info level")
	}
}

func TestFatalLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, "text")
	defer Init(&bytes.Buffer{}, "text")

	exited := 0
	exitFunc = func(code int) { exited = code }
	defer func() { exitFunc = os.Exit }()

	Fatal("stream table allocation failed")

	if exited != 1 {
		t.Errorf("exit code = %d, want 1", exited)
	}
	if !strings.Contains(buf.String(), "FTL") {
		t.Errorf("fatal record not distinguishable: %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, "json")
	defer Init(&bytes.Buffer{}, "text")

	Warn("peer offline", "tunnel_id", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if rec["msg"] != "peer offline" || rec["level"] != "WARN" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name    string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLevel(tc.name)
			if (err != nil) != tc.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
