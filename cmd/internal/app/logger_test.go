package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	newLogger(&jsonBuf, "info", "json", false).Info("checkin.accepted", "session_id", "s1")
	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json output: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "checkin.accepted" || rec["session_id"] != "s1" {
		t.Fatalf("unexpected record: %v", rec)
	}

	var prettyBuf bytes.Buffer
	newLogger(&prettyBuf, "warn", "pretty", false).Info("dropped")
	if prettyBuf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", prettyBuf.String())
	}
	newLogger(&prettyBuf, "info", "pretty", false).Warn("ws.reject.origin", "origin", "https://evil.example")
	line := prettyBuf.String()
	if !strings.Contains(line, "[WARN]") || !strings.Contains(line, "msg=ws.reject.origin") || !strings.Contains(line, "origin=https://evil.example") {
		t.Fatalf("pretty line=%q", line)
	}
}
