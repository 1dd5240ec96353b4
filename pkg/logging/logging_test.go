package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json"}, &buf)
	logger.Debug("hidden")
	logger.Info("job accepted", "job_id", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if m["msg"] != "job accepted" || m["job_id"] != "abc" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestNewTextHasNoColorOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "text"}, &buf)
	logger.Warn("remote slow", Err(errors.New("timeout")))

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected ANSI colour codes: %q", out)
	}
	if !strings.Contains(out, "remote slow") || !strings.Contains(out, "timeout") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	if got := RequestID(ctx); got != "req-42" {
		t.Fatalf("unexpected request id: %q", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}
