package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureLogs(t *testing.T, level, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger
	SetupWriter(&buf, level, format)
	t.Cleanup(func() {
		Logger = prev
		slog.SetDefault(prev)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupWriter_JSONAndLevel(t *testing.T) {
	buf := captureLogs(t, "warn", "json")
	Logger.Info("dropped")
	Logger.Warn("kept", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "kept" || rec["k"] != "v" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestSetupWriter_Text(t *testing.T) {
	buf := captureLogs(t, "info", "text")
	Logger.Info("hello", "model_group", "simple")
	if out := buf.String(); !strings.Contains(out, "msg=hello") || !strings.Contains(out, "model_group=simple") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestFromContext(t *testing.T) {
	buf := captureLogs(t, "info", "json")
	ctx := WithAccountID(WithTraceID(context.Background(), "trace-1"), "acct-1")
	FromContext(ctx).Info("request")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["trace_id"] != "trace-1" || rec["account_id"] != "acct-1" {
		t.Errorf("missing context attributes: %v", rec)
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("short"); got != "****" {
		t.Errorf("MaskKey(short) = %q", got)
	}
	if got := MaskKey("abcd1234efgh5678"); got != "abcd****5678" {
		t.Errorf("MaskKey = %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "incoming")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "incoming" || w.Header().Get("X-Request-ID") != "incoming" {
		t.Errorf("incoming id not reused: ctx=%q header=%q", seen, w.Header().Get("X-Request-ID"))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 32 || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id = %q, header = %q", seen, w.Header().Get("X-Request-ID"))
	}
}
