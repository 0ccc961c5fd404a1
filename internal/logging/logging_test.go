package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer

	opts := &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}
	logger := slog.New(slog.NewTextHandler(&buf, opts))
	logger.Info("handshake complete", "session_token", "tok-abc123", "tier", "sidecar")

	out := buf.String()
	if strings.Contains(out, "tok-abc123") {
		t.Errorf("session token leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
	if !strings.Contains(out, "sidecar") {
		t.Errorf("non-sensitive attribute missing from output: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	redacted := []string{"session_token", "Token", "API_KEY", "auth_header", "bearer"}
	for _, key := range redacted {
		if !shouldRedact(key) {
			t.Errorf("shouldRedact(%q) = false, want true", key)
		}
	}

	clear := []string{"tier", "mode", "latency_ms", "device", "endpoint"}
	for _, key := range clear {
		if shouldRedact(key) {
			t.Errorf("shouldRedact(%q) = true, want false", key)
		}
	}
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "advisorlink.log")

	l, err := New(&Config{
		Level:    LevelInfo,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Info("probe cycle complete", "mode", "cloud_only")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "probe cycle complete") {
		t.Errorf("log entry not written to file: %s", data)
	}
}

func TestWithComponent(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	scoped := l.WithComponent("hierarchy")
	if scoped == nil || scoped.Logger == nil {
		t.Fatal("WithComponent returned nil logger")
	}
}
