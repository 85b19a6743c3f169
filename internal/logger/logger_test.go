package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWritersFromDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("web")
	if err != nil {
		t.Fatalf("Writers: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers, got %v %v", outW, errW)
	}
	if _, err := outW.Write([]byte("hello stdout\n")); err != nil {
		t.Fatalf("write stdout: %v", err)
	}
	if _, err := errW.Write([]byte("hello stderr\n")); err != nil {
		t.Fatalf("write stderr: %v", err)
	}
	_ = outW.Close()
	_ = errW.Close()

	b, err := os.ReadFile(filepath.Join(dir, "web.stdout.log"))
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if !strings.Contains(string(b), "hello stdout") {
		t.Fatalf("stdout content missing: %q", string(b))
	}
	if _, err := os.Stat(filepath.Join(dir, "web.stderr.log")); err != nil {
		t.Fatalf("stderr log missing: %v", err)
	}
}

func TestWritersExplicitPathsOverrideDir(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "custom.out")
	cfg := Config{Dir: dir, StdoutPath: explicit}
	outW, _, err := cfg.Writers("svc")
	if err != nil {
		t.Fatalf("Writers: %v", err)
	}
	if _, err := outW.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = outW.Close()
	if _, err := os.Stat(explicit); err != nil {
		t.Fatalf("explicit path not used: %v", err)
	}
}

func TestWritersDisabled(t *testing.T) {
	var cfg Config
	if cfg.Enabled() {
		t.Fatal("empty config must be disabled")
	}
	outW, errW, err := cfg.Writers("none")
	if err != nil {
		t.Fatalf("Writers: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers, got %v %v", outW, errW)
	}
}

func TestColorTextHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	lg := slog.New(h)
	lg.Warn("careful")
	out := buf.String()
	if !strings.Contains(out, "\033[33m") {
		t.Fatalf("warn output not colored: %q", out)
	}
	if !strings.Contains(out, "careful") {
		t.Fatalf("message missing: %q", out)
	}

	buf.Reset()
	lg.Log(context.Background(), slog.LevelDebug, "deep")
	if !strings.Contains(buf.String(), "\033[36m") {
		t.Fatalf("debug output not colored: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
