package vigil

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func waitFor(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func TestSupervisorFacadeStartSnapshotStop(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{
		Spec: Spec{
			Name:            "vf1",
			Command:         "sleep 300",
			MinStableUptime: 20 * time.Millisecond,
			GraceTimeout:    500 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !waitFor(5*time.Second, 10*time.Millisecond, func() bool {
		snap := s.Snapshot()
		return snap.Phase == PhaseRunning && snap.PID > 0
	}) {
		t.Fatalf("worker never came up: %+v", s.Snapshot())
	}
	snap := s.Snapshot()
	if snap.Name != "vf1" || snap.Circuit != "closed" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Snapshot().Phase; got != PhaseStopped {
		t.Fatalf("phase = %s after Stop, want %s", got, PhaseStopped)
	}
}

func TestFacadeRestart(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{
		Spec: Spec{
			Name:            "vf2",
			Command:         "sleep 300",
			MinStableUptime: 20 * time.Millisecond,
			GraceTimeout:    500 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if !waitFor(5*time.Second, 10*time.Millisecond, func() bool {
		return s.Snapshot().Phase == PhaseRunning
	}) {
		t.Fatal("worker never came up")
	}
	pid := s.Snapshot().PID
	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !waitFor(5*time.Second, 10*time.Millisecond, func() bool {
		snap := s.Snapshot()
		return snap.Phase == PhaseRunning && snap.PID != pid
	}) {
		t.Fatalf("worker not replaced after restart: %+v", s.Snapshot())
	}
}

func TestLoadConfigAndEnvHelpers(t *testing.T) {
	dir := t.TempDir()
	toml := `
env = ["MODE=supervised"]

[worker]
name = "api"
command = "sleep 1"
min_stable_uptime = "25ms"
grace_timeout = "100ms"

[restart]
max_failures = 2
base_backoff = "10ms"
cooldown = "100ms"

[health]
url = "http://127.0.0.1:19999/health"
interval = "50ms"
`
	p := filepath.Join(dir, "vigil.toml")
	if err := os.WriteFile(p, []byte(toml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fc, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if fc.Worker.Name != "api" || fc.Restart.MaxFailures != 2 {
		t.Fatalf("unexpected config: %+v", fc)
	}
	if err := fc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("A=1\n# comment\nB=two\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnv(envPath)
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if len(pairs) != 2 || pairs[0] != "A=1" || pairs[1] != "B=two" {
		t.Fatalf("unexpected env pairs: %v", pairs)
	}
}

func TestOpenStoreAndSinkFactories(t *testing.T) {
	dir := t.TempDir()
	st, err := OpenStore(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	sink, err := NewHistorySink("sqlite://" + filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("NewHistorySink: %v", err)
	}
	e := HistoryEvent{Type: "start", OccurredAt: time.Now().UTC(), Record: Record{Name: "x", Gen: 1}}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("sink send: %v", err)
	}

	if _, err := OpenStore(""); err == nil {
		t.Fatal("expected error for empty store DSN")
	}
	if _, err := NewHistorySink("bogus://nope"); err == nil {
		t.Fatal("expected error for unsupported sink DSN")
	}
}

func TestNewHTTPServerFacade(t *testing.T) {
	requireUnix(t)
	s, err := New(Config{
		Spec: Spec{
			Name:            "vf3",
			Command:         "sleep 300",
			MinStableUptime: 20 * time.Millisecond,
			GraceTimeout:    500 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	srv, err := NewHTTPServer("127.0.0.1:18421", "/api", s)
	if err != nil {
		t.Fatalf("NewHTTPServer: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if !waitFor(3*time.Second, 25*time.Millisecond, func() bool {
		resp, err := http.Get("http://127.0.0.1:18421/api/healthz")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusOK
	}) {
		t.Fatal("control API never came up")
	}
}

func TestRegisterMetricsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("second RegisterMetrics: %v", err)
	}
}
