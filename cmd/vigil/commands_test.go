package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestRunRequiresConfigOrFlags(t *testing.T) {
	c := command{}
	if err := c.Run(RunFlags{}, nil); err == nil {
		t.Fatal("expected error without config or --name/--command")
	}
	if err := c.Run(RunFlags{Name: "x"}, nil); err == nil {
		t.Fatal("expected error with --name but no --command")
	}
}

func TestRunRejectsMissingConfigFile(t *testing.T) {
	c := command{}
	if err := c.Run(RunFlags{ConfigPath: "/nonexistent/vigil.toml"}, nil); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.toml")
	// no worker name
	if err := os.WriteFile(p, []byte("[worker]\ncommand = \"sleep 1\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	c := command{}
	if err := c.Run(RunFlags{}, []string{p}); err == nil {
		t.Fatal("expected validation error for nameless worker")
	}
}

func TestBuildFileConfigFromFlags(t *testing.T) {
	f := RunFlags{
		Name:              "api",
		Command:           "./api --port 8080",
		HealthURL:         "http://127.0.0.1:8080/health",
		HealthMaxFailures: 4,
		MemoryThresholdMB: 256,
		Listen:            "127.0.0.1:8420",
		BasePath:          "/api",
		StoreDSN:          "runs.db",
		HistorySinks:      []string{"events.db"},
		MetricsListen:     ":9090",
	}
	fc, err := buildFileConfig(f, nil)
	if err != nil {
		t.Fatalf("buildFileConfig: %v", err)
	}
	if fc.Worker.Name != "api" || fc.Worker.Command != "./api --port 8080" {
		t.Fatalf("worker not mapped: %+v", fc.Worker)
	}
	if fc.Health.URL != f.HealthURL || fc.Health.MaxFailures != 4 {
		t.Fatalf("health not mapped: %+v", fc.Health)
	}
	if fc.Memory.ThresholdMB != 256 {
		t.Fatalf("memory not mapped: %+v", fc.Memory)
	}
	if !fc.Server.Enabled || fc.Server.Listen != "127.0.0.1:8420" || fc.Server.BasePath != "/api" {
		t.Fatalf("server not mapped: %+v", fc.Server)
	}
	if !fc.Store.Enabled || !fc.History.Enabled || !fc.Metrics.Enabled {
		t.Fatalf("optional surfaces not enabled: store=%+v history=%+v metrics=%+v",
			fc.Store, fc.History, fc.Metrics)
	}
	if err := fc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestBuildFileConfigPositionalPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "vigil.toml")
	toml := `
[worker]
name = "w"
command = "sleep 1"
`
	if err := os.WriteFile(p, []byte(toml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fc, err := buildFileConfig(RunFlags{}, []string{p})
	if err != nil {
		t.Fatalf("buildFileConfig: %v", err)
	}
	if fc.Worker.Name != "w" {
		t.Fatalf("config file not loaded: %+v", fc.Worker)
	}
}

func TestRunSupervisesUntilSignal(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	toml := fmt.Sprintf(`
[worker]
name = "cli-run"
command = "sleep 300"
min_stable_uptime = "20ms"
grace_timeout = "500ms"

[store]
enabled = true
dsn = %q
`, filepath.Join(dir, "runs.db"))
	p := filepath.Join(dir, "vigil.toml")
	if err := os.WriteFile(p, []byte(toml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c := command{sig: make(chan os.Signal, 1)}
	done := make(chan error, 1)
	go func() { done <- c.Run(RunFlags{ConfigPath: p}, nil) }()

	time.Sleep(300 * time.Millisecond)
	c.sig <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop on signal")
	}
}

func stubDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"api","phase":"running","pid":42,"gen":1,"circuit":"closed"}`))
	})
	mux.HandleFunc("POST /restart", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /history", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"name":"api","gen":1,"pid":42,"running":true}]`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestStatusRestartHistoryAgainstDaemon(t *testing.T) {
	ts := stubDaemon(t)
	c := command{}

	if err := c.Status(StatusFlags{APIUrl: ts.URL, APITimeout: 2 * time.Second}); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if err := c.Restart(RestartFlags{APIUrl: ts.URL, APITimeout: 2 * time.Second}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := c.History(HistoryFlags{APIUrl: ts.URL, APITimeout: 2 * time.Second, Limit: 5}); err != nil {
		t.Fatalf("History: %v", err)
	}
}

func TestStatusUnreachableDaemon(t *testing.T) {
	c := command{}
	err := c.Status(StatusFlags{APIUrl: "http://127.0.0.1:1", APITimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected error for unreachable daemon")
	}
}
