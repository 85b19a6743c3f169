package vigil

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	hfactory "github.com/loykin/vigil/internal/history/factory"
	"github.com/loykin/vigil/internal/keepalive"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/memguard"
	"github.com/loykin/vigil/internal/metrics"
	iapi "github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/store"
	sfactory "github.com/loykin/vigil/internal/store/factory"
	"github.com/loykin/vigil/internal/supervisor"
	"github.com/loykin/vigil/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = worker.Spec

type Config = supervisor.Config

type RestartPolicy = supervisor.RestartPolicy

type HealthConfig = health.Config

type MemoryConfig = memguard.Config

type KeepAliveConfig = keepalive.Config

type WorkerLogConfig = logger.Config

type Snapshot = supervisor.Snapshot

type ExitSummary = supervisor.ExitSummary

type Phase = supervisor.Phase

const (
	PhaseIdle     = supervisor.PhaseIdle
	PhaseRunning  = supervisor.PhaseRunning
	PhaseBackoff  = supervisor.PhaseBackoff
	PhaseCooldown = supervisor.PhaseCooldown
	PhaseStopping = supervisor.PhaseStopping
	PhaseStopped  = supervisor.PhaseStopped
)

type Env = env.Env

type Store = store.Store

type Record = store.Record

type HistorySink = history.Sink

type HistoryEvent = history.Event

type FileConfig = cfg.FileConfig

// Exported errors surfaced by Supervisor operations.
var (
	ErrNotRunning     = supervisor.ErrNotRunning
	ErrStopped        = supervisor.ErrStopped
	ErrAlreadyStarted = supervisor.ErrAlreadyStarted
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.

type Supervisor struct {
	inner *supervisor.Supervisor
	st    store.Store
}

// New builds a supervisor for one worker. The worker is not spawned until
// Start. An injected Config.Store stays owned by the caller; Config.Sinks
// are closed by Stop.
func New(c Config) (*Supervisor, error) {
	inner, err := supervisor.New(c)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: inner, st: c.Store}, nil
}

func (s *Supervisor) Name() string       { return s.inner.Name() }
func (s *Supervisor) Start() error       { return s.inner.Start() }
func (s *Supervisor) Stop() error        { return s.inner.Stop() }
func (s *Supervisor) Restart() error     { return s.inner.Restart() }
func (s *Supervisor) Snapshot() Snapshot { return s.inner.Snapshot() }

// NewEnv returns an empty environment composer for Config.Env.
func NewEnv() *Env { return env.New() }

// LoadConfig parses a vigil TOML config file.
func LoadConfig(path string) (*FileConfig, error) {
	return cfg.Load(path)
}

// LoadEnv parses a KEY=VALUE env file into a slice usable with Env.SetAll.
func LoadEnv(path string) ([]string, error) {
	return cfg.LoadEnvFile(path)
}

// SetupLogger installs vigil's process-wide slog handler.
func SetupLogger(level string, color bool) {
	logger.Setup(level, color)
}

// OpenStore opens a run-record store from a DSN (sqlite path or postgres URL).
// The caller owns the returned store and must Close it.
func OpenStore(dsn string) (Store, error) {
	return sfactory.NewFromDSN(dsn)
}

// NewHistorySink builds a lifecycle-event sink from a DSN
// (sqlite/postgres/clickhouse/opensearch).
func NewHistorySink(dsn string) (HistorySink, error) {
	return hfactory.NewSinkFromDSN(dsn)
}

// NewHTTPServer starts the control API server on addr for this supervisor.
// The history endpoint uses the store the supervisor was built with, if any.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner, s.st)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
