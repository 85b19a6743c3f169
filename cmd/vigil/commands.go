package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/vigil"
	cfg "github.com/loykin/vigil/internal/config"
)

const apiShutdownTimeout = 5 * time.Second

type command struct {
	// sig, when non-nil, replaces OS signal delivery so tests can stop Run.
	sig chan os.Signal
}

func (c *command) shutdownCh() chan os.Signal {
	if c.sig != nil {
		return c.sig
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

// Run wires the whole daemon from config and supervises until a shutdown
// signal arrives. Worker failures never end the run; only the signal does.
func (c *command) Run(f RunFlags, args []string) error {
	fc, err := buildFileConfig(f, args)
	if err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return err
	}
	vigil.SetupLogger(fc.Log.Level, fc.Log.Color)

	genv, err := fc.GlobalEnv()
	if err != nil {
		return fmt.Errorf("compose environment: %w", err)
	}

	sc := fc.SupervisorConfig()
	sc.Env = genv

	if fc.Store.Enabled {
		st, err := vigil.OpenStore(fc.Store.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = st.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("store schema: %w", err)
		}
		sc.Store = st
	}
	if fc.History.Enabled {
		for _, dsn := range fc.History.Sinks {
			sink, err := vigil.NewHistorySink(dsn)
			if err != nil {
				return fmt.Errorf("history sink %q: %w", dsn, err)
			}
			sc.Sinks = append(sc.Sinks, sink)
		}
	}

	if fc.Metrics.Enabled {
		if err := vigil.RegisterMetricsDefault(); err != nil {
			slog.Warn("metrics registration failed", "error", err)
		}
		if fc.Metrics.Listen != "" {
			go func() {
				if err := vigil.ServeMetrics(fc.Metrics.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server stopped", "error", err)
				}
			}()
			slog.Info("metrics listening", "addr", fc.Metrics.Listen)
		}
	}

	// An interval-only keepalive section pings our own control API, which is
	// enough to defeat platform idle suspension.
	if fc.Server.Enabled && sc.KeepAlive.URL == "" && sc.KeepAlive.Interval > 0 {
		sc.KeepAlive.URL = selfKeepAliveURL(fc.Server.Listen, fc.Server.BasePath)
	}

	sup, err := vigil.New(sc)
	if err != nil {
		return err
	}

	var apiSrv *http.Server
	if fc.Server.Enabled {
		apiSrv, err = vigil.NewHTTPServer(fc.Server.Listen, fc.Server.BasePath, sup)
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		slog.Info("control api listening", "addr", fc.Server.Listen, "base_path", fc.Server.BasePath)
	}

	if err := sup.Start(); err != nil {
		return err
	}
	slog.Info("vigil running", "worker", fc.Worker.Name, "version", version)

	got := <-c.shutdownCh()
	slog.Info("shutting down", "signal", fmt.Sprint(got))

	if apiSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		_ = apiSrv.Shutdown(ctx)
		cancel()
	}
	return sup.Stop()
}

// Status prints the daemon's worker snapshot.
func (c *command) Status(f StatusFlags) error {
	api := newAPIClient(f.APIUrl, f.APITimeout)
	st, err := api.Status(context.Background())
	if err != nil {
		return daemonErr(f.APIUrl, err)
	}
	printJSON(st)
	return nil
}

// Restart asks the daemon for an operator restart and prints the resulting
// snapshot.
func (c *command) Restart(f RestartFlags) error {
	api := newAPIClient(f.APIUrl, f.APITimeout)
	if err := api.Restart(context.Background()); err != nil {
		return daemonErr(f.APIUrl, err)
	}
	st, err := api.Status(context.Background())
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// History prints recent run records, newest first.
func (c *command) History(f HistoryFlags) error {
	api := newAPIClient(f.APIUrl, f.APITimeout)
	recs, err := api.History(context.Background(), f.Limit)
	if err != nil {
		return daemonErr(f.APIUrl, err)
	}
	printJSON(recs)
	return nil
}

// buildFileConfig resolves the run configuration: a TOML file when given
// (via --config or a positional argument), otherwise a config synthesized
// from flags.
func buildFileConfig(f RunFlags, args []string) (*vigil.FileConfig, error) {
	path := f.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	if path != "" {
		fc, err := vigil.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return fc, nil
	}
	if f.Name == "" || f.Command == "" {
		return nil, errors.New("either a config file or --name and --command are required")
	}

	fc := &vigil.FileConfig{
		Env:      f.EnvKVs,
		EnvFiles: f.EnvFiles,
		UseOSEnv: f.UseOSEnv,
		Log:      cfg.LogConfig{Level: f.LogLevel, Color: !f.NoColor},
		Worker: vigil.Spec{
			Name:            f.Name,
			Command:         f.Command,
			WorkDir:         f.WorkDir,
			PIDFile:         f.PIDFile,
			MinStableUptime: f.MinStableUptime,
			GraceTimeout:    f.GraceTimeout,
			Log:             vigil.WorkerLogConfig{Dir: f.LogDir},
		},
		Restart: vigil.RestartPolicy{
			MaxFailures:       f.MaxFailures,
			BaseBackoff:       f.BaseBackoff,
			BackoffMultiplier: f.BackoffMultiplier,
			BackoffCap:        f.BackoffCap,
			Cooldown:          f.Cooldown,
		},
		Health: vigil.HealthConfig{
			URL:         f.HealthURL,
			Interval:    f.HealthInterval,
			Timeout:     f.HealthTimeout,
			MaxFailures: f.HealthMaxFailures,
		},
		Memory:    vigil.MemoryConfig{ThresholdMB: f.MemoryThresholdMB},
		KeepAlive: vigil.KeepAliveConfig{URL: f.KeepAliveURL, Interval: f.KeepAliveInterval},
		Server:    cfg.ServerConfig{Enabled: f.Listen != "", Listen: f.Listen, BasePath: f.BasePath},
		Metrics:   cfg.MetricsConfig{Enabled: f.MetricsListen != "", Listen: f.MetricsListen},
		Store:     cfg.StoreConfig{Enabled: f.StoreDSN != "", DSN: f.StoreDSN},
		History:   cfg.HistoryConfig{Enabled: len(f.HistorySinks) > 0, Sinks: f.HistorySinks},
	}
	return fc, nil
}

func daemonErr(apiURL string, err error) error {
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8420"
	}
	return fmt.Errorf("daemon at %s: %w (start it first with 'vigil run')", apiURL, err)
}
