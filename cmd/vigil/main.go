package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands.
func buildRoot() *cobra.Command {
	runFlags := &RunFlags{}
	statusFlags := &StatusFlags{}
	restartFlags := &RestartFlags{}
	historyFlags := &HistoryFlags{}

	vigilCommand := command{}

	root := createRootCommand()
	root.AddCommand(
		createRunCommand(vigilCommand, runFlags),
		createStatusCommand(vigilCommand, statusFlags),
		createRestartCommand(vigilCommand, restartFlags),
		createHistoryCommand(vigilCommand, historyFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vigil",
		Short: "Self-healing supervisor for one long-running process",
		Long: `Vigil keeps a single worker process alive: it spawns it, watches its
health endpoint, restarts it with backoff when it crashes or hangs, and
stops restart storms with a circuit breaker.

Examples:
  vigil run config.toml
  vigil run --name=api --command="python app.py" --health-url=http://127.0.0.1:8080/health
  vigil status --api-url=http://127.0.0.1:8420
  vigil restart`,
	}
}

// createRunCommand creates the run subcommand
func createRunCommand(vigilCommand command, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Run the supervisor in the foreground",
		Long: `Run the supervisor until an interrupt or terminate signal arrives.
The worker is described either by a TOML config file or by flags.

Examples:
  vigil run config.toml
  vigil run --config=config.toml
  vigil run --name=api --command="./api --port 8080" \
      --health-url=http://127.0.0.1:8080/health --listen=127.0.0.1:8420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.Run(*runFlags, args)
		},
	}

	cmd.Flags().StringVar(&runFlags.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&runFlags.Name, "name", "", "worker name (required without --config)")
	cmd.Flags().StringVar(&runFlags.Command, "command", "", "worker command (required without --config)")
	cmd.Flags().StringVar(&runFlags.WorkDir, "work-dir", "", "worker working directory")
	cmd.Flags().StringVar(&runFlags.PIDFile, "pid-file", "", "write the worker pid here")
	cmd.Flags().StringVar(&runFlags.LogDir, "log-dir", "", "capture worker stdout/stderr under this directory")
	cmd.Flags().StringArrayVar(&runFlags.EnvKVs, "env", nil, "KEY=VALUE for the worker environment (repeatable)")
	cmd.Flags().StringArrayVar(&runFlags.EnvFiles, "env-file", nil, "env file applied to the worker environment (repeatable)")
	cmd.Flags().BoolVar(&runFlags.UseOSEnv, "use-os-env", true, "let the worker inherit this process environment")

	cmd.Flags().DurationVar(&runFlags.MinStableUptime, "min-stable-uptime", 0, "uptime after which an exit stops counting as a crash")
	cmd.Flags().DurationVar(&runFlags.GraceTimeout, "grace-timeout", 0, "TERM-to-KILL escalation window on stop")
	cmd.Flags().IntVar(&runFlags.MaxFailures, "max-failures", 0, "consecutive failures before the circuit opens")
	cmd.Flags().DurationVar(&runFlags.BaseBackoff, "base-backoff", 0, "first restart delay after a failure")
	cmd.Flags().Float64Var(&runFlags.BackoffMultiplier, "backoff-multiplier", 0, "restart delay growth factor")
	cmd.Flags().DurationVar(&runFlags.BackoffCap, "backoff-cap", 0, "upper bound on the restart delay")
	cmd.Flags().DurationVar(&runFlags.Cooldown, "cooldown", 0, "how long an open circuit suppresses restarts")

	cmd.Flags().StringVar(&runFlags.HealthURL, "health-url", "", "worker liveness endpoint to probe")
	cmd.Flags().DurationVar(&runFlags.HealthInterval, "health-interval", 0, "liveness probe interval")
	cmd.Flags().DurationVar(&runFlags.HealthTimeout, "health-timeout", 0, "liveness probe timeout")
	cmd.Flags().IntVar(&runFlags.HealthMaxFailures, "health-max-failures", 0, "consecutive probe failures before a forced restart")
	cmd.Flags().Int64Var(&runFlags.MemoryThresholdMB, "memory-threshold-mb", 0, "restart when sustained RSS average exceeds this (0 disables)")
	cmd.Flags().StringVar(&runFlags.KeepAliveURL, "keepalive-url", "", "endpoint pinged to defeat idle suspension")
	cmd.Flags().DurationVar(&runFlags.KeepAliveInterval, "keepalive-interval", 0, "keep-alive ping interval")

	cmd.Flags().StringVar(&runFlags.Listen, "listen", "", "control API listen address (empty disables)")
	cmd.Flags().StringVar(&runFlags.BasePath, "base-path", "", "control API base path")
	cmd.Flags().StringVar(&runFlags.MetricsListen, "metrics-listen", "", "Prometheus /metrics listen address (empty disables)")
	cmd.Flags().StringVar(&runFlags.StoreDSN, "store-dsn", "", "run-record store DSN (sqlite path or postgres URL)")
	cmd.Flags().StringArrayVar(&runFlags.HistorySinks, "history-sink", nil, "history sink DSN (repeatable)")
	cmd.Flags().StringVar(&runFlags.LogLevel, "log-level", "", "vigil log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&runFlags.NoColor, "no-color", false, "disable ANSI colors in vigil logs")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(vigilCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the supervised worker's status",
		Long: `Query a running vigil daemon for the worker snapshot: phase, pid,
uptime, circuit state and the latest probe results.

Examples:
  vigil status
  vigil status --api-url=http://remote:8420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.Status(*statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(vigilCommand command, restartFlags *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the supervised worker",
		Long: `Ask a running vigil daemon to restart its worker. The restart is
operator-initiated and does not count against the circuit breaker.

Examples:
  vigil restart
  vigil restart --api-url=http://remote:8420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.Restart(*restartFlags)
		},
	}
	cmd.Flags().StringVar(&restartFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420)")
	cmd.Flags().DurationVar(&restartFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(vigilCommand command, historyFlags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent worker runs",
		Long: `List recent runs recorded by the daemon's store, newest first.
Requires the daemon to run with [store] enabled.

Examples:
  vigil history
  vigil history --limit=10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return vigilCommand.History(*historyFlags)
		},
	}
	cmd.Flags().StringVar(&historyFlags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8420)")
	cmd.Flags().DurationVar(&historyFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().IntVar(&historyFlags.Limit, "limit", 0, "maximum runs to list (0 uses the server default)")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vigil version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("vigil %s\n", version)
		},
	}
}
