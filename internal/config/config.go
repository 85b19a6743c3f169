package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/keepalive"
	"github.com/loykin/vigil/internal/memguard"
	"github.com/loykin/vigil/internal/supervisor"
	"github.com/loykin/vigil/internal/worker"
)

// FileConfig represents the top-level TOML structure:
//
//	env = ["KEY=value"]
//	env_files = [".env"]
//	use_os_env = true
//
//	[log]
//	level = "info"
//	color = true
//
//	[worker]
//	name = "api"
//	command = "/usr/local/bin/api --port 8080"
//	min_stable_uptime = "10s"
//	grace_timeout = "5s"
//	  [worker.log]
//	  dir = "/var/log/vigil"
//
//	[restart]
//	max_failures = 5
//	base_backoff = "500ms"
//	cooldown = "30s"
//
//	[health]
//	url = "http://127.0.0.1:8080/healthz"
//
//	[memory]
//	threshold_mb = 512
//
//	[keepalive]
//	url = "http://127.0.0.1:8080/ping"
//
//	[server]
//	enabled = true
//	listen = "127.0.0.1:8420"
//
//	[metrics]
//	enabled = true
//	listen = "127.0.0.1:9090"
//
//	[store]
//	enabled = true
//	dsn = "sqlite:///var/lib/vigil/runs.db"
//
//	[history]
//	enabled = true
//	sinks = ["sqlite:///var/lib/vigil/runs.db"]
type FileConfig struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Log       LogConfig                `toml:"log" mapstructure:"log"`
	Worker    worker.Spec              `toml:"worker" mapstructure:"worker"`
	Restart   supervisor.RestartPolicy `toml:"restart" mapstructure:"restart"`
	Health    health.Config            `toml:"health" mapstructure:"health"`
	Memory    memguard.Config          `toml:"memory" mapstructure:"memory"`
	KeepAlive keepalive.Config         `toml:"keepalive" mapstructure:"keepalive"`
	Server    ServerConfig             `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig            `toml:"metrics" mapstructure:"metrics"`
	Store     StoreConfig              `toml:"store" mapstructure:"store"`
	History   HistoryConfig            `toml:"history" mapstructure:"history"`
}

// LogConfig tunes vigil's own log stream, not the worker's captured output.
type LogConfig struct {
	Level string `toml:"level" mapstructure:"level"`
	Color bool   `toml:"color" mapstructure:"color"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type StoreConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
}

// Load parses a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// SupervisorConfig maps the file sections onto the supervisor's Config.
// Store, sinks and environment are wired by the caller.
func (fc *FileConfig) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Spec:      fc.Worker,
		Restart:   fc.Restart,
		Health:    fc.Health,
		Memory:    fc.Memory,
		KeepAlive: fc.KeepAlive,
	}
}

// GlobalEnv composes the worker environment from the file. Precedence,
// lowest to highest: OS env when use_os_env is set, env_files in listed
// order, then the top-level env list.
func (fc *FileConfig) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if fc.UseOSEnv {
		e.FromOS()
	} else {
		e.Isolate()
	}
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		e.SetAll(pairs)
	}
	e.SetAll(fc.Env)
	return e, nil
}

// Validate checks every section, including the ones only the CLI consumes.
func (fc *FileConfig) Validate() error {
	sup := fc.SupervisorConfig()
	sup.Normalize()
	if err := sup.Validate(); err != nil {
		return err
	}
	if fc.Server.Enabled && strings.TrimSpace(fc.Server.Listen) == "" {
		return errors.New("server enabled without listen address")
	}
	if fc.Metrics.Enabled && strings.TrimSpace(fc.Metrics.Listen) == "" {
		return errors.New("metrics enabled without listen address")
	}
	if fc.Store.Enabled && strings.TrimSpace(fc.Store.DSN) == "" {
		return errors.New("store enabled without dsn")
	}
	if fc.History.Enabled && len(fc.History.Sinks) == 0 {
		return errors.New("history enabled without sinks")
	}
	for _, dsn := range fc.History.Sinks {
		if strings.TrimSpace(dsn) == "" {
			return errors.New("history sink dsn is empty")
		}
	}
	return nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return nil, fmt.Errorf("env file %s: malformed line %q", path, line)
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		out = append(out, k+"="+v)
	}
	return out, nil
}
