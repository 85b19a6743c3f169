package main

import "time"

// RunFlags Flag structs to decouple cobra from logic for testing.
type RunFlags struct {
	ConfigPath string

	// Worker
	Name     string
	Command  string
	WorkDir  string
	PIDFile  string
	LogDir   string
	EnvKVs   []string
	EnvFiles []string
	UseOSEnv bool

	// Restart policy
	MinStableUptime   time.Duration
	GraceTimeout      time.Duration
	MaxFailures       int
	BaseBackoff       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	Cooldown          time.Duration

	// Guards
	HealthURL         string
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	HealthMaxFailures int
	MemoryThresholdMB int64
	KeepAliveURL      string
	KeepAliveInterval time.Duration

	// Surfaces
	Listen        string
	BasePath      string
	MetricsListen string
	StoreDSN      string
	HistorySinks  []string
	LogLevel      string
	NoColor       bool
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type RestartFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type HistoryFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Limit      int
}
