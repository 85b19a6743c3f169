package client

import (
	"database/sql"
	"time"
)

// Status mirrors the daemon's /status response.
type Status struct {
	Name            string        `json:"name"`
	Phase           string        `json:"phase"`
	PID             int           `json:"pid,omitempty"`
	Gen             uint64        `json:"gen"`
	StartedAt       time.Time     `json:"started_at"`
	Uptime          time.Duration `json:"uptime"`
	Starts          uint64        `json:"starts"`
	Circuit         string        `json:"circuit"`
	CircuitFailures int           `json:"circuit_failures"`
	CooldownLeft    time.Duration `json:"cooldown_left,omitempty"`
	LastExit        *ExitSummary  `json:"last_exit,omitempty"`
	Health          *HealthProbe  `json:"health,omitempty"`
	Memory          *MemoryStats  `json:"memory,omitempty"`
	KeepAlive       *PingResult   `json:"keepalive,omitempty"`
}

// ExitSummary describes the most recent worker exit.
type ExitSummary struct {
	Gen      uint64        `json:"gen"`
	PID      int           `json:"pid"`
	ExitCode int           `json:"exit_code"`
	At       time.Time     `json:"at"`
	Uptime   time.Duration `json:"uptime"`
	Reason   string        `json:"reason"`
	Err      string        `json:"error,omitempty"`
}

// Probe status values as reported in HealthProbe.Status.
const (
	HealthUnknown   = 0
	HealthHealthy   = 1
	HealthUnhealthy = 2
)

// HealthProbe is the last liveness probe result.
type HealthProbe struct {
	Status      int           `json:"status"`
	StatusCode  int           `json:"status_code,omitempty"`
	Latency     time.Duration `json:"latency"`
	CheckedAt   time.Time     `json:"checked_at"`
	ConsecFails int           `json:"consecutive_failures,omitempty"`
	Err         string        `json:"error,omitempty"`
}

// StatusString renders the probe status for display.
func (h HealthProbe) StatusString() string {
	switch h.Status {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MemoryStats is the memory guard's last observation.
type MemoryStats struct {
	RSS       uint64    `json:"rss_bytes"`
	Avg       uint64    `json:"avg_bytes"`
	Samples   int       `json:"samples"`
	SampledAt time.Time `json:"sampled_at"`
}

// PingResult is the keep-alive pinger's last observation.
type PingResult struct {
	OK       bool      `json:"ok"`
	PingedAt time.Time `json:"pinged_at"`
	Err      string    `json:"error,omitempty"`
}

// RunRecord mirrors one persisted worker run from /history.
type RunRecord struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Gen       uint64         `json:"gen"`
	PID       int            `json:"pid"`
	StartedAt time.Time      `json:"started_at"`
	StoppedAt sql.NullTime   `json:"stopped_at"`
	ExitCode  sql.NullInt64  `json:"exit_code"`
	ExitErr   sql.NullString `json:"exit_err"`
	Reason    string         `json:"reason,omitempty"`
	Running   bool           `json:"running"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HealthResponse is the daemon's own liveness answer from /healthz.
type HealthResponse struct {
	OK    bool   `json:"ok"`
	Phase string `json:"phase"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
