package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no run record exists for a worker name.
var ErrNotFound = errors.New("store: record not found")

// Run end reasons persisted with a record.
const (
	ReasonClean    = "clean"
	ReasonCrash    = "crash"
	ReasonHealth   = "health"
	ReasonMemory   = "memory"
	ReasonOperator = "operator"
	ReasonShutdown = "shutdown"
)

// Record is one run of a supervised worker. Gen increments on every spawn,
// so Name plus Gen identifies a run uniquely.
type Record struct {
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

// Key returns the unique identity of this run.
func (r Record) Key() string { return fmt.Sprintf("%s|%d", r.Name, r.Gen) }

// StopInfo carries the end-of-run facts written by RecordStop.
type StopInfo struct {
	StoppedAt time.Time
	ExitCode  sql.NullInt64
	ExitErr   string
	Reason    string
}

// Store persists run records so state survives supervisor restarts.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, rec Record) error
	RecordStop(ctx context.Context, key string, info StopInfo) error
	// GetLast returns the most recently started run for name, or ErrNotFound.
	GetLast(ctx context.Context, name string) (Record, error)
	// ListRecent returns up to limit runs for name, newest first.
	ListRecent(ctx context.Context, name string, limit int) ([]Record, error)
	Close() error
}
