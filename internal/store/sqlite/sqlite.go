package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/vigil/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file; use ":memory:" for tests.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_runs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			gen INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			exit_code INTEGER NULL,
			exit_err TEXT NULL,
			reason TEXT NOT NULL DEFAULT '',
			running BOOLEAN NOT NULL,
			uniq TEXT NOT NULL UNIQUE,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_name ON worker_runs(name);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_running ON worker_runs(running);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, rec store.Record) error {
	rec.Running = true
	rec.StoppedAt = sql.NullTime{}
	rec.ExitCode = sql.NullInt64{}
	rec.ExitErr = sql.NullString{}
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_runs(name, gen, pid, started_at, stopped_at, exit_code, exit_err, reason, running, uniq, updated_at)
		VALUES(?, ?, ?, ?, NULL, NULL, NULL, '', 1, ?, ?)
		ON CONFLICT(uniq) DO UPDATE SET
			name=excluded.name,
			gen=excluded.gen,
			pid=excluded.pid,
			started_at=excluded.started_at,
			stopped_at=NULL,
			exit_code=NULL,
			exit_err=NULL,
			reason='',
			running=excluded.running,
			updated_at=excluded.updated_at;`,
		rec.Name, rec.Gen, rec.PID, rec.StartedAt.UTC(), rec.Key(), rec.UpdatedAt)
	return err
}

func (s *DB) RecordStop(ctx context.Context, key string, info store.StopInfo) error {
	var errStr sql.NullString
	if info.ExitErr != "" {
		errStr = sql.NullString{String: info.ExitErr, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_runs
		SET running=0, stopped_at=?, exit_code=?, exit_err=?, reason=?, updated_at=?
		WHERE uniq=?;`,
		info.StoppedAt.UTC(), info.ExitCode, errStr, info.Reason, time.Now().UTC(), key)
	return err
}

func (s *DB) GetLast(ctx context.Context, name string) (store.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, gen, pid, started_at, stopped_at, exit_code, exit_err, reason, running, updated_at
		FROM worker_runs
		WHERE name=?
		ORDER BY gen DESC
		LIMIT 1;`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return rec, err
}

func (s *DB) ListRecent(ctx context.Context, name string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, gen, pid, started_at, stopped_at, exit_code, exit_err, reason, running, updated_at
		FROM worker_runs
		WHERE name=?
		ORDER BY gen DESC
		LIMIT ?;`, name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.Record, error) {
	var r store.Record
	err := row.Scan(&r.ID, &r.Name, &r.Gen, &r.PID, &r.StartedAt, &r.StoppedAt,
		&r.ExitCode, &r.ExitErr, &r.Reason, &r.Running, &r.UpdatedAt)
	return r, err
}
