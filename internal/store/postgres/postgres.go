package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/vigil/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_runs(
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			gen BIGINT NOT NULL,
			pid INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL,
			exit_code BIGINT NULL,
			exit_err TEXT NULL,
			reason TEXT NOT NULL DEFAULT '',
			running BOOLEAN NOT NULL,
			uniq TEXT NOT NULL UNIQUE,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_name ON worker_runs(name);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_running ON worker_runs(running);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, rec store.Record) error {
	rec.Running = true
	rec.StoppedAt = sql.NullTime{}
	rec.ExitCode = sql.NullInt64{}
	rec.ExitErr = sql.NullString{}
	rec.UpdatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_runs(name, gen, pid, started_at, stopped_at, exit_code, exit_err, reason, running, uniq, updated_at)
		VALUES($1,$2,$3,$4,NULL,NULL,NULL,'',true,$5,$6)
		ON CONFLICT(uniq) DO UPDATE SET
			name=EXCLUDED.name,
			gen=EXCLUDED.gen,
			pid=EXCLUDED.pid,
			started_at=EXCLUDED.started_at,
			stopped_at=NULL,
			exit_code=NULL,
			exit_err=NULL,
			reason='',
			running=EXCLUDED.running,
			updated_at=EXCLUDED.updated_at;`,
		rec.Name, rec.Gen, rec.PID, rec.StartedAt.UTC(), rec.Key(), rec.UpdatedAt)
	return err
}

func (p *DB) RecordStop(ctx context.Context, key string, info store.StopInfo) error {
	var errStr sql.NullString
	if info.ExitErr != "" {
		errStr = sql.NullString{String: info.ExitErr, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE worker_runs
		SET running=false, stopped_at=$1, exit_code=$2, exit_err=$3, reason=$4, updated_at=$5
		WHERE uniq=$6;`,
		info.StoppedAt.UTC(), info.ExitCode, errStr, info.Reason, time.Now().UTC(), key)
	return err
}

func (p *DB) GetLast(ctx context.Context, name string) (store.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, gen, pid, started_at, stopped_at, exit_code, exit_err, reason, running, updated_at
		FROM worker_runs
		WHERE name=$1
		ORDER BY gen DESC
		LIMIT 1;`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	return rec, err
}

func (p *DB) ListRecent(ctx context.Context, name string, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, gen, pid, started_at, stopped_at, exit_code, exit_err, reason, running, updated_at
		FROM worker_runs
		WHERE name=$1
		ORDER BY gen DESC
		LIMIT $2;`, name, limit)
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
