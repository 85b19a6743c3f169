package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/store"
)

func testEvent(t history.EventType, rec store.Record) history.Event {
	return history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	rec := store.Record{
		Name:      "web",
		Gen:       3,
		PID:       4242,
		StartedAt: time.Now().UTC(),
		Running:   true,
	}

	if err := sink.Send(ctx, testEvent(history.EventStart, rec)); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	rec.Running = false
	rec.StoppedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	rec.ExitCode = sql.NullInt64{Int64: 1, Valid: true}
	rec.ExitErr = sql.NullString{String: "exit status 1", Valid: true}
	rec.Reason = store.ReasonCrash

	exit := testEvent(history.EventExit, rec)
	exit.Detail = "uptime 1.2s"
	if err := sink.Send(ctx, exit); err != nil {
		t.Fatalf("Failed to send exit event: %v", err)
	}

	var n int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM worker_history`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}

	var event, reason, detail string
	var exitCode sql.NullInt64
	err = sink.db.QueryRow(`
		SELECT event, reason, detail, exit_code FROM worker_history
		WHERE event=?`, string(history.EventExit)).Scan(&event, &reason, &detail, &exitCode)
	if err != nil {
		t.Fatalf("read exit row: %v", err)
	}
	if reason != store.ReasonCrash || detail != "uptime 1.2s" {
		t.Fatalf("exit row fields: reason=%q detail=%q", reason, detail)
	}
	if !exitCode.Valid || exitCode.Int64 != 1 {
		t.Fatalf("exit code column: %+v", exitCode)
	}
}

func TestSQLiteSink_DSNPrefix(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create sink with prefix DSN: %v", err)
	}
	defer func() { _ = sink.Close() }()

	rec := store.Record{Name: "w", Gen: 1, PID: 1, StartedAt: time.Now().UTC()}
	if err := sink.Send(context.Background(), testEvent(history.EventStart, rec)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSQLiteSink_AlarmEventsWithoutStopFacts(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = sink.Close() }()

	rec := store.Record{Name: "w", Gen: 2, PID: 77, StartedAt: time.Now().UTC(), Running: true}
	e := testEvent(history.EventMemoryAlarm, rec)
	e.Detail = "avg 312MB over threshold 256MB"
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("Send alarm event: %v", err)
	}

	var stoppedAt sql.NullTime
	err = sink.db.QueryRow(`SELECT stopped_at FROM worker_history WHERE event=?`,
		string(history.EventMemoryAlarm)).Scan(&stoppedAt)
	if err != nil {
		t.Fatalf("read alarm row: %v", err)
	}
	if stoppedAt.Valid {
		t.Fatal("alarm event should have no stopped_at")
	}
}
