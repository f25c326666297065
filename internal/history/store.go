// Package history records what the reconciliation loop did to each worker
// and the last PID it launched for it, in a SQLite database.
//
// The database is optional. It backs the "portkeeper history" command and
// the PID-based liveness oracle; the registry file remains the source of
// truth for port assignments.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Action names what the loop did to a worker.
type Action string

const (
	// ActionRegister: a newly discovered worker got a port and was launched.
	ActionRegister Action = "register"
	// ActionRestart: a dead registered worker was relaunched on its port.
	ActionRestart Action = "restart"
	// ActionReallocate: a worker's port was taken by another process and it
	// was moved to a new one.
	ActionReallocate Action = "reallocate"
	// ActionEvict: a worker whose source file vanished was unregistered.
	ActionEvict Action = "evict"
)

// Event is one loop action.
type Event struct {
	ID     int64     `json:"id"`
	TickID string    `json:"tick_id"`
	Worker string    `json:"worker"`
	Port   int       `json:"port"`
	PID    int       `json:"pid,omitempty"`
	Action Action    `json:"action"`
	At     time.Time `json:"at"`
}

// Process is the last launch recorded for a worker.
type Process struct {
	Worker    string    `json:"worker"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

// ErrNoProcess is returned by Store.Process when a worker has never been
// launched (or its record was evicted).
var ErrNoProcess = errors.New("no process recorded")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY,
	tick_id TEXT NOT NULL,
	worker TEXT NOT NULL,
	port INTEGER NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	action TEXT NOT NULL,
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker, id);
CREATE TABLE IF NOT EXISTS processes (
	worker TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	port INTEGER NOT NULL,
	started_at TEXT NOT NULL
);
`

// Store is the SQLite-backed history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// dsnPragmas is appended to the database path when opening.
const dsnPragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history mkdir: %w", err)
		}
	}
	// modernc.org/sqlite applies _pragma parameters on every new pooled
	// connection. WAL lets "history" read while "run" writes; the busy
	// timeout absorbs the short write locks.
	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("history open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Record appends ev to the event log. When ev carries a PID the worker's
// process row is replaced too; an eviction deletes it.
func (s *Store) Record(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	at := ev.At.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (tick_id, worker, port, pid, action, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TickID, ev.Worker, ev.Port, ev.PID, string(ev.Action), at,
	); err != nil {
		return fmt.Errorf("history insert event: %w", err)
	}

	switch {
	case ev.Action == ActionEvict:
		if _, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE worker = ?`, ev.Worker); err != nil {
			return fmt.Errorf("history delete process: %w", err)
		}
	case ev.PID > 0:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processes (worker, pid, port, started_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(worker) DO UPDATE SET pid = excluded.pid, port = excluded.port, started_at = excluded.started_at`,
			ev.Worker, ev.PID, ev.Port, at,
		); err != nil {
			return fmt.Errorf("history upsert process: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history commit: %w", err)
	}
	return nil
}

// Process returns the last launch recorded for worker, or ErrNoProcess.
func (s *Store) Process(ctx context.Context, worker string) (Process, error) {
	var (
		p         Process
		startedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT worker, pid, port, started_at FROM processes WHERE worker = ?`, worker,
	).Scan(&p.Worker, &p.PID, &p.Port, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Process{}, fmt.Errorf("%w for %s", ErrNoProcess, worker)
	}
	if err != nil {
		return Process{}, fmt.Errorf("history query process: %w", err)
	}
	if p.StartedAt, err = parseTime(startedAt); err != nil {
		return Process{}, err
	}
	return p, nil
}

// Recent returns up to limit events, newest first. An empty worker returns
// events for every worker. A limit of zero or less means no limit.
func (s *Store) Recent(ctx context.Context, worker string, limit int) ([]Event, error) {
	query := `SELECT id, tick_id, worker, port, pid, action, at FROM events`
	var args []any
	if worker != "" {
		query += ` WHERE worker = ?`
		args = append(args, worker)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			ev     Event
			action string
			at     string
		)
		if err := rows.Scan(&ev.ID, &ev.TickID, &ev.Worker, &ev.Port, &ev.PID, &action, &at); err != nil {
			return nil, fmt.Errorf("history scan event: %w", err)
		}
		ev.Action = Action(action)
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history iterate events: %w", err)
	}
	return events, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("history: parse timestamp %q: %w", s, err)
	}
	return t, nil
}
