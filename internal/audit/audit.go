// Package audit keeps an append-only, sqlite-backed chain-of-custody log
// of read, write, and refresh events against an attached target. It is
// deliberately outside internal/vmmcore: the core itself keeps no
// persistent state (no on-disk format, per its scope), and the audit trail
// is an outer concern the core is never aware of.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EventKind distinguishes the three operations worth recording.
type EventKind string

const (
	EventRead    EventKind = "read"
	EventWrite   EventKind = "write"
	EventRefresh EventKind = "refresh"
)

// Event is one row of the audit trail.
type Event struct {
	ID        int64
	Kind      EventKind
	SessionID string
	PID       uint32
	Addr      uint64
	Length    int
	Err       string
	At        time.Time
}

// Log wraps a sqlite database/sql handle with the append/query operations
// this package exposes. Grounded on catalog.go's CatalogManager: a mutex-
// free, directly-method-exposed registry, here backed by sqlite rather
// than an in-memory map since the whole point of an audit trail is to
// outlive the process that wrote it.
type Log struct {
	db *sql.DB
}

// Open creates (or reuses) a sqlite database at path and ensures the
// events table exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	addr       INTEGER NOT NULL,
	length     INTEGER NOT NULL,
	err        TEXT NOT NULL DEFAULT '',
	at         DATETIME NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one event to the log.
func (l *Log) Record(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (kind, session_id, pid, addr, length, err, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.SessionID, ev.PID, ev.Addr, ev.Length, ev.Err, ev.At,
	)
	if err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// ForSession returns every event recorded under sessionID, oldest first —
// the chain-of-custody review path: "show me everything this session did
// to this target".
func (l *Log) ForSession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, kind, session_id, pid, addr, length, err, at FROM events WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.SessionID, &ev.PID, &ev.Addr, &ev.Length, &ev.Err, &ev.At); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close releases the underlying database handle.
func (l *Log) Close() error { return l.db.Close() }
