package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore is the durable event log. Rows are insert-only; a
// monotonic seq column fixes the append order independently of
// timestamp resolution.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates an event log at the given path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	// Serialize writes through one connection so that seq assignment and
	// row insertion are atomic per event.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT,
			run_id TEXT,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq)",
		"CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Append writes one event atomically.
func (s *SQLiteStore) Append(ctx context.Context, event *Event) error {
	if err := validate(event); err != nil {
		return err
	}

	var data []byte
	if event.Data != nil {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, run_id, timestamp, kind, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, nullable(event.SessionID), nullable(event.RunID),
		event.Timestamp.UTC().Format(time.RFC3339Nano), string(event.Kind), nullableBytes(data))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListByRun returns the run's events in append order.
func (s *SQLiteStore) ListByRun(ctx context.Context, runID string) ([]*Event, error) {
	return s.list(ctx, "run_id = ?", runID)
}

// ListBySession returns the session's events in append order.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	return s.list(ctx, "session_id = ?", sessionID)
}

// ListSessions enumerates sessions recorded in the log.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, MIN(timestamp), MAX(timestamp), COUNT(*)
		FROM events
		WHERE session_id IS NOT NULL
		GROUP BY session_id
		ORDER BY MIN(seq)
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionSummary
	for rows.Next() {
		var (
			sum           SessionSummary
			started, last string
		)
		if err := rows.Scan(&sum.SessionID, &started, &last, &sum.EventCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		if sum.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if sum.LastEvent, err = time.Parse(time.RFC3339Nano, last); err != nil {
			return nil, fmt.Errorf("parse last_event: %w", err)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) list(ctx context.Context, where string, arg any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, run_id, timestamp, kind, data
		FROM events WHERE `+where+` ORDER BY seq
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev        Event
			sessionID sql.NullString
			runID     sql.NullString
			ts        string
			kind      string
			data      sql.NullString
		)
		if err := rows.Scan(&ev.ID, &sessionID, &runID, &ts, &kind, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.SessionID = sessionID.String
		ev.RunID = runID.String
		ev.Kind = Kind(kind)
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
