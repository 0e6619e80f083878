package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/warden/pkg/models"
)

// SQLiteStore is the durable session store. Message rows carry a
// monotonic seq so history order is independent of timestamp
// resolution.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a session store at the given path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			run_ids TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT,
			tool_calls TEXT,
			tool_results TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init session schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	session.UpdatedAt = session.CreatedAt

	runIDs, metadata, err := encodeSessionFields(session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, run_ids, input_tokens, output_tokens, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Title, runIDs,
		session.Usage.InputTokens, session.Usage.OutputTokens, metadata,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, run_ids, input_tokens, output_tokens, metadata, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	session.UpdatedAt = time.Now().UTC()

	runIDs, metadata, err := encodeSessionFields(session)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = ?, run_ids = ?, input_tokens = ?, output_tokens = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, session.Title, runIDs,
		session.Usage.InputTokens, session.Usage.OutputTokens, metadata,
		formatTime(session.UpdatedAt), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, run_ids, input_tokens, output_tokens, metadata, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ? OFFSET ?
	`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	toolCalls, err := encodeJSON(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	toolResults, err := encodeJSON(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("encode tool results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, run_id, role, content, tool_calls, tool_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, sessionID, msg.RunID, string(msg.Role), msg.Content,
		toolCalls, toolResults, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, run_id, role, content, tool_calls, tool_results, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		// Most recent N, returned in chronological order.
		query = `
			SELECT id, session_id, run_id, role, content, tool_calls, tool_results, created_at
			FROM (
				SELECT seq, id, session_id, run_id, role, content, tool_calls, tool_results, created_at
				FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg         models.Message
			runID       sql.NullString
			role        string
			toolCalls   sql.NullString
			toolResults sql.NullString
			created     string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &runID, &role, &msg.Content, &toolCalls, &toolResults, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.RunID = runID.String
		msg.Role = models.Role(role)
		if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if toolResults.Valid && toolResults.String != "" {
			if err := json.Unmarshal([]byte(toolResults.String), &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results: %w", err)
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		title    sql.NullString
		runIDs   sql.NullString
		metadata sql.NullString
		created  string
		updated  string
	)
	err := row.Scan(&session.ID, &title, &runIDs,
		&session.Usage.InputTokens, &session.Usage.OutputTokens,
		&metadata, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Title = title.String
	if runIDs.Valid && runIDs.String != "" {
		if err := json.Unmarshal([]byte(runIDs.String), &session.RunIDs); err != nil {
			return nil, fmt.Errorf("decode run ids: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if session.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &session, nil
}

func encodeSessionFields(session *models.Session) (runIDs, metadata any, err error) {
	if runIDs, err = encodeJSON(session.RunIDs); err != nil {
		return nil, nil, fmt.Errorf("encode run ids: %w", err)
	}
	if metadata, err = encodeJSON(session.Metadata); err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return runIDs, metadata, nil
}

// encodeJSON marshals v, mapping empty collections to NULL.
func encodeJSON(v any) (any, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.ToolCall:
		if len(val) == 0 {
			return nil, nil
		}
	case []models.ToolResult:
		if len(val) == 0 {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
