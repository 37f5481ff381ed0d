// Package sqlite implements the store contracts on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maestrolabs/maestro/internal/store"
	"github.com/maestrolabs/maestro/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	directory TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	message_counter INTEGER NOT NULL DEFAULT 0,
	version TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	parts TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_ms INTEGER NOT NULL,
	updated_ms INTEGER NOT NULL,
	seq INTEGER PRIMARY KEY AUTOINCREMENT
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	embedding TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created REAL NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS tool_executions (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	tool_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '{}',
	start_time REAL NOT NULL DEFAULT 0,
	end_time REAL NOT NULL DEFAULT 0,
	logged_at REAL NOT NULL DEFAULT 0,
	updated_at REAL,
	PRIMARY KEY (session_id, id)
);
`

// Store implements the full persistence surface on SQLite. It also carries
// the unit-of-work state; a Store instance owns at most one transaction at
// a time.
type Store struct {
	db *sql.DB

	txMu sync.Mutex
	tx   *sql.Tx
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent use.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. The caller owns the schema.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn() execer {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Begin starts a unit of work. A second Begin before Commit or Rollback
// fails with ErrTransactionActive.
func (s *Store) Begin(ctx context.Context) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx != nil {
		return store.ErrTransactionActive
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the active unit of work.
func (s *Store) Commit(ctx context.Context) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx == nil {
		return errors.New("commit: no active transaction")
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

// Rollback aborts the active unit of work. Outside a transaction it is a
// no-op.
func (s *Store) Rollback(ctx context.Context) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	metadata, err := json.Marshal(orEmptyMap(session.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.conn().ExecContext(ctx, `
		INSERT INTO sessions (id, slug, project_id, directory, title, message_counter, version, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Slug, session.ProjectID, session.Directory, session.Title,
		session.MessageCounter, session.Version, string(metadata), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.conn().QueryRowContext(ctx, `
		SELECT id, slug, project_id, directory, title, message_counter, version, metadata, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	var metadata string
	err := row.Scan(&session.ID, &session.Slug, &session.ProjectID, &session.Directory,
		&session.Title, &session.MessageCounter, &session.Version, &metadata,
		&session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &session, nil
}

// UpdateSession rewrites an existing session row.
func (s *Store) UpdateSession(ctx context.Context, session *models.Session) error {
	metadata, err := json.Marshal(orEmptyMap(session.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := s.conn().ExecContext(ctx, `
		UPDATE sessions SET slug = ?, project_id = ?, directory = ?, title = ?,
			message_counter = ?, version = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		session.Slug, session.ProjectID, session.Directory, session.Title,
		session.MessageCounter, session.Version, string(metadata), session.UpdatedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(result, session.ID)
}

// DeleteSession removes the session and its dependent rows.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	conn := s.conn()
	result, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := requireRow(result, id); err != nil {
		return err
	}
	for _, table := range []string{"messages", "memories", "tool_executions"} {
		if _, err := conn.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session %s rows: %w", table, err)
		}
	}
	return nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListSessions returns all sessions ordered by id.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT id, slug, project_id, directory, title, message_counter, version, metadata, created_at, updated_at
		FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var session models.Session
		var metadata string
		if err := rows.Scan(&session.ID, &session.Slug, &session.ProjectID, &session.Directory,
			&session.Title, &session.MessageCounter, &session.Version, &metadata,
			&session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

// AppendMessage inserts one message row with parts serialized inline.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" || msg.SessionID == "" {
		return errors.New("message id and session id are required")
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.conn().ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, text, parts, metadata, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Text, string(parts), string(metadata),
		msg.Time.CreatedMS, msg.Time.UpdatedMS,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetMessage loads one message.
func (s *Store) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	row := s.conn().QueryRowContext(ctx, `
		SELECT id, session_id, role, text, parts, metadata, created_ms, updated_ms
		FROM messages WHERE session_id = ? AND id = ?`, sessionID, messageID)

	msg, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return msg, err
}

func scanMessage(scan func(...any) error) (*models.Message, error) {
	var msg models.Message
	var role, parts, metadata string
	if err := scan(&msg.ID, &msg.SessionID, &role, &msg.Text, &parts, &metadata,
		&msg.Time.CreatedMS, &msg.Time.UpdatedMS); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &msg, nil
}

// History returns a session's messages in append order.
func (s *Store) History(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT id, session_id, role, text, parts, metadata, created_ms, updated_ms
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// AddMemory inserts one memory row.
func (s *Store) AddMemory(ctx context.Context, mem *store.Memory) error {
	if mem.ID == "" || mem.SessionID == "" {
		return errors.New("memory id and session id are required")
	}
	var embedding any
	if mem.Embedding != nil {
		data, err := json.Marshal(mem.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		embedding = string(data)
	}
	metadata, err := json.Marshal(orEmptyMap(mem.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.conn().ExecContext(ctx, `
		INSERT INTO memories (id, session_id, content, embedding, metadata, created)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.SessionID, mem.Content, embedding, string(metadata), mem.Created,
	)
	if err != nil {
		return fmt.Errorf("add memory: %w", err)
	}
	return nil
}

// ListMemories returns a session's memories ordered by creation time.
func (s *Store) ListMemories(ctx context.Context, sessionID string) ([]*store.Memory, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT id, session_id, content, embedding, metadata, created
		FROM memories WHERE session_id = ? ORDER BY created`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*store.Memory
	for rows.Next() {
		var mem store.Memory
		var embedding sql.NullString
		var metadata string
		if err := rows.Scan(&mem.ID, &mem.SessionID, &mem.Content, &embedding, &metadata, &mem.Created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if embedding.Valid {
			if err := json.Unmarshal([]byte(embedding.String), &mem.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(metadata), &mem.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		out = append(out, &mem)
	}
	return out, rows.Err()
}

// LogExecution inserts one tool execution row.
func (s *Store) LogExecution(ctx context.Context, exec *store.ToolExecution) error {
	if exec.ID == "" || exec.SessionID == "" {
		return errors.New("execution id and session id are required")
	}
	state, err := json.Marshal(exec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.conn().ExecContext(ctx, `
		INSERT INTO tool_executions (id, session_id, message_id, tool_id, state, start_time, end_time, logged_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SessionID, exec.MessageID, exec.ToolID, string(state),
		exec.StartTime, exec.EndTime, exec.LoggedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("log execution: %w", err)
	}
	return nil
}

// UpdateExecution rewrites a logged record and stamps updated_at.
func (s *Store) UpdateExecution(ctx context.Context, exec *store.ToolExecution) error {
	state, err := json.Marshal(exec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	now := models.EpochSeconds(time.Now())
	result, err := s.conn().ExecContext(ctx, `
		UPDATE tool_executions SET message_id = ?, tool_id = ?, state = ?, start_time = ?, end_time = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`,
		exec.MessageID, exec.ToolID, string(state), exec.StartTime, exec.EndTime, now,
		exec.SessionID, exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("execution %s: %w", exec.ID, store.ErrNotFound)
	}
	exec.UpdatedAt = &now
	return nil
}

// ListExecutions returns a session's execution records ordered by logged_at.
func (s *Store) ListExecutions(ctx context.Context, sessionID string) ([]*store.ToolExecution, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT id, session_id, message_id, tool_id, state, start_time, end_time, logged_at, updated_at
		FROM tool_executions WHERE session_id = ? ORDER BY logged_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*store.ToolExecution
	for rows.Next() {
		var exec store.ToolExecution
		var state string
		var updatedAt sql.NullFloat64
		if err := rows.Scan(&exec.ID, &exec.SessionID, &exec.MessageID, &exec.ToolID, &state,
			&exec.StartTime, &exec.EndTime, &exec.LoggedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if err := json.Unmarshal([]byte(state), &exec.State); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
		if updatedAt.Valid {
			exec.UpdatedAt = &updatedAt.Float64
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
