// Package store defines the persistence contracts the runtime consumes and
// the file-backed and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/maestrolabs/maestro/pkg/models"
)

// ErrNotFound is returned when a session, message, or record is unknown.
var ErrNotFound = errors.New("not found")

// ErrTransactionActive is returned when Begin is called while a transaction
// is already in progress.
var ErrTransactionActive = errors.New("transaction already in progress")

// Memory is one long-term memory record attached to a session.
type Memory struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Content   string         `json:"content"`
	Embedding []float64      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Created   float64        `json:"created"`
}

// ToolExecution is the persisted record of one tool call.
type ToolExecution struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	MessageID string           `json:"message_id"`
	ToolID    string           `json:"tool_id"`
	State     models.ToolState `json:"state"`
	StartTime float64          `json:"start_time"`
	EndTime   float64          `json:"end_time"`
	LoggedAt  float64          `json:"logged_at"`
	UpdatedAt *float64         `json:"updated_at,omitempty"`
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*models.Session, error)
}

// MessageStore persists messages with their parts inlined.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error)
	// History returns a session's messages in append order.
	History(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// MemoryStore persists long-term memories.
type MemoryStore interface {
	AddMemory(ctx context.Context, mem *Memory) error
	ListMemories(ctx context.Context, sessionID string) ([]*Memory, error)
}

// ToolExecutionStore persists tool execution records.
type ToolExecutionStore interface {
	LogExecution(ctx context.Context, exec *ToolExecution) error
	// UpdateExecution replaces the record and stamps updated_at. The record
	// must have been logged first.
	UpdateExecution(ctx context.Context, exec *ToolExecution) error
	ListExecutions(ctx context.Context, sessionID string) ([]*ToolExecution, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	MessageStore
	MemoryStore
	ToolExecutionStore
}

// UnitOfWork scopes a group of writes. Rollback outside a transaction is a
// no-op; Begin while a transaction is active returns ErrTransactionActive.
type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Archive is a portable snapshot of one session and its messages.
type Archive struct {
	Session  *models.Session   `json:"session"`
	Messages []*models.Message `json:"messages"`
}

// Export snapshots a session and its full message history.
func Export(ctx context.Context, s Store, sessionID string) (*Archive, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("export session %s: %w", sessionID, err)
	}
	history, err := s.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("export history %s: %w", sessionID, err)
	}
	return &Archive{Session: session, Messages: history}, nil
}

// Import recreates an archived session and its messages in the store. The
// archive's ids are kept as-is; importing over an existing session id fails.
func Import(ctx context.Context, s Store, archive *Archive) error {
	if archive == nil || archive.Session == nil {
		return errors.New("import: empty archive")
	}
	if _, err := s.GetSession(ctx, archive.Session.ID); err == nil {
		return fmt.Errorf("import: session %s already exists", archive.Session.ID)
	}
	if err := s.CreateSession(ctx, archive.Session); err != nil {
		return fmt.Errorf("import session: %w", err)
	}
	for _, msg := range archive.Messages {
		if err := s.AppendMessage(ctx, msg); err != nil {
			return fmt.Errorf("import message %s: %w", msg.ID, err)
		}
	}
	return nil
}
