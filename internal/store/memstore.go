package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maestrolabs/maestro/pkg/models"
)

// MemoryStoreImpl is an in-memory Store for tests and ephemeral runs.
// All returned values are copies; callers cannot mutate stored state.
type MemoryStoreImpl struct {
	mu         sync.RWMutex
	sessions   map[string]*models.Session
	messages   map[string][]*models.Message
	memories   map[string][]*Memory
	executions map[string]map[string]*ToolExecution
	execOrder  map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStoreImpl {
	return &MemoryStoreImpl{
		sessions:   make(map[string]*models.Session),
		messages:   make(map[string][]*models.Message),
		memories:   make(map[string][]*Memory),
		executions: make(map[string]map[string]*ToolExecution),
		execOrder:  make(map[string][]string),
	}
}

// CreateSession stores a new session. The id must be unused.
func (m *MemoryStoreImpl) CreateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession returns a copy of the session.
func (m *MemoryStoreImpl) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return session.Clone(), nil
}

// UpdateSession replaces an existing session.
func (m *MemoryStoreImpl) UpdateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return fmt.Errorf("update session %s: %w", session.ID, ErrNotFound)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// DeleteSession removes the session and all per-session records.
func (m *MemoryStoreImpl) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	delete(m.memories, id)
	delete(m.executions, id)
	delete(m.execOrder, id)
	return nil
}

// ListSessions returns copies of all sessions, sorted by id.
func (m *MemoryStoreImpl) ListSessions(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendMessage appends a message to its session's history.
func (m *MemoryStoreImpl) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.SessionID == "" || msg.ID == "" {
		return fmt.Errorf("append message: missing id or session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], copyMessage(msg))
	return nil
}

// GetMessage returns a copy of one message.
func (m *MemoryStoreImpl) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages[sessionID] {
		if msg.ID == messageID {
			return copyMessage(msg), nil
		}
	}
	return nil, fmt.Errorf("get message %s: %w", messageID, ErrNotFound)
}

// History returns a session's messages in append order.
func (m *MemoryStoreImpl) History(ctx context.Context, sessionID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.messages[sessionID]
	out := make([]*models.Message, len(history))
	for i, msg := range history {
		out[i] = copyMessage(msg)
	}
	return out, nil
}

func copyMessage(msg *models.Message) *models.Message {
	clone := *msg
	clone.Parts = append(models.Parts(nil), msg.Parts...)
	return &clone
}

// AddMemory appends a memory record.
func (m *MemoryStoreImpl) AddMemory(ctx context.Context, mem *Memory) error {
	if mem.SessionID == "" || mem.ID == "" {
		return fmt.Errorf("add memory: missing id or session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *mem
	m.memories[mem.SessionID] = append(m.memories[mem.SessionID], &clone)
	return nil
}

// ListMemories returns a session's memories in insertion order.
func (m *MemoryStoreImpl) ListMemories(ctx context.Context, sessionID string) ([]*Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.memories[sessionID]
	out := make([]*Memory, len(list))
	for i, mem := range list {
		clone := *mem
		out[i] = &clone
	}
	return out, nil
}

// LogExecution stores a new tool execution record.
func (m *MemoryStoreImpl) LogExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.SessionID == "" || exec.ID == "" {
		return fmt.Errorf("log execution: missing id or session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executions[exec.SessionID] == nil {
		m.executions[exec.SessionID] = make(map[string]*ToolExecution)
	}
	if _, ok := m.executions[exec.SessionID][exec.ID]; !ok {
		m.execOrder[exec.SessionID] = append(m.execOrder[exec.SessionID], exec.ID)
	}
	clone := *exec
	m.executions[exec.SessionID][exec.ID] = &clone
	return nil
}

// UpdateExecution replaces a logged record and stamps updated_at.
func (m *MemoryStoreImpl) UpdateExecution(ctx context.Context, exec *ToolExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.executions[exec.SessionID]
	if byID == nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, ErrNotFound)
	}
	if _, ok := byID[exec.ID]; !ok {
		return fmt.Errorf("update execution %s: %w", exec.ID, ErrNotFound)
	}
	now := models.EpochSeconds(time.Now())
	exec.UpdatedAt = &now
	clone := *exec
	byID[exec.ID] = &clone
	return nil
}

// ListExecutions returns a session's execution records in log order.
func (m *MemoryStoreImpl) ListExecutions(ctx context.Context, sessionID string) ([]*ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order := m.execOrder[sessionID]
	out := make([]*ToolExecution, 0, len(order))
	for _, id := range order {
		clone := *m.executions[sessionID][id]
		out = append(out, &clone)
	}
	return out, nil
}
