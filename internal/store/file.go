package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maestrolabs/maestro/pkg/models"
)

const (
	sessionDir       = "session"
	messageDir       = "message"
	memoryDir        = "memory"
	toolExecutionDir = "tool_execution"
)

// FileStore persists records as one JSON file per entity under a root
// directory:
//
//	session/<session_id>.json
//	message/<session_id>/<message_id>.json
//	memory/<session_id>/<memory_id>.json
//	tool_execution/<session_id>/<execution_id>.json
type FileStore struct {
	root string
}

// NewFileStore creates the root layout and returns the store.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{sessionDir, messageDir, memoryDir, toolExecutionDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create store layout: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) sessionPath(id string) string {
	return filepath.Join(f.root, sessionDir, id+".json")
}

func (f *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// CreateSession persists a new session. The id must be unused.
func (f *FileStore) CreateSession(ctx context.Context, session *models.Session) error {
	path := f.sessionPath(session.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	return f.writeJSON(path, session)
}

// GetSession loads a session by id.
func (f *FileStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := f.readJSON(f.sessionPath(id), &session); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &session, nil
}

// UpdateSession overwrites an existing session.
func (f *FileStore) UpdateSession(ctx context.Context, session *models.Session) error {
	path := f.sessionPath(session.ID)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, ErrNotFound)
	}
	return f.writeJSON(path, session)
}

// DeleteSession removes the session and its per-session subtrees.
func (f *FileStore) DeleteSession(ctx context.Context, id string) error {
	if err := os.Remove(f.sessionPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
		}
		return err
	}
	for _, dir := range []string{messageDir, memoryDir, toolExecutionDir} {
		os.RemoveAll(filepath.Join(f.root, dir, id))
	}
	return nil
}

// ListSessions returns all sessions sorted by id.
func (f *FileStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, sessionDir))
	if err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		session, err := f.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendMessage persists one message with parts inlined.
func (f *FileStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.SessionID == "" || msg.ID == "" {
		return fmt.Errorf("append message: missing id or session id")
	}
	path := filepath.Join(f.root, messageDir, msg.SessionID, msg.ID+".json")
	return f.writeJSON(path, msg)
}

// GetMessage loads one message.
func (f *FileStore) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	var msg models.Message
	path := filepath.Join(f.root, messageDir, sessionID, messageID+".json")
	if err := f.readJSON(path, &msg); err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return &msg, nil
}

// History returns a session's messages ordered by message counter.
func (f *FileStore) History(ctx context.Context, sessionID string) ([]*models.Message, error) {
	dir := filepath.Join(f.root, messageDir, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*models.Message, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		msg, err := f.GetMessage(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	sortMessages(out)
	return out, nil
}

// sortMessages orders messages by the numeric counter suffix of their ids,
// falling back to lexicographic order for foreign ids.
func sortMessages(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ci, oki := messageCounter(msgs[i].ID)
		cj, okj := messageCounter(msgs[j].ID)
		if oki && okj {
			return ci < cj
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func messageCounter(id string) (int, bool) {
	idx := strings.LastIndex(id, "_")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// AddMemory persists one memory record.
func (f *FileStore) AddMemory(ctx context.Context, mem *Memory) error {
	if mem.SessionID == "" || mem.ID == "" {
		return fmt.Errorf("add memory: missing id or session id")
	}
	path := filepath.Join(f.root, memoryDir, mem.SessionID, mem.ID+".json")
	return f.writeJSON(path, mem)
}

// ListMemories returns a session's memories ordered by creation time.
func (f *FileStore) ListMemories(ctx context.Context, sessionID string) ([]*Memory, error) {
	dir := filepath.Join(f.root, memoryDir, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*Memory, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var mem Memory
		if err := f.readJSON(filepath.Join(dir, entry.Name()), &mem); err != nil {
			return nil, err
		}
		out = append(out, &mem)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out, nil
}

// LogExecution persists a new tool execution record.
func (f *FileStore) LogExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.SessionID == "" || exec.ID == "" {
		return fmt.Errorf("log execution: missing id or session id")
	}
	path := filepath.Join(f.root, toolExecutionDir, exec.SessionID, exec.ID+".json")
	return f.writeJSON(path, exec)
}

// UpdateExecution replaces a logged record and stamps updated_at.
func (f *FileStore) UpdateExecution(ctx context.Context, exec *ToolExecution) error {
	path := filepath.Join(f.root, toolExecutionDir, exec.SessionID, exec.ID+".json")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, ErrNotFound)
	}
	now := models.EpochSeconds(time.Now())
	exec.UpdatedAt = &now
	return f.writeJSON(path, exec)
}

// ListExecutions returns a session's tool execution records ordered by
// logged_at.
func (f *FileStore) ListExecutions(ctx context.Context, sessionID string) ([]*ToolExecution, error) {
	dir := filepath.Join(f.root, toolExecutionDir, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*ToolExecution, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var exec ToolExecution
		if err := f.readJSON(filepath.Join(dir, entry.Name()), &exec); err != nil {
			return nil, err
		}
		out = append(out, &exec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoggedAt < out[j].LoggedAt })
	return out, nil
}
