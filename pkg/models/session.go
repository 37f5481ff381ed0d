// Package models defines the core data model shared across the runtime:
// sessions, messages, message parts, agent descriptors, and task records.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is a persistent conversation scope. It owns its messages, which in
// turn own their parts. A session is created once and mutated only by
// appending messages and bumping the counter.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`

	// Slug is a short human-friendly handle for the session.
	Slug string `json:"slug,omitempty"`

	// ProjectID identifies the project this session belongs to.
	ProjectID string `json:"project_id"`

	// Directory is the working directory agent runs execute against.
	Directory string `json:"directory"`

	// Title is the display title for the session.
	Title string `json:"title"`

	// MessageCounter increases monotonically with every persisted message
	// and seeds message IDs of the form "<session_id>_<counter>".
	MessageCounter int `json:"message_counter"`

	// Version records the runtime version that created the session.
	Version string `json:"version,omitempty"`

	// Metadata contains additional session data.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt and UpdatedAt are epoch seconds.
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// Validate checks the invariants that must hold before any agent may run
// against the session. It returns an error naming the first empty field.
func (s *Session) Validate() error {
	switch {
	case strings.TrimSpace(s.ProjectID) == "":
		return fmt.Errorf("session %s: project_id is empty", s.ID)
	case strings.TrimSpace(s.Directory) == "":
		return fmt.Errorf("session %s: directory is empty", s.ID)
	case strings.TrimSpace(s.Title) == "":
		return fmt.Errorf("session %s: title is empty", s.ID)
	}
	return nil
}

// NextMessageID returns the ID the next persisted message will take.
func (s *Session) NextMessageID() string {
	return fmt.Sprintf("%s_%d", s.ID, s.MessageCounter)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// TokenUsage records token consumption for one provider turn.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	Reasoning  int `json:"reasoning,omitempty"`
	CacheRead  int `json:"cache_read,omitempty"`
	CacheWrite int `json:"cache_write,omitempty"`
}

// PathInfo records the directory layout an assistant message was produced in.
type PathInfo struct {
	Root string `json:"root"`
	CWD  string `json:"cwd"`
}

// MessageTime carries message timestamps in epoch milliseconds.
type MessageTime struct {
	CreatedMS int64 `json:"created_ms"`
	UpdatedMS int64 `json:"updated_ms,omitempty"`
}

// MessageMetadata carries provenance and accounting for a message.
type MessageMetadata struct {
	// ParentID links an assistant message to the user message it answers.
	ParentID string `json:"parent_id,omitempty"`

	// ModelID is the model that produced an assistant message.
	ModelID string `json:"model_id,omitempty"`

	// ProviderID is the provider that produced an assistant message.
	ProviderID string `json:"provider_id,omitempty"`

	// Agent is the agent descriptor name the message was produced under.
	Agent string `json:"agent,omitempty"`

	// Path records the root/cwd the turn executed against.
	Path *PathInfo `json:"path,omitempty"`

	// Cost is the provider-computed cost for the turn, in dollars.
	Cost float64 `json:"cost,omitempty"`

	// Tokens is the token usage reported by the provider.
	Tokens *TokenUsage `json:"tokens,omitempty"`

	// Error carries a turn-level failure message.
	Error string `json:"error,omitempty"`
}

// Message is one conversation entry. A message belongs to exactly one
// session; its parts reference it by ID.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      Role            `json:"role"`
	Text      string          `json:"text"`
	Parts     Parts           `json:"parts,omitempty"`
	Metadata  MessageMetadata `json:"metadata,omitzero"`
	Time      MessageTime     `json:"time"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.Parts) > 0 {
		clone.Parts = append(Parts{}, m.Parts...)
	}
	return &clone
}

// NowMS returns the current time in epoch milliseconds.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// EpochSeconds converts a time to float epoch seconds, the storage format
// for timestamp fields whose name does not end in _ms.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
