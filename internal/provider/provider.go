// Package provider defines the streaming contract the runtime consumes from
// LLM backends. Adapters translate provider-specific protocols into the
// typed event set {text-delta, tool-call, finish}; the runtime treats the
// stream as an opaque source and interprets only those three.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/maestrolabs/maestro/pkg/models"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventTextDelta carries a fragment of assistant text.
	EventTextDelta EventType = "text-delta"

	// EventToolCall carries a complete tool invocation request.
	EventToolCall EventType = "tool-call"

	// EventFinish terminates the stream with usage and a finish reason.
	EventFinish EventType = "finish"
)

// FinishToolCalls is the finish reason emitted when the model stopped to
// request tool execution.
const FinishToolCalls = "tool-calls"

// ToolCall is the model's request to execute a tool.
type ToolCall struct {
	// CallID is the provider-assigned call id. May be empty; the runtime
	// synthesizes a stable id in that case.
	CallID string `json:"call_id"`

	// Name is the tool id.
	Name string `json:"name"`

	// Input is the raw JSON argument object.
	Input json.RawMessage `json:"input"`
}

// Finish carries end-of-stream data.
type Finish struct {
	// Reason is the provider finish reason ("stop", "tool-calls", ...).
	Reason string `json:"reason"`

	// Usage is the token usage for the turn, if reported.
	Usage *models.TokenUsage `json:"usage,omitempty"`
}

// StreamEvent is one typed event from a provider stream. Exactly one of
// Text, ToolCall, Finish, or Err is meaningful, selected by Type (Err
// terminates the stream regardless of Type).
type StreamEvent struct {
	Type        EventType `json:"event_type"`
	TimestampMS int64     `json:"timestamp_ms"`

	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Finish   *Finish   `json:"finish,omitempty"`

	Err error `json:"-"`
}

// ModelInfo describes one advertised model.
type ModelInfo struct {
	// ID is the identifier callers configure.
	ID string `json:"id"`

	// APIID is the identifier sent to the provider API. Defaults to ID.
	APIID string `json:"api_id,omitempty"`

	// Name is the human-readable model name.
	Name string `json:"name,omitempty"`

	// ContextSize is the context window in tokens.
	ContextSize int `json:"context_size,omitempty"`

	// InputCostPerMTok and OutputCostPerMTok are dollar costs per million
	// tokens, used by the default cost computation.
	InputCostPerMTok  float64 `json:"input_cost_per_mtok,omitempty"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok,omitempty"`
}

// APIModel returns the identifier to send to the provider API.
func (m ModelInfo) APIModel() string {
	if m.APIID != "" {
		return m.APIID
	}
	return m.ID
}

// Message is one {role, content} entry in a provider payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionSpec is the OpenAI function-tool inner object.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolSchema is one OpenAI-shaped function tool entry.
type ToolSchema struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// Options are per-call generation settings. Agent-level temperature/top_p
// are merged in by the runtime before the call; caller options win.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	// Extra is forwarded verbatim to the adapter.
	Extra map[string]any `json:"extra,omitempty"`
}

// Request is one streaming completion request.
type Request struct {
	Model    ModelInfo
	System   string
	Messages []Message
	Tools    []ToolSchema
	Options  Options
}

// Provider is the streaming contract for one LLM backend. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Name returns the stable lowercase provider id.
	Name() string

	// Models returns the provider's advertised model list.
	Models() []ModelInfo

	// Stream starts one completion and returns the event channel. The
	// channel is closed when the stream ends; terminal failures arrive as
	// an event with Err set.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)

	// Cost computes the dollar cost of a turn.
	Cost(usage *models.TokenUsage, info ModelInfo) float64
}

// LookupModel resolves a configured model id against the provider's
// advertised list.
func LookupModel(p Provider, id string) (ModelInfo, error) {
	for _, m := range p.Models() {
		if m.ID == id || m.APIID == id {
			return m, nil
		}
	}
	return ModelInfo{}, fmt.Errorf("provider %s: unknown model %q", p.Name(), id)
}

// DefaultCost is the table-driven cost computation adapters share.
func DefaultCost(usage *models.TokenUsage, info ModelInfo) float64 {
	if usage == nil {
		return 0
	}
	const mtok = 1_000_000
	return float64(usage.Input)*info.InputCostPerMTok/mtok +
		float64(usage.Output)*info.OutputCostPerMTok/mtok
}

// Entry binds a registered provider to its credentials and default model.
type Entry struct {
	// Provider is the adapter.
	Provider Provider

	// APIKey is the credential adopted by the runtime at resolution time.
	APIKey string

	// Model overrides the caller's model id when set.
	Model string
}

// Registry maps provider ids to entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a provider entry.
func (r *Registry) Register(id string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = entry
}

// Get returns the entry for a provider id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}
