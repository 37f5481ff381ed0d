// Package tools defines the tool contract the runtime invokes and the
// registry that holds tool descriptors. Concrete tool implementations
// (shell, file I/O, web) live outside the core; the runtime only sees this
// interface.
package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/maestrolabs/maestro/pkg/models"
)

// Signal is a one-way cooperative cancellation flag propagated to a running
// tool. Setting it requests termination; tools observe it at their natural
// suspension points and return promptly with an error state.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. Safe to call more than once and from any goroutine.
func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Aborted reports whether the signal has fired.
func (s *Signal) Aborted() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// CallContext carries per-call identity and the abort signal into Execute.
type CallContext struct {
	// SessionID is the session the call executes in.
	SessionID string

	// MessageID is the assistant message the call belongs to.
	MessageID string

	// CallID is the provider-assigned tool call id.
	CallID string

	// Agent names the agent descriptor driving the call.
	Agent string

	// Model is the model id that requested the call.
	Model string

	// Abort requests cooperative termination when set.
	Abort *Signal

	// Messages is a scratch buffer of conversation history a tool may
	// consult. May be empty.
	Messages []*models.Message
}

// Result is the output of one tool execution. Failures are also conveyed
// as Results with an error recorded in Metadata, so the enclosing turn can
// continue.
type Result struct {
	// Title is a short human-readable label for the execution.
	Title string `json:"title"`

	// Output is the tool's output text.
	Output string `json:"output"`

	// Metadata carries structured extras; an "error" key marks failure.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is an externally implemented capability with a JSON-schema input.
type Tool interface {
	// Name returns the tool id used for function calling.
	Name() string

	// Description explains what the tool does, for the model's benefit.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Implementations performing long-running work
	// must observe call.Abort and ctx cancellation.
	Execute(ctx context.Context, input json.RawMessage, call *CallContext) (*Result, error)
}

// Registry maps tool ids to descriptors while preserving registration
// order, which is the order tool schemas are presented to providers.
type Registry struct {
	mu    sync.RWMutex
	names []string
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the tool but keeps
// its original position.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, ok := r.tools[name]; !ok {
		r.names = append(r.names, name)
	}
	r.tools[name] = tool
}

// Get returns a tool by id.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns tool ids in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.names...)
}

// List returns tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
