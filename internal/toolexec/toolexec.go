// Package toolexec runs single model-requested tool calls: state
// transitions, cancellation, input validation, event emission, and optional
// persistence of execution records.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/maestrolabs/maestro/internal/bus"
	"github.com/maestrolabs/maestro/internal/store"
	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/pkg/models"
)

// cancelledTitle and cancelledError are the user-visible artifacts of a
// cancelled tool call.
const (
	cancelledTitle = "Cancelled"
	cancelledError = "Cancelled by user"
)

// Request identifies one tool call to execute.
type Request struct {
	ToolName  string
	Input     json.RawMessage
	CallID    string
	SessionID string
	MessageID string
	Agent     string
	Model     string

	// PartID is the id of the ToolPart the caller attaches this execution's
	// state to. Carried on TOOL_* events so subscribers can correlate.
	PartID string

	// Messages is an optional scratch buffer of prior conversation the
	// tool may inspect.
	Messages []*models.Message
}

// Outcome is the result of one managed execution: the tool's result plus
// the final state for the enclosing ToolPart.
type Outcome struct {
	Result *tools.Result
	State  models.ToolState
}

// Manager executes tool calls against a registry. It never propagates tool
// failures; every call yields an Outcome.
type Manager struct {
	registry *tools.Registry
	bus      *bus.Bus
	tracker  store.ToolExecutionStore
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*tools.Signal

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// Options configures a Manager.
type Options struct {
	// Tracker persists execution records when set.
	Tracker store.ToolExecutionStore
	Logger  *slog.Logger
}

// NewManager creates a manager over a tool registry.
func NewManager(registry *tools.Registry, eventBus *bus.Bus, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		bus:      eventBus,
		tracker:  opts.Tracker,
		logger:   logger,
		active:   make(map[string]*tools.Signal),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Execute runs one tool call to completion. Unknown tools yield a
// synthesized error result without entering the state machine; all other
// failures, including panics and cancellation, are folded into the Outcome.
func (m *Manager) Execute(ctx context.Context, req *Request) *Outcome {
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}

	tool, ok := m.registry.Get(req.ToolName)
	if !ok {
		m.logger.Warn("unknown tool requested", "tool", req.ToolName, "session_id", req.SessionID)
		errText := "unknown_tool:" + req.ToolName
		return &Outcome{
			Result: &tools.Result{
				Title:    "Unknown tool",
				Output:   fmt.Sprintf("Tool %q is not available", req.ToolName),
				Metadata: map[string]any{"error": errText},
			},
			State: models.ToolState{
				Status:   models.ToolCompleted,
				Input:    req.Input,
				Title:    "Unknown tool",
				Metadata: map[string]any{"error": errText},
			},
		}
	}

	signal := tools.NewSignal()
	call := &tools.CallContext{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		CallID:    req.CallID,
		Agent:     req.Agent,
		Model:     req.Model,
		Abort:     signal,
		Messages:  req.Messages,
	}

	state := models.ToolState{
		Status: models.ToolPending,
		Input:  req.Input,
	}
	m.publish(bus.ToolStarted, req, bus.Payload{"input": req.Input})
	record := m.logInitial(ctx, req, state)

	m.mu.Lock()
	m.active[req.CallID] = signal
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, req.CallID)
		m.mu.Unlock()
	}()

	state.Status = models.ToolRunning
	state.TimeStart = models.EpochSeconds(time.Now())

	result, err := m.run(ctx, tool, req, call)

	state.TimeEnd = models.EpochSeconds(time.Now())
	switch {
	case isCancelled(err, signal, ctx):
		state.Status = models.ToolError
		state.Error = cancelledError
		result = &tools.Result{
			Title:    cancelledTitle,
			Metadata: map[string]any{"error": "cancelled"},
		}
		state.Title = result.Title
		state.Metadata = result.Metadata
		m.finish(ctx, bus.ToolError, req, record, state)

	case err != nil:
		state.Status = models.ToolError
		state.Error = err.Error()
		result = &tools.Result{
			Title:    "Error",
			Output:   err.Error(),
			Metadata: map[string]any{"error": err.Error()},
		}
		state.Title = result.Title
		state.Metadata = result.Metadata
		m.finish(ctx, bus.ToolError, req, record, state)

	default:
		state.Status = models.ToolCompleted
		state.Output = result.Output
		state.Title = result.Title
		state.Metadata = result.Metadata
		m.finish(ctx, bus.ToolCompleted, req, record, state)
	}

	return &Outcome{Result: result, State: state}
}

// run validates the input and invokes the tool, converting panics into
// errors.
func (m *Manager) run(ctx context.Context, tool tools.Tool, req *Request, call *tools.CallContext) (result *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tool panicked", "tool", req.ToolName, "panic", r)
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", req.ToolName, r)
		}
	}()

	if err := m.validateInput(tool, req.Input); err != nil {
		return nil, err
	}
	result, err = tool.Execute(ctx, req.Input, call)
	if err == nil && result == nil {
		result = &tools.Result{Title: tool.Name()}
	}
	return result, err
}

// validateInput checks the call input against the tool's JSON schema.
func (m *Manager) validateInput(tool tools.Tool, input json.RawMessage) error {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}
	schema, err := m.compiled(tool.Name(), raw)
	if err != nil {
		// A broken schema is the tool author's bug, not the caller's.
		m.logger.Warn("tool schema does not compile", "tool", tool.Name(), "error", err)
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool input rejected by schema: %w", err)
	}
	return nil
}

func (m *Manager) compiled(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(raw)
	m.schemaMu.Lock()
	defer m.schemaMu.Unlock()
	if schema, ok := m.schemas[key]; ok {
		return schema, nil
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	m.schemas[key] = schema
	return schema, nil
}

func isCancelled(err error, signal *tools.Signal, ctx context.Context) bool {
	if signal.Aborted() {
		return true
	}
	if err != nil && ctx.Err() != nil {
		return true
	}
	return false
}

func (m *Manager) publish(event string, req *Request, extra bus.Payload) {
	if m.bus == nil {
		return
	}
	payload := bus.Payload{
		"session_id": req.SessionID,
		"message_id": req.MessageID,
		"call_id":    req.CallID,
		"tool":       req.ToolName,
	}
	if req.PartID != "" {
		payload["part_id"] = req.PartID
	}
	for key, value := range extra {
		payload[key] = value
	}
	m.bus.Publish(event, payload)
}

// logInitial persists the initial execution record when a tracker is
// attached.
func (m *Manager) logInitial(ctx context.Context, req *Request, state models.ToolState) *store.ToolExecution {
	if m.tracker == nil {
		return nil
	}
	record := &store.ToolExecution{
		ID:        req.CallID,
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		ToolID:    req.ToolName,
		State:     state,
		LoggedAt:  models.EpochSeconds(time.Now()),
	}
	if err := m.tracker.LogExecution(ctx, record); err != nil {
		m.logger.Warn("log tool execution failed", "tool", req.ToolName, "error", err)
		return nil
	}
	return record
}

// finish publishes the terminal event and persists the final state. The
// terminal payload carries the output, or the error when the call failed.
func (m *Manager) finish(ctx context.Context, event string, req *Request, record *store.ToolExecution, state models.ToolState) {
	extra := bus.Payload{}
	if state.Error != "" {
		extra["error"] = state.Error
	} else {
		extra["output"] = state.Output
	}
	m.publish(event, req, extra)
	if record == nil {
		return
	}
	record.State = state
	record.StartTime = state.TimeStart
	record.EndTime = state.TimeEnd
	if err := m.tracker.UpdateExecution(ctx, record); err != nil {
		m.logger.Warn("update tool execution failed", "tool", req.ToolName, "error", err)
	}
}

// Cleanup fires the abort signal of every active call. Used when the
// owning session is torn down.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	signals := make([]*tools.Signal, 0, len(m.active))
	for _, signal := range m.active {
		signals = append(signals, signal)
	}
	m.mu.Unlock()
	for _, signal := range signals {
		signal.Set()
	}
}

// ActiveCalls returns the number of in-flight executions.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CheckDoomLoop reports whether the input equals any of the last three
// recorded inputs for a tool. Inputs are compared as canonical JSON.
func CheckDoomLoop(input json.RawMessage, lastThree []json.RawMessage) bool {
	if len(lastThree) > 3 {
		lastThree = lastThree[len(lastThree)-3:]
	}
	current, ok := canonicalJSON(input)
	if !ok {
		return false
	}
	for _, prev := range lastThree {
		if candidate, ok := canonicalJSON(prev); ok && bytes.Equal(current, candidate) {
			return true
		}
	}
	return false
}

func canonicalJSON(raw json.RawMessage) ([]byte, bool) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, false
	}
	return out, true
}
