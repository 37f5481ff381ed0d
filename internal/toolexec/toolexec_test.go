package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maestrolabs/maestro/internal/bus"
	"github.com/maestrolabs/maestro/internal/store"
	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/pkg/models"
)

// scriptedTool executes a configurable function under a fixed name/schema.
type scriptedTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error)
}

func (s *scriptedTool) Name() string        { return s.name }
func (s *scriptedTool) Description() string { return "scripted" }
func (s *scriptedTool) Schema() json.RawMessage {
	if s.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(s.schema)
}
func (s *scriptedTool) Execute(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
	return s.fn(ctx, input, call)
}

func managerWith(t *testing.T, tool tools.Tool) (*Manager, *bus.Bus) {
	t.Helper()
	reg := tools.NewRegistry()
	if tool != nil {
		reg.Register(tool)
	}
	b := bus.New(nil)
	return NewManager(reg, b, Options{}), b
}

func collectEvents(b *bus.Bus, names ...string) *[]string {
	var mu sync.Mutex
	seen := &[]string{}
	for _, name := range names {
		b.Subscribe(name, func(event string, _ bus.Payload) {
			mu.Lock()
			*seen = append(*seen, event)
			mu.Unlock()
		})
	}
	return seen
}

func TestExecute_UnknownTool(t *testing.T) {
	m, _ := managerWith(t, nil)

	outcome := m.Execute(context.Background(), &Request{
		ToolName: "missing", SessionID: "s1", CallID: "c1",
	})

	if outcome.Result.Metadata["error"] != "unknown_tool:missing" {
		t.Errorf("metadata error = %v, want unknown_tool:missing", outcome.Result.Metadata["error"])
	}
	if outcome.State.Status != models.ToolCompleted {
		t.Errorf("unknown tool state = %s, want completed", outcome.State.Status)
	}
	if m.ActiveCalls() != 0 {
		t.Error("unknown tool must not enter the active-calls map")
	}
}

func TestExecute_Success(t *testing.T) {
	tool := &scriptedTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		return &tools.Result{Title: "Echoed", Output: "hello", Metadata: map[string]any{"cost": 0.1}}, nil
	}}
	m, b := managerWith(t, tool)
	seen := collectEvents(b, bus.ToolStarted, bus.ToolCompleted, bus.ToolError)

	outcome := m.Execute(context.Background(), &Request{
		ToolName: "echo", Input: json.RawMessage(`{"x":1}`), SessionID: "s1", CallID: "c1",
	})

	if outcome.State.Status != models.ToolCompleted || outcome.State.Output != "hello" {
		t.Errorf("state = %+v", outcome.State)
	}
	if outcome.State.TimeEnd < outcome.State.TimeStart {
		t.Error("time_end precedes time_start")
	}
	if len(*seen) != 2 || (*seen)[0] != bus.ToolStarted || (*seen)[1] != bus.ToolCompleted {
		t.Errorf("events = %v, want [TOOL_STARTED TOOL_COMPLETED]", *seen)
	}
	if m.ActiveCalls() != 0 {
		t.Error("call left in active map")
	}
}

func TestExecute_EventPayloads(t *testing.T) {
	tool := &scriptedTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		return &tools.Result{Title: "Echoed", Output: "hello"}, nil
	}}
	m, b := managerWith(t, tool)

	var mu sync.Mutex
	payloads := map[string]bus.Payload{}
	for _, name := range []string{bus.ToolStarted, bus.ToolCompleted} {
		b.Subscribe(name, func(event string, payload bus.Payload) {
			mu.Lock()
			payloads[event] = payload
			mu.Unlock()
		})
	}

	m.Execute(context.Background(), &Request{
		ToolName: "echo", Input: json.RawMessage(`{"x":1}`),
		SessionID: "s1", MessageID: "s1_1", CallID: "c1", PartID: "p1",
	})

	started := payloads[bus.ToolStarted]
	if started["part_id"] != "p1" {
		t.Errorf("started payload = %v", started)
	}
	if input, ok := started["input"].(json.RawMessage); !ok || string(input) != `{"x":1}` {
		t.Errorf("started payload must carry the input: %v", started["input"])
	}
	completed := payloads[bus.ToolCompleted]
	if completed["output"] != "hello" || completed["part_id"] != "p1" {
		t.Errorf("completed payload = %v", completed)
	}

	boom := &scriptedTool{name: "boom", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		return nil, errors.New("disk on fire")
	}}
	m2, b2 := managerWith(t, boom)
	var errPayload bus.Payload
	b2.Subscribe(bus.ToolError, func(_ string, payload bus.Payload) {
		mu.Lock()
		errPayload = payload
		mu.Unlock()
	})
	m2.Execute(context.Background(), &Request{ToolName: "boom", CallID: "c2"})
	if errPayload["error"] != "disk on fire" {
		t.Errorf("error payload = %v", errPayload)
	}
}

func TestExecute_ToolErrorIsolated(t *testing.T) {
	tool := &scriptedTool{name: "boom", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		return nil, errors.New("disk on fire")
	}}
	m, b := managerWith(t, tool)
	seen := collectEvents(b, bus.ToolError)

	outcome := m.Execute(context.Background(), &Request{ToolName: "boom", CallID: "c1"})

	if outcome.State.Status != models.ToolError || outcome.State.Error != "disk on fire" {
		t.Errorf("state = %+v", outcome.State)
	}
	if outcome.Result.Metadata["error"] != "disk on fire" {
		t.Errorf("result metadata = %v", outcome.Result.Metadata)
	}
	if len(*seen) != 1 {
		t.Errorf("expected one TOOL_ERROR event, got %v", *seen)
	}
}

func TestExecute_PanicIsolated(t *testing.T) {
	tool := &scriptedTool{name: "panicky", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		panic("oops")
	}}
	m, _ := managerWith(t, tool)

	outcome := m.Execute(context.Background(), &Request{ToolName: "panicky", CallID: "c1"})
	if outcome.State.Status != models.ToolError {
		t.Errorf("panic should yield error state, got %s", outcome.State.Status)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	started := make(chan struct{})
	tool := &scriptedTool{name: "slow", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		close(started)
		select {
		case <-call.Abort.Done():
			return nil, errors.New("aborted")
		case <-time.After(5 * time.Second):
			return &tools.Result{Title: "done"}, nil
		}
	}}
	m, _ := managerWith(t, tool)

	done := make(chan *Outcome, 1)
	go func() {
		done <- m.Execute(context.Background(), &Request{ToolName: "slow", CallID: "c1"})
	}()

	<-started
	m.Cleanup()
	outcome := <-done

	if outcome.State.Status != models.ToolError || outcome.State.Error != "Cancelled by user" {
		t.Errorf("cancelled state = %+v", outcome.State)
	}
	if outcome.Result.Title != "Cancelled" || outcome.Result.Metadata["error"] != "cancelled" {
		t.Errorf("cancelled result = %+v", outcome.Result)
	}
}

func TestExecute_InvalidInput(t *testing.T) {
	tool := &scriptedTool{
		name:   "typed",
		schema: `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`,
		fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
			t.Error("execute must not run on invalid input")
			return nil, nil
		},
	}
	m, _ := managerWith(t, tool)

	outcome := m.Execute(context.Background(), &Request{
		ToolName: "typed", Input: json.RawMessage(`{"n":"not a number"}`), CallID: "c1",
	})
	if outcome.State.Status != models.ToolError {
		t.Errorf("invalid input should fail the call, got %s", outcome.State.Status)
	}
}

func TestExecute_TrackerPersistence(t *testing.T) {
	tool := &scriptedTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		return &tools.Result{Title: "ok", Output: "out"}, nil
	}}
	reg := tools.NewRegistry()
	reg.Register(tool)
	tracker := store.NewMemoryStore()
	m := NewManager(reg, bus.New(nil), Options{Tracker: tracker})

	m.Execute(context.Background(), &Request{
		ToolName: "echo", SessionID: "s1", MessageID: "s1_0", CallID: "c1",
	})

	records, err := tracker.ListExecutions(context.Background(), "s1")
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record: %v, %d", err, len(records))
	}
	if records[0].State.Status != models.ToolCompleted || records[0].UpdatedAt == nil {
		t.Errorf("final record should carry terminal state: %+v", records[0])
	}
}

func TestExecute_SynthesizesCallID(t *testing.T) {
	var got string
	tool := &scriptedTool{name: "echo", fn: func(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
		got = call.CallID
		return &tools.Result{}, nil
	}}
	m, _ := managerWith(t, tool)
	m.Execute(context.Background(), &Request{ToolName: "echo"})
	if got == "" {
		t.Error("empty call id should be synthesized")
	}
}

func TestCheckDoomLoop(t *testing.T) {
	input := json.RawMessage(`{"cmd":"ls","dir":"/tmp"}`)
	// Key order must not matter.
	reordered := json.RawMessage(`{"dir":"/tmp","cmd":"ls"}`)
	other := json.RawMessage(`{"cmd":"pwd"}`)

	if !CheckDoomLoop(input, []json.RawMessage{other, reordered}) {
		t.Error("repeat input should be detected")
	}
	if CheckDoomLoop(input, []json.RawMessage{other}) {
		t.Error("distinct inputs should not trip the heuristic")
	}
	if CheckDoomLoop(input, nil) {
		t.Error("empty history should not trip the heuristic")
	}
	// Only the last three count.
	if CheckDoomLoop(input, []json.RawMessage{reordered, other, other, other}) {
		t.Error("matches older than the last three must be ignored")
	}
}
