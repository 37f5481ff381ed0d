package delegation

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/maestrolabs/maestro/internal/agent"
	"github.com/maestrolabs/maestro/internal/orchestrator"
	"github.com/maestrolabs/maestro/pkg/models"
)

// scriptedRuntime produces one result per invocation. Responses are unique
// per user message unless uniform is set.
type scriptedRuntime struct {
	mu       sync.Mutex
	requests []*agent.ExecuteRequest
	uniform  string            // when set, every run returns this response
	fail     map[string]string // agent name -> error
	metadata map[string]any    // attached to every result
}

func (s *scriptedRuntime) ExecuteAgent(ctx context.Context, req *agent.ExecuteRequest) *models.AgentResult {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if msg, ok := s.fail[req.AgentName]; ok {
		return &models.AgentResult{AgentName: req.AgentName, Error: msg, TaskID: req.TaskID}
	}
	response := s.uniform
	if response == "" {
		response = "result for " + req.UserMessage
	}
	return &models.AgentResult{
		AgentName: req.AgentName,
		Response:  response,
		Metadata:  s.metadata,
		ToolsUsed: []string{},
		TaskID:    req.TaskID,
	}
}

func (s *scriptedRuntime) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.UserMessage)
	}
	return out
}

func testConfig(mode TraversalMode) Config {
	budget := DefaultBudget()
	return Config{Mode: mode, Budget: budget}
}

func newEngine(t *testing.T, cfg Config, runtime *scriptedRuntime) *Engine {
	t.Helper()
	orch := orchestrator.New(runtime, orchestrator.Options{})
	engine, err := NewEngine(cfg, orch, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestBudgetValidation(t *testing.T) {
	budget := DefaultBudget()
	if err := budget.Validate(); err != nil {
		t.Fatalf("default budget invalid: %v", err)
	}
	budget.MaxBreadth = 0
	err := budget.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_breadth") {
		t.Errorf("zero limit must be rejected by name, got %v", err)
	}

	cfg := testConfig("zigzag")
	if _, err := NewEngine(cfg, orchestrator.New(&scriptedRuntime{}, orchestrator.Options{}), nil); err == nil {
		t.Error("unknown mode must be rejected")
	}
}

func TestDelegate_RootOnly(t *testing.T) {
	runtime := &scriptedRuntime{}
	engine := newEngine(t, testConfig(ModeBFS), runtime)

	result := engine.Delegate(context.Background(), "root", "do the thing", "s1", nil)
	if !result.Success || result.StopReason != StopCompleted {
		t.Errorf("result = %+v", result)
	}
	if result.TotalAgents != 1 || len(result.Results) != 1 {
		t.Errorf("agents = %d, results = %d", result.TotalAgents, len(result.Results))
	}
	if result.MaxDepthReached != 0 {
		t.Errorf("depth = %d", result.MaxDepthReached)
	}
	if result.FinalNoveltySignature == "" {
		t.Error("root result should contribute a novelty signature")
	}
}

func TestDelegate_RootFailure(t *testing.T) {
	runtime := &scriptedRuntime{fail: map[string]string{"root": "Agent not found: root"}}
	engine := newEngine(t, testConfig(ModeBFS), runtime)

	result := engine.Delegate(context.Background(), "root", "go", "s1", []ChildSpec{{Agent: "child", Prompt: "x"}})
	if result.Success || result.StopReason != StopError {
		t.Errorf("result = %+v", result)
	}
	if len(result.Errors) == 0 {
		t.Error("root failure must be recorded")
	}
	if len(runtime.requests) != 1 {
		t.Errorf("children must not run after a root failure, ran %d", len(runtime.requests))
	}
}

func TestDelegate_BFSTwoLevels(t *testing.T) {
	runtime := &scriptedRuntime{}
	engine := newEngine(t, testConfig(ModeBFS), runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "p1", Children: []ChildSpec{{Agent: "a1", Prompt: "p1.1"}}},
		{Agent: "b", Prompt: "p2"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if !result.Success || result.StopReason != StopCompleted {
		t.Fatalf("result = %+v errors=%v", result, result.Errors)
	}
	if result.TotalAgents != 4 {
		t.Errorf("agents = %d, want root + 3 children", result.TotalAgents)
	}
	if result.MaxDepthReached != 2 {
		t.Errorf("max depth = %d", result.MaxDepthReached)
	}
	if len(result.Results) != 4 {
		t.Errorf("results = %d", len(result.Results))
	}
}

func TestDelegate_DFSOrder(t *testing.T) {
	runtime := &scriptedRuntime{}
	engine := newEngine(t, testConfig(ModeDFS), runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "first", Children: []ChildSpec{{Agent: "a1", Prompt: "first.child"}}},
		{Agent: "b", Prompt: "second"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	// Depth-first: a's child runs before the sibling b.
	want := []string{"go", "first", "first.child", "second"}
	got := runtime.messages()
	if len(got) != len(want) {
		t.Fatalf("messages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDelegate_BudgetExhaustedRootCounts(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Budget.MaxTotalAgents = 1
	runtime := &scriptedRuntime{}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "1"}, {Agent: "b", Prompt: "2"}, {Agent: "c", Prompt: "3"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopBudgetExhausted {
		t.Errorf("stop = %s", result.StopReason)
	}
	if result.TotalAgents != 1 {
		t.Errorf("agents = %d, the root consumes the entire budget", result.TotalAgents)
	}
	if len(runtime.requests) != 1 {
		t.Errorf("children must not run, ran %d", len(runtime.requests))
	}
}

func TestDelegate_PartialBatchWithinBudget(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Budget.MaxTotalAgents = 3
	runtime := &scriptedRuntime{}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "1"}, {Agent: "b", Prompt: "2"}, {Agent: "c", Prompt: "3"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopBudgetExhausted {
		t.Errorf("stop = %s", result.StopReason)
	}
	if result.TotalAgents != 3 {
		t.Errorf("agents = %d, want root + partial batch of 2", result.TotalAgents)
	}
}

func TestDelegate_BreadthLimitHardStop(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Budget.MaxBreadth = 2
	runtime := &scriptedRuntime{}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "1"}, {Agent: "b", Prompt: "2"}, {Agent: "c", Prompt: "3"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopBreadthLimit {
		t.Errorf("stop = %s, a spec wider than max_breadth is a hard stop", result.StopReason)
	}
	if result.TotalAgents != 1 {
		t.Errorf("agents = %d, want only the root", result.TotalAgents)
	}
}

func TestDelegate_DepthLimit(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Budget.MaxDepth = 1
	runtime := &scriptedRuntime{}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "1", Children: []ChildSpec{{Agent: "a1", Prompt: "1.1"}}},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopDepthLimit {
		t.Errorf("stop = %s", result.StopReason)
	}
	if result.TotalAgents != 2 {
		t.Errorf("agents = %d, grandchildren must not run", result.TotalAgents)
	}
}

func TestDelegate_Stagnation(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Budget.StagnationThreshold = 2
	runtime := &scriptedRuntime{uniform: "same answer every time"}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "1"}, {Agent: "b", Prompt: "2"}, {Agent: "c", Prompt: "3"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopStagnation {
		t.Errorf("stop = %s", result.StopReason)
	}
	if !result.StagnationDetected {
		t.Error("stagnation flag should be set")
	}
}

func TestDelegate_EvidenceKeysDriveNovelty(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Budget.StagnationThreshold = 2
	// Responses differ, but the projected evidence is identical.
	runtime := &scriptedRuntime{metadata: map[string]any{"result": "constant", "findings": "none"}}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "1"}, {Agent: "b", Prompt: "2"}, {Agent: "c", Prompt: "3"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopStagnation {
		t.Errorf("stop = %s, evidence keys must take precedence over response text", result.StopReason)
	}
}

func TestDelegate_ConvergenceHookOverrides(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Hooks.OnConvergenceCheck = func(results []*models.AgentResult) bool {
		return len(results) >= 2
	}
	runtime := &scriptedRuntime{}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{
		{Agent: "a", Prompt: "1", Children: []ChildSpec{{Agent: "a1", Prompt: "1.1"}}},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopConverged || !result.Converged {
		t.Errorf("result = %+v", result)
	}
	if result.TotalAgents != 2 {
		t.Errorf("agents = %d, traversal must stop once converged", result.TotalAgents)
	}
}

func TestDelegate_HookFailuresDoNotAbort(t *testing.T) {
	cfg := testConfig(ModeBFS)
	cfg.Hooks.OnAgentSpawn = func(string, int) { panic("spawn hook broke") }
	cfg.Hooks.OnAgentComplete = func(string, *models.AgentResult) { panic("complete hook broke") }
	runtime := &scriptedRuntime{}
	engine := newEngine(t, cfg, runtime)

	result := engine.Delegate(context.Background(), "root", "go", "s1",
		[]ChildSpec{{Agent: "a", Prompt: "1"}})
	if !result.Success || result.StopReason != StopCompleted {
		t.Errorf("hook panics must not abort traversal: %+v", result)
	}
}

func TestDelegate_ChildFailureRecordedDFS(t *testing.T) {
	runtime := &scriptedRuntime{fail: map[string]string{"broken": "provider stream: reset"}}
	engine := newEngine(t, testConfig(ModeDFS), runtime)

	children := []ChildSpec{
		{Agent: "broken", Prompt: "1"},
		{Agent: "b", Prompt: "2"},
	}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if result.StopReason != StopCompleted {
		t.Errorf("stop = %s, siblings continue past a failed child", result.StopReason)
	}
	if result.Success {
		t.Error("a recorded error means the run did not fully succeed")
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors = %v", result.Errors)
	}
	if len(result.Results) != 2 {
		t.Errorf("results = %d, want root + surviving sibling", len(result.Results))
	}
}

func TestDelegate_AdaptiveSwitchesToDFS(t *testing.T) {
	cfg := testConfig(ModeAdaptive)
	cfg.Budget.MaxBreadth = 1
	cfg.Budget.StagnationThreshold = 1
	runtime := &scriptedRuntime{uniform: "same"}
	engine := newEngine(t, cfg, runtime)

	children := []ChildSpec{{Agent: "a", Prompt: "1"}}
	result := engine.Delegate(context.Background(), "root", "go", "s1", children)
	if !result.StagnationDetected {
		t.Errorf("adaptive run under uniform output should flag stagnation: %+v", result)
	}
}
