package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maestrolabs/maestro/internal/agent"
	"github.com/maestrolabs/maestro/internal/bus"
	"github.com/maestrolabs/maestro/pkg/models"
)

// fakeExecutor returns canned results keyed by agent name.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []*agent.ExecuteRequest
	fail     map[string]string // agent name -> error message
	delay    time.Duration
}

func (f *fakeExecutor) ExecuteAgent(ctx context.Context, req *agent.ExecuteRequest) *models.AgentResult {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if msg, ok := f.fail[req.AgentName]; ok {
		return &models.AgentResult{
			AgentName: req.AgentName,
			Response:  "Error: " + msg,
			Error:     msg,
			TaskID:    req.TaskID,
		}
	}
	return &models.AgentResult{
		AgentName: req.AgentName,
		Response:  "done",
		ToolsUsed: []string{},
		TaskID:    req.TaskID,
	}
}

func pendingTask(id, agentName string) *models.AgentTask {
	return &models.AgentTask{TaskID: id, AgentName: agentName, Status: models.TaskPending}
}

func TestDelegateTask_Success(t *testing.T) {
	exec := &fakeExecutor{}
	eventBus := bus.New(nil)
	var events []string
	for _, name := range []string{bus.TaskStarted, bus.TaskCompleted, bus.TaskFailed} {
		eventBus.Subscribe(name, func(event string, _ bus.Payload) {
			events = append(events, event)
		})
	}
	o := New(exec, Options{Bus: eventBus})

	id, err := o.DelegateTask(context.Background(), pendingTask("t1", "coder"), "s1", "go", nil)
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if id != "t1" {
		t.Errorf("id = %q", id)
	}

	status, ok := o.GetStatus("t1")
	if !ok || status != models.TaskCompleted {
		t.Errorf("status = %v %v", status, ok)
	}
	record, ok := o.GetResult("t1")
	if !ok || record.Result == nil || record.Result.Response != "done" {
		t.Fatalf("result = %+v", record)
	}
	if record.CompletedAt.Before(record.StartedAt) {
		t.Error("completed_at precedes started_at")
	}
	if len(events) != 2 || events[0] != bus.TaskStarted || events[1] != bus.TaskCompleted {
		t.Errorf("events = %v", events)
	}
}

func TestDelegateTask_FailureReRaises(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]string{"coder": "Agent not found: coder"}}
	o := New(exec, Options{})

	id, err := o.DelegateTask(context.Background(), pendingTask("t1", "coder"), "s1", "go", nil)
	if err == nil {
		t.Fatal("failed task must re-raise to a single-task caller")
	}
	if id != "t1" {
		t.Errorf("id = %q, failure still returns the task id", id)
	}

	// The failure is retained in the tables.
	status, _ := o.GetStatus("t1")
	if status != models.TaskFailed {
		t.Errorf("status = %v", status)
	}
	record, ok := o.GetResult("t1")
	if !ok || record.Error != "Agent not found: coder" {
		t.Errorf("record = %+v", record)
	}
}

func TestDelegateTask_RequiresPending(t *testing.T) {
	o := New(&fakeExecutor{}, Options{})
	task := pendingTask("t1", "coder")
	task.Status = models.TaskRunning
	if _, err := o.DelegateTask(context.Background(), task, "s1", "go", nil); err == nil {
		t.Error("non-pending task must be rejected")
	}
}

func TestDelegateTask_DuplicateID(t *testing.T) {
	o := New(&fakeExecutor{}, Options{})
	if _, err := o.DelegateTask(context.Background(), pendingTask("t1", "coder"), "s1", "go", nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := o.DelegateTask(context.Background(), pendingTask("t1", "coder"), "s1", "go", nil); err == nil {
		t.Error("duplicate task id must be rejected")
	}
}

func TestDelegateTask_GeneratesID(t *testing.T) {
	o := New(&fakeExecutor{}, Options{})
	id, err := o.DelegateTask(context.Background(), pendingTask("", "coder"), "s1", "go", nil)
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if id == "" {
		t.Error("blank task id should be generated")
	}
}

func TestRunParallelAgents_PartialFailure(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]string{"flaky": "provider stream: reset"}}
	o := New(exec, Options{})

	tasks := []*models.AgentTask{
		pendingTask("t1", "coder"),
		pendingTask("t2", "flaky"),
		pendingTask("t3", "reviewer"),
	}
	ids, err := o.RunParallelAgents(context.Background(), tasks, "s1",
		[]string{"a", "b", "c"}, nil)
	if err != nil {
		t.Fatalf("RunParallelAgents: %v", err)
	}
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t3" {
		t.Errorf("ok ids = %v, failures are excluded but order kept", ids)
	}

	// The failed task is still queryable.
	record, ok := o.GetResult("t2")
	if !ok || !strings.Contains(record.Error, "reset") {
		t.Errorf("failed record = %+v", record)
	}
}

func TestRunParallelAgents_LengthMismatch(t *testing.T) {
	o := New(&fakeExecutor{}, Options{})
	_, err := o.RunParallelAgents(context.Background(),
		[]*models.AgentTask{pendingTask("t1", "coder")}, "s1", []string{"a", "b"}, nil)
	if err == nil {
		t.Error("mismatched lengths must be rejected")
	}
}

func TestCancelTasks(t *testing.T) {
	eventBus := bus.New(nil)
	var cancelled int
	eventBus.Subscribe(bus.TaskCancelled, func(string, bus.Payload) { cancelled++ })
	o := New(&fakeExecutor{}, Options{Bus: eventBus})

	// Seed table states directly: one pending, one completed.
	o.mu.Lock()
	o.tasks["p"] = pendingTask("p", "coder")
	done := pendingTask("d", "coder")
	done.Status = models.TaskCompleted
	o.tasks["d"] = done
	o.mu.Unlock()

	n := o.CancelTasks([]string{"p", "d", "missing"})
	if n != 1 {
		t.Errorf("cancelled = %d, want 1", n)
	}
	if cancelled != 1 {
		t.Errorf("TASK_CANCELLED events = %d", cancelled)
	}
	status, _ := o.GetStatus("p")
	if status != models.TaskCancelled {
		t.Errorf("status = %v", status)
	}
	status, _ = o.GetStatus("d")
	if status != models.TaskCompleted {
		t.Errorf("terminal tasks are untouched, got %v", status)
	}

	// Cancellation is monotonic: a second cancel is a no-op.
	if n := o.CancelTasks([]string{"p"}); n != 0 {
		t.Errorf("second cancel = %d, want 0", n)
	}
}

func TestQueries(t *testing.T) {
	o := New(&fakeExecutor{}, Options{})
	o.mu.Lock()
	running := pendingTask("r", "coder")
	running.Status = models.TaskRunning
	child := pendingTask("c", "reviewer")
	child.ParentID = "r"
	done := pendingTask("f", "coder")
	done.Status = models.TaskCompleted
	o.tasks["r"] = running
	o.tasks["c"] = child
	o.tasks["f"] = done
	o.mu.Unlock()

	if active := o.ActiveTasks(); len(active) != 2 {
		t.Errorf("active = %d, want pending+running", len(active))
	}
	children := o.ChildTasks("r")
	if len(children) != 1 || children[0].TaskID != "c" {
		t.Errorf("children = %v", children)
	}
	if all := o.ListTasks(); len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}
	if completed := o.ListTasks(models.TaskCompleted); len(completed) != 1 {
		t.Errorf("completed = %d", len(completed))
	}

	// Queries copy out: mutating a returned task must not touch the table.
	children[0].AgentName = "mutated"
	if again := o.ChildTasks("r"); again[0].AgentName != "reviewer" {
		t.Error("query result aliases internal state")
	}
}

func TestClearCompletedTasks_Idempotent(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]string{"flaky": "boom"}}
	o := New(exec, Options{})

	if _, err := o.DelegateTask(context.Background(), pendingTask("ok", "coder"), "s1", "a", nil); err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	if _, err := o.DelegateTask(context.Background(), pendingTask("bad", "flaky"), "s1", "b", nil); err == nil {
		t.Fatal("expected failure")
	}
	o.mu.Lock()
	o.tasks["live"] = pendingTask("live", "coder")
	o.mu.Unlock()

	if n := o.ClearCompletedTasks(); n != 2 {
		t.Errorf("cleared = %d, want completed+failed", n)
	}
	if n := o.ClearCompletedTasks(); n != 0 {
		t.Errorf("second clear = %d, want 0", n)
	}
	if _, ok := o.GetStatus("live"); !ok {
		t.Error("non-terminal task must survive clearing")
	}
	if _, ok := o.GetResult("ok"); ok {
		t.Error("cleared task result must be removed")
	}
}

func TestDelegateTask_ForwardsOptions(t *testing.T) {
	exec := &fakeExecutor{}
	o := New(exec, Options{})

	task := pendingTask("t1", "coder")
	task.Options = map[string]any{"provider": "openai", "model": "gpt-4o", "temperature": 0.2}
	if _, err := o.DelegateTask(context.Background(), task, "s1", "go", nil); err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}

	req := exec.requests[0]
	if req.Provider != "openai" || req.Model != "gpt-4o" {
		t.Errorf("request overrides: %q %q", req.Provider, req.Model)
	}
	if req.Options.Temperature == nil || *req.Options.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Options.Temperature)
	}
	if req.TaskID != "t1" {
		t.Errorf("task id = %q", req.TaskID)
	}
}
