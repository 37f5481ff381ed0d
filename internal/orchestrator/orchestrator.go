// Package orchestrator tracks agent invocations as tasks: an in-memory
// task/result table under one lock, sequential and parallel execution through
// the agent runtime, cancellation marking, and queries over the table.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestrolabs/maestro/internal/agent"
	"github.com/maestrolabs/maestro/internal/bus"
	"github.com/maestrolabs/maestro/internal/observability"
	"github.com/maestrolabs/maestro/internal/provider"
	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/pkg/models"
)

// Executor runs one agent invocation. *agent.Runtime satisfies it; tests
// substitute fakes.
type Executor interface {
	ExecuteAgent(ctx context.Context, req *agent.ExecuteRequest) *models.AgentResult
}

// Orchestrator owns the process-wide task and result tables. All table
// mutations take the single mutex; the mutex is never held across an agent
// run or any other external call.
type Orchestrator struct {
	executor Executor
	bus      *bus.Bus
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*models.AgentTask
	results map[string]*models.TaskResult
}

// Options configures an Orchestrator.
type Options struct {
	Bus     *bus.Bus
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// New creates an orchestrator over an executor.
func New(executor Executor, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		executor: executor,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   logger,
		tasks:    make(map[string]*models.AgentTask),
		results:  make(map[string]*models.TaskResult),
	}
}

// DelegateTask records and runs one task to completion. Unlike the runtime,
// it re-raises: a failed run returns the task id together with the error, for
// callers that chose to await a single task. The failure is also retained in
// the result table.
func (o *Orchestrator) DelegateTask(ctx context.Context, task *models.AgentTask, sessionID, userMessage string, registry *tools.Registry) (string, error) {
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.Status != models.TaskPending {
		return "", fmt.Errorf("task %s is %s, want pending", task.TaskID, task.Status)
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}

	o.mu.Lock()
	if _, exists := o.tasks[task.TaskID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("task %s already recorded", task.TaskID)
	}
	o.tasks[task.TaskID] = task.Clone()
	o.mu.Unlock()

	o.publish(bus.TaskStarted, task, "")

	if !o.transition(task.TaskID, models.TaskRunning) {
		// Cancelled between recording and start.
		return task.TaskID, fmt.Errorf("task %s cancelled before start", task.TaskID)
	}

	started := time.Now()
	result := o.executor.ExecuteAgent(ctx, &agent.ExecuteRequest{
		AgentName:   task.AgentName,
		SessionID:   sessionID,
		UserMessage: userMessage,
		Tools:       restrict(registry, task.ToolIDs),
		SkillNames:  task.SkillNames,
		Provider:    stringOption(task.Options, "provider"),
		Model:       stringOption(task.Options, "model"),
		Options:     executionOptions(task.Options),
		TaskID:      task.TaskID,
	})
	completed := started.Add(result.Duration)

	record := &models.TaskResult{
		StartedAt:   started,
		CompletedAt: completed,
	}
	if result.Failed() {
		record.Error = result.Error
		o.finish(task.TaskID, models.TaskFailed, record, result.Error)
		o.publish(bus.TaskFailed, task, result.Error)
		o.recordMetric(string(models.TaskFailed))
		o.logger.Error("task failed", "task_id", task.TaskID, "agent", task.AgentName, "error", result.Error)
		return task.TaskID, fmt.Errorf("task %s: %s", task.TaskID, result.Error)
	}

	record.Result = result
	o.finish(task.TaskID, models.TaskCompleted, record, "")
	o.publish(bus.TaskCompleted, task, "")
	o.recordMetric(string(models.TaskCompleted))
	return task.TaskID, nil
}

// RunParallelAgents launches every task concurrently and waits for all of
// them. One task's failure does not prevent the others from completing;
// failures stay queryable in the result table and only the ids of successful
// tasks are returned, in task order.
func (o *Orchestrator) RunParallelAgents(ctx context.Context, tasks []*models.AgentTask, sessionID string, userMessages []string, registries []*tools.Registry) ([]string, error) {
	if len(tasks) != len(userMessages) {
		return nil, fmt.Errorf("got %d tasks but %d user messages", len(tasks), len(userMessages))
	}

	type outcome struct {
		id  string
		err error
	}
	outcomes := make([]outcome, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		registry := registryAt(registries, i)
		wg.Add(1)
		go func(i int, task *models.AgentTask, registry *tools.Registry) {
			defer wg.Done()
			id, err := o.DelegateTask(ctx, task, sessionID, userMessages[i], registry)
			outcomes[i] = outcome{id: id, err: err}
		}(i, task, registry)
	}
	wg.Wait()

	ok := make([]string, 0, len(tasks))
	for _, out := range outcomes {
		if out.err != nil {
			o.logger.Warn("parallel task failed", "task_id", out.id, "error", out.err)
			continue
		}
		ok = append(ok, out.id)
	}
	return ok, nil
}

// CancelTasks marks every still pending or running task cancelled and returns
// the count. Terminal tasks are untouched. Cancellation marks intent only; it
// does not reach into a running tool, whose abort flows through the session
// teardown chain.
func (o *Orchestrator) CancelTasks(ids []string) int {
	cancelled := make([]*models.AgentTask, 0, len(ids))

	o.mu.Lock()
	for _, id := range ids {
		task, ok := o.tasks[id]
		if !ok || task.Status.Terminal() {
			continue
		}
		task.Status = models.TaskCancelled
		cancelled = append(cancelled, task.Clone())
	}
	o.mu.Unlock()

	for _, task := range cancelled {
		o.publish(bus.TaskCancelled, task, "")
		o.recordMetric(string(models.TaskCancelled))
	}
	return len(cancelled)
}

// GetStatus returns the status of a task.
func (o *Orchestrator) GetStatus(id string) (models.TaskStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[id]
	if !ok {
		return "", false
	}
	return task.Status, true
}

// GetResult returns the stored result for a task.
func (o *Orchestrator) GetResult(id string) (*models.TaskResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	record, ok := o.results[id]
	if !ok {
		return nil, false
	}
	return copyResult(record), true
}

// ActiveTasks returns every pending or running task.
func (o *Orchestrator) ActiveTasks() []*models.AgentTask {
	return o.listLocked(func(t *models.AgentTask) bool {
		return t.Status == models.TaskPending || t.Status == models.TaskRunning
	})
}

// ChildTasks returns the tasks whose parent is the given task.
func (o *Orchestrator) ChildTasks(parentID string) []*models.AgentTask {
	return o.listLocked(func(t *models.AgentTask) bool {
		return t.ParentID == parentID
	})
}

// ListTasks returns tasks, optionally filtered to one status.
func (o *Orchestrator) ListTasks(filter ...models.TaskStatus) []*models.AgentTask {
	return o.listLocked(func(t *models.AgentTask) bool {
		if len(filter) == 0 {
			return true
		}
		for _, status := range filter {
			if t.Status == status {
				return true
			}
		}
		return false
	})
}

// ListResults returns every stored task result.
func (o *Orchestrator) ListResults() []*models.TaskResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.TaskResult, 0, len(o.results))
	for _, record := range o.results {
		out = append(out, copyResult(record))
	}
	return out
}

// ClearCompletedTasks removes terminal tasks and their results, returning the
// count removed. Calling it again with nothing to clear returns zero.
func (o *Orchestrator) ClearCompletedTasks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	cleared := 0
	for id, task := range o.tasks {
		if !task.Status.Terminal() {
			continue
		}
		delete(o.tasks, id)
		delete(o.results, id)
		cleared++
	}
	return cleared
}

// transition moves the task to next if the transition graph allows it and
// reports success.
func (o *Orchestrator) transition(id string, next models.TaskStatus) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[id]
	if !ok || !task.Status.CanTransition(next) {
		return false
	}
	task.Status = next
	return true
}

// finish stores the terminal status and result under the lock. A task
// cancelled mid-run keeps its cancelled status; the result is retained either
// way.
func (o *Orchestrator) finish(id string, status models.TaskStatus, record *models.TaskResult, errText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[id]
	if !ok {
		return
	}
	if task.Status.CanTransition(status) {
		task.Status = status
	}
	task.Error = errText
	task.ResultID = id
	record.Task = task.Clone()
	o.results[id] = record
}

func (o *Orchestrator) listLocked(keep func(*models.AgentTask) bool) []*models.AgentTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := []*models.AgentTask{}
	for _, task := range o.tasks {
		if keep(task) {
			out = append(out, task.Clone())
		}
	}
	return out
}

func (o *Orchestrator) publish(event string, task *models.AgentTask, errText string) {
	if o.bus == nil {
		return
	}
	payload := bus.Payload{
		"task_id":    task.TaskID,
		"agent_name": task.AgentName,
	}
	if task.ParentID != "" {
		payload["parent_id"] = task.ParentID
	}
	if errText != "" {
		payload["error"] = errText
	}
	o.bus.Publish(event, payload)
}

func (o *Orchestrator) recordMetric(status string) {
	if o.metrics != nil {
		o.metrics.RecordTask(status)
	}
}

func copyResult(record *models.TaskResult) *models.TaskResult {
	clone := *record
	clone.Task = record.Task.Clone()
	return &clone
}

// restrict narrows a registry to the named tool ids. A nil or empty id list
// leaves the registry untouched.
func restrict(registry *tools.Registry, ids []string) *tools.Registry {
	if registry == nil || len(ids) == 0 {
		return registry
	}
	out := tools.NewRegistry()
	for _, id := range ids {
		if tool, ok := registry.Get(id); ok {
			out.Register(tool)
		}
	}
	return out
}

func registryAt(registries []*tools.Registry, i int) *tools.Registry {
	if i < len(registries) {
		return registries[i]
	}
	return nil
}

func stringOption(options map[string]any, key string) string {
	if s, ok := options[key].(string); ok {
		return s
	}
	return ""
}

// executionOptions extracts provider generation options from the task's
// opaque option map.
func executionOptions(options map[string]any) provider.Options {
	var out provider.Options
	if v, ok := options["temperature"].(float64); ok {
		out.Temperature = &v
	}
	if v, ok := options["top_p"].(float64); ok {
		out.TopP = &v
	}
	if v, ok := options["max_tokens"].(float64); ok {
		out.MaxTokens = int(v)
	}
	return out
}
