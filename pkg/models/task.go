package models

import "time"

// TaskStatus is the lifecycle state of an orchestrated task. Status is
// monotonic: pending -> {running, cancelled} -> {completed, failed, cancelled}
// with no backward transitions.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransition reports whether moving from s to next follows the
// monotonic transition graph.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskCancelled
	case TaskRunning:
		return next.Terminal()
	default:
		return false
	}
}

// AgentTask is one tracked unit of agent execution, owned by the
// orchestrator table.
type AgentTask struct {
	// TaskID is the unique task identifier.
	TaskID string `json:"task_id"`

	// AgentName is the agent descriptor the task executes.
	AgentName string `json:"agent_name"`

	// Description summarizes what the task is doing.
	Description string `json:"description,omitempty"`

	// ToolIDs restricts the tools available to the task, if set.
	ToolIDs []string `json:"tool_ids,omitempty"`

	// SkillNames requests skills injected into the system prompt.
	SkillNames []string `json:"skill_names,omitempty"`

	// Options carries execution options forwarded to the runtime.
	Options map[string]any `json:"options,omitempty"`

	// ParentID links a delegated child task to its parent.
	ParentID string `json:"parent_id,omitempty"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// ResultID references the stored result once the task completes.
	ResultID string `json:"result_id,omitempty"`

	// Error carries the failure message for failed tasks.
	Error string `json:"error,omitempty"`

	// Metadata contains additional task data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *AgentTask) Clone() *AgentTask {
	if t == nil {
		return nil
	}
	clone := *t
	if t.ToolIDs != nil {
		clone.ToolIDs = append([]string{}, t.ToolIDs...)
	}
	if t.SkillNames != nil {
		clone.SkillNames = append([]string{}, t.SkillNames...)
	}
	if t.Options != nil {
		clone.Options = make(map[string]any, len(t.Options))
		for k, v := range t.Options {
			clone.Options[k] = v
		}
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// TaskResult pairs a finished task with its agent result or error.
type TaskResult struct {
	Task        *AgentTask   `json:"task"`
	Result      *AgentResult `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// AgentResult is the outcome of one agent invocation. The runtime always
// returns a non-nil result; failures are reported through Error rather
// than raised to the caller.
type AgentResult struct {
	// AgentName is the agent that ran.
	AgentName string `json:"agent_name"`

	// Response is the flat text of the assistant message.
	Response string `json:"response"`

	// Parts is the ordered part list of the assistant message.
	Parts Parts `json:"parts,omitempty"`

	// Metadata carries the assistant message metadata plus runtime extras.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ToolsUsed lists the tool ids invoked during the run.
	ToolsUsed []string `json:"tools_used"`

	// TokensUsed is the provider-reported token usage, if any.
	TokensUsed *TokenUsage `json:"tokens_used,omitempty"`

	// Duration is the wall time of the invocation.
	Duration time.Duration `json:"duration"`

	// Error is set when the invocation failed.
	Error string `json:"error,omitempty"`

	// TaskID links the result to an orchestrator task, if any.
	TaskID string `json:"task_id,omitempty"`
}

// Failed reports whether the invocation ended in error.
func (r *AgentResult) Failed() bool {
	return r != nil && r.Error != ""
}
