package models

// AgentMode distinguishes top-level agents from delegable subagents.
type AgentMode string

const (
	// ModePrimary marks an agent directly invokable by callers.
	ModePrimary AgentMode = "primary"

	// ModeSubagent marks an agent intended for delegation only.
	ModeSubagent AgentMode = "subagent"
)

// PermissionAction is the decision a permission rule carries.
type PermissionAction string

const (
	// ActionAllow admits matching tools.
	ActionAllow PermissionAction = "allow"

	// ActionDeny rejects matching tools.
	ActionDeny PermissionAction = "deny"

	// ActionAsk defers to interactive approval. At the filter boundary it
	// is treated as allow; the outer surface intercepts before execution.
	ActionAsk PermissionAction = "ask"
)

// PermissionRule pairs a glob pattern with an action. Rules are evaluated
// in order; the first rule whose pattern matches a tool name decides.
type PermissionRule struct {
	Pattern string           `json:"pattern" yaml:"pattern"`
	Action  PermissionAction `json:"action" yaml:"action"`
}

// ModelHint names a preferred provider and model for an agent.
type ModelHint struct {
	Provider string `json:"provider,omitempty" yaml:"provider"`
	Model    string `json:"model,omitempty" yaml:"model"`
}

// Agent is a named descriptor that parameterizes one LLM invocation: the
// base prompt, the tool permission list, sampling settings, and an optional
// provider/model hint.
type Agent struct {
	// Name is the unique agent identifier.
	Name string `json:"name" yaml:"name"`

	// Description explains what the agent specializes in.
	Description string `json:"description,omitempty" yaml:"description"`

	// Mode is primary or subagent.
	Mode AgentMode `json:"mode,omitempty" yaml:"mode"`

	// Permissions is the ordered tool permission list. Empty means deny-all.
	Permissions []PermissionRule `json:"permission,omitempty" yaml:"permission"`

	// Prompt is the base system prompt.
	Prompt string `json:"prompt,omitempty" yaml:"prompt"`

	// Temperature overrides the provider default when set.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`

	// TopP overrides the provider default when set.
	TopP *float64 `json:"top_p,omitempty" yaml:"top_p"`

	// Model is an optional provider/model hint.
	Model *ModelHint `json:"model,omitempty" yaml:"model"`

	// Options carries opaque agent-specific settings.
	Options map[string]any `json:"options,omitempty" yaml:"options"`
}

// Clone returns a deep copy of the agent descriptor.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Permissions != nil {
		clone.Permissions = append([]PermissionRule{}, a.Permissions...)
	}
	if a.Model != nil {
		hint := *a.Model
		clone.Model = &hint
	}
	if a.Temperature != nil {
		v := *a.Temperature
		clone.Temperature = &v
	}
	if a.TopP != nil {
		v := *a.TopP
		clone.TopP = &v
	}
	if a.Options != nil {
		clone.Options = make(map[string]any, len(a.Options))
		for k, v := range a.Options {
			clone.Options[k] = v
		}
	}
	return &clone
}
