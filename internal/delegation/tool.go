package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/maestrolabs/maestro/internal/orchestrator"
	"github.com/maestrolabs/maestro/internal/tools"
)

// delegateArgs is the tool-call input. The schema is reflected from this
// struct; field tags drive requiredness and descriptions.
type delegateArgs struct {
	Agent    string      `json:"agent" jsonschema:"required,description=Name of the agent to delegate to"`
	Prompt   string      `json:"prompt" jsonschema:"required,description=Instruction for the delegated agent"`
	Mode     string      `json:"mode,omitempty" jsonschema:"enum=bfs,enum=dfs,enum=adaptive,description=Traversal mode for child agents"`
	Children []ChildSpec `json:"children,omitempty" jsonschema:"description=Child agent invocations to expand after the root"`
	Budget   *Budget     `json:"budget,omitempty" jsonschema:"description=Budget overrides for this delegation"`
}

// Tool exposes the delegation engine to agents as a callable tool. Each call
// constructs a fresh engine; nothing is shared across calls except the
// orchestrator and the tool registry handed to children.
type Tool struct {
	orch     *orchestrator.Orchestrator
	registry *tools.Registry
	defaults Config
	logger   *slog.Logger

	schemaOnce sync.Once
	schema     json.RawMessage
}

// NewTool creates the delegate tool. The defaults fill anything the call's
// arguments leave unset.
func NewTool(orch *orchestrator.Orchestrator, registry *tools.Registry, defaults Config) *Tool {
	if defaults.Mode == "" {
		defaults.Mode = ModeBFS
	}
	if defaults.Budget == (Budget{}) {
		defaults.Budget = DefaultBudget()
	}
	logger := defaults.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{orch: orch, registry: registry, defaults: defaults, logger: logger}
}

// Name implements tools.Tool.
func (t *Tool) Name() string { return "delegate" }

// Description implements tools.Tool.
func (t *Tool) Description() string {
	return "Delegate work to another agent, optionally expanding a tree of child agents under a bounded traversal"
}

// Schema implements tools.Tool. The schema is reflected once from the
// argument struct. ChildSpec is recursive, so nested types must stay as
// $defs references; inlining them would never terminate.
func (t *Tool) Schema() json.RawMessage {
	t.schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			RequiredFromJSONSchemaTags: true,
			ExpandedStruct:             true,
		}
		raw, err := json.Marshal(reflector.Reflect(&delegateArgs{}))
		if err != nil {
			t.logger.Error("delegate schema reflection failed", "error", err)
			raw = json.RawMessage(`{"type":"object"}`)
		}
		t.schema = raw
	})
	return t.schema
}

// Execute implements tools.Tool: one tool call maps to one engine run.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage, call *tools.CallContext) (*tools.Result, error) {
	var args delegateArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid delegate arguments: %w", err)
	}
	if args.Agent == "" || args.Prompt == "" {
		return nil, fmt.Errorf("delegate requires agent and prompt")
	}

	cfg := t.defaults
	if args.Mode != "" {
		cfg.Mode = TraversalMode(args.Mode)
	}
	if args.Budget != nil {
		cfg.Budget = *args.Budget
	}

	engine, err := NewEngine(cfg, t.orch, t.registry)
	if err != nil {
		return nil, err
	}

	result := engine.Delegate(ctx, args.Agent, args.Prompt, call.SessionID, args.Children)

	output := fmt.Sprintf("Delegation %s: %d agent(s), stop reason %s",
		statusWord(result.Success), result.TotalAgents, result.StopReason)
	if len(result.Results) > 0 {
		output += "\n\n" + result.Results[len(result.Results)-1].Response
	}
	return &tools.Result{
		Title:  fmt.Sprintf("Delegated to %s", args.Agent),
		Output: output,
		Metadata: map[string]any{
			"success":           result.Success,
			"total_agents":      result.TotalAgents,
			"converged":         result.Converged,
			"stop_reason":       string(result.StopReason),
			"max_depth_reached": result.MaxDepthReached,
			"elapsed_seconds":   result.ElapsedSeconds,
		},
	}, nil
}

func statusWord(success bool) string {
	if success {
		return "succeeded"
	}
	return "finished with errors"
}
