// Package delegation spawns bounded trees of agent invocations through the
// orchestrator: BFS/DFS/adaptive traversal, a hard budget, novelty-based
// stagnation detection, and an optional convergence predicate.
package delegation

import (
	"fmt"
	"log/slog"

	"github.com/maestrolabs/maestro/internal/observability"
	"github.com/maestrolabs/maestro/pkg/models"
)

// TraversalMode selects how the child tree is expanded.
type TraversalMode string

const (
	ModeBFS      TraversalMode = "bfs"
	ModeDFS      TraversalMode = "dfs"
	ModeAdaptive TraversalMode = "adaptive"
)

// StopReason names why a delegation run terminated. Reasons are checked in
// the order they are declared here; the first applicable one wins.
type StopReason string

const (
	StopDepthLimit      StopReason = "DEPTH_LIMIT"
	StopBreadthLimit    StopReason = "BREADTH_LIMIT"
	StopBudgetExhausted StopReason = "BUDGET_EXHAUSTED"
	StopTimeout         StopReason = "TIMEOUT"
	StopStagnation      StopReason = "STAGNATION"
	StopConverged       StopReason = "CONVERGED"
	StopCompleted       StopReason = "COMPLETED"
	StopError           StopReason = "ERROR"
)

// Budget bounds one delegation run. Every field must be at least 1.
type Budget struct {
	MaxDepth            int `json:"max_depth" yaml:"max_depth"`
	MaxBreadth          int `json:"max_breadth" yaml:"max_breadth"`
	MaxTotalAgents      int `json:"max_total_agents" yaml:"max_total_agents"`
	MaxWallTimeSeconds  int `json:"max_wall_time_seconds" yaml:"max_wall_time_seconds"`
	MaxIterations       int `json:"max_iterations" yaml:"max_iterations"`
	StagnationThreshold int `json:"stagnation_threshold" yaml:"stagnation_threshold"`
}

// DefaultBudget is applied when a caller supplies none.
func DefaultBudget() Budget {
	return Budget{
		MaxDepth:            3,
		MaxBreadth:          5,
		MaxTotalAgents:      20,
		MaxWallTimeSeconds:  300,
		MaxIterations:       50,
		StagnationThreshold: 3,
	}
}

// Validate checks the budget invariants.
func (b Budget) Validate() error {
	limits := []struct {
		name  string
		value int
	}{
		{"max_depth", b.MaxDepth},
		{"max_breadth", b.MaxBreadth},
		{"max_total_agents", b.MaxTotalAgents},
		{"max_wall_time_seconds", b.MaxWallTimeSeconds},
		{"max_iterations", b.MaxIterations},
		{"stagnation_threshold", b.StagnationThreshold},
	}
	for _, limit := range limits {
		if limit.value < 1 {
			return fmt.Errorf("budget %s must be at least 1, got %d", limit.name, limit.value)
		}
	}
	return nil
}

// defaultEvidenceKeys are the metadata keys projected for novelty hashing.
var defaultEvidenceKeys = []string{"result", "findings"}

// Hooks are optional observation callbacks. A panicking or failing hook is
// logged and never aborts the traversal.
type Hooks struct {
	// OnAgentSpawn fires before a child agent starts.
	OnAgentSpawn func(agentName string, depth int)

	// OnAgentComplete fires after a child agent finishes successfully.
	OnAgentComplete func(agentName string, result *models.AgentResult)

	// OnConvergenceCheck, when set, overrides the novelty heuristic: a true
	// return terminates the run with CONVERGED.
	OnConvergenceCheck func(results []*models.AgentResult) bool
}

// Config parameterizes an Engine.
type Config struct {
	Mode   TraversalMode
	Budget Budget

	// EvidenceKeys are projected from result metadata for novelty hashing.
	// Empty means the default ["result","findings"].
	EvidenceKeys []string

	Hooks   Hooks
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeBFS, ModeDFS, ModeAdaptive:
	case "":
		return fmt.Errorf("traversal mode is required")
	default:
		return fmt.Errorf("unknown traversal mode %q", c.Mode)
	}
	return c.Budget.Validate()
}

// ChildSpec describes one requested child invocation and its own children.
// Delegation trees are finite and acyclic by construction.
type ChildSpec struct {
	Agent    string      `json:"agent" yaml:"agent"`
	Prompt   string      `json:"prompt" yaml:"prompt"`
	Children []ChildSpec `json:"children,omitempty" yaml:"children"`
}

// Result is the outcome of one delegation run.
type Result struct {
	Success               bool                  `json:"success"`
	StopReason            StopReason            `json:"stop_reason"`
	Results               []*models.AgentResult `json:"results"`
	Errors                []string              `json:"errors,omitempty"`
	TotalAgents           int                   `json:"total_agents"`
	MaxDepthReached       int                   `json:"max_depth_reached"`
	ElapsedSeconds        float64               `json:"elapsed_seconds"`
	Iterations            int                   `json:"iterations"`
	Converged             bool                  `json:"converged"`
	StagnationDetected    bool                  `json:"stagnation_detected"`
	FinalNoveltySignature string                `json:"final_novelty_signature,omitempty"`
}
