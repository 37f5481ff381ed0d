package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maestrolabs/maestro/internal/orchestrator"
	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/pkg/models"
)

// Engine drives one delegation tree at a time through the orchestrator. An
// Engine is cheap to construct; the per-run state lives in the run context
// and is discarded on return.
type Engine struct {
	cfg    Config
	orch   *orchestrator.Orchestrator
	tools  *tools.Registry
	logger *slog.Logger
}

// NewEngine validates the config and creates an engine.
func NewEngine(cfg Config, orch *orchestrator.Orchestrator, registry *tools.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if orch == nil {
		return nil, fmt.Errorf("delegation requires an orchestrator")
	}
	if len(cfg.EvidenceKeys) == 0 {
		cfg.EvidenceKeys = append([]string{}, defaultEvidenceKeys...)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, orch: orch, tools: registry, logger: logger}, nil
}

// node is one pending child invocation on the frontier.
type node struct {
	spec     ChildSpec
	depth    int
	parentID string
}

// run holds the per-delegation state. It is owned by the Delegate call that
// created it.
type run struct {
	start      time.Time
	sessionID  string
	mode       TraversalMode
	results    []*models.AgentResult
	errors     []string
	signatures []string
	seen       map[string]bool
	stagnation int
	spawned    int
	maxDepth   int
	iterations int

	stagnationDetected bool
	breadthBreached    bool

	// lastNovelID is the task whose result most recently added novelty;
	// adaptive mode descends into its branch when BFS stalls.
	lastNovelID string
}

// Delegate executes the root agent and then expands the child tree under the
// configured mode and budget. It always returns a Result; errors during
// traversal are folded into Result.Errors and the stop reason.
func (e *Engine) Delegate(ctx context.Context, rootAgent, rootPrompt, sessionID string, children []ChildSpec) *Result {
	rc := &run{
		start:     time.Now(),
		sessionID: sessionID,
		mode:      e.cfg.Mode,
		seen:      make(map[string]bool),
	}
	if rc.mode == ModeAdaptive {
		rc.mode = ModeBFS
	}

	rootID, err := e.execute(ctx, rc, rootAgent, rootPrompt, "", 0)
	if err != nil {
		rc.errors = append(rc.errors, err.Error())
		return e.finish(rc, StopError)
	}

	if len(children) == 0 {
		return e.finish(rc, StopCompleted)
	}
	if len(children) > e.cfg.Budget.MaxBreadth {
		rc.breadthBreached = true
	}

	frontier := make([]node, 0, len(children))
	for _, spec := range children {
		frontier = append(frontier, node{spec: spec, depth: 1, parentID: rootID})
	}

	for rc.iterations < e.cfg.Budget.MaxIterations {
		if reason, stop := e.checkStop(rc, frontier); stop {
			return e.finish(rc, reason)
		}

		var err error
		if rc.mode == ModeBFS {
			frontier, err = e.expandLevel(ctx, rc, frontier)
		} else {
			frontier, err = e.expandOne(ctx, rc, frontier)
		}
		rc.iterations++
		if err != nil {
			rc.errors = append(rc.errors, err.Error())
			return e.finish(rc, StopError)
		}

		// Adaptive: when BFS stalls, descend into the last novelty-bearing
		// branch instead of stopping.
		if e.cfg.Mode == ModeAdaptive && rc.mode == ModeBFS &&
			rc.stagnation >= e.cfg.Budget.StagnationThreshold {
			rc.mode = ModeDFS
			rc.stagnation = 0
			rc.stagnationDetected = true
			frontier = prioritizeBranch(frontier, rc.lastNovelID)
			e.logger.Info("delegation switching to depth-first",
				"session_id", sessionID, "branch", rc.lastNovelID)
		}
	}
	// Iteration cap reached with work left; the budget decides the reason.
	if reason, stop := e.checkStop(rc, frontier); stop {
		return e.finish(rc, reason)
	}
	return e.finish(rc, StopBudgetExhausted)
}

// checkStop applies the termination conditions in precedence order.
func (e *Engine) checkStop(rc *run, frontier []node) (StopReason, bool) {
	budget := e.cfg.Budget
	switch {
	case len(frontier) > 0 && frontier[0].depth > budget.MaxDepth:
		return StopDepthLimit, true
	case rc.breadthBreached:
		return StopBreadthLimit, true
	case rc.spawned >= budget.MaxTotalAgents:
		return StopBudgetExhausted, true
	case time.Since(rc.start).Seconds() >= float64(budget.MaxWallTimeSeconds):
		return StopTimeout, true
	case rc.stagnation >= budget.StagnationThreshold:
		return StopStagnation, true
	case e.converged(rc):
		return StopConverged, true
	case len(frontier) == 0:
		return StopCompleted, true
	}
	return "", false
}

func (e *Engine) converged(rc *run) bool {
	check := e.cfg.Hooks.OnConvergenceCheck
	if check == nil || len(rc.results) == 0 {
		return false
	}
	defer e.recoverHook("on_convergence_check")
	return check(rc.results)
}

// expandLevel runs the current depth level in parallel, capped at
// max_breadth per batch and clipped to the remaining agent budget, and
// returns the next level's frontier.
func (e *Engine) expandLevel(ctx context.Context, rc *run, frontier []node) ([]node, error) {
	depth := frontier[0].depth
	level := make([]node, 0, len(frontier))
	rest := make([]node, 0)
	for _, n := range frontier {
		if n.depth == depth {
			level = append(level, n)
		} else {
			rest = append(rest, n)
		}
	}

	batch := level
	if len(batch) > e.cfg.Budget.MaxBreadth {
		batch = batch[:e.cfg.Budget.MaxBreadth]
	}
	if remaining := e.cfg.Budget.MaxTotalAgents - rc.spawned; len(batch) > remaining {
		batch = batch[:remaining]
	}
	deferred := level[len(batch):]

	tasks := make([]*models.AgentTask, 0, len(batch))
	messages := make([]string, 0, len(batch))
	for _, n := range batch {
		e.spawnHook(n.spec.Agent, n.depth)
		tasks = append(tasks, &models.AgentTask{
			TaskID:    uuid.NewString(),
			AgentName: n.spec.Agent,
			ParentID:  n.parentID,
			Status:    models.TaskPending,
		})
		messages = append(messages, n.spec.Prompt)
	}
	registries := make([]*tools.Registry, len(tasks))
	for i := range registries {
		registries[i] = e.tools
	}
	if _, err := e.orch.RunParallelAgents(ctx, tasks, rc.sessionID, messages, registries); err != nil {
		return nil, err
	}

	next := append(deferred, rest...)
	for i, task := range tasks {
		rc.spawned++
		if batch[i].depth > rc.maxDepth {
			rc.maxDepth = batch[i].depth
		}
		record, ok := e.orch.GetResult(task.TaskID)
		if !ok {
			rc.errors = append(rc.errors, fmt.Sprintf("task %s: no result recorded", task.TaskID))
			continue
		}
		if record.Error != "" {
			rc.errors = append(rc.errors, record.Error)
			continue
		}
		e.absorb(rc, task.TaskID, record.Result)
		for _, child := range batch[i].spec.Children {
			next = append(next, node{spec: child, depth: batch[i].depth + 1, parentID: task.TaskID})
		}
		if len(batch[i].spec.Children) > e.cfg.Budget.MaxBreadth {
			rc.breadthBreached = true
		}
	}
	return next, nil
}

// expandOne runs the frontier head sequentially and pushes its children in
// front of the remaining siblings.
func (e *Engine) expandOne(ctx context.Context, rc *run, frontier []node) ([]node, error) {
	head, rest := frontier[0], frontier[1:]

	e.spawnHook(head.spec.Agent, head.depth)
	id, err := e.execute(ctx, rc, head.spec.Agent, head.spec.Prompt, head.parentID, head.depth)
	if err != nil {
		// Sequential traversal records the failure and moves to siblings.
		rc.errors = append(rc.errors, err.Error())
		return rest, nil
	}

	if len(head.spec.Children) > e.cfg.Budget.MaxBreadth {
		rc.breadthBreached = true
	}
	next := make([]node, 0, len(head.spec.Children)+len(rest))
	for _, child := range head.spec.Children {
		next = append(next, node{spec: child, depth: head.depth + 1, parentID: id})
	}
	return append(next, rest...), nil
}

// execute runs one agent through the orchestrator and absorbs its result.
func (e *Engine) execute(ctx context.Context, rc *run, agentName, prompt, parentID string, depth int) (string, error) {
	if depth == 0 {
		e.spawnHook(agentName, depth)
	}
	task := &models.AgentTask{
		TaskID:    uuid.NewString(),
		AgentName: agentName,
		ParentID:  parentID,
		Status:    models.TaskPending,
	}
	id, err := e.orch.DelegateTask(ctx, task, rc.sessionID, prompt, e.tools)
	rc.spawned++
	if depth > rc.maxDepth {
		rc.maxDepth = depth
	}
	if err != nil {
		return id, err
	}
	record, ok := e.orch.GetResult(id)
	if !ok || record.Result == nil {
		return id, fmt.Errorf("task %s: no result recorded", id)
	}
	e.absorb(rc, id, record.Result)
	return id, nil
}

// absorb records a successful result: novelty accounting plus the completion
// hook.
func (e *Engine) absorb(rc *run, taskID string, result *models.AgentResult) {
	rc.results = append(rc.results, result)

	signature := e.signature(result)
	if rc.seen[signature] {
		rc.stagnation++
	} else {
		rc.seen[signature] = true
		rc.signatures = append(rc.signatures, signature)
		rc.stagnation = 0
		rc.lastNovelID = taskID
	}

	if hook := e.cfg.Hooks.OnAgentComplete; hook != nil {
		func() {
			defer e.recoverHook("on_agent_complete")
			hook(result.AgentName, result)
		}()
	}
}

// signature projects a result to its novelty hash: the configured evidence
// keys from metadata in key order, falling back to the response text.
func (e *Engine) signature(result *models.AgentResult) string {
	var projected string
	for _, key := range e.cfg.EvidenceKeys {
		if value, ok := result.Metadata[key]; ok && value != nil {
			projected += fmt.Sprint(value)
		}
	}
	if projected == "" {
		projected = result.Response
	}
	sum := sha256.Sum256([]byte(projected))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) spawnHook(agentName string, depth int) {
	if hook := e.cfg.Hooks.OnAgentSpawn; hook != nil {
		func() {
			defer e.recoverHook("on_agent_spawn")
			hook(agentName, depth)
		}()
	}
}

func (e *Engine) recoverHook(name string) {
	if r := recover(); r != nil {
		e.logger.Warn("delegation hook panicked", "hook", name, "panic", r)
	}
}

func (e *Engine) finish(rc *run, reason StopReason) *Result {
	result := &Result{
		Success:            reason != StopError && len(rc.errors) == 0,
		StopReason:         reason,
		Results:            rc.results,
		Errors:             rc.errors,
		TotalAgents:        rc.spawned,
		MaxDepthReached:    rc.maxDepth,
		ElapsedSeconds:     time.Since(rc.start).Seconds(),
		Iterations:         rc.iterations,
		Converged:          reason == StopConverged,
		StagnationDetected: rc.stagnationDetected || reason == StopStagnation,
	}
	if len(rc.signatures) > 0 {
		result.FinalNoveltySignature = rc.signatures[len(rc.signatures)-1]
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.DelegationAgents.WithLabelValues(string(reason)).Add(float64(rc.spawned))
	}
	e.logger.Info("delegation finished",
		"session_id", rc.sessionID,
		"stop_reason", string(reason),
		"total_agents", rc.spawned,
		"iterations", rc.iterations,
	)
	return result
}

// prioritizeBranch moves the children of the given parent to the front of
// the frontier for depth-first descent.
func prioritizeBranch(frontier []node, parentID string) []node {
	if parentID == "" {
		return frontier
	}
	branch := make([]node, 0, len(frontier))
	others := make([]node, 0, len(frontier))
	for _, n := range frontier {
		if n.parentID == parentID {
			branch = append(branch, n)
		} else {
			others = append(others, n)
		}
	}
	return append(branch, others...)
}
