package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/maestrolabs/maestro/internal/bus"
	"github.com/maestrolabs/maestro/internal/compose"
	"github.com/maestrolabs/maestro/internal/observability"
	"github.com/maestrolabs/maestro/internal/provider"
	"github.com/maestrolabs/maestro/internal/skills"
	"github.com/maestrolabs/maestro/internal/store"
	"github.com/maestrolabs/maestro/internal/toolexec"
	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/internal/tools/policy"
	"github.com/maestrolabs/maestro/pkg/models"
)

// Defaults applied when neither the caller nor the agent descriptor names a
// provider or model.
const (
	DefaultProvider = "anthropic"
	DefaultModel    = "claude-sonnet-4-20250514"
)

// Runtime executes named agents against sessions. Failures are reported
// through AgentResult.Error; ExecuteAgent never returns a nil result and
// never re-raises.
type Runtime struct {
	agents    *Registry
	providers *provider.Registry
	store     store.Store
	skills    *skills.Library
	bus       *bus.Bus
	metrics   *observability.Metrics
	logger    *slog.Logger
	builder   compose.Builder
}

// RuntimeConfig wires a Runtime.
type RuntimeConfig struct {
	Agents    *Registry
	Providers *provider.Registry
	Store     store.Store
	Skills    *skills.Library
	Bus       *bus.Bus
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Builder   compose.Builder
}

// NewRuntime creates a Runtime.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agents := cfg.Agents
	if agents == nil {
		agents = NewRegistry()
	}
	return &Runtime{
		agents:    agents,
		providers: cfg.Providers,
		store:     cfg.Store,
		skills:    cfg.Skills,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		logger:    logger,
		builder:   cfg.Builder,
	}
}

// Agents exposes the agent registry.
func (r *Runtime) Agents() *Registry { return r.agents }

// ExecuteRequest describes one agent invocation.
type ExecuteRequest struct {
	AgentName   string
	SessionID   string
	UserMessage string

	// Tools is the unfiltered registry; the agent's permission list
	// derives the allowed subset.
	Tools *tools.Registry

	// SkillNames requests skills injected into the system prompt.
	SkillNames []string

	// Provider and Model override the defaults. The agent descriptor's
	// model hint overrides these; a provider registry entry's model
	// override wins last.
	Provider string
	Model    string

	// Options are generation options forwarded to the provider.
	Options provider.Options

	// TaskID links the result to an orchestrator task.
	TaskID string

	// Lifecycle receives progress callbacks.
	Lifecycle Lifecycle
}

// ExecuteAgent runs one agent invocation end to end.
func (r *Runtime) ExecuteAgent(ctx context.Context, req *ExecuteRequest) *models.AgentResult {
	start := time.Now()
	ctx = observability.WithSessionID(ctx, req.SessionID)
	ctx, span := observability.StartSpan(ctx, "agent.execute",
		attribute.String("agent", req.AgentName),
		attribute.String("session_id", req.SessionID),
	)
	result := r.execute(ctx, req, start)
	var spanErr error
	if result.Failed() {
		spanErr = fmt.Errorf("%s", result.Error)
	}
	observability.EndSpan(span, spanErr)

	if r.metrics != nil {
		status := "success"
		if result.Failed() {
			status = "error"
		}
		r.metrics.RecordAgentRun(req.AgentName, status, time.Since(start).Seconds())
		if result.TokensUsed != nil {
			r.metrics.RecordTokens(orDefault(req.Provider, DefaultProvider), orDefault(req.Model, DefaultModel),
				result.TokensUsed.Input, result.TokensUsed.Output)
		}
	}
	return result
}

func (r *Runtime) execute(ctx context.Context, req *ExecuteRequest, start time.Time) *models.AgentResult {
	agent, ok := r.agents.Get(req.AgentName)
	if !ok {
		r.publishError(req, "Agent not found")
		return r.failure(req, start, fmt.Sprintf("Agent not found: %s", req.AgentName))
	}

	session, err := r.loadSession(ctx, req)
	if err != nil {
		r.publishError(req, err.Error())
		return r.failure(req, start, err.Error())
	}

	payload := bus.Payload{"session_id": req.SessionID, "agent_name": req.AgentName}
	r.publish(bus.AgentInitialized, payload)
	if req.Lifecycle != nil {
		req.Lifecycle.SessionUpdated(payload)
	}

	filtered := policy.Filter(req.Tools, agent.Permissions)
	r.publish(bus.AgentReady, bus.Payload{
		"session_id":      req.SessionID,
		"agent_name":      req.AgentName,
		"tools_available": filtered.Len(),
	})

	prov, modelID, err := r.resolveProvider(agent, req)
	if err != nil {
		r.publishError(req, err.Error())
		return r.failure(req, start, err.Error())
	}

	streamSession, err := NewStreamSession(SessionConfig{
		Session:    session,
		Agent:      agent,
		Provider:   prov,
		ModelID:    modelID,
		Registry:   filtered,
		Skills:     r.skills,
		SkillNames: req.SkillNames,
		Store:      r.store,
		Bus:        r.bus,
		Manager: toolexec.NewManager(filtered, r.bus, toolexec.Options{
			Tracker: r.store,
			Logger:  r.logger,
		}),
		Lifecycle: req.Lifecycle,
		Builder:   r.builder,
		Logger:    r.logger,
	})
	if err != nil {
		r.publishError(req, err.Error())
		return r.failure(req, start, err.Error())
	}
	defer streamSession.Close()

	r.publish(bus.AgentExecuting, payload)
	if req.Lifecycle != nil {
		req.Lifecycle.SessionUpdated(payload)
	}

	msg, err := streamSession.ProcessMessage(ctx, req.UserMessage, req.Options)
	if err != nil {
		r.publishError(req, err.Error())
		return r.failure(req, start, err.Error())
	}

	toolsUsed := msg.Parts.ToolsUsed()
	duration := time.Since(start)
	r.publish(bus.AgentCleanup, bus.Payload{
		"session_id":  req.SessionID,
		"agent_name":  req.AgentName,
		"tools_used":  toolsUsed,
		"duration_ms": duration.Milliseconds(),
	})

	return &models.AgentResult{
		AgentName: req.AgentName,
		Response:  msg.Text,
		Parts:     msg.Parts,
		Metadata: map[string]any{
			"model_id":    msg.Metadata.ModelID,
			"provider_id": msg.Metadata.ProviderID,
			"cost":        msg.Metadata.Cost,
			"parent_id":   msg.Metadata.ParentID,
		},
		ToolsUsed:  toolsUsed,
		TokensUsed: msg.Metadata.Tokens,
		Duration:   duration,
		TaskID:     req.TaskID,
	}
}

// loadSession fetches and validates the session. Error strings are part of
// the runtime's contract with callers.
func (r *Runtime) loadSession(ctx context.Context, req *ExecuteRequest) (*models.Session, error) {
	if r.store == nil {
		return nil, fmt.Errorf("Session lookup failed: no session store attached")
	}
	session, err := r.store.GetSession(ctx, req.SessionID)
	switch {
	case err == nil:
	case isNotFound(err):
		return nil, fmt.Errorf("Session not found")
	default:
		return nil, fmt.Errorf("Session lookup failed: %v", err)
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return session, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// resolveProvider applies the resolution chain: caller options, then the
// agent's model hint, then the provider registry entry.
func (r *Runtime) resolveProvider(agent *models.Agent, req *ExecuteRequest) (provider.Provider, string, error) {
	providerID := orDefault(req.Provider, DefaultProvider)
	modelID := orDefault(req.Model, DefaultModel)

	if agent.Model != nil {
		if agent.Model.Provider != "" {
			providerID = agent.Model.Provider
		}
		if agent.Model.Model != "" {
			modelID = agent.Model.Model
		}
	}

	if r.providers == nil {
		return nil, "", fmt.Errorf("no provider registry attached")
	}
	entry, ok := r.providers.Get(providerID)
	if !ok {
		return nil, "", fmt.Errorf("unknown provider %q", providerID)
	}
	if entry.Model != "" {
		modelID = entry.Model
	}
	return entry.Provider, modelID, nil
}

func (r *Runtime) publish(event string, payload bus.Payload) {
	if r.bus != nil {
		r.bus.Publish(event, payload)
	}
}

func (r *Runtime) publishError(req *ExecuteRequest, message string) {
	r.publish(bus.AgentError, bus.Payload{
		"session_id": req.SessionID,
		"agent_name": req.AgentName,
		"error":      message,
	})
}

// failure builds the error-shaped AgentResult. The runtime never re-raises;
// callers inspect Error.
func (r *Runtime) failure(req *ExecuteRequest, start time.Time, message string) *models.AgentResult {
	r.logger.Error("agent execution failed",
		"agent", req.AgentName, "session_id", req.SessionID, "error", message)
	return &models.AgentResult{
		AgentName: req.AgentName,
		Response:  "Error: " + message,
		Metadata:  map[string]any{"error": message},
		ToolsUsed: []string{},
		Duration:  time.Since(start),
		Error:     message,
		TaskID:    req.TaskID,
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
