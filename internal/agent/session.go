package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/maestrolabs/maestro/internal/bus"
	"github.com/maestrolabs/maestro/internal/compose"
	"github.com/maestrolabs/maestro/internal/provider"
	"github.com/maestrolabs/maestro/internal/skills"
	"github.com/maestrolabs/maestro/internal/store"
	"github.com/maestrolabs/maestro/internal/toolexec"
	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/pkg/models"
)

// Lifecycle receives callbacks as a session progresses. All methods are
// optional notifications; implementations must not block.
type Lifecycle interface {
	MessageAdded(msg *models.Message)
	SessionUpdated(payload map[string]any)
}

// SessionConfig binds a StreamSession to its collaborators.
type SessionConfig struct {
	Session  *models.Session
	Agent    *models.Agent
	Provider provider.Provider
	ModelID  string

	// Registry is the permission-filtered tool registry for this run.
	Registry *tools.Registry

	Skills     *skills.Library
	SkillNames []string

	// Store persists messages and the session counter when set. Without a
	// store the session keeps everything in memory and history is limited
	// to the current turn.
	Store store.Store

	Bus       *bus.Bus
	Manager   *toolexec.Manager
	Lifecycle Lifecycle
	Builder   compose.Builder
	Logger    *slog.Logger
}

// StreamSession drives one user→assistant turn at a time. It is owned by a
// single logical caller; concurrent turns require separate sessions.
type StreamSession struct {
	cfg     SessionConfig
	logger  *slog.Logger
	manager *toolexec.Manager

	// local accumulates messages when no store is attached.
	local []*models.Message
}

// NewStreamSession creates a session over the given collaborators.
func NewStreamSession(cfg SessionConfig) (*StreamSession, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("stream session requires a session")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("stream session requires a provider")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manager := cfg.Manager
	if manager == nil {
		manager = toolexec.NewManager(cfg.Registry, cfg.Bus, toolexec.Options{Logger: logger})
	}
	return &StreamSession{cfg: cfg, logger: logger, manager: manager}, nil
}

// Close tears the session down, cancelling any in-flight tool call.
func (s *StreamSession) Close() {
	s.manager.Cleanup()
}

// ProcessMessage runs one turn: persist the user message, stream the
// provider response, execute requested tools in order, and persist the
// assistant message.
func (s *StreamSession) ProcessMessage(ctx context.Context, userText string, opts provider.Options) (*models.Message, error) {
	userMsg, err := s.appendMessage(ctx, &models.Message{
		Role: models.RoleUser,
		Text: userText,
	})
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	history, err := s.history(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	modelInfo, err := provider.LookupModel(s.cfg.Provider, s.cfg.ModelID)
	if err != nil {
		return nil, err
	}

	opts = s.mergeAgentOptions(opts)
	system := s.cfg.Builder.SystemPrompt(s.cfg.Agent, s.cfg.SkillNames, s.cfg.Skills)

	events, err := s.cfg.Provider.Stream(ctx, &provider.Request{
		Model:    modelInfo,
		System:   system,
		Messages: compose.Messages(history),
		Tools:    compose.ToolSchemas(s.cfg.Registry),
		Options:  opts,
	})
	if err != nil {
		return nil, fmt.Errorf("provider stream: %w", err)
	}

	assistantID := s.cfg.Session.NextMessageID()
	turn, err := s.consume(ctx, events, assistantID, history, modelInfo)
	if err != nil {
		return nil, err
	}

	assistant := &models.Message{
		Role:  models.RoleAssistant,
		Text:  turn.text,
		Parts: turn.parts,
		Metadata: models.MessageMetadata{
			ParentID:   userMsg.ID,
			ModelID:    s.cfg.ModelID,
			ProviderID: s.cfg.Provider.Name(),
			Agent:      s.agentName(),
			Path: &models.PathInfo{
				Root: s.cfg.Session.Directory,
				CWD:  s.cfg.Session.Directory,
			},
			Cost:   turn.cost,
			Tokens: turn.usage,
		},
	}
	assistant, err = s.appendMessage(ctx, assistant)
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	return assistant, nil
}

func (s *StreamSession) agentName() string {
	if s.cfg.Agent == nil {
		return ""
	}
	return s.cfg.Agent.Name
}

// mergeAgentOptions layers the agent's temperature/top_p under the caller's
// options. Caller values win.
func (s *StreamSession) mergeAgentOptions(opts provider.Options) provider.Options {
	if s.cfg.Agent == nil {
		return opts
	}
	if opts.Temperature == nil && s.cfg.Agent.Temperature != nil {
		opts.Temperature = s.cfg.Agent.Temperature
	}
	if opts.TopP == nil && s.cfg.Agent.TopP != nil {
		opts.TopP = s.cfg.Agent.TopP
	}
	return opts
}

// appendMessage assigns the next message id, persists, bumps the counter,
// and emits MESSAGE_CREATED plus the lifecycle callback.
func (s *StreamSession) appendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	session := s.cfg.Session
	msg.ID = session.NextMessageID()
	msg.SessionID = session.ID
	now := models.NowMS()
	msg.Time = models.MessageTime{CreatedMS: now, UpdatedMS: now}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.AppendMessage(ctx, msg); err != nil {
			return nil, err
		}
		session.MessageCounter++
		session.UpdatedAt = float64(now) / 1000
		if err := s.cfg.Store.UpdateSession(ctx, session); err != nil {
			return nil, err
		}
	} else {
		session.MessageCounter++
		s.local = append(s.local, msg)
	}

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.MessageCreated, bus.Payload{
			"session_id": session.ID,
			"message_id": msg.ID,
			"role":       string(msg.Role),
		})
	}
	if s.cfg.Lifecycle != nil {
		s.cfg.Lifecycle.MessageAdded(msg)
	}
	return msg, nil
}

// history returns the provider-facing conversation so far.
func (s *StreamSession) history(ctx context.Context) ([]*models.Message, error) {
	if s.cfg.Store != nil {
		return s.cfg.Store.History(ctx, s.cfg.Session.ID)
	}
	return s.local, nil
}

// turnResult accumulates the output of one stream consumption.
type turnResult struct {
	parts models.Parts
	text  string
	usage *models.TokenUsage
	cost  float64
}

// consume reads the provider stream to completion, executing tool calls
// synchronously in event order. Text deltas between tool calls are
// preserved as separate TextParts so part order mirrors event order.
func (s *StreamSession) consume(ctx context.Context, events <-chan provider.StreamEvent, messageID string, history []*models.Message, modelInfo provider.ModelInfo) (*turnResult, error) {
	turn := &turnResult{}
	var textBuf strings.Builder
	var fullText strings.Builder

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		now := models.NowMS()
		turn.parts = append(turn.parts, &models.TextPart{
			PartBase: s.partBase(messageID),
			Text:     textBuf.String(),
			Time:     models.MessageTime{CreatedMS: now, UpdatedMS: now},
		})
		textBuf.Reset()
	}

	for event := range events {
		if event.Err != nil {
			s.manager.Cleanup()
			return nil, fmt.Errorf("provider stream: %w", event.Err)
		}
		if ctx.Err() != nil {
			s.manager.Cleanup()
			return nil, ctx.Err()
		}

		switch event.Type {
		case provider.EventTextDelta:
			textBuf.WriteString(event.Text)
			fullText.WriteString(event.Text)

		case provider.EventToolCall:
			flushText()
			call := event.ToolCall
			base := s.partBase(messageID)
			req := &toolexec.Request{
				ToolName:  call.Name,
				Input:     call.Input,
				CallID:    call.CallID,
				PartID:    base.ID,
				SessionID: s.cfg.Session.ID,
				MessageID: messageID,
				Agent:     s.agentName(),
				Model:     s.cfg.ModelID,
				Messages:  history,
			}
			outcome := s.manager.Execute(ctx, req)
			// The manager synthesizes an id when the provider omits one;
			// req.CallID is the one the TOOL_* events carried.
			turn.parts = append(turn.parts, &models.ToolPart{
				PartBase: base,
				Tool:     call.Name,
				CallID:   req.CallID,
				State:    outcome.State,
				Source: &models.PartSource{
					Provider: s.cfg.Provider.Name(),
					Model:    s.cfg.ModelID,
				},
			})
			if cost, ok := outcome.Result.Metadata["cost"].(float64); ok {
				turn.cost += cost
			}

		case provider.EventFinish:
			if event.Finish == nil {
				continue
			}
			if event.Finish.Usage != nil {
				turn.usage = event.Finish.Usage
			}
			if event.Finish.Reason == provider.FinishToolCalls {
				flushText()
				turn.parts = append(turn.parts, &models.AgentPart{
					PartBase: s.partBase(messageID),
					Name:     s.cfg.Provider.Name(),
				})
			}
		}
	}

	flushText()
	turn.text = fullText.String()
	turn.cost += s.cfg.Provider.Cost(turn.usage, modelInfo)
	return turn, nil
}

func (s *StreamSession) partBase(messageID string) models.PartBase {
	return models.PartBase{
		ID:        uuid.NewString(),
		SessionID: s.cfg.Session.ID,
		MessageID: messageID,
	}
}
