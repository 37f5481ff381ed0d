// Package anthropic adapts the Anthropic Messages API to the provider
// streaming contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/maestrolabs/maestro/internal/provider"
	"github.com/maestrolabs/maestro/pkg/models"
)

const defaultMaxTokens = 4096

// Provider streams completions from the Anthropic Messages API.
type Provider struct {
	client sdk.Client
	logger *slog.Logger
	models []provider.ModelInfo
}

// New creates an Anthropic provider with the given API key.
func New(apiKey string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
		models: []provider.ModelInfo{
			{
				ID:                "claude-sonnet-4-5",
				APIID:             "claude-sonnet-4-5-20250929",
				Name:              "Claude Sonnet 4.5",
				ContextSize:       200_000,
				InputCostPerMTok:  3.0,
				OutputCostPerMTok: 15.0,
			},
			{
				ID:                "claude-haiku-4-5",
				APIID:             "claude-haiku-4-5-20251001",
				Name:              "Claude Haiku 4.5",
				ContextSize:       200_000,
				InputCostPerMTok:  1.0,
				OutputCostPerMTok: 5.0,
			},
			{
				ID:                "claude-opus-4-1",
				APIID:             "claude-opus-4-1-20250805",
				Name:              "Claude Opus 4.1",
				ContextSize:       200_000,
				InputCostPerMTok:  15.0,
				OutputCostPerMTok: 75.0,
			},
			{
				ID:                "claude-sonnet-4",
				APIID:             "claude-sonnet-4-20250514",
				Name:              "Claude Sonnet 4",
				ContextSize:       200_000,
				InputCostPerMTok:  3.0,
				OutputCostPerMTok: 15.0,
			},
		},
	}
}

// Name returns the provider id.
func (p *Provider) Name() string { return "anthropic" }

// Models returns the advertised model list.
func (p *Provider) Models() []provider.ModelInfo { return p.models }

// Cost computes the dollar cost of a turn from the model's rate card.
func (p *Provider) Cost(usage *models.TokenUsage, info provider.ModelInfo) float64 {
	return provider.DefaultCost(usage, info)
}

// Stream starts a streaming completion. Events are translated on a
// dedicated goroutine; the returned channel closes when the upstream
// stream ends.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		p.consume(ctx, stream, out)
	}()
	return out, nil
}

func (p *Provider) buildParams(req *provider.Request) (sdk.MessageNewParams, error) {
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model.APIModel()),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Options.Temperature != nil {
		params.Temperature = sdk.Float(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		params.TopP = sdk.Float(*req.Options.TopP)
	}

	tools, err := convertTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params.Tools = tools
	return params, nil
}

// convertMessages maps the neutral payload to Anthropic message params.
// System entries are dropped; the system prompt travels in the top-level
// System field.
func convertMessages(messages []provider.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case string(models.RoleUser):
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case string(models.RoleAssistant):
			if msg.Content != "" {
				out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
			}
		}
	}
	return out
}

func convertTools(schemas []provider.ToolSchema) ([]sdk.ToolUnionParam, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(schemas))
	for _, schema := range schemas {
		var inputSchema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(schema.Function.Parameters, &inputSchema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", schema.Function.Name, err)
		}
		toolParam := sdk.ToolUnionParamOfTool(inputSchema, schema.Function.Name)
		if schema.Function.Description != "" {
			toolParam.OfTool.Description = sdk.String(schema.Function.Description)
		}
		out = append(out, toolParam)
	}
	return out, nil
}

func (p *Provider) consume(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- provider.StreamEvent) {
	var usage models.TokenUsage
	stopReason := ""
	sawToolCall := false

	// Tool call being assembled across input_json_delta events.
	var currentCallID, currentToolName string
	var currentInput strings.Builder
	inToolBlock := false

	emit := func(ev provider.StreamEvent) bool {
		ev.TimestampMS = time.Now().UnixMilli()
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.Input = int(messageStart.Message.Usage.InputTokens)
			usage.CacheRead = int(messageStart.Message.Usage.CacheReadInputTokens)
			usage.CacheWrite = int(messageStart.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCallID = toolUse.ID
				currentToolName = toolUse.Name
				currentInput.Reset()
				inToolBlock = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(provider.StreamEvent{Type: provider.EventTextDelta, Text: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if !inToolBlock {
				continue
			}
			inToolBlock = false
			sawToolCall = true
			input := currentInput.String()
			if input == "" {
				input = "{}"
			}
			callID := currentCallID
			if callID == "" {
				callID = uuid.NewString()
			}
			ev := provider.StreamEvent{
				Type: provider.EventToolCall,
				ToolCall: &provider.ToolCall{
					CallID: callID,
					Name:   currentToolName,
					Input:  json.RawMessage(input),
				},
			}
			if !emit(ev) {
				return
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.Output = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
		}
	}

	if err := stream.Err(); err != nil {
		p.logger.Error("anthropic stream failed", "error", err)
		emit(provider.StreamEvent{Type: provider.EventFinish, Err: fmt.Errorf("anthropic stream: %w", err)})
		return
	}

	finishReason := "stop"
	if sawToolCall || stopReason == "tool_use" {
		finishReason = provider.FinishToolCalls
	}
	emit(provider.StreamEvent{
		Type:   provider.EventFinish,
		Finish: &provider.Finish{Reason: finishReason, Usage: &usage},
	})
}
