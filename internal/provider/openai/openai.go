// Package openai adapts the OpenAI chat completions API to the provider
// streaming contract.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sdk "github.com/sashabaranov/go-openai"

	"github.com/maestrolabs/maestro/internal/provider"
	"github.com/maestrolabs/maestro/pkg/models"
)

// Provider streams completions from the OpenAI chat completions API.
type Provider struct {
	client *sdk.Client
	logger *slog.Logger
	models []provider.ModelInfo
}

// New creates an OpenAI provider with the given API key.
func New(apiKey string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: sdk.NewClient(apiKey),
		logger: logger,
		models: []provider.ModelInfo{
			{
				ID:                "gpt-4o",
				Name:              "GPT-4o",
				ContextSize:       128_000,
				InputCostPerMTok:  2.5,
				OutputCostPerMTok: 10.0,
			},
			{
				ID:                "gpt-4o-mini",
				Name:              "GPT-4o mini",
				ContextSize:       128_000,
				InputCostPerMTok:  0.15,
				OutputCostPerMTok: 0.6,
			},
			{
				ID:                "o3-mini",
				Name:              "o3-mini",
				ContextSize:       200_000,
				InputCostPerMTok:  1.1,
				OutputCostPerMTok: 4.4,
			},
		},
	}
}

// Name returns the provider id.
func (p *Provider) Name() string { return "openai" }

// Models returns the advertised model list.
func (p *Provider) Models() []provider.ModelInfo { return p.models }

// Cost computes the dollar cost of a turn from the model's rate card.
func (p *Provider) Cost(usage *models.TokenUsage, info provider.ModelInfo) float64 {
	return provider.DefaultCost(usage, info)
}

// Stream starts a streaming completion. The system prompt is folded into
// the messages array; OpenAI has no top-level system field.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	request := sdk.ChatCompletionRequest{
		Model:    req.Model.APIModel(),
		Messages: convertMessages(req.Messages, req.System),
		Tools:    convertTools(req.Tools),
		Stream:   true,
		StreamOptions: &sdk.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Options.Temperature != nil {
		request.Temperature = float32(*req.Options.Temperature)
	}
	if req.Options.TopP != nil {
		request.TopP = float32(*req.Options.TopP)
	}
	if req.Options.MaxTokens > 0 {
		request.MaxTokens = req.Options.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		defer stream.Close()
		p.consume(ctx, stream, out)
	}()
	return out, nil
}

// convertMessages maps the neutral payload to OpenAI chat messages. The
// system prompt becomes the leading message.
func convertMessages(messages []provider.Message, system string) []sdk.ChatCompletionMessage {
	out := make([]sdk.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, sdk.ChatCompletionMessage{
			Role:    sdk.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		out = append(out, sdk.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return out
}

func convertTools(schemas []provider.ToolSchema) []sdk.Tool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]sdk.Tool, 0, len(schemas))
	for _, schema := range schemas {
		var params map[string]any
		if err := json.Unmarshal(schema.Function.Parameters, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        schema.Function.Name,
				Description: schema.Function.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func (p *Provider) consume(ctx context.Context, stream *sdk.ChatCompletionStream, out chan<- provider.StreamEvent) {
	var usage models.TokenUsage
	sawToolCall := false

	// Tool calls accumulate across chunks, keyed by index.
	pending := make(map[int]*provider.ToolCall)
	args := make(map[int]string)
	var order []int

	emit := func(ev provider.StreamEvent) bool {
		ev.TimestampMS = time.Now().UnixMilli()
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushToolCalls := func() bool {
		for _, idx := range order {
			tc := pending[idx]
			if tc == nil || tc.Name == "" {
				continue
			}
			input := args[idx]
			if input == "" {
				input = "{}"
			}
			tc.Input = json.RawMessage(input)
			if tc.CallID == "" {
				tc.CallID = uuid.NewString()
			}
			sawToolCall = true
			if !emit(provider.StreamEvent{Type: provider.EventToolCall, ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*provider.ToolCall)
		args = make(map[int]string)
		order = nil
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if !flushToolCalls() {
					return
				}
				reason := "stop"
				if sawToolCall {
					reason = provider.FinishToolCalls
				}
				emit(provider.StreamEvent{
					Type:   provider.EventFinish,
					Finish: &provider.Finish{Reason: reason, Usage: &usage},
				})
				return
			}
			p.logger.Error("openai stream failed", "error", err)
			emit(provider.StreamEvent{Type: provider.EventFinish, Err: fmt.Errorf("openai stream: %w", err)})
			return
		}

		if response.Usage != nil {
			usage.Input = response.Usage.PromptTokens
			usage.Output = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(provider.StreamEvent{Type: provider.EventTextDelta, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &provider.ToolCall{}
				order = append(order, index)
			}
			if tc.ID != "" {
				pending[index].CallID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args[index] += tc.Function.Arguments
			}
		}

		if choice.FinishReason == sdk.FinishReasonToolCalls {
			if !flushToolCalls() {
				return
			}
		}
	}
}
