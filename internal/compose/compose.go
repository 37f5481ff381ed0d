// Package compose assembles the two artifacts each agent invocation needs:
// the system prompt (base agent prompt plus injected skills) and the
// provider-shaped message and tool payloads.
package compose

import (
	"fmt"
	"strings"

	"github.com/maestrolabs/maestro/internal/provider"
	"github.com/maestrolabs/maestro/internal/skills"
	"github.com/maestrolabs/maestro/internal/tools"
	"github.com/maestrolabs/maestro/pkg/models"
)

// DefaultPrompt is used when an agent descriptor carries no prompt.
const DefaultPrompt = "You are a helpful assistant."

// skillsHeader opens the skills block of a composed system prompt.
const skillsHeader = "You have access to the following skills:"

// truncationSuffix is appended when a prompt is cut to the char budget.
const truncationSuffix = "..."

// Builder assembles prompts and payloads. The zero value applies no
// character budget.
type Builder struct {
	// MaxChars caps the composed system prompt length. Zero means no cap.
	MaxChars int
}

// SystemPrompt composes the system prompt for an agent. With no requested
// skills the result is the agent's base prompt (or DefaultPrompt when the
// agent prompt is empty). Requested skills are rendered in request order,
// one line per skill plus a content continuation, followed by a blank line
// and the base prompt. Names missing from the library are silently skipped.
func (b *Builder) SystemPrompt(agent *models.Agent, requested []string, library *skills.Library) string {
	base := ""
	if agent != nil {
		base = agent.Prompt
	}
	if base == "" {
		base = DefaultPrompt
	}

	var resolved []skills.Skill
	if library != nil && len(requested) > 0 {
		resolved = library.Resolve(requested)
	}

	prompt := base
	if len(resolved) > 0 {
		var sb strings.Builder
		sb.WriteString(skillsHeader)
		sb.WriteString("\n")
		for _, s := range resolved {
			fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
			fmt.Fprintf(&sb, "  content: %s\n", s.Content)
		}
		sb.WriteString("\n")
		sb.WriteString(base)
		prompt = sb.String()
	}

	return b.truncate(prompt)
}

func (b *Builder) truncate(prompt string) string {
	if b.MaxChars <= 0 || len(prompt) <= b.MaxChars {
		return prompt
	}
	cut := b.MaxChars - len(truncationSuffix)
	if cut < 0 {
		cut = 0
	}
	return prompt[:cut] + truncationSuffix
}

// Messages translates a message history to provider shape. Assistant
// content is the concatenation of every TextPart in part order; non-text
// parts contribute nothing.
func Messages(history []*models.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))
	for _, msg := range history {
		content := msg.Text
		if msg.Role == models.RoleAssistant && len(msg.Parts) > 0 {
			content = msg.Parts.TextOf()
		}
		out = append(out, provider.Message{Role: string(msg.Role), Content: content})
	}
	return out
}

// PrependSystem injects the system prompt as a leading system message, for
// providers that lack a top-level system field.
func PrependSystem(messages []provider.Message, system string) []provider.Message {
	if system == "" {
		return messages
	}
	out := make([]provider.Message, 0, len(messages)+1)
	out = append(out, provider.Message{Role: string(models.RoleSystem), Content: system})
	return append(out, messages...)
}

// ToolSchemas renders the registry's tools in registration order.
func ToolSchemas(reg *tools.Registry) []provider.ToolSchema {
	if reg == nil {
		return nil
	}
	list := reg.List()
	out := make([]provider.ToolSchema, 0, len(list))
	for _, tool := range list {
		out = append(out, provider.ToolSchema{
			Type: "function",
			Function: provider.FunctionSpec{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Schema(),
			},
		})
	}
	return out
}
