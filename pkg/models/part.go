package models

import (
	"encoding/json"
	"fmt"
)

// PartType discriminates the Part variants. It is serialized as the
// "part_type" field of every part.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeTool       PartType = "tool"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeSnapshot   PartType = "snapshot"
	PartTypePatch      PartType = "patch"
	PartTypeAgent      PartType = "agent"
	PartTypeCompaction PartType = "compaction"
	PartTypeFile       PartType = "file"
	PartTypeSubtask    PartType = "subtask"
	PartTypeRetry      PartType = "retry"
)

// Part is one semantic unit of a message: a streamed text chunk, a tool
// invocation, a reasoning block, and so on. Implementations are the closed
// set of variants defined in this file.
type Part interface {
	// Type returns the discriminator for this variant.
	Type() PartType

	// Base returns the identity fields shared by every part.
	Base() *PartBase
}

// PartBase carries the identity fields every part variant shares.
type PartBase struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// Base implements Part.
func (b *PartBase) Base() *PartBase { return b }

// ToolStatus is the lifecycle state of a tool call. Transitions run
// pending -> running -> (completed | error), with pending -> error permitted
// on early cancellation. There are no backward transitions.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Terminal reports whether the status is a terminal state.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolError
}

// ToolState captures the full lifecycle record of one tool call.
type ToolState struct {
	Status   ToolStatus      `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`

	// TimeStart and TimeEnd are epoch seconds.
	TimeStart float64 `json:"time_start,omitempty"`
	TimeEnd   float64 `json:"time_end,omitempty"`

	// TimeCompacted is set when the state was rewritten by compaction.
	TimeCompacted *float64 `json:"time_compacted,omitempty"`
}

// PartSource records which provider/model emitted a part.
type PartSource struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// TextPart carries streamed assistant or user text.
type TextPart struct {
	PartBase
	Text string      `json:"text"`
	Time MessageTime `json:"time"`
}

func (*TextPart) Type() PartType { return PartTypeText }

// ToolPart records one tool invocation and its final state.
type ToolPart struct {
	PartBase
	Tool   string      `json:"tool"`
	CallID string      `json:"call_id"`
	State  ToolState   `json:"state"`
	Source *PartSource `json:"source,omitempty"`
}

func (*ToolPart) Type() PartType { return PartTypeTool }

// ReasoningPart carries model reasoning text.
type ReasoningPart struct {
	PartBase
	Text string      `json:"text"`
	Time MessageTime `json:"time"`
}

func (*ReasoningPart) Type() PartType { return PartTypeReasoning }

// SnapshotPart marks a workspace snapshot taken during the turn.
type SnapshotPart struct {
	PartBase
	Snapshot string `json:"snapshot"`
}

func (*SnapshotPart) Type() PartType { return PartTypeSnapshot }

// PatchPart records a patch applied during the turn.
type PatchPart struct {
	PartBase
	Hash  string   `json:"hash"`
	Files []string `json:"files,omitempty"`
}

func (*PatchPart) Type() PartType { return PartTypePatch }

// AgentPart is a soft delimiter between tool cycles, naming the provider
// that drove the cycle.
type AgentPart struct {
	PartBase
	Name string `json:"name"`
}

func (*AgentPart) Type() PartType { return PartTypeAgent }

// CompactionPart marks where older history was folded into a summary.
type CompactionPart struct {
	PartBase
	Summary string `json:"summary,omitempty"`
	// Compacted counts the messages folded into the summary.
	Compacted int `json:"compacted,omitempty"`
}

func (*CompactionPart) Type() PartType { return PartTypeCompaction }

// FilePart references a file attached to the message.
type FilePart struct {
	PartBase
	MIME     string `json:"mime"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func (*FilePart) Type() PartType { return PartTypeFile }

// SubtaskPart links a delegated child task spawned during the turn.
type SubtaskPart struct {
	PartBase
	TaskID      string `json:"task_id"`
	AgentName   string `json:"agent_name"`
	Description string `json:"description,omitempty"`
}

func (*SubtaskPart) Type() PartType { return PartTypeSubtask }

// RetryPart records a retried provider call.
type RetryPart struct {
	PartBase
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

func (*RetryPart) Type() PartType { return PartTypeRetry }

// Parts is an ordered list of message parts with envelope-based JSON
// encoding: each element serializes its variant fields alongside a
// "part_type" discriminator.
type Parts []Part

// partEnvelope wraps a part with its discriminator for encoding.
type partEnvelope struct {
	PartType PartType `json:"part_type"`
}

// MarshalJSON implements json.Marshaler.
func (p Parts) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(p))
	for _, part := range p {
		body, err := json.Marshal(part)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		tag, err := json.Marshal(part.Type())
		if err != nil {
			return nil, err
		}
		fields["part_type"] = tag
		merged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		raw = append(raw, merged)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Parts) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Parts, 0, len(raw))
	for _, body := range raw {
		var env partEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return err
		}
		part, err := newPart(env.PartType)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, part); err != nil {
			return err
		}
		out = append(out, part)
	}
	*p = out
	return nil
}

// newPart allocates the variant for a discriminator.
func newPart(t PartType) (Part, error) {
	switch t {
	case PartTypeText:
		return &TextPart{}, nil
	case PartTypeTool:
		return &ToolPart{}, nil
	case PartTypeReasoning:
		return &ReasoningPart{}, nil
	case PartTypeSnapshot:
		return &SnapshotPart{}, nil
	case PartTypePatch:
		return &PatchPart{}, nil
	case PartTypeAgent:
		return &AgentPart{}, nil
	case PartTypeCompaction:
		return &CompactionPart{}, nil
	case PartTypeFile:
		return &FilePart{}, nil
	case PartTypeSubtask:
		return &SubtaskPart{}, nil
	case PartTypeRetry:
		return &RetryPart{}, nil
	default:
		return nil, fmt.Errorf("unknown part_type %q", t)
	}
}

// TextOf concatenates the text of every TextPart in part order. For a
// well-formed assistant message this equals Message.Text.
func (p Parts) TextOf() string {
	var out string
	for _, part := range p {
		if tp, ok := part.(*TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// ToolsUsed returns the tool names of every ToolPart in part order,
// de-duplicated while preserving first occurrence.
func (p Parts) ToolsUsed() []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, part := range p {
		tp, ok := part.(*ToolPart)
		if !ok || seen[tp.Tool] {
			continue
		}
		seen[tp.Tool] = true
		out = append(out, tp.Tool)
	}
	return out
}
