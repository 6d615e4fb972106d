package domain

import (
	"encoding/json"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType identifies a message part.
type PartType string

const (
	PartText           PartType = "text"
	PartReasoning      PartType = "reasoning"
	PartToolInvocation PartType = "tool-invocation"
	PartSource         PartType = "source"
	PartFile           PartType = "file"
	PartStepStart      PartType = "step-start"
)

// ToolState is the lifecycle of a tool invocation. Transitions only move
// forward: partial-call, call, result.
type ToolState string

const (
	ToolStatePartialCall ToolState = "partial-call"
	ToolStateCall        ToolState = "call"
	ToolStateResult      ToolState = "result"
)

// Rank orders tool states so callers can check monotonic progress.
func (s ToolState) Rank() int {
	switch s {
	case ToolStatePartialCall:
		return 0
	case ToolStateCall:
		return 1
	case ToolStateResult:
		return 2
	}
	return -1
}

// Message is the assistant reply being assembled from the stream.
type Message struct {
	ID              string            `json:"id"`
	Role            string            `json:"role"`
	CreatedAt       time.Time         `json:"createdAt"`
	Content         string            `json:"content"`
	Reasoning       string            `json:"reasoning,omitempty"`
	Parts           []Part            `json:"parts"`
	Annotations     []json.RawMessage `json:"annotations,omitempty"`
	ToolInvocations []ToolInvocation  `json:"toolInvocations,omitempty"`
}

// Part is one renderable segment of a message. Only the fields relevant to
// Type are populated.
type Part struct {
	Type           PartType          `json:"type"`
	Text           string            `json:"text,omitempty"`
	Reasoning      string            `json:"reasoning,omitempty"`
	Details        []ReasoningDetail `json:"details,omitempty"`
	ToolInvocation *ToolInvocation   `json:"toolInvocation,omitempty"`
	Source         *Source           `json:"source,omitempty"`
	MimeType       string            `json:"mimeType,omitempty"`
	Data           string            `json:"data,omitempty"`
}

// ReasoningDetail is either readable reasoning text (optionally signed) or an
// opaque redacted blob.
type ReasoningDetail struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Reasoning detail types.
const (
	DetailText     = "text"
	DetailRedacted = "redacted"
)

// ToolInvocation mirrors a tool-invocation part. Args is nil while the
// arguments are still unknown.
type ToolInvocation struct {
	State      ToolState       `json:"state"`
	Step       int             `json:"step"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ToolCall is the finalized call reported to the sink.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// Clone returns a deep copy of the message. Raw JSON values are treated as
// immutable and shared.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.Clone()
		}
	}
	if m.Annotations != nil {
		out.Annotations = append([]json.RawMessage(nil), m.Annotations...)
	}
	if m.ToolInvocations != nil {
		out.ToolInvocations = append([]ToolInvocation(nil), m.ToolInvocations...)
	}
	return out
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.Details != nil {
		out.Details = append([]ReasoningDetail(nil), p.Details...)
	}
	if p.ToolInvocation != nil {
		inv := *p.ToolInvocation
		out.ToolInvocation = &inv
	}
	if p.Source != nil {
		src := *p.Source
		out.Source = &src
	}
	return out
}

// PromptMessage is one prior turn sent to the upstream.
type PromptMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Parts   json.RawMessage `json:"parts,omitempty"`
}

// ChatRequest asks for a streamed assistant reply.
type ChatRequest struct {
	Messages       []PromptMessage `json:"messages"`
	ConversationID string          `json:"conversationId,omitempty"`
	SpaceID        string          `json:"spaceId"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	ChatMode       string          `json:"chatMode,omitempty"`
	// Continue resumes the last assistant message instead of starting a new one.
	Continue *Message `json:"continue,omitempty"`
}
