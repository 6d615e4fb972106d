package domain

import (
	"context"
	"encoding/json"
)

// StreamStatus is the lifecycle status of a stream session.
type StreamStatus string

const (
	StatusInitiated StreamStatus = "initiated"
	StatusStreaming StreamStatus = "streaming"
	StatusCompleted StreamStatus = "completed"
	StatusCancelled StreamStatus = "cancelled"
)

// Terminal reports whether no further transition can follow s.
func (s StreamStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// StreamRef identifies the session an event belongs to.
type StreamRef struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// ChunkUpdate is one incremental emission. The first chunk of a session
// carries the full Snapshot; later chunks carry only the text delta and the
// metadata fields that changed since the previous emission.
type ChunkUpdate struct {
	TextDelta       string            `json:"text_delta,omitempty"`
	IsFirstChunk    bool              `json:"is_first_chunk"`
	MessageID       string            `json:"message_id,omitempty"`
	Snapshot        *Message          `json:"snapshot,omitempty"`
	Annotations     []json.RawMessage `json:"annotations,omitempty"`
	ToolInvocations []ToolInvocation  `json:"tool_invocations,omitempty"`
	Reasoning       *string           `json:"reasoning,omitempty"`
	Parts           []Part            `json:"parts,omitempty"`
	Data            []json.RawMessage `json:"data,omitempty"`
}

// FinishUpdate is emitted once when a stream completes normally.
type FinishUpdate struct {
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason"`
	Usage        *Usage   `json:"usage,omitempty"`
}

// StreamErrorUpdate is emitted once when a stream terminates with an error.
type StreamErrorUpdate struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
	Details string    `json:"details,omitempty"`
}

// StreamSink receives the ordered events of a stream. Calls for one session
// are made sequentially from the pipeline goroutine.
type StreamSink interface {
	Status(ctx context.Context, ref StreamRef, status StreamStatus)
	Chunk(ctx context.Context, ref StreamRef, chunk ChunkUpdate)
	Finish(ctx context.Context, ref StreamRef, finish FinishUpdate)
	ToolCall(ctx context.Context, ref StreamRef, call ToolCall)
	Error(ctx context.Context, ref StreamRef, update StreamErrorUpdate)
}

// ByteSource yields the upstream response body in chunks. Next returns
// io.EOF when the body ends. Close tells the producer to stop.
type ByteSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Upstream opens a streamed response for a chat request.
type Upstream interface {
	Open(ctx context.Context, req ChatRequest) (ByteSource, error)
}

// Status event payload.
type StreamStatusPayload struct {
	StreamRef
	Status StreamStatus `json:"status"`
}

// Chunk event payload.
type StreamChunkPayload struct {
	StreamRef
	ChunkUpdate
}

// Finish event payload.
type StreamFinishPayload struct {
	StreamRef
	FinishUpdate
	TotalTokens int `json:"total_tokens,omitempty"`
}

// Tool call event payload.
type StreamToolCallPayload struct {
	StreamRef
	ToolCall
}

// Error event payload.
type StreamErrorPayload struct {
	StreamRef
	StreamErrorUpdate
}
