package domain

import "encoding/json"

// RecordType names a wire record variant.
type RecordType string

const (
	RecordText                   RecordType = "text"
	RecordReasoning              RecordType = "reasoning"
	RecordReasoningSignature     RecordType = "reasoning_signature"
	RecordRedactedReasoning      RecordType = "redacted_reasoning"
	RecordSource                 RecordType = "source"
	RecordFile                   RecordType = "file"
	RecordData                   RecordType = "data"
	RecordMessageAnnotations     RecordType = "message_annotations"
	RecordToolCallStreamingStart RecordType = "tool_call_streaming_start"
	RecordToolCallDelta          RecordType = "tool_call_delta"
	RecordToolCall               RecordType = "tool_call"
	RecordToolResult             RecordType = "tool_result"
	RecordStartStep              RecordType = "start_step"
	RecordFinishStep             RecordType = "finish_step"
	RecordFinishMessage          RecordType = "finish_message"
	RecordError                  RecordType = "error"
)

// Record is one decoded line of the data stream. The set of implementations
// is closed: only types in this package satisfy it.
type Record interface {
	RecordType() RecordType
	isRecord()
}

// Usage tracks token consumption reported by the upstream.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// TotalTokens returns the sum of prompt and completion tokens.
func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Source describes a citation attached to the message.
type Source struct {
	SourceType       string          `json:"sourceType"`
	ID               string          `json:"id"`
	URL              string          `json:"url"`
	Title            string          `json:"title,omitempty"`
	ProviderMetadata json.RawMessage `json:"providerMetadata,omitempty"`
}

type TextRecord struct {
	Delta string
}

type ReasoningRecord struct {
	Delta string
}

type ReasoningSignatureRecord struct {
	Signature string
}

type RedactedReasoningRecord struct {
	Data string
}

type SourceRecord struct {
	Source Source
}

// FileRecord carries base64 data exactly as received.
type FileRecord struct {
	MimeType string
	Data     string
}

type DataRecord struct {
	Items []json.RawMessage
}

type MessageAnnotationsRecord struct {
	Items []json.RawMessage
}

type ToolCallStreamingStartRecord struct {
	ToolCallID string
	ToolName   string
}

type ToolCallDeltaRecord struct {
	ToolCallID    string
	ArgsTextDelta string
}

// ToolCallRecord finalizes a tool call. Args is always a JSON object.
type ToolCallRecord struct {
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
}

type ToolResultRecord struct {
	ToolCallID string
	Result     json.RawMessage
}

type StartStepRecord struct {
	MessageID string
}

type FinishStepRecord struct {
	FinishReason string
	IsContinued  bool
	Usage        *Usage
}

type FinishMessageRecord struct {
	FinishReason string
	Usage        *Usage
}

type ErrorRecord struct {
	Message string
}

func (TextRecord) RecordType() RecordType               { return RecordText }
func (ReasoningRecord) RecordType() RecordType          { return RecordReasoning }
func (ReasoningSignatureRecord) RecordType() RecordType { return RecordReasoningSignature }
func (RedactedReasoningRecord) RecordType() RecordType  { return RecordRedactedReasoning }
func (SourceRecord) RecordType() RecordType             { return RecordSource }
func (FileRecord) RecordType() RecordType               { return RecordFile }
func (DataRecord) RecordType() RecordType               { return RecordData }
func (MessageAnnotationsRecord) RecordType() RecordType { return RecordMessageAnnotations }
func (ToolCallStreamingStartRecord) RecordType() RecordType {
	return RecordToolCallStreamingStart
}
func (ToolCallDeltaRecord) RecordType() RecordType { return RecordToolCallDelta }
func (ToolCallRecord) RecordType() RecordType      { return RecordToolCall }
func (ToolResultRecord) RecordType() RecordType    { return RecordToolResult }
func (StartStepRecord) RecordType() RecordType     { return RecordStartStep }
func (FinishStepRecord) RecordType() RecordType    { return RecordFinishStep }
func (FinishMessageRecord) RecordType() RecordType { return RecordFinishMessage }
func (ErrorRecord) RecordType() RecordType         { return RecordError }

func (TextRecord) isRecord()                   {}
func (ReasoningRecord) isRecord()              {}
func (ReasoningSignatureRecord) isRecord()     {}
func (RedactedReasoningRecord) isRecord()      {}
func (SourceRecord) isRecord()                 {}
func (FileRecord) isRecord()                   {}
func (DataRecord) isRecord()                   {}
func (MessageAnnotationsRecord) isRecord()     {}
func (ToolCallStreamingStartRecord) isRecord() {}
func (ToolCallDeltaRecord) isRecord()          {}
func (ToolCallRecord) isRecord()               {}
func (ToolResultRecord) isRecord()             {}
func (StartStepRecord) isRecord()              {}
func (FinishStepRecord) isRecord()             {}
func (FinishMessageRecord) isRecord()          {}
func (ErrorRecord) isRecord()                  {}
