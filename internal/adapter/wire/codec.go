// Package wire implements the line-oriented data stream format: one record
// per line, written as a single tag byte, a colon and a JSON payload.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"chatstream/internal/domain"
)

// Wire tags. Changing one requires a format version bump.
const (
	tagText                   byte = '0'
	tagData                   byte = '2'
	tagError                  byte = '3'
	tagMessageAnnotations     byte = '8'
	tagToolCall               byte = '9'
	tagToolResult             byte = 'a'
	tagToolCallStreamingStart byte = 'b'
	tagToolCallDelta          byte = 'c'
	tagFinishMessage          byte = 'd'
	tagFinishStep             byte = 'e'
	tagStartStep              byte = 'f'
	tagReasoning              byte = 'g'
	tagSource                 byte = 'h'
	tagRedactedReasoning      byte = 'i'
	tagReasoningSignature     byte = 'j'
	tagFile                   byte = 'k'
)

var tagTypes = map[byte]domain.RecordType{
	tagText:                   domain.RecordText,
	tagData:                   domain.RecordData,
	tagError:                  domain.RecordError,
	tagMessageAnnotations:     domain.RecordMessageAnnotations,
	tagToolCall:               domain.RecordToolCall,
	tagToolResult:             domain.RecordToolResult,
	tagToolCallStreamingStart: domain.RecordToolCallStreamingStart,
	tagToolCallDelta:          domain.RecordToolCallDelta,
	tagFinishMessage:          domain.RecordFinishMessage,
	tagFinishStep:             domain.RecordFinishStep,
	tagStartStep:              domain.RecordStartStep,
	tagReasoning:              domain.RecordReasoning,
	tagSource:                 domain.RecordSource,
	tagRedactedReasoning:      domain.RecordRedactedReasoning,
	tagReasoningSignature:     domain.RecordReasoningSignature,
	tagFile:                   domain.RecordFile,
}

var typeTags = func() map[domain.RecordType]byte {
	out := make(map[domain.RecordType]byte, len(tagTypes))
	for tag, rt := range tagTypes {
		out[rt] = tag
	}
	return out
}()

// TagOf returns the wire tag for a record type.
func TagOf(rt domain.RecordType) (byte, bool) {
	tag, ok := typeTags[rt]
	return tag, ok
}

const maxErrorLine = 120

// DecodeError reports why a single line could not be decoded. Err is one of
// domain.ErrUnknownTag, domain.ErrMalformed or domain.ErrSchemaMismatch.
type DecodeError struct {
	Tag    string
	Line   string
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("decode %q: %s: %v", e.Line, e.Detail, e.Err)
	}
	return fmt.Sprintf("decode %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(line, tag string, err error, detail string) *DecodeError {
	if len(line) > maxErrorLine {
		line = line[:maxErrorLine] + "..."
	}
	return &DecodeError{Tag: tag, Line: line, Err: err, Detail: detail}
}

// Wire payload shapes.
type (
	toolCallPayload struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args"`
	}
	toolResultPayload struct {
		ToolCallID string          `json:"toolCallId"`
		Result     json.RawMessage `json:"result"`
	}
	toolCallStartPayload struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
	}
	toolCallDeltaPayload struct {
		ToolCallID    string `json:"toolCallId"`
		ArgsTextDelta string `json:"argsTextDelta"`
	}
	finishMessagePayload struct {
		FinishReason string        `json:"finishReason"`
		Usage        *domain.Usage `json:"usage,omitempty"`
	}
	finishStepPayload struct {
		FinishReason string        `json:"finishReason"`
		IsContinued  bool          `json:"isContinued"`
		Usage        *domain.Usage `json:"usage,omitempty"`
	}
	startStepPayload struct {
		MessageID string `json:"messageId"`
	}
	redactedReasoningPayload struct {
		Data string `json:"data"`
	}
	reasoningSignaturePayload struct {
		Signature string `json:"signature"`
	}
	filePayload struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	}
)

// Decode parses one line into a typed record. The line must not contain the
// trailing newline.
func Decode(line string) (domain.Record, error) {
	sep := strings.IndexByte(line, ':')
	if sep < 0 {
		return nil, decodeErr(line, "", domain.ErrMalformed, "missing tag separator")
	}
	tagStr := line[:sep]
	if len(tagStr) != 1 {
		return nil, decodeErr(line, tagStr, domain.ErrUnknownTag, "")
	}
	tag := tagStr[0]
	if _, ok := tagTypes[tag]; !ok {
		return nil, decodeErr(line, tagStr, domain.ErrUnknownTag, "")
	}

	payload := []byte(line[sep+1:])
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, decodeErr(line, tagStr, domain.ErrMalformed, err.Error())
	}
	if err := validatePayload(tag, generic); err != nil {
		return nil, decodeErr(line, tagStr, domain.ErrSchemaMismatch, err.Error())
	}

	rec, err := decodeTyped(tag, payload)
	if err != nil {
		return nil, decodeErr(line, tagStr, domain.ErrSchemaMismatch, err.Error())
	}
	return rec, nil
}

func decodeTyped(tag byte, payload []byte) (domain.Record, error) {
	switch tag {
	case tagText:
		var s string
		err := json.Unmarshal(payload, &s)
		return domain.TextRecord{Delta: s}, err
	case tagReasoning:
		var s string
		err := json.Unmarshal(payload, &s)
		return domain.ReasoningRecord{Delta: s}, err
	case tagError:
		var s string
		err := json.Unmarshal(payload, &s)
		return domain.ErrorRecord{Message: s}, err
	case tagData:
		items, err := decodeItems(payload)
		return domain.DataRecord{Items: items}, err
	case tagMessageAnnotations:
		items, err := decodeItems(payload)
		return domain.MessageAnnotationsRecord{Items: items}, err
	case tagToolCall:
		var p toolCallPayload
		err := json.Unmarshal(payload, &p)
		return domain.ToolCallRecord{ToolCallID: p.ToolCallID, ToolName: p.ToolName, Args: p.Args}, err
	case tagToolResult:
		var p toolResultPayload
		err := json.Unmarshal(payload, &p)
		return domain.ToolResultRecord{ToolCallID: p.ToolCallID, Result: nullToNil(p.Result)}, err
	case tagToolCallStreamingStart:
		var p toolCallStartPayload
		err := json.Unmarshal(payload, &p)
		return domain.ToolCallStreamingStartRecord{ToolCallID: p.ToolCallID, ToolName: p.ToolName}, err
	case tagToolCallDelta:
		var p toolCallDeltaPayload
		err := json.Unmarshal(payload, &p)
		return domain.ToolCallDeltaRecord{ToolCallID: p.ToolCallID, ArgsTextDelta: p.ArgsTextDelta}, err
	case tagFinishMessage:
		var p finishMessagePayload
		err := json.Unmarshal(payload, &p)
		return domain.FinishMessageRecord{FinishReason: p.FinishReason, Usage: p.Usage}, err
	case tagFinishStep:
		var p finishStepPayload
		err := json.Unmarshal(payload, &p)
		return domain.FinishStepRecord{FinishReason: p.FinishReason, IsContinued: p.IsContinued, Usage: p.Usage}, err
	case tagStartStep:
		var p startStepPayload
		err := json.Unmarshal(payload, &p)
		return domain.StartStepRecord{MessageID: p.MessageID}, err
	case tagSource:
		var src domain.Source
		err := json.Unmarshal(payload, &src)
		return domain.SourceRecord{Source: src}, err
	case tagRedactedReasoning:
		var p redactedReasoningPayload
		err := json.Unmarshal(payload, &p)
		return domain.RedactedReasoningRecord{Data: p.Data}, err
	case tagReasoningSignature:
		var p reasoningSignaturePayload
		err := json.Unmarshal(payload, &p)
		return domain.ReasoningSignatureRecord{Signature: p.Signature}, err
	case tagFile:
		var p filePayload
		err := json.Unmarshal(payload, &p)
		return domain.FileRecord{MimeType: p.MimeType, Data: p.Data}, err
	}
	return nil, fmt.Errorf("unhandled tag %q", tag)
}

func decodeItems(payload []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if string(raw) == "null" {
		return nil
	}
	return raw
}

// Encode renders a record as one line without the trailing newline. The
// payload is checked against the same schema Decode applies, so a record
// that cannot be decoded is never written.
func Encode(r domain.Record) (string, error) {
	tag, payload, err := encodePayload(r)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", r.RecordType(), err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", fmt.Errorf("encode %s: %w", r.RecordType(), err)
	}
	if err := validatePayload(tag, generic); err != nil {
		return "", fmt.Errorf("encode %s: %s: %w", r.RecordType(), err.Error(), domain.ErrSchemaMismatch)
	}
	return string(tag) + ":" + string(data), nil
}

func encodePayload(r domain.Record) (byte, any, error) {
	switch rec := r.(type) {
	case domain.TextRecord:
		return tagText, rec.Delta, nil
	case domain.ReasoningRecord:
		return tagReasoning, rec.Delta, nil
	case domain.ErrorRecord:
		return tagError, rec.Message, nil
	case domain.DataRecord:
		return tagData, nonNilItems(rec.Items), nil
	case domain.MessageAnnotationsRecord:
		return tagMessageAnnotations, nonNilItems(rec.Items), nil
	case domain.ToolCallRecord:
		return tagToolCall, toolCallPayload{ToolCallID: rec.ToolCallID, ToolName: rec.ToolName, Args: rec.Args}, nil
	case domain.ToolResultRecord:
		result := rec.Result
		if result == nil {
			result = json.RawMessage("null")
		}
		return tagToolResult, toolResultPayload{ToolCallID: rec.ToolCallID, Result: result}, nil
	case domain.ToolCallStreamingStartRecord:
		return tagToolCallStreamingStart, toolCallStartPayload{ToolCallID: rec.ToolCallID, ToolName: rec.ToolName}, nil
	case domain.ToolCallDeltaRecord:
		return tagToolCallDelta, toolCallDeltaPayload{ToolCallID: rec.ToolCallID, ArgsTextDelta: rec.ArgsTextDelta}, nil
	case domain.FinishMessageRecord:
		return tagFinishMessage, finishMessagePayload{FinishReason: rec.FinishReason, Usage: rec.Usage}, nil
	case domain.FinishStepRecord:
		return tagFinishStep, finishStepPayload{FinishReason: rec.FinishReason, IsContinued: rec.IsContinued, Usage: rec.Usage}, nil
	case domain.StartStepRecord:
		return tagStartStep, startStepPayload{MessageID: rec.MessageID}, nil
	case domain.SourceRecord:
		return tagSource, rec.Source, nil
	case domain.RedactedReasoningRecord:
		return tagRedactedReasoning, redactedReasoningPayload{Data: rec.Data}, nil
	case domain.ReasoningSignatureRecord:
		return tagReasoningSignature, reasoningSignaturePayload{Signature: rec.Signature}, nil
	case domain.FileRecord:
		return tagFile, filePayload{MimeType: rec.MimeType, Data: rec.Data}, nil
	}
	return 0, nil, fmt.Errorf("encode %T: %w", r, domain.ErrUnknownTag)
}

func nonNilItems(items []json.RawMessage) []json.RawMessage {
	if items == nil {
		return []json.RawMessage{}
	}
	return items
}

// Writer writes newline-terminated records.
type Writer struct {
	w io.Writer
}

// NewWriter creates a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes r and writes it followed by a newline.
func (w *Writer) Write(r domain.Record) error {
	line, err := Encode(r)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w.w, line+"\n")
	return err
}
