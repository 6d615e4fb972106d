package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func TestDecode_AllVariants(t *testing.T) {
	tests := []struct {
		line string
		want domain.Record
	}{
		{`0:"Hello"`, domain.TextRecord{Delta: "Hello"}},
		{`g:"thinking"`, domain.ReasoningRecord{Delta: "thinking"}},
		{`3:"boom"`, domain.ErrorRecord{Message: "boom"}},
		{`2:[{"a":1},2]`, domain.DataRecord{Items: []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`2`)}}},
		{`2:[]`, domain.DataRecord{}},
		{`8:["x"]`, domain.MessageAnnotationsRecord{Items: []json.RawMessage{json.RawMessage(`"x"`)}}},
		{`9:{"toolCallId":"t1","toolName":"search","args":{"q":"cats"}}`,
			domain.ToolCallRecord{ToolCallID: "t1", ToolName: "search", Args: json.RawMessage(`{"q":"cats"}`)}},
		{`a:{"toolCallId":"t1","result":[1,2]}`, domain.ToolResultRecord{ToolCallID: "t1", Result: json.RawMessage(`[1,2]`)}},
		{`a:{"toolCallId":"t1","result":null}`, domain.ToolResultRecord{ToolCallID: "t1"}},
		{`b:{"toolCallId":"t1","toolName":"search"}`, domain.ToolCallStreamingStartRecord{ToolCallID: "t1", ToolName: "search"}},
		{`c:{"toolCallId":"t1","argsTextDelta":"{\"q\":"}`, domain.ToolCallDeltaRecord{ToolCallID: "t1", ArgsTextDelta: `{"q":`}},
		{`d:{"finishReason":"stop"}`, domain.FinishMessageRecord{FinishReason: "stop"}},
		{`d:{"finishReason":"stop","usage":{"promptTokens":10,"completionTokens":5}}`,
			domain.FinishMessageRecord{FinishReason: "stop", Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 5}}},
		{`d:{"finishReason":"length","usage":{"promptTokens":null,"completionTokens":null}}`,
			domain.FinishMessageRecord{FinishReason: "length", Usage: &domain.Usage{}}},
		{`e:{"finishReason":"tool-calls","isContinued":true}`, domain.FinishStepRecord{FinishReason: "tool-calls", IsContinued: true}},
		{`e:{"finishReason":"stop"}`, domain.FinishStepRecord{FinishReason: "stop"}},
		{`f:{"messageId":"msg-1"}`, domain.StartStepRecord{MessageID: "msg-1"}},
		{`h:{"sourceType":"url","id":"s1","url":"https://example.com","title":"Example"}`,
			domain.SourceRecord{Source: domain.Source{SourceType: "url", ID: "s1", URL: "https://example.com", Title: "Example"}}},
		{`i:{"data":"opaque"}`, domain.RedactedReasoningRecord{Data: "opaque"}},
		{`j:{"signature":"sig"}`, domain.ReasoningSignatureRecord{Signature: "sig"}},
		{`k:{"mimeType":"image/png","data":"aGk="}`, domain.FileRecord{MimeType: "image/png", Data: "aGk="}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := Decode(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"no separator", `0"Hello"`, domain.ErrMalformed},
		{"unknown tag", `z:"Hello"`, domain.ErrUnknownTag},
		{"multi-byte tag", `00:"Hello"`, domain.ErrUnknownTag},
		{"empty tag", `:"Hello"`, domain.ErrUnknownTag},
		{"invalid json", `0:"Hello`, domain.ErrMalformed},
		{"empty payload", `0:`, domain.ErrMalformed},
		{"text not string", `0:42`, domain.ErrSchemaMismatch},
		{"data not array", `2:{"a":1}`, domain.ErrSchemaMismatch},
		{"tool call missing args", `9:{"toolCallId":"t1","toolName":"search"}`, domain.ErrSchemaMismatch},
		{"tool call args not object", `9:{"toolCallId":"t1","toolName":"search","args":"q"}`, domain.ErrSchemaMismatch},
		{"tool result missing id", `a:{"result":1}`, domain.ErrSchemaMismatch},
		{"delta wrong type", `c:{"toolCallId":"t1","argsTextDelta":5}`, domain.ErrSchemaMismatch},
		{"finish missing reason", `d:{}`, domain.ErrSchemaMismatch},
		{"usage fractional", `d:{"finishReason":"stop","usage":{"promptTokens":1.5}}`, domain.ErrSchemaMismatch},
		{"continued not bool", `e:{"finishReason":"stop","isContinued":"yes"}`, domain.ErrSchemaMismatch},
		{"source missing url", `h:{"sourceType":"url","id":"s1"}`, domain.ErrSchemaMismatch},
		{"file missing data", `k:{"mimeType":"image/png"}`, domain.ErrSchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Decode(tt.line)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.line, de.Line)
		})
	}
}

func TestDecodeError_TruncatesLine(t *testing.T) {
	long := `0:"` + string(bytes.Repeat([]byte("x"), 500))
	_, err := Decode(long)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Len(t, de.Line, maxErrorLine+3)
	assert.Equal(t, domain.CodeMalformed, domain.ErrorCodeOf(err))
}

func TestEncode_Lines(t *testing.T) {
	line, err := Encode(domain.TextRecord{Delta: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, `0:"Hello"`, line)

	line, err = Encode(domain.FinishStepRecord{FinishReason: "stop"})
	require.NoError(t, err)
	assert.Equal(t, `e:{"finishReason":"stop","isContinued":false}`, line)

	line, err = Encode(domain.DataRecord{})
	require.NoError(t, err)
	assert.Equal(t, `2:[]`, line)
}

func TestEncode_RejectsUndecodableRecords(t *testing.T) {
	_, err := Encode(domain.ToolCallRecord{ToolCallID: "t1", ToolName: "search"})
	assert.True(t, errors.Is(err, domain.ErrSchemaMismatch))

	_, err = Encode(domain.ToolCallRecord{ToolCallID: "t1", ToolName: "search", Args: json.RawMessage(`[1]`)})
	assert.True(t, errors.Is(err, domain.ErrSchemaMismatch))

	_, err = Encode(domain.SourceRecord{Source: domain.Source{ProviderMetadata: json.RawMessage(`"x"`)}})
	assert.True(t, errors.Is(err, domain.ErrSchemaMismatch))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(domain.TextRecord{Delta: "a"}))
	require.NoError(t, w.Write(domain.FinishMessageRecord{FinishReason: "stop"}))
	assert.Equal(t, "0:\"a\"\n"+`d:{"finishReason":"stop"}`+"\n", buf.String())
}

func TestTagOf(t *testing.T) {
	tag, ok := TagOf(domain.RecordToolCallDelta)
	require.True(t, ok)
	assert.Equal(t, byte('c'), tag)
	assert.Len(t, tagTypes, 16)
	assert.Len(t, typeTags, 16)
}

// genText produces valid UTF-8 strings, including characters that need
// escaping on the wire.
func genText() gopter.Gen {
	return gen.OneGenOf(
		gen.AlphaString(),
		gen.OneConstOf("", "héllo wörld", "日本語テキスト", "emoji 🎉🚀", `quote " and \ backslash`,
			"line\nbreak\r\n", "<tag> & </tag>", "tab\tsep", "  padded  ", "0:\"nested\""),
	)
}

// buildRecord constructs one record of the given kind from generated parts.
func buildRecord(kind int, a, b string, n int, flag bool) domain.Record {
	item := func(s string) json.RawMessage {
		data, _ := json.Marshal(map[string]any{"k": s, "n": n})
		return data
	}
	str := func(s string) json.RawMessage {
		data, _ := json.Marshal(s)
		return data
	}
	var usage *domain.Usage
	if flag {
		usage = &domain.Usage{PromptTokens: n, CompletionTokens: n / 2}
	}
	switch kind {
	case 0:
		return domain.TextRecord{Delta: a}
	case 1:
		return domain.ReasoningRecord{Delta: a}
	case 2:
		return domain.ReasoningSignatureRecord{Signature: a}
	case 3:
		return domain.RedactedReasoningRecord{Data: a}
	case 4:
		src := domain.Source{SourceType: "url", ID: a, URL: "https://example.com/" + b}
		if flag {
			src.Title = b
			src.ProviderMetadata = item(a)
		}
		return domain.SourceRecord{Source: src}
	case 5:
		return domain.FileRecord{MimeType: "text/plain", Data: b}
	case 6:
		if flag {
			return domain.DataRecord{}
		}
		return domain.DataRecord{Items: []json.RawMessage{item(a), str(b)}}
	case 7:
		return domain.MessageAnnotationsRecord{Items: []json.RawMessage{str(a), item(b)}}
	case 8:
		return domain.ToolCallStreamingStartRecord{ToolCallID: a, ToolName: b}
	case 9:
		return domain.ToolCallDeltaRecord{ToolCallID: a, ArgsTextDelta: b}
	case 10:
		return domain.ToolCallRecord{ToolCallID: a, ToolName: b, Args: item(b)}
	case 11:
		return domain.ToolResultRecord{ToolCallID: a, Result: item(b)}
	case 12:
		return domain.StartStepRecord{MessageID: a}
	case 13:
		return domain.FinishStepRecord{FinishReason: a, IsContinued: flag, Usage: usage}
	case 14:
		return domain.FinishMessageRecord{FinishReason: a, Usage: usage}
	default:
		return domain.ErrorRecord{Message: a}
	}
}

func TestCodecRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Decode(Encode(r)) == r", prop.ForAll(
		func(kind int, a, b string, n int, flag bool) bool {
			rec := buildRecord(kind, a, b, n, flag)
			line, err := Encode(rec)
			if err != nil {
				return false
			}
			if bytes.IndexByte([]byte(line), '\n') >= 0 {
				return false
			}
			got, err := Decode(line)
			if err != nil {
				return false
			}
			return assert.ObjectsAreEqual(rec, got)
		},
		gen.IntRange(0, 15),
		genText(),
		genText(),
		gen.IntRange(0, 100000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
