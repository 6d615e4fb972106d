package wire

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

const usageSchema = `{
	"type": "object",
	"properties": {
		"promptTokens": {"type": ["integer", "null"]},
		"completionTokens": {"type": ["integer", "null"]}
	}
}`

// payloadSchemas holds one JSON Schema per wire tag. A payload that parses
// as JSON but fails its schema is a schema mismatch, not a malformed line.
var payloadSchemas = map[byte]string{
	tagText:      `{"type": "string"}`,
	tagReasoning: `{"type": "string"}`,
	tagError:     `{"type": "string"}`,

	tagData:               `{"type": "array"}`,
	tagMessageAnnotations: `{"type": "array"}`,

	tagToolCall: `{
		"type": "object",
		"required": ["toolCallId", "toolName", "args"],
		"properties": {
			"toolCallId": {"type": "string"},
			"toolName": {"type": "string"},
			"args": {"type": "object"}
		}
	}`,
	tagToolResult: `{
		"type": "object",
		"required": ["toolCallId", "result"],
		"properties": {
			"toolCallId": {"type": "string"}
		}
	}`,
	tagToolCallStreamingStart: `{
		"type": "object",
		"required": ["toolCallId", "toolName"],
		"properties": {
			"toolCallId": {"type": "string"},
			"toolName": {"type": "string"}
		}
	}`,
	tagToolCallDelta: `{
		"type": "object",
		"required": ["toolCallId", "argsTextDelta"],
		"properties": {
			"toolCallId": {"type": "string"},
			"argsTextDelta": {"type": "string"}
		}
	}`,
	tagFinishMessage: `{
		"type": "object",
		"required": ["finishReason"],
		"properties": {
			"finishReason": {"type": "string"},
			"usage": ` + usageSchema + `
		}
	}`,
	tagFinishStep: `{
		"type": "object",
		"required": ["finishReason"],
		"properties": {
			"finishReason": {"type": "string"},
			"isContinued": {"type": "boolean"},
			"usage": ` + usageSchema + `
		}
	}`,
	tagStartStep: `{
		"type": "object",
		"required": ["messageId"],
		"properties": {
			"messageId": {"type": "string"}
		}
	}`,
	tagSource: `{
		"type": "object",
		"required": ["sourceType", "id", "url"],
		"properties": {
			"sourceType": {"type": "string"},
			"id": {"type": "string"},
			"url": {"type": "string"},
			"title": {"type": "string"},
			"providerMetadata": {"type": "object"}
		}
	}`,
	tagRedactedReasoning: `{
		"type": "object",
		"required": ["data"],
		"properties": {
			"data": {"type": "string"}
		}
	}`,
	tagReasoningSignature: `{
		"type": "object",
		"required": ["signature"],
		"properties": {
			"signature": {"type": "string"}
		}
	}`,
	tagFile: `{
		"type": "object",
		"required": ["mimeType", "data"],
		"properties": {
			"mimeType": {"type": "string"},
			"data": {"type": "string"}
		}
	}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[byte]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	out := make(map[byte]*jsonschema.Schema, len(payloadSchemas))
	for tag, src := range payloadSchemas {
		schema, err := compiler.Compile([]byte(src))
		if err != nil {
			panic(fmt.Sprintf("wire: compile schema for tag %q: %v", tag, err))
		}
		out[tag] = schema
	}
	return out
}

// validatePayload checks a parsed payload against the schema for tag.
func validatePayload(tag byte, v any) error {
	schema, ok := compiledSchemas[tag]
	if !ok {
		return fmt.Errorf("no schema for tag %q", tag)
	}
	result := schema.Validate(v)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
