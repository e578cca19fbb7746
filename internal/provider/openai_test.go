package provider

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestToOpenAIMessagesPrependsSystem(t *testing.T) {
	out := toOpenAIMessages("be helpful", []ChatMessage{NewTextMessage(RoleUser, "hi")})
	if len(out) != 2 {
		t.Fatalf("expected system message prepended, got %d messages", len(out))
	}
}

func TestToOpenAIMessagesOmitsSystemWhenEmpty(t *testing.T) {
	out := toOpenAIMessages("", []ChatMessage{NewTextMessage(RoleUser, "hi")})
	if len(out) != 1 {
		t.Fatalf("expected no system message when System is empty, got %d messages", len(out))
	}
}

func TestToOpenAIMessagesAggregatesAssistantToolCalls(t *testing.T) {
	msgs := []ChatMessage{
		NewPartsMessage(RoleAssistant, []ContentBlock{
			TextBlock("let me check"),
			ToolUseBlock("call-1", "echo", json.RawMessage(`{"a":1}`)),
		}),
	}
	out := toOpenAIMessages("", msgs)
	if len(out) != 1 {
		t.Fatalf("expected 1 assistant message, got %d", len(out))
	}
	assistant := out[0].OfAssistant
	if assistant == nil {
		t.Fatal("expected OfAssistant set")
	}
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 aggregated tool call, got %d", len(assistant.ToolCalls))
	}
}

func TestToOpenAIMessagesMapsToolResultToToolMessage(t *testing.T) {
	// The agent loop always appends tool results as synthetic RoleUser
	// messages (internal/agent/loop.go, internal/agent/stream.go never
	// construct RoleTool) — so this must be covered with RoleUser, the
	// role the real pipeline actually produces.
	msgs := []ChatMessage{
		NewPartsMessage(RoleUser, []ContentBlock{
			ToolResultBlock("call-1", "42", false),
		}),
	}
	out := toOpenAIMessages("", msgs)
	if len(out) != 1 {
		t.Fatalf("expected 1 tool message, got %d", len(out))
	}
	if out[0].OfTool == nil {
		t.Fatal("expected OfTool set for a RoleUser message carrying a ToolResult block")
	}
}

func TestToOpenAIMessagesRoleUserMixedTextAndToolResult(t *testing.T) {
	msgs := []ChatMessage{
		NewPartsMessage(RoleUser, []ContentBlock{
			ToolResultBlock("call-1", "42", false),
			TextBlock("anything else?"),
		}),
	}
	out := toOpenAIMessages("", msgs)
	if len(out) != 2 {
		t.Fatalf("expected 1 tool message + 1 user message, got %d", len(out))
	}
	if out[0].OfTool == nil {
		t.Fatal("expected first message to be the tool result")
	}
	if out[1].OfUser == nil {
		t.Fatal("expected second message to carry the remaining user text")
	}
}

func TestTextOfBlocksConcatenatesTextOnly(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock("hello "),
		ToolUseBlock("call-1", "echo", json.RawMessage(`{}`)),
		TextBlock("world"),
	}
	if got := textOfBlocks(blocks); got != "hello world" {
		t.Fatalf("textOfBlocks = %q, want %q", got, "hello world")
	}
}

func TestToOpenAIToolsMapsNameDescriptionParameters(t *testing.T) {
	defs := []ToolDefinition{
		{Name: "echo", Description: "echoes input", Parameters: map[string]any{"type": "object"}},
	}
	out := toOpenAITools(defs)
	if len(out) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(out))
	}
}

func TestClassifyOpenAIErr(t *testing.T) {
	if got := classifyOpenAIErr(errors.New("status=401: unauthorized")); got == nil {
		t.Fatal("expected a non-nil classified error")
	}
	if got := classifyOpenAIErr(errors.New("status=500: internal error")); got == nil {
		t.Fatal("expected a non-nil classified error")
	}
	if got := classifyOpenAIErr(errors.New("status=400: bad request")); got == nil {
		t.Fatal("expected a non-nil classified error even for a non-retryable, non-auth failure")
	}
}
