// Package provider implements the unified message/tool/stream contract
// over the Anthropic, OpenAI-compatible, and Ollama wire protocols.
package provider

import (
	"context"
	"encoding/json"
)

// Role is the role of a ChatMessage. System is never placed in the message
// array sent to a provider; it travels as LlmRequest.System instead.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockKind discriminates a ContentBlock variant.
type BlockKind int

const (
	BlockText BlockKind = iota
	BlockImage
	BlockToolUse
	BlockToolResult
)

// ContentBlock is a tagged union over {Text, Image, ToolUse, ToolResult}.
// Only the fields relevant to Kind are populated.
type ContentBlock struct {
	Kind BlockKind

	// BlockText
	Text string

	// BlockImage: either a data: URL or an http(s) URL; MediaType is
	// inferred from Content-Type when fetched, defaulting to image/jpeg.
	ImageURL   string
	MediaType  string

	// BlockToolUse
	ToolUseID   string
	ToolName    string
	InputJSON   json.RawMessage

	// BlockToolResult
	ToolResultForID string
	ToolResultText  string
	ToolResultError bool
}

func TextBlock(text string) ContentBlock { return ContentBlock{Kind: BlockText, Text: text} }

func ImageBlock(url, mediaType string) ContentBlock {
	return ContentBlock{Kind: BlockImage, ImageURL: url, MediaType: mediaType}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, InputJSON: input}
}

func ToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultForID: toolUseID, ToolResultText: text, ToolResultError: isError}
}

// ChatMessage is the in-flight message shape. Content is either a
// plain string (Text != "" or explicitly set via NewText) or a list of
// ContentBlocks (Parts). Exactly one of the two is meaningful per message;
// by convention Parts takes precedence when non-empty.
type ChatMessage struct {
	Role  Role
	Text  string
	Parts []ContentBlock
}

func NewTextMessage(role Role, text string) ChatMessage {
	return ChatMessage{Role: role, Text: text}
}

func NewPartsMessage(role Role, parts []ContentBlock) ChatMessage {
	return ChatMessage{Role: role, Parts: parts}
}

// AsBlocks normalizes a ChatMessage's content to a block list, wrapping a
// bare Text value in a single TextBlock when Parts is empty.
func (m ChatMessage) AsBlocks() []ContentBlock {
	if len(m.Parts) > 0 {
		return m.Parts
	}
	if m.Text != "" {
		return []ContentBlock{TextBlock(m.Text)}
	}
	return nil
}

// ToolDefinition describes a tool surfaced to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// LlmRequest is the provider-agnostic completion request.
type LlmRequest struct {
	Model       string // "" means provider-chosen default
	Messages    []ChatMessage
	System      string
	MaxTokens   int
	Temperature float64
	Tools       []ToolDefinition
}

// Usage reports token accounting, when the provider supplies it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// LlmResponse is the provider-agnostic completion response.
type LlmResponse struct {
	Content    []ContentBlock
	Model      string
	Usage      *Usage
	StopReason string
}

// StreamEventKind discriminates a StreamEvent variant.
type StreamEventKind int

const (
	EventTextDelta StreamEventKind = iota
	EventToolUseStart
	EventInputJSONDelta
	EventContentBlockStop
	EventMessageDelta
	EventMessageStop
)

// StreamEvent is the unified event emitted over the course of a streaming
// completion. Every ToolUseStart has a matching ContentBlockStop at the
// same Index; InputJSONDelta fragments for a given Index concatenate to a
// valid JSON document by the time ContentBlockStop for that index arrives.
type StreamEvent struct {
	Kind  StreamEventKind
	Index int

	// EventTextDelta / EventInputJSONDelta
	Text string

	// EventToolUseStart
	ToolUseID string
	ToolName  string

	// EventMessageDelta
	StopReason string
	Usage      *Usage
}

// Provider is the uniform contract every LLM vendor backend implements.
type Provider interface {
	ProviderID() string
	Complete(ctx context.Context, req LlmRequest) (LlmResponse, error)
	CompleteStream(ctx context.Context, req LlmRequest) (<-chan StreamEvent, error)
	HealthCheck(ctx context.Context) bool
	AvailableModels(ctx context.Context) ([]string, error)
	ConfiguredModel() string
}
