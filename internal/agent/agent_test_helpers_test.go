package agent

import (
	"context"
	"encoding/json"

	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
	"github.com/oogalieboogalie/opencrust/internal/provider"
	"github.com/oogalieboogalie/opencrust/internal/tools"
)

// stubProvider is a scripted Provider used to exercise the fallback chain
// and the tool-use loop without touching a real vendor API.
type stubProvider struct {
	id        string
	responses []stubResponse
	calls     int
}

type stubResponse struct {
	resp provider.LlmResponse
	err  error
}

func (p *stubProvider) ProviderID() string { return p.id }

func (p *stubProvider) Complete(ctx context.Context, req provider.LlmRequest) (provider.LlmResponse, error) {
	if p.calls >= len(p.responses) {
		return provider.LlmResponse{}, opcerrors.New(opcerrors.KindConfigMissing, "stubProvider: no more scripted responses")
	}
	r := p.responses[p.calls]
	p.calls++
	return r.resp, r.err
}

func (p *stubProvider) CompleteStream(ctx context.Context, req provider.LlmRequest) (<-chan provider.StreamEvent, error) {
	return nil, opcerrors.New(opcerrors.KindConfigMissing, "stubProvider: streaming not implemented")
}

func (p *stubProvider) HealthCheck(ctx context.Context) bool { return true }

func (p *stubProvider) AvailableModels(ctx context.Context) ([]string, error) { return nil, nil }

func (p *stubProvider) ConfiguredModel() string { return "stub-model" }

func textResponse(text string) provider.LlmResponse {
	return provider.LlmResponse{Content: []provider.ContentBlock{provider.TextBlock(text)}, StopReason: "end_turn"}
}

func toolUseResponse(toolUseID, name string, input json.RawMessage) provider.LlmResponse {
	return provider.LlmResponse{Content: []provider.ContentBlock{provider.ToolUseBlock(toolUseID, name, input)}, StopReason: "tool_use"}
}

// echoTool is a minimal tools.Tool that echoes its input back as text.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) InputSchema() map[string]any {
	return map[string]any{"type": "object"}
}
func (echoTool) Execute(ctx context.Context, tc tools.Context, args json.RawMessage) tools.Output {
	return tools.Success(string(args))
}

// panicTool always panics, used to exercise runOneTool's recover().
type panicTool struct{}

func (panicTool) Name() string                  { return "panic" }
func (panicTool) Description() string           { return "always panics" }
func (panicTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (panicTool) Execute(ctx context.Context, tc tools.Context, args json.RawMessage) tools.Output {
	panic("boom")
}
