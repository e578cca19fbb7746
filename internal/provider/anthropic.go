package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicProvider implements Provider over Anthropic's Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	log          zerolog.Logger
	model        string
	httpClient   *http.Client
}

func NewAnthropicProvider(apiKey, baseURL, model string, log zerolog.Logger) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		log:        log.With().Str("provider", "anthropic").Logger(),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *AnthropicProvider) ProviderID() string      { return "anthropic" }
func (a *AnthropicProvider) ConfiguredModel() string { return a.model }

// AvailableModels: Anthropic does not support model listing.
func (a *AnthropicProvider) AvailableModels(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (a *AnthropicProvider) HealthCheck(ctx context.Context) bool {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.resolveModel("")),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
		MaxTokens: 1,
	})
	return err == nil
}

func (a *AnthropicProvider) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return a.model
}

func (a *AnthropicProvider) buildParams(ctx context.Context, req LlmRequest) (anthropic.MessageNewParams, error) {
	msgs, err := toAnthropicMessages(ctx, a.httpClient, req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.resolveModel(req.Model)),
		Messages:  msgs,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}
	return params, nil
}

func (a *AnthropicProvider) Complete(ctx context.Context, req LlmRequest) (LlmResponse, error) {
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			return LlmResponse{}, opcerrors.New(opcerrors.KindFatalProvider, "system role must not appear in the message array for anthropic")
		}
	}

	params, err := a.buildParams(ctx, req)
	if err != nil {
		return LlmResponse{}, err
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return LlmResponse{}, classifyAnthropicErr(err)
	}

	var blocks []ContentBlock
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, TextBlock(b.Text))
		case anthropic.ToolUseBlock:
			argsJSON := json.RawMessage("{}")
			if b.Input != nil {
				if raw, err := json.Marshal(b.Input); err == nil {
					argsJSON = raw
				}
			}
			blocks = append(blocks, ToolUseBlock(b.ID, b.Name, argsJSON))
		}
	}

	return LlmResponse{
		Content:    blocks,
		Model:      string(resp.Model),
		StopReason: string(resp.StopReason),
		Usage: &Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func (a *AnthropicProvider) CompleteStream(ctx context.Context, req LlmRequest) (<-chan StreamEvent, error) {
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			return nil, opcerrors.New(opcerrors.KindFatalProvider, "system role must not appear in the message array for anthropic")
		}
	}

	params, err := a.buildParams(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 64)
	go func() {
		defer close(events)

		stream := a.client.Messages.NewStreaming(ctx, params)
		var blockIndex int

		for stream.Next() {
			event := stream.Current()
			switch evt := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				blockIndex = int(evt.Index)
				if tu, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					events <- StreamEvent{Kind: EventToolUseStart, Index: blockIndex, ToolUseID: tu.ID, ToolName: tu.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := evt.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					events <- StreamEvent{Kind: EventTextDelta, Index: int(evt.Index), Text: delta.Text}
				case anthropic.InputJSONDelta:
					events <- StreamEvent{Kind: EventInputJSONDelta, Index: int(evt.Index), Text: delta.PartialJSON}
				}
			case anthropic.ContentBlockStopEvent:
				events <- StreamEvent{Kind: EventContentBlockStop, Index: int(evt.Index)}
			case anthropic.MessageDeltaEvent:
				var usage *Usage
				if evt.Usage.OutputTokens > 0 {
					usage = &Usage{OutputTokens: int(evt.Usage.OutputTokens)}
				}
				events <- StreamEvent{Kind: EventMessageDelta, StopReason: string(evt.Delta.StopReason), Usage: usage}
			case anthropic.MessageStopEvent:
				events <- StreamEvent{Kind: EventMessageStop}
			}
			// ping events carry no payload and are ignored.
		}

		if err := stream.Err(); err != nil {
			a.log.Warn().Err(err).Msg("anthropic stream ended with error")
		}
	}()

	return events, nil
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := tool.Parameters["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if required, ok := tool.Parameters["required"].([]string); ok {
			schema.Required = required
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: schema,
		}})
	}
	return result
}

func toAnthropicMessages(ctx context.Context, httpClient *http.Client, msgs []ChatMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.AsBlocks() {
			switch b.Kind {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockImage:
				data, mediaType, err := resolveImageData(ctx, httpClient, b.ImageURL, b.MediaType)
				if err != nil {
					return nil, opcerrors.Wrap(opcerrors.KindFatalProvider, "failed to resolve image block", err)
				}
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			case BlockToolUse:
				var input any
				_ = json.Unmarshal(b.InputJSON, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultForID, b.ToolResultText, b.ToolResultError))
			}
		}
		switch m.Role {
		case RoleUser, RoleTool:
			result = append(result, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return result, nil
}

// resolveImageData fetches an image reference and returns its base64 body
// plus inferred media type, covering both data: and http(s) sources.
func resolveImageData(ctx context.Context, client *http.Client, ref, hintMediaType string) (base64Data, mediaType string, err error) {
	if strings.HasPrefix(ref, "data:") {
		comma := strings.IndexByte(ref, ',')
		if comma < 0 {
			return "", "", fmt.Errorf("malformed data URL")
		}
		header := ref[5:comma]
		mediaType = strings.TrimSuffix(header, ";base64")
		return ref[comma+1:], mediaType, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}

	mediaType = resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = hintMediaType
	}
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return base64.StdEncoding.EncodeToString(body), mediaType, nil
}

func classifyAnthropicErr(err error) error {
	if opcerrors.IsAuthError(err) {
		return opcerrors.Wrap(opcerrors.KindAuth, "anthropic authentication failed", err)
	}
	if opcerrors.IsRetryable(err) {
		return opcerrors.Wrap(opcerrors.KindRetryableProvider, "anthropic request failed", err)
	}
	return opcerrors.Wrap(opcerrors.KindFatalProvider, "anthropic request failed", err)
}
