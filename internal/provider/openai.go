package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"

	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
)

// OpenAIProvider implements Provider over the classic chat/completions
// wire shape shared by OpenAI, DeepSeek, Mistral, Gemini's OpenAI
// compatibility layer, and the rest of the OpenAI-compatible family, over
// a configurable base URL.
type OpenAIProvider struct {
	client  openai.Client
	log     zerolog.Logger
	model   string
	baseURL string
}

func NewOpenAIProvider(apiKey, baseURL, model string, log zerolog.Logger) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client:  openai.NewClient(opts...),
		log:     log.With().Str("provider", "openai").Logger(),
		model:   model,
		baseURL: baseURL,
	}
}

func (o *OpenAIProvider) ProviderID() string      { return "openai" }
func (o *OpenAIProvider) ConfiguredModel() string { return o.model }

func (o *OpenAIProvider) resolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return o.model
}

func (o *OpenAIProvider) AvailableModels(ctx context.Context) ([]string, error) {
	page, err := o.client.Models.List(ctx)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	var ids []string
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (o *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	_, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     o.resolveModel(""),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		MaxTokens: openai.Int(1),
	})
	return err == nil
}

func (o *OpenAIProvider) buildParams(req LlmRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    o.resolveModel(req.Model),
		Messages: toOpenAIMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}
	return params
}

func (o *OpenAIProvider) Complete(ctx context.Context, req LlmRequest) (LlmResponse, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.buildParams(req))
	if err != nil {
		return LlmResponse{}, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return LlmResponse{}, opcerrors.New(opcerrors.KindFatalProvider, "openai response had no choices")
	}

	choice := resp.Choices[0]
	var blocks []ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			// keep as a JSON string on parse failure
			if raw, merr := json.Marshal(tc.Function.Arguments); merr == nil {
				args = raw
			}
		}
		blocks = append(blocks, ToolUseBlock(tc.ID, tc.Function.Name, args))
	}

	return LlmResponse{
		Content:    blocks,
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage: &Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (o *OpenAIProvider) CompleteStream(ctx context.Context, req LlmRequest) (<-chan StreamEvent, error) {
	params := o.buildParams(req)
	events := make(chan StreamEvent, 64)

	go func() {
		defer close(events)

		type toolState struct {
			id   string
			name string
			seen bool
		}
		tools := map[int]*toolState{}

		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					events <- StreamEvent{Kind: EventTextDelta, Index: 0, Text: choice.Delta.Content}
				}
				for _, td := range choice.Delta.ToolCalls {
					idx := int(td.Index)
					st, ok := tools[idx]
					if !ok {
						st = &toolState{id: td.ID, name: td.Function.Name}
						tools[idx] = st
						events <- StreamEvent{Kind: EventToolUseStart, Index: idx, ToolUseID: st.id, ToolName: st.name}
						st.seen = true
					}
					if td.Function.Arguments != "" {
						events <- StreamEvent{Kind: EventInputJSONDelta, Index: idx, Text: td.Function.Arguments}
					}
				}
				if choice.FinishReason != "" {
					for idx := range tools {
						events <- StreamEvent{Kind: EventContentBlockStop, Index: idx}
					}
					events <- StreamEvent{Kind: EventMessageDelta, StopReason: string(choice.FinishReason)}
				}
			}
		}

		if err := stream.Err(); err != nil {
			o.log.Warn().Err(err).Msg("openai stream ended with error")
		}
		events <- StreamEvent{Kind: EventMessageStop}
	}()

	return events, nil
}

func toOpenAIMessages(system string, msgs []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	if system != "" {
		result = append(result, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		blocks := m.AsBlocks()
		switch m.Role {
		case RoleAssistant:
			assistantMsg := openai.AssistantMessage(textOfBlocks(blocks))
			for _, b := range blocks {
				if b.Kind == BlockToolUse {
					assistantMsg.OfAssistant.ToolCalls = append(assistantMsg.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: b.ToolUseID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      b.ToolName,
								Arguments: string(b.InputJSON),
							},
						},
					})
				}
			}
			result = append(result, assistantMsg)
		default:
			// RoleUser (and any other role) is dispatched by block kind, not
			// by the message's Role: the agent loop always appends tool
			// results as synthetic RoleUser messages (never RoleTool), so a
			// ToolResult block must still become an openai.ToolMessage
			// regardless of what role wraps it.
			hasToolResult := false
			for _, b := range blocks {
				if b.Kind == BlockToolResult {
					hasToolResult = true
					result = append(result, openai.ToolMessage(b.ToolResultText, b.ToolResultForID))
				}
			}
			if text := textOfBlocks(blocks); text != "" || !hasToolResult {
				result = append(result, openai.UserMessage(text))
			}
		}
	}
	return result
}

func textOfBlocks(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  t.Parameters,
		}))
	}
	return result
}

func classifyOpenAIErr(err error) error {
	if opcerrors.IsAuthError(err) {
		return opcerrors.Wrap(opcerrors.KindAuth, "openai authentication failed", err)
	}
	if opcerrors.IsRetryable(err) {
		return opcerrors.Wrap(opcerrors.KindRetryableProvider, "openai request failed", err)
	}
	return opcerrors.Wrap(opcerrors.KindFatalProvider, "openai request failed", err)
}
