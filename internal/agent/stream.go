package agent

import (
	"context"
	"fmt"

	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
	"github.com/oogalieboogalie/opencrust/internal/provider"
	"github.com/oogalieboogalie/opencrust/internal/tools"
)

// DeltaSink receives streamed text as it arrives. The channel-send-based
// contract lets a full sink apply backpressure to the provider read loop.
type DeltaSink func(text string)

// toolAccumulator aggregates per-tool-use state across an entire stream,
// keyed by block index.
type toolAccumulator struct {
	id      string
	name    string
	argsBuf string
}

// ProcessMessageStream runs the same control flow as ProcessMessage but
// sources provider output from CompleteStream, forwarding text deltas to
// sink as they arrive. If a provider's CompleteStream call
// fails outright, this falls through to a non-streaming
// CompleteWithFallback for that same iteration before considering the
// next provider in the fallback chain.
func (r *Runtime) ProcessMessageStream(ctx context.Context, in TurnInput, sink DeltaSink) (TurnResult, error) {
	providers, err := r.ProvidersForRequest(in.ProviderID)
	if err != nil {
		return TurnResult{}, err
	}

	memoryCtx := r.recallContext(ctx, in.UserText, in.SessionID, in.ContinuityKey)
	dna, base := r.snapshotDNAAndBase()
	system := BuildSystemPrompt(dna, base, memoryCtx, in.Summary)

	messages := append([]provider.ChatMessage(nil), in.History...)
	messages = append(messages, provider.NewTextMessage(provider.RoleUser, in.UserText))

	toolDefs := toolDefinitions(r.tools)

	r.mu.RLock()
	maxTokens := r.maxContextTokens
	summarizeEnabled := r.summarizeOnCompact
	r.mu.RUnlock()

	summary := in.Summary
	providerIndex := 0

	for iter := 0; iter < MaxToolIterations; iter++ {
		compacted, newSummary, err := CompactMessages(ctx, messages, system, toolDefs, maxTokens, providers[providerIndex], summary, summarizeEnabled)
		if err == nil {
			messages = compacted
			summary = newSummary
		}

		req := provider.LlmRequest{
			Messages:  messages,
			System:    system,
			MaxTokens: 4096,
			Tools:     toolDefs,
		}

		blocks, idx, text, streamErr := r.streamOneTurn(ctx, providers, providerIndex, req, sink)
		if streamErr != nil {
			resp, fallbackIdx, err := CompleteWithFallback(ctx, providers, req, providerIndex)
			if err != nil {
				return TurnResult{}, err
			}
			providerIndex = fallbackIdx
			blocks = resp.Content
			text = textOfResponse(resp)
			if text != "" {
				sink(text)
			}
		} else {
			providerIndex = idx
		}

		toolUses := extractToolUses(blocks)
		if len(toolUses) == 0 {
			r.persistTurn(ctx, in, text)
			return TurnResult{Text: text, UpdatedSummary: summary}, nil
		}

		messages = append(messages, provider.NewPartsMessage(provider.RoleAssistant, blocks))
		toolCtx := tools.Context{SessionID: in.SessionID, UserID: in.UserID, HeartbeatDepth: in.HeartbeatDepth}
		results := r.executeTools(ctx, toolCtx, toolUses)
		messages = append(messages, provider.NewPartsMessage(provider.RoleUser, results))
	}

	return TurnResult{}, opcerrors.New(opcerrors.KindToolLoopExceeded, fmt.Sprintf("tool loop exceeded %d iterations", MaxToolIterations))
}

// streamOneTurn drains providers[index].CompleteStream, aggregating text
// and per-tool-use content blocks, and synthesizes the equivalent of an
// LlmResponse.Content for the tool loop to consume.
func (r *Runtime) streamOneTurn(ctx context.Context, providers []provider.Provider, index int, req provider.LlmRequest, sink DeltaSink) (blocks []provider.ContentBlock, providerIndex int, text string, err error) {
	events, err := providers[index].CompleteStream(ctx, req)
	if err != nil {
		return nil, index, "", err
	}

	var textBuf string
	order := []int{}
	accumulators := map[int]*toolAccumulator{}

	for evt := range events {
		switch evt.Kind {
		case provider.EventTextDelta:
			textBuf += evt.Text
			sink(evt.Text)
		case provider.EventToolUseStart:
			accumulators[evt.Index] = &toolAccumulator{id: evt.ToolUseID, name: evt.ToolName}
			order = append(order, evt.Index)
		case provider.EventInputJSONDelta:
			if acc, ok := accumulators[evt.Index]; ok {
				acc.argsBuf += evt.Text
			}
		case provider.EventContentBlockStop, provider.EventMessageDelta, provider.EventMessageStop:
			// index-scoped completion signals; content is finalized below.
		}
	}

	if textBuf != "" {
		blocks = append(blocks, provider.TextBlock(textBuf))
	}
	for _, idx := range order {
		acc := accumulators[idx]
		blocks = append(blocks, provider.ToolUseBlock(acc.id, acc.name, marshalToolArgs(acc.argsBuf)))
	}

	return blocks, index, textBuf, nil
}
