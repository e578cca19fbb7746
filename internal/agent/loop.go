package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oogalieboogalie/opencrust/internal/memory"
	"github.com/oogalieboogalie/opencrust/internal/opcerrors"
	"github.com/oogalieboogalie/opencrust/internal/provider"
	"github.com/oogalieboogalie/opencrust/internal/tools"
)

// TurnInput is everything a single inbound message (human or heartbeat)
// needs to run the tool-use loop.
type TurnInput struct {
	SessionID      string
	UserID         string
	ContinuityKey  string
	ChannelID      string
	UserText       string
	History        []provider.ChatMessage
	ProviderID     string // explicit provider override; "" uses default+fallbacks
	HeartbeatDepth int
	Summary        string // existing rolling summary, if any
}

// TurnResult is returned by a completed turn.
type TurnResult struct {
	Text           string
	UpdatedSummary string
}

// ProcessMessage runs the full tool-use loop for one inbound turn: recall memory, build the system prompt, call the provider with
// fallback, execute any tool-use blocks, and loop until a tool-free
// response or MaxToolIterations is reached.
func (r *Runtime) ProcessMessage(ctx context.Context, in TurnInput) (TurnResult, error) {
	turnID := NewTurnID()
	log := r.log.With().Str("turn_id", turnID).Str("session_id", in.SessionID).Logger()

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

		resp, idx, err := CompleteWithFallback(ctx, providers, req, providerIndex)
		if err != nil {
			return TurnResult{}, err
		}
		providerIndex = idx

		toolUses := extractToolUses(resp.Content)
		if len(toolUses) == 0 {
			text := textOfResponse(resp)
			r.persistTurn(ctx, in, text)
			return TurnResult{Text: text, UpdatedSummary: summary}, nil
		}

		log.Debug().Int("iteration", iter).Int("tool_calls", len(toolUses)).Msg("tool-use iteration")
		messages = append(messages, provider.NewPartsMessage(provider.RoleAssistant, resp.Content))

		toolCtx := tools.Context{SessionID: in.SessionID, UserID: in.UserID, HeartbeatDepth: in.HeartbeatDepth}
		results := r.executeTools(ctx, toolCtx, toolUses)
		messages = append(messages, provider.NewPartsMessage(provider.RoleUser, results))
	}

	return TurnResult{}, opcerrors.New(opcerrors.KindToolLoopExceeded, fmt.Sprintf("tool loop exceeded %d iterations", MaxToolIterations))
}

// ProcessHeartbeat re-enters the tool-use loop for a scheduler-driven
// wake-up: a heartbeat is otherwise an ordinary turn, tagged
// with the invocation's depth.
func (r *Runtime) ProcessHeartbeat(ctx context.Context, sessionID, payload string, history []provider.ChatMessage, continuityKey, userID string, heartbeatDepth int) (TurnResult, error) {
	return r.ProcessMessage(ctx, TurnInput{
		SessionID:      sessionID,
		UserID:         userID,
		ContinuityKey:  continuityKey,
		UserText:       payload,
		History:        history,
		HeartbeatDepth: heartbeatDepth,
	})
}

func toolDefinitions(registry *tools.Registry) []provider.ToolDefinition {
	if registry == nil {
		return nil
	}
	all := registry.All()
	defs := make([]provider.ToolDefinition, 0, len(all))
	for _, t := range all {
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}

func extractToolUses(blocks []provider.ContentBlock) []provider.ContentBlock {
	var out []provider.ContentBlock
	for _, b := range blocks {
		if b.Kind == provider.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// executeTools runs every ToolUse block against the registry, returning
// a ToolResult block per call in the same order. An unknown
// tool name, or an executor error, surfaces as an error ToolResult rather
// than aborting the loop.
func (r *Runtime) executeTools(ctx context.Context, tc tools.Context, calls []provider.ContentBlock) []provider.ContentBlock {
	results := make([]provider.ContentBlock, 0, len(calls))
	for _, call := range calls {
		out := r.runOneTool(ctx, tc, call)
		results = append(results, provider.ToolResultBlock(call.ToolUseID, out.Content, out.IsError))
	}
	return results
}

func (r *Runtime) runOneTool(ctx context.Context, tc tools.Context, call provider.ContentBlock) (out tools.Output) {
	t, ok := r.tools.Lookup(call.ToolName)
	if !ok {
		return tools.Error(fmt.Sprintf("unknown tool %q", call.ToolName))
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = tools.Error(fmt.Sprintf("tool %q panicked: %v", call.ToolName, rec))
		}
	}()
	return t.Execute(ctx, tc, call.InputJSON)
}

// recallContext fetches up to RecallLimit memory entries relevant to the
// current turn and renders them as a bullet list. Recall failure is
// non-fatal: the turn proceeds with an empty context.
func (r *Runtime) recallContext(ctx context.Context, queryText, sessionID, continuityKey string) string {
	if r.mem == nil {
		return ""
	}
	r.mu.RLock()
	limit := r.recallLimit
	embedder := r.embed
	r.mu.RUnlock()

	var queryEmbedding []float32
	if embedder != nil {
		if vec, err := embedder.EmbedQuery(ctx, queryText); err == nil {
			queryEmbedding = vec
		} else {
			r.log.Warn().Err(err).Msg("embedding query failed; recalling without embedding")
		}
	}

	entries, err := r.mem.Recall(memory.RetrievalQuery{
		QueryText:      queryText,
		QueryEmbedding: queryEmbedding,
		SessionID:      sessionID,
		ContinuityKey:  continuityKey,
		Limit:          limit,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("memory recall failed; proceeding without context")
		return ""
	}
	if len(entries) == 0 {
		return ""
	}

	var out string
	for _, e := range entries {
		out += fmt.Sprintf("- %s\n", e.Content)
	}
	return out
}

// persistTurn stores the user input and assistant output in long-term
// memory, attaching embeddings when an embedding provider is configured.
// Failures are logged and swallowed.
func (r *Runtime) persistTurn(ctx context.Context, in TurnInput, assistantText string) {
	if r.mem == nil {
		return
	}
	r.mu.RLock()
	embedder := r.embed
	r.mu.RUnlock()

	r.rememberOne(ctx, in, memory.RoleUser, in.UserText, embedder)
	r.rememberOne(ctx, in, memory.RoleAssistant, assistantText, embedder)
}

func (r *Runtime) rememberOne(ctx context.Context, in TurnInput, role memory.Role, content string, embedder EmbeddingProvider) {
	if content == "" {
		return
	}
	entry := memory.NewEntry{
		SessionID:     in.SessionID,
		ChannelID:     in.ChannelID,
		UserID:        in.UserID,
		ContinuityKey: in.ContinuityKey,
		Role:          role,
		Content:       content,
	}
	if embedder != nil {
		if vec, err := embedder.EmbedQuery(ctx, content); err == nil {
			entry.Embedding = vec
			entry.EmbeddingModel = embedder.Model()
		} else {
			r.log.Warn().Err(err).Msg("embedding turn content failed; storing without embedding")
		}
	}
	if _, err := r.mem.Remember(entry); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist memory entry")
	}
}

// RememberSystemEvent inserts a System-role MemoryEntry marking a session
// lifecycle boundary.
func (r *Runtime) RememberSystemEvent(sessionID, kind string) {
	if r.mem == nil {
		return
	}
	_, err := r.mem.Remember(memory.NewEntry{
		SessionID: sessionID,
		Role:      memory.RoleSystem,
		Content:   kind,
		Metadata:  map[string]any{"kind": kind, "recorded_at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to record session lifecycle event")
	}
}

// marshalToolArgs is a small helper used by streaming accumulation to
// validate that aggregated InputJsonDelta fragments parse as JSON,
// defaulting to an empty object on failure.
func marshalToolArgs(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(raw)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}
