package agent

import (
	"context"
	"strings"

	"github.com/oogalieboogalie/opencrust/internal/provider"
)

// imagePlaceholderChars is the fixed character count an image block
// contributes to the cheap token estimator.
const imagePlaceholderChars = 1000

// EstimateTokens sums the lengths of every text/tool-input/tool-result/
// image-placeholder span across the system prompt, messages, and tool
// schemas, dividing by 4.
func EstimateTokens(msgs []provider.ChatMessage, system string, toolDefs []provider.ToolDefinition) int {
	chars := len(system)
	for _, m := range msgs {
		for _, b := range m.AsBlocks() {
			switch b.Kind {
			case provider.BlockText:
				chars += len(b.Text)
			case provider.BlockImage:
				chars += imagePlaceholderChars
			case provider.BlockToolUse:
				chars += len(b.InputJSON)
			case provider.BlockToolResult:
				chars += len(b.ToolResultText)
			}
		}
	}
	for _, t := range toolDefs {
		chars += len(t.Name) + len(t.Description)
	}
	return chars / 4
}

// TrimMessagesToBudget drops the oldest message repeatedly while the
// estimate exceeds max, always preserving at least the final message (the
// current user input), so a turn never loses the input it was asked to
// answer.
func TrimMessagesToBudget(msgs []provider.ChatMessage, system string, toolDefs []provider.ToolDefinition, max int) []provider.ChatMessage {
	trimmed := msgs
	for len(trimmed) > 1 && EstimateTokens(trimmed, system, toolDefs) > max {
		trimmed = trimmed[1:]
	}
	return trimmed
}

// summarizationInstruction is the fixed prompt prefix for the low-
// temperature compaction completion.
const summarizationInstruction = "Summarize the following conversation excerpt concisely, preserving names, " +
	"decisions, and facts the assistant will need later. Respond with only the summary text."

const compactionDropTarget = 0.70
const compactionTriggerRatio = 0.75

// CompactMessages implements context compaction: if the
// estimate is at or below 75% of max, it is a no-op (returns the input
// messages unchanged and no new summary). If summarization is disabled or
// there is nothing droppable, it falls back to TrimMessagesToBudget and
// returns no new summary. Otherwise it simulates drops until the estimate
// is at or below 70% of max, asks the provider for a summary of the
// dropped prefix (labeling any existing summary "Previous summary"), and
// on success returns the retained messages plus the new summary; on
// failure or an empty completion it falls back to trimming.
func CompactMessages(
	ctx context.Context,
	msgs []provider.ChatMessage,
	system string,
	toolDefs []provider.ToolDefinition,
	max int,
	p provider.Provider,
	existingSummary string,
	enabled bool,
) ([]provider.ChatMessage, string, error) {
	estimate := EstimateTokens(msgs, system, toolDefs)
	if float64(estimate) <= compactionTriggerRatio*float64(max) {
		return msgs, existingSummary, nil
	}
	if !enabled || len(msgs) <= 1 {
		return TrimMessagesToBudget(msgs, system, toolDefs, max), existingSummary, nil
	}

	dropCount := 0
	for dropCount < len(msgs)-1 {
		dropCount++
		remaining := msgs[dropCount:]
		if float64(EstimateTokens(remaining, system, toolDefs)) <= compactionDropTarget*float64(max) {
			break
		}
	}
	if dropCount <= 0 {
		return TrimMessagesToBudget(msgs, system, toolDefs, max), existingSummary, nil
	}

	toDrop := msgs[:dropCount]
	retained := msgs[dropCount:]

	var sb strings.Builder
	sb.WriteString(summarizationInstruction)
	sb.WriteString("\n\n")
	if strings.TrimSpace(existingSummary) != "" {
		sb.WriteString("Previous summary: ")
		sb.WriteString(existingSummary)
		sb.WriteString("\n\n")
	}
	for _, m := range toDrop {
		sb.WriteString(capitalizeRole(m.Role))
		sb.WriteString(": ")
		sb.WriteString(textOfMessage(m))
		sb.WriteString("\n")
	}

	resp, _, err := CompleteWithFallback(ctx, []provider.Provider{p}, provider.LlmRequest{
		Messages:    []provider.ChatMessage{provider.NewTextMessage(provider.RoleUser, sb.String())},
		MaxTokens:   500,
		Temperature: 0.1,
	}, 0)
	if err != nil {
		return TrimMessagesToBudget(msgs, system, toolDefs, max), existingSummary, nil
	}

	summary := strings.TrimSpace(textOfResponse(resp))
	if summary == "" {
		return TrimMessagesToBudget(msgs, system, toolDefs, max), existingSummary, nil
	}

	return retained, summary, nil
}

func capitalizeRole(r provider.Role) string {
	s := string(r)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func textOfMessage(m provider.ChatMessage) string {
	var sb strings.Builder
	for _, b := range m.AsBlocks() {
		if b.Kind == provider.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func textOfResponse(resp provider.LlmResponse) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Kind == provider.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
