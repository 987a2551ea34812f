// Package compaction implements token estimation, the auto-compact
// threshold check, the compaction request builder, and post-summary
// history retention described in spec §4.5.
package compaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"novelaire/internal/llm"
)

// Settings are a profile's resolved context-management knobs, each falling
// back to the package defaults when the profile leaves it unset.
type Settings struct {
	AutoCompactThresholdRatio   float64
	HistoryBudgetRatio         float64
	HistoryBudgetFallbackTokens int
	ToolOutputBudgetTokens     int
}

const (
	DefaultHistoryBudgetRatio         = 0.20
	DefaultHistoryBudgetFallbackTokens = 8000
	DefaultToolOutputBudgetTokens     = 400
)

// ResolveSettings applies profile.ContextMgmt over the package defaults.
func ResolveSettings(profile llm.ModelProfile) Settings {
	out := Settings{
		HistoryBudgetRatio:         DefaultHistoryBudgetRatio,
		HistoryBudgetFallbackTokens: DefaultHistoryBudgetFallbackTokens,
		ToolOutputBudgetTokens:     DefaultToolOutputBudgetTokens,
	}
	if profile.ContextMgmt == nil {
		return out
	}
	cfg := profile.ContextMgmt
	if cfg.AutoCompactThresholdRatio != 0 {
		out.AutoCompactThresholdRatio = cfg.AutoCompactThresholdRatio
	}
	if cfg.HistoryBudgetRatio != 0 {
		out.HistoryBudgetRatio = cfg.HistoryBudgetRatio
	}
	if cfg.HistoryBudgetFallbackTokens != 0 {
		out.HistoryBudgetFallbackTokens = cfg.HistoryBudgetFallbackTokens
	}
	if cfg.ToolOutputBudgetTokens != 0 {
		out.ToolOutputBudgetTokens = cfg.ToolOutputBudgetTokens
	}
	return out
}

// bytesPerToken is the conservative token-estimation ratio spec §4.5
// mandates: 4 bytes of UTF-8 content per token.
const bytesPerToken = 4

// EstimateTextTokens estimates s's token count at 4 bytes/token.
func EstimateTextTokens(s string) int {
	n := len(s) / bytesPerToken
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// EstimateRequestTokens estimates req's total size by serializing it to
// JSON and applying EstimateTextTokens to the whole document, per spec
// §4.5's "applied recursively to serialized CanonicalRequest dictionaries."
func EstimateRequestTokens(req llm.CanonicalRequest) int {
	raw, err := json.Marshal(req)
	if err != nil {
		return 0
	}
	return EstimateTextTokens(string(raw))
}

// ShouldAutoCompact reports whether auto-compaction should trigger for a
// request estimated at estimatedInputTokens against contextLimit, honoring
// the "disabled if ratio <= 0 or >= 1" rule.
func ShouldAutoCompact(estimatedInputTokens, contextLimit int, ratio float64) bool {
	if ratio <= 0 || ratio >= 1 {
		return false
	}
	return float64(estimatedInputTokens) > ratio*float64(contextLimit)
}

const compactPromptTemplate = `Summarize the conversation above into a durable memory that preserves the
goals, decisions, file paths, and open threads a continuation would need.
Be concise but do not drop specifics (exact names, paths, identifiers).`

// PreviousSummaryLabel prefixes the carried-forward memory summary so the
// model (and the orchestrator's own history reconstruction) can distinguish
// it from fresh turn content.
const PreviousSummaryLabel = "This is the previous durable summary of this conversation:\n\n"

const previousSummaryLabel = PreviousSummaryLabel

// BuildCompactionRequest assembles the request sent to summarize history:
// tool-message content stripped to toolOutputBudgetTokens, the prior
// summary (if any) prepended as a labeled user message, the original
// history appended verbatim, then a final user message carrying the
// compact-prompt template.
func BuildCompactionRequest(system string, history []llm.CanonicalMessage, priorSummary string, toolOutputBudgetTokens int) llm.CanonicalRequest {
	messages := make([]llm.CanonicalMessage, 0, len(history)+2)
	if strings.TrimSpace(priorSummary) != "" {
		messages = append(messages, llm.CanonicalMessage{
			Role:    llm.RoleUser,
			Content: previousSummaryLabel + priorSummary,
		})
	}
	for _, m := range history {
		messages = append(messages, budgetToolMessage(m, toolOutputBudgetTokens))
	}
	messages = append(messages, llm.CanonicalMessage{Role: llm.RoleUser, Content: compactPromptTemplate})
	return llm.CanonicalRequest{System: system, Messages: messages}
}

// budgetToolMessage truncates a tool message's content to roughly
// budgetTokens, leaving non-tool messages untouched.
func budgetToolMessage(m llm.CanonicalMessage, budgetTokens int) llm.CanonicalMessage {
	if m.Role != llm.RoleTool || budgetTokens <= 0 {
		return m
	}
	maxBytes := budgetTokens * bytesPerToken
	if len(m.Content) <= maxBytes {
		return m
	}
	out := m
	truncated := EstimateTextTokens(m.Content[maxBytes:])
	out.Content = m.Content[:maxBytes] + fmt.Sprintf("\n…%d tokens truncated…", truncated)
	return out
}

// minRemainderTokens is the smallest remainder retention will still spend
// on a tail-truncated message, per spec §4.5.
const minRemainderTokens = 8

// ApplyRetention computes the post-compaction history window per spec
// §4.5: reserve budget = limit*historyBudgetRatio (or fallback) for the
// summary (truncating it if it overflows), then walk history newest-first,
// including whole messages while they fit and at most one tail-truncated
// message for the remainder, before reversing back to chronological order.
func ApplyRetention(history []llm.CanonicalMessage, summary string, limit int, settings Settings) ([]llm.CanonicalMessage, string) {
	budget := int(float64(limit) * settings.HistoryBudgetRatio)
	if budget <= 0 {
		budget = settings.HistoryBudgetFallbackTokens
	}

	summaryTokens := EstimateTextTokens(summary)
	if summaryTokens > budget {
		maxBytes := budget * bytesPerToken
		if maxBytes < 0 {
			maxBytes = 0
		}
		if maxBytes < len(summary) {
			truncated := EstimateTextTokens(summary[maxBytes:])
			summary = summary[:maxBytes] + fmt.Sprintf("\n…%d tokens truncated…", truncated)
		}
		summaryTokens = EstimateTextTokens(summary)
	}
	remainder := budget - summaryTokens

	var kept []llm.CanonicalMessage
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		msgTokens := EstimateTextTokens(msg.Content)
		if msgTokens <= remainder {
			kept = append(kept, msg)
			remainder -= msgTokens
			continue
		}
		if remainder >= minRemainderTokens {
			maxBytes := remainder * bytesPerToken
			if maxBytes > len(msg.Content) {
				maxBytes = len(msg.Content)
			}
			truncated := EstimateTextTokens(msg.Content[maxBytes:])
			tail := msg
			tail.Content = msg.Content[:maxBytes] + fmt.Sprintf("\n…%d tokens truncated…", truncated)
			kept = append(kept, tail)
		}
		break
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, summary
}
