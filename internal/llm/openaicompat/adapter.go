// Package openaicompat adapts the provider-neutral CanonicalRequest into an
// OpenAI-compatible chat/completions call and parses both the non-streaming
// JSON response and the SSE delta stream back into canonical shapes.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"novelaire/internal/errs"
	"novelaire/internal/llm"
	"novelaire/internal/sse"
)

// Adapter implements llm.Adapter for any OpenAI-compatible chat/completions
// endpoint (base_url must end in "/v1").
type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) ProviderKind() llm.ProviderKind { return llm.ProviderOpenAICompatible }

type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFuncSpec `json:"function"`
}

type chatFuncSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// PrepareRequest validates the profile's base URL shape and renders the
// canonical request into an OpenAI chat/completions body.
func (a *Adapter) PrepareRequest(profile llm.ModelProfile, req llm.CanonicalRequest) (llm.PreparedRequest, error) {
	if !strings.HasSuffix(strings.TrimRight(profile.BaseURL, "/"), "/v1") {
		return llm.PreparedRequest{}, errs.New(errs.BadRequest, fmt.Sprintf("openai-compatible base_url must end with /v1, got %q", profile.BaseURL))
	}
	for k := range req.Params {
		if llm.ReservedParams[k] {
			return llm.PreparedRequest{}, errs.New(errs.BadRequest, fmt.Sprintf("param %q is reserved for the transport layer", k))
		}
	}

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		cm := chatMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == llm.RoleTool {
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			args := tc.RawArguments
			if args == "" {
				if b, err := json.Marshal(tc.Arguments); err == nil {
					args = string(b)
				}
			}
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   tc.ToolCallID,
				Type: "function",
				Function: chatToolFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		messages = append(messages, cm)
	}

	var tools []chatTool
	for _, t := range req.Tools {
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatFuncSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	body := map[string]any{
		"model":    profile.ModelName,
		"messages": messages,
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	for k, v := range req.Params {
		body[k] = v
	}

	headers := map[string]string{"Content-Type": "application/json"}
	return llm.PreparedRequest{
		Method:  "POST",
		URL:     strings.TrimRight(profile.BaseURL, "/") + "/chat/completions",
		Headers: headers,
		JSON:    body,
	}, nil
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) ParseResponse(profile llm.ModelProfile, body []byte) (llm.LLMResponse, error) {
	var raw chatCompletionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return llm.LLMResponse{}, errs.Wrap(errs.ResponseValidation, "decode chat completion response", err)
	}
	if len(raw.Choices) == 0 {
		return llm.LLMResponse{}, errs.New(errs.ResponseValidation, "chat completion response has no choices")
	}
	choice := raw.Choices[0]
	resp := llm.LLMResponse{
		ProviderKind: llm.ProviderOpenAICompatible,
		ProfileID:    profile.ProfileID,
		Model:        profile.ModelName,
		Text:         choice.Message.Content,
		StopReason:   choice.FinishReason,
		RequestID:    raw.ID,
		Usage: &llm.LLMUsage{
			InputTokens:  raw.Usage.PromptTokens,
			OutputTokens: raw.Usage.CompletionTokens,
			TotalTokens:  raw.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ToolCallID:   tc.ID,
			Name:         tc.Function.Name,
			Arguments:    args,
			RawArguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

type chatStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Delta        struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// toolCallBuilder accumulates one streamed tool call's arguments by index,
// mirroring the teacher's sse.Collector keyed-accumulation idiom.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// ParseStream consumes raw SSE data frames already split by the transport
// and emits canonical stream events, accumulating per-index tool_call_delta
// fragments into one terminal tool_call per spec §4.3.
func (a *Adapter) ParseStream(ctx context.Context, profile llm.ModelProfile, raw <-chan []byte) <-chan llm.LLMStreamEvent {
	out := make(chan llm.LLMStreamEvent, 16)
	go func() {
		defer close(out)
		builders := map[int]*toolCallBuilder{}
		var text strings.Builder
		var usage *llm.LLMUsage
		var stopReason, requestID string

		emit := func(raw json.RawMessage) error {
			var chunk chatStreamChunk
			if err := json.Unmarshal(raw, &chunk); err != nil {
				return nil
			}
			if chunk.ID != "" {
				requestID = chunk.ID
			}
			if chunk.Usage != nil {
				usage = &llm.LLMUsage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				return nil
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				stopReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				out <- llm.LLMStreamEvent{Kind: llm.StreamTextDelta, TextDelta: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				b, ok := builders[tc.Index]
				if !ok {
					b = &toolCallBuilder{}
					builders[tc.Index] = b
				}
				if tc.ID != "" {
					b.id = tc.ID
				}
				if tc.Function.Name != "" {
					b.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					b.args.WriteString(tc.Function.Arguments)
				}
				idx := tc.Index
				out <- llm.LLMStreamEvent{
					Kind: llm.StreamToolCallDelta,
					ToolCallDelta: &llm.ToolCallDelta{
						ToolCallIndex:     idx,
						ToolCallID:        b.id,
						Name:              b.name,
						RawArgumentsDelta: tc.Function.Arguments,
					},
				}
			}
			return nil
		}

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-raw:
				if !ok {
					finalize(out, builders, &text, usage, stopReason, requestID, profile)
					return
				}
				_ = sse.ParseStream(bytes.NewReader(chunk), emit)
			}
		}
	}()
	return out
}

func finalize(out chan<- llm.LLMStreamEvent, builders map[int]*toolCallBuilder, text *strings.Builder, usage *llm.LLMUsage, stopReason, requestID string, profile llm.ModelProfile) {
	indices := make([]int, 0, len(builders))
	for idx := range builders {
		indices = append(indices, idx)
	}
	sortInts(indices)

	var calls []llm.ToolCall
	for _, idx := range indices {
		b := builders[idx]
		var args map[string]any
		rawArgs := b.args.String()
		_ = json.Unmarshal([]byte(rawArgs), &args)
		call := llm.ToolCall{ToolCallID: b.id, Name: b.name, Arguments: args, RawArguments: rawArgs}
		calls = append(calls, call)
		out <- llm.LLMStreamEvent{Kind: llm.StreamToolCall, ToolCall: &call}
	}

	resp := llm.LLMResponse{
		ProviderKind: llm.ProviderOpenAICompatible,
		ProfileID:    profile.ProfileID,
		Model:        profile.ModelName,
		Text:         text.String(),
		ToolCalls:    calls,
		Usage:        usage,
		StopReason:   stopReason,
		RequestID:    requestID,
	}
	out <- llm.LLMStreamEvent{Kind: llm.StreamCompleted, Response: &resp}
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
