// Package anthropic wraps github.com/anthropics/anthropic-sdk-go directly
// (rather than going through the generic PreparedRequest/HTTP path other
// adapters use) since the SDK already owns request construction, auth, and
// SSE framing for the Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"novelaire/internal/errs"
	"novelaire/internal/llm"
)

// CredentialResolver resolves a CredentialRef to a usable API key; supplied
// by the caller so this package never touches environment variables or
// credential files directly (see internal/credential).
type CredentialResolver func(llm.CredentialRef) (string, error)

const defaultMaxTokens = 4096

// Client implements llm.Client for Anthropic profiles.
type Client struct {
	resolve CredentialResolver
}

func New(resolve CredentialResolver) *Client {
	return &Client{resolve: resolve}
}

func (c *Client) sdkClient(profile llm.ModelProfile) (anthropic.Client, error) {
	var opts []option.RequestOption
	if profile.CredentialRef != nil {
		key, err := c.resolve(*profile.CredentialRef)
		if err != nil {
			return anthropic.Client{}, errs.Wrap(errs.Auth, "resolve anthropic credential", err)
		}
		opts = append(opts, option.WithAPIKey(key))
	}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	// The orchestrator's own retry/backoff is authoritative (spec §5); the
	// SDK must never retry underneath it.
	opts = append(opts, option.WithMaxRetries(0))
	return anthropic.NewClient(opts...), nil
}

func maxTokensFor(profile llm.ModelProfile) int64 {
	if profile.Limits != nil && profile.Limits.MaxOutputTokens > 0 {
		return int64(profile.Limits.MaxOutputTokens)
	}
	return defaultMaxTokens
}

func translateRequest(profile llm.ModelProfile, req llm.CanonicalRequest) (anthropic.MessageNewParams, error) {
	if strings.HasSuffix(strings.TrimRight(profile.BaseURL, "/"), "/v1") {
		return anthropic.MessageNewParams{}, errs.New(errs.BadRequest, "anthropic base_url must not end with /v1")
	}
	for k := range req.Params {
		if llm.ReservedParams[k] {
			return anthropic.MessageNewParams{}, errs.New(errs.BadRequest, "param "+k+" is reserved for the transport layer")
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(profile.ModelName),
		MaxTokens: maxTokensFor(profile),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ToolCallID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			// A tool result surfaces to Anthropic as a user message carrying
			// a single tool_result content block (spec §4.2).
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		var tools []anthropic.ToolUnionParam
		for _, t := range req.Tools {
			schema := anthropic.ToolInputSchemaParam{}
			if props, ok := t.InputSchema["properties"].(map[string]any); ok {
				schema.Properties = props
			}
			if required, ok := t.InputSchema["required"].([]any); ok {
				for _, r := range required {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: schema,
				},
			})
		}
		params.Tools = tools
	}

	for k, v := range req.Params {
		switch k {
		case "temperature":
			if f, ok := asFloat(v); ok {
				params.Temperature = anthropic.Float(f)
			}
		case "top_p":
			if f, ok := asFloat(v); ok {
				params.TopP = anthropic.Float(f)
			}
		}
	}

	return params, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// Complete issues a non-streaming Messages.New call.
func (c *Client) Complete(ctx context.Context, profile llm.ModelProfile, req llm.CanonicalRequest, opts llm.CallOptions) (llm.LLMResponse, error) {
	if opts.Cancel != nil && opts.Cancel.Cancelled() {
		return llm.LLMResponse{}, &llm.RequestError{Code: errs.Cancelled, ProviderKind: profile.ProviderKind, ProfileID: profile.ProfileID, Model: profile.ModelName}
	}
	params, err := translateRequest(profile, req)
	if err != nil {
		return llm.LLMResponse{}, wrapAnthropicErr(profile, "translate request", err)
	}
	sdk, err := c.sdkClient(profile)
	if err != nil {
		return llm.LLMResponse{}, wrapAnthropicErr(profile, "build sdk client", err)
	}
	msg, err := sdk.Messages.New(ctx, params)
	if err != nil {
		return llm.LLMResponse{}, classifyAnthropicErr(profile, err)
	}
	return translateMessage(profile, msg), nil
}

func translateMessage(profile llm.ModelProfile, msg *anthropic.Message) llm.LLMResponse {
	resp := llm.LLMResponse{
		ProviderKind: llm.ProviderAnthropic,
		ProfileID:    profile.ProfileID,
		Model:        profile.ModelName,
		StopReason:   string(msg.StopReason),
		RequestID:    msg.ID,
		Usage: &llm.LLMUsage{
			InputTokens:              int(msg.Usage.InputTokens),
			OutputTokens:             int(msg.Usage.OutputTokens),
			CacheCreationInputTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadInputTokens:     int(msg.Usage.CacheReadInputTokens),
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			var args map[string]any
			raw, _ := json.Marshal(variant.Input)
			_ = json.Unmarshal(raw, &args)
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ToolCallID:   variant.ID,
				Name:         variant.Name,
				Arguments:    args,
				RawArguments: string(raw),
			})
		}
	}
	resp.Text = text.String()
	return resp
}

// Stream issues a streaming Messages.NewStreaming call and translates SDK
// events into canonical stream events, assembling tool_use blocks per
// spec §4.3 (content_block_start opens a builder, input_json_delta feeds
// it, content_block_stop finalizes).
func (c *Client) Stream(ctx context.Context, profile llm.ModelProfile, req llm.CanonicalRequest, opts llm.CallOptions) (<-chan llm.LLMStreamEvent, error) {
	params, err := translateRequest(profile, req)
	if err != nil {
		return nil, wrapAnthropicErr(profile, "translate request", err)
	}
	sdk, err := c.sdkClient(profile)
	if err != nil {
		return nil, wrapAnthropicErr(profile, "build sdk client", err)
	}

	out := make(chan llm.LLMStreamEvent, 16)
	go func() {
		defer close(out)
		stream := sdk.Messages.NewStreaming(ctx, params)

		if opts.Cancel != nil {
			go func() {
				select {
				case <-opts.Cancel.Done():
					stream.Close()
				case <-ctx.Done():
				}
			}()
		}

		blocks := map[int64]*toolBuilder{}
		var text strings.Builder
		var usage llm.LLMUsage
		var stopReason, requestID string

		for stream.Next() {
			event := stream.Current()
			switch e := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				requestID = e.Message.ID
			case anthropic.ContentBlockStartEvent:
				block := e.ContentBlock
				if block.Type == "tool_use" {
					toolBlock := block.AsToolUse()
					blocks[e.Index] = &toolBuilder{id: toolBlock.ID, name: toolBlock.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				delta := e.Delta
				switch delta.Type {
				case "text_delta":
					textDelta := delta.AsTextDelta()
					text.WriteString(textDelta.Text)
					out <- llm.LLMStreamEvent{Kind: llm.StreamTextDelta, TextDelta: textDelta.Text}
				case "thinking_delta":
					thinkingDelta := delta.AsThinkingDelta()
					out <- llm.LLMStreamEvent{Kind: llm.StreamThinkingDelta, ThinkingDelta: thinkingDelta.Thinking}
				case "input_json_delta":
					jsonDelta := delta.AsInputJSONDelta()
					b, ok := blocks[e.Index]
					if !ok {
						b = &toolBuilder{}
						blocks[e.Index] = b
					}
					b.args.WriteString(jsonDelta.PartialJSON)
					idx := int(e.Index)
					out <- llm.LLMStreamEvent{
						Kind: llm.StreamToolCallDelta,
						ToolCallDelta: &llm.ToolCallDelta{
							ToolCallIndex:     idx,
							ToolCallID:        b.id,
							Name:              b.name,
							RawArgumentsDelta: jsonDelta.PartialJSON,
						},
					}
				}
			case anthropic.ContentBlockStopEvent:
				if b, ok := blocks[e.Index]; ok && b.id != "" {
					var args map[string]any
					rawArgs := b.args.String()
					_ = json.Unmarshal([]byte(rawArgs), &args)
					call := llm.ToolCall{ToolCallID: b.id, Name: b.name, Arguments: args, RawArguments: rawArgs}
					out <- llm.LLMStreamEvent{Kind: llm.StreamToolCall, ToolCall: &call}
				}
			case anthropic.MessageDeltaEvent:
				if e.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(e.Usage.OutputTokens)
				}
				if string(e.Delta.StopReason) != "" {
					stopReason = string(e.Delta.StopReason)
				}
			case anthropic.MessageStopEvent:
				// terminal marker; completed event assembled below
			}
		}

		if err := stream.Err(); err != nil {
			out <- llm.LLMStreamEvent{Kind: llm.StreamError, Err: classifyAnthropicErr(profile, err)}
			return
		}

		var calls []llm.ToolCall
		for _, idx := range sortedKeys(blocks) {
			b := blocks[idx]
			if b.id == "" {
				continue
			}
			var args map[string]any
			rawArgs := b.args.String()
			_ = json.Unmarshal([]byte(rawArgs), &args)
			calls = append(calls, llm.ToolCall{ToolCallID: b.id, Name: b.name, Arguments: args, RawArguments: rawArgs})
		}
		resp := llm.LLMResponse{
			ProviderKind: llm.ProviderAnthropic,
			ProfileID:    profile.ProfileID,
			Model:        profile.ModelName,
			Text:         text.String(),
			ToolCalls:    calls,
			Usage:        &usage,
			StopReason:   stopReason,
			RequestID:    requestID,
		}
		out <- llm.LLMStreamEvent{Kind: llm.StreamCompleted, Response: &resp}
	}()
	return out, nil
}

// toolBuilder accumulates one streamed tool_use block's arguments, keyed by
// content block index, mirroring the teacher's sse.Collector idiom.
type toolBuilder struct {
	id, name string
	args     strings.Builder
}

func sortedKeys(m map[int64]*toolBuilder) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func wrapAnthropicErr(profile llm.ModelProfile, details string, cause error) error {
	return &llm.RequestError{
		Code:         errs.BadRequest,
		ProviderKind: profile.ProviderKind,
		ProfileID:    profile.ProfileID,
		Model:        profile.ModelName,
		Retryable:    false,
		Details:      details,
		Cause:        cause,
	}
}

func classifyAnthropicErr(profile llm.ModelProfile, err error) error {
	code := errs.ServerError
	statusCode := 0
	var apiErr *anthropic.Error
	if ok := isAnthropicError(err, &apiErr); ok {
		statusCode = apiErr.StatusCode
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			code = errs.Auth
		case apiErr.StatusCode == 429:
			code = errs.RateLimit
		case apiErr.StatusCode == 408:
			code = errs.Timeout
		case apiErr.StatusCode >= 500:
			code = errs.ServerError
		case apiErr.StatusCode >= 400:
			code = errs.BadRequest
		}
	}
	return &llm.RequestError{
		Code:         code,
		ProviderKind: profile.ProviderKind,
		ProfileID:    profile.ProfileID,
		Model:        profile.ModelName,
		StatusCode:   statusCode,
		Retryable:    code.Retryable(),
		Details:      "anthropic request failed",
		Cause:        err,
	}
}

func isAnthropicError(err error, target **anthropic.Error) bool {
	if apiErr, ok := err.(*anthropic.Error); ok {
		*target = apiErr
		return true
	}
	return false
}
