// Package llm defines the provider-neutral request/response/streaming model
// shared by every backend adapter, plus the role-to-profile router and the
// client that drives complete()/stream() calls against a resolved profile.
package llm

// ProviderKind selects which wire adapter prepares a request.
type ProviderKind string

const (
	ProviderOpenAICompatible ProviderKind = "openai_compatible"
	ProviderAnthropic        ProviderKind = "anthropic"
	ProviderGeminiInternal   ProviderKind = "gemini_internal"
)

// ModelRole is a stable pointer into the role → profile table.
type ModelRole string

const (
	RoleMain            ModelRole = "main"
	RoleWrite           ModelRole = "write"
	RoleExtract         ModelRole = "extract"
	RoleQuick           ModelRole = "quick"
	RoleToolInterpreter ModelRole = "tool_interpreter"
	RoleSubagent        ModelRole = "subagent"
)

// CredentialRef names where to resolve an API credential from; see
// internal/credential for the resolution logic.
type CredentialRef struct {
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
}

// ToRedactedString renders a value safe to log: inline credentials never
// surface their identifier.
func (c CredentialRef) ToRedactedString() string {
	if c.Kind == "inline" || c.Kind == "plaintext" {
		return c.Kind + ":***"
	}
	return c.Kind + ":" + c.Identifier
}

// ModelLimits bounds a profile's context window and output size.
type ModelLimits struct {
	ContextLimitTokens int `json:"context_limit_tokens,omitempty"`
	MaxOutputTokens    int `json:"max_output_tokens,omitempty"`
}

// ContextManagementConfig controls auto-compaction and retention budgets
// for a profile; zero-value fields fall back to package-level defaults.
type ContextManagementConfig struct {
	AutoCompactThresholdRatio  float64 `json:"auto_compact_threshold_ratio,omitempty"`
	HistoryBudgetRatio         float64 `json:"history_budget_ratio,omitempty"`
	HistoryBudgetFallbackTokens int    `json:"history_budget_fallback_tokens,omitempty"`
	ToolOutputBudgetTokens     int     `json:"tool_output_budget_tokens,omitempty"`
}

// ModelCapabilities are tri-state (nil = unset) so provider defaults can
// fill gaps without clobbering an explicit false.
type ModelCapabilities struct {
	SupportsTools             *bool `json:"supports_tools,omitempty"`
	SupportsStructuredOutput  *bool `json:"supports_structured_output,omitempty"`
	SupportsStreaming         *bool `json:"supports_streaming,omitempty"`
}

func boolPtr(v bool) *bool { return &v }

// WithProviderDefaults fills unset capability fields from provider-specific
// defaults: openai-compatible and anthropic default to streaming+tools;
// gemini_internal defaults to tools but not streaming.
func (c ModelCapabilities) WithProviderDefaults(kind ProviderKind) ModelCapabilities {
	out := c
	if out.SupportsStreaming == nil {
		switch kind {
		case ProviderOpenAICompatible, ProviderAnthropic:
			out.SupportsStreaming = boolPtr(true)
		case ProviderGeminiInternal:
			out.SupportsStreaming = boolPtr(false)
		}
	}
	if out.SupportsTools == nil {
		switch kind {
		case ProviderOpenAICompatible, ProviderAnthropic, ProviderGeminiInternal:
			out.SupportsTools = boolPtr(true)
		}
	}
	return out
}

func (c ModelCapabilities) streamingEnabled() bool {
	return c.SupportsStreaming != nil && *c.SupportsStreaming
}

func (c ModelCapabilities) toolsEnabled() bool {
	return c.SupportsTools != nil && *c.SupportsTools
}

// ModelProfile is an immutable, named backend configuration. Profiles are
// loaded once from config/models.json and never mutated at runtime.
type ModelProfile struct {
	ProfileID        string                   `json:"profile_id"`
	ProviderKind     ProviderKind             `json:"provider_kind"`
	BaseURL          string                   `json:"base_url"`
	ModelName        string                   `json:"model_name"`
	CredentialRef    *CredentialRef           `json:"credential_ref,omitempty"`
	TimeoutS         float64                  `json:"timeout_s,omitempty"`
	DefaultParams    map[string]any           `json:"default_params,omitempty"`
	Capabilities     ModelCapabilities        `json:"capabilities"`
	Tags             []string                 `json:"tags,omitempty"`
	Limits           *ModelLimits             `json:"limits,omitempty"`
	ContextMgmt      *ContextManagementConfig `json:"context_management,omitempty"`
}

// ModelRequirements is what a caller needs from a resolved profile.
type ModelRequirements struct {
	NeedsStreaming        bool
	NeedsTools            bool
	NeedsStructuredOutput bool
	MinContextTokens      int
}

// CanonicalMessageRole enumerates roles in a CanonicalMessage.
type CanonicalMessageRole string

const (
	RoleSystem    CanonicalMessageRole = "system"
	RoleUser      CanonicalMessageRole = "user"
	RoleAssistant CanonicalMessageRole = "assistant"
	RoleTool      CanonicalMessageRole = "tool"
)

// ToolCall is a model-requested invocation of a registered tool.
type ToolCall struct {
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	Name             string         `json:"name"`
	Arguments        map[string]any `json:"arguments"`
	RawArguments     string         `json:"raw_arguments,omitempty"`
	ThoughtSignature string         `json:"thought_signature,omitempty"`
}

// CanonicalMessage is the provider-neutral message shape every adapter
// translates to and from its own wire format.
type CanonicalMessage struct {
	Role       CanonicalMessageRole `json:"role"`
	Content    string               `json:"content"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolName   string               `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall           `json:"tool_calls,omitempty"`
}

// ToolSpec is a provider-neutral tool declaration.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// CanonicalRequest is the provider-neutral request body an adapter prepares
// into a concrete HTTP call.
type CanonicalRequest struct {
	System   string             `json:"system,omitempty"`
	Messages []CanonicalMessage `json:"messages"`
	Tools    []ToolSpec         `json:"tools,omitempty"`
	Params   map[string]any     `json:"params,omitempty"`
}

// LLMUsage reports token accounting for a completed call.
type LLMUsage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	TotalTokens              int `json:"total_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// LLMResponse is the terminal result of complete() or a stream's final
// "completed" event.
type LLMResponse struct {
	ProviderKind ProviderKind `json:"provider_kind"`
	ProfileID    string       `json:"profile_id"`
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Usage        *LLMUsage    `json:"usage,omitempty"`
	StopReason   string       `json:"stop_reason,omitempty"`
	RequestID    string       `json:"request_id,omitempty"`
}

// LLMStreamEventKind enumerates the events a streaming call yields.
type LLMStreamEventKind string

const (
	StreamTextDelta     LLMStreamEventKind = "text_delta"
	StreamThinkingDelta LLMStreamEventKind = "thinking_delta"
	StreamToolCallDelta LLMStreamEventKind = "tool_call_delta"
	StreamToolCall      LLMStreamEventKind = "tool_call"
	StreamCompleted     LLMStreamEventKind = "completed"
	// StreamError terminates a stream early; the caller's streaming-to-
	// complete fallback (spec §4.3) inspects whether any chunk preceded it.
	StreamError LLMStreamEventKind = "error"
)

// ToolCallDelta is an incremental fragment of a streamed tool call.
type ToolCallDelta struct {
	ToolCallIndex     int    `json:"tool_call_index"`
	ToolCallID        string `json:"tool_call_id,omitempty"`
	Name              string `json:"name,omitempty"`
	RawArgumentsDelta string `json:"raw_arguments_delta,omitempty"`
}

// LLMStreamEvent is one item yielded by LLM Client.Stream.
type LLMStreamEvent struct {
	Kind          LLMStreamEventKind
	TextDelta     string
	ThinkingDelta string
	ToolCallDelta *ToolCallDelta
	ToolCall      *ToolCall
	Response      *LLMResponse
	Err           error
}

// PreparedRequest is what an adapter's PrepareRequest returns: enough to
// issue the actual HTTP call without further provider-specific knowledge.
type PreparedRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	JSON    map[string]any
}

// Reserved params belong to the transport layer and are rejected if present
// in CanonicalRequest.Params, per spec §4.2.
var ReservedParams = map[string]bool{
	"model":    true,
	"messages": true,
	"stream":   true,
	"timeout":  true,
	"system":   true,
	"tools":    true,
}
