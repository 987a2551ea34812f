// Package geminiinternal adapts the provider-neutral CanonicalRequest into
// the internal Gemini-shaped endpoint contract (spec §4.2): a
// {model, project, request:{contents, tools, toolConfig}} envelope,
// non-streaming only.
package geminiinternal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"novelaire/internal/errs"
	"novelaire/internal/llm"
)

// Adapter implements llm.Adapter for the internal Gemini-shaped endpoint.
type Adapter struct {
	// Project is the GCP-style project identifier embedded in every
	// request envelope.
	Project string
}

func New(project string) *Adapter { return &Adapter{Project: project} }

func (a *Adapter) ProviderKind() llm.ProviderKind { return llm.ProviderGeminiInternal }

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResult `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type functionResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// PrepareRequest validates that the profile's base URL does not carry an
// openai-compatible /v1 suffix, then flattens the canonical request into
// Gemini's contents/parts shape.
func (a *Adapter) PrepareRequest(profile llm.ModelProfile, req llm.CanonicalRequest) (llm.PreparedRequest, error) {
	if strings.HasSuffix(strings.TrimRight(profile.BaseURL, "/"), "/v1") {
		return llm.PreparedRequest{}, errs.New(errs.BadRequest, fmt.Sprintf("gemini_internal base_url must not end with /v1, got %q", profile.BaseURL))
	}
	for k := range req.Params {
		if llm.ReservedParams[k] {
			return llm.PreparedRequest{}, errs.New(errs.BadRequest, fmt.Sprintf("param %q is reserved for the transport layer", k))
		}
	}

	var contents []content
	if req.System != "" {
		contents = append(contents, content{Role: "user", Parts: []part{{Text: "System: " + req.System}}})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleTool:
			var respArgs map[string]any
			_ = json.Unmarshal([]byte(m.Content), &respArgs)
			contents = append(contents, content{Role: "user", Parts: []part{{
				FunctionResponse: &functionResult{Name: m.ToolName, Response: respArgs},
			}}})
		case llm.RoleAssistant:
			var parts []part
			if m.Content != "" {
				parts = append(parts, part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, part{FunctionCall: &functionCall{Name: tc.Name, Args: tc.Arguments}})
			}
			contents = append(contents, content{Role: "model", Parts: parts})
		default:
			contents = append(contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}

	var tools []geminiTool
	if len(req.Tools) > 0 {
		var decls []geminiFuncDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		}
		tools = append(tools, geminiTool{FunctionDeclarations: decls})
	}

	inner := map[string]any{"contents": contents}
	if len(tools) > 0 {
		inner["tools"] = tools
		inner["toolConfig"] = map[string]any{"functionCallingConfig": map[string]any{"mode": "AUTO"}}
	}
	for k, v := range req.Params {
		inner[k] = v
	}

	body := map[string]any{
		"model":   profile.ModelName,
		"project": a.Project,
		"request": inner,
	}

	return llm.PreparedRequest{
		Method:  "POST",
		URL:     strings.TrimRight(profile.BaseURL, "/") + "/generate",
		Headers: map[string]string{"Content-Type": "application/json"},
		JSON:    body,
	}, nil
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ParseResponse interleaves text and functionCall parts from
// candidates[0].content.parts into canonical text + ToolCalls, synthesizing
// an id for each function call since Gemini does not emit one.
func (a *Adapter) ParseResponse(profile llm.ModelProfile, body []byte) (llm.LLMResponse, error) {
	var raw geminiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return llm.LLMResponse{}, errs.Wrap(errs.ResponseValidation, "decode gemini response", err)
	}
	if len(raw.Candidates) == 0 {
		return llm.LLMResponse{}, errs.New(errs.ResponseValidation, "gemini response has no candidates")
	}
	candidate := raw.Candidates[0]

	var text strings.Builder
	var calls []llm.ToolCall
	for i, p := range candidate.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			calls = append(calls, llm.ToolCall{
				ToolCallID: fmt.Sprintf("gemini_call_%d", i),
				Name:       p.FunctionCall.Name,
				Arguments:  p.FunctionCall.Args,
			})
		}
	}

	return llm.LLMResponse{
		ProviderKind: llm.ProviderGeminiInternal,
		ProfileID:    profile.ProfileID,
		Model:        profile.ModelName,
		Text:         text.String(),
		ToolCalls:    calls,
		StopReason:   candidate.FinishReason,
		Usage: &llm.LLMUsage{
			InputTokens:  raw.UsageMetadata.PromptTokenCount,
			OutputTokens: raw.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  raw.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// ParseStream is unsupported: spec §4.3 documents Gemini as non-streaming
// only. The returned channel is closed immediately.
func (a *Adapter) ParseStream(ctx context.Context, profile llm.ModelProfile, raw <-chan []byte) <-chan llm.LLMStreamEvent {
	out := make(chan llm.LLMStreamEvent)
	close(out)
	return out
}
