package anthropic

import (
	"testing"

	"novelaire/internal/llm"
)

func testProfile() llm.ModelProfile {
	return llm.ModelProfile{ProfileID: "p1", ProviderKind: llm.ProviderAnthropic, BaseURL: "https://api.anthropic.com", ModelName: "claude-test"}
}

func TestTranslateRequestRejectsV1Suffix(t *testing.T) {
	profile := testProfile()
	profile.BaseURL = "https://api.anthropic.com/v1"
	if _, err := translateRequest(profile, llm.CanonicalRequest{}); err == nil {
		t.Fatalf("expected error for anthropic base_url ending in /v1")
	}
}

func TestTranslateRequestRejectsReservedParam(t *testing.T) {
	req := llm.CanonicalRequest{Params: map[string]any{"stream": true}}
	if _, err := translateRequest(testProfile(), req); err == nil {
		t.Fatalf("expected error for reserved param")
	}
}

func TestTranslateRequestBuildsSystemAndMessages(t *testing.T) {
	req := llm.CanonicalRequest{
		System: "be helpful",
		Messages: []llm.CanonicalMessage{
			{Role: llm.RoleUser, Content: "hello"},
		},
	}
	params, err := translateRequest(testProfile(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if string(params.Model) != "claude-test" {
		t.Errorf("unexpected model: %s", params.Model)
	}
	if len(params.System) != 1 || params.System[0].Text != "be helpful" {
		t.Fatalf("unexpected system blocks: %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
}

func TestTranslateRequestRoundTripsToolCalls(t *testing.T) {
	req := llm.CanonicalRequest{
		Messages: []llm.CanonicalMessage{
			{Role: llm.RoleUser, Content: "what is 2+2?"},
			{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{
					{ToolCallID: "call_123", Name: "calculator", Arguments: map[string]any{"expression": "2+2"}},
				},
			},
			{Role: llm.RoleTool, ToolCallID: "call_123", ToolName: "calculator", Content: "4"},
		},
	}
	params, err := translateRequest(testProfile(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages (user, assistant tool_use, user tool_result), got %d", len(params.Messages))
	}
}

func TestTranslateRequestRendersToolSpecs(t *testing.T) {
	req := llm.CanonicalRequest{
		Tools: []llm.ToolSpec{
			{
				Name:        "add",
				Description: "add two numbers",
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"a": map[string]any{"type": "integer"}, "b": map[string]any{"type": "integer"}},
					"required":   []any{"a", "b"},
				},
			},
		},
	}
	params, err := translateRequest(testProfile(), req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	tool := params.Tools[0].OfTool
	if tool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if tool.Name != "add" {
		t.Errorf("expected add, got %s", tool.Name)
	}
	if len(tool.InputSchema.Required) != 2 {
		t.Errorf("expected 2 required fields, got %+v", tool.InputSchema.Required)
	}
}

func TestSortedKeysOrdersToolBuilders(t *testing.T) {
	blocks := map[int64]*toolBuilder{
		2: {id: "c", name: "third"},
		0: {id: "a", name: "first"},
		1: {id: "b", name: "second"},
	}
	got := sortedKeys(blocks)
	want := []int64{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("unexpected length: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: %+v", got)
		}
	}
}

func TestMaxTokensForFallsBackToDefault(t *testing.T) {
	if got := maxTokensFor(testProfile()); got != defaultMaxTokens {
		t.Fatalf("expected default max tokens, got %d", got)
	}
	withLimit := testProfile()
	withLimit.Limits = &llm.ModelLimits{MaxOutputTokens: 2048}
	if got := maxTokensFor(withLimit); got != 2048 {
		t.Fatalf("expected 2048, got %d", got)
	}
}
