package geminiinternal

import (
	"testing"

	"novelaire/internal/llm"
)

func testProfile() llm.ModelProfile {
	return llm.ModelProfile{ProfileID: "p1", ProviderKind: llm.ProviderGeminiInternal, BaseURL: "https://gemini.internal.test", ModelName: "gemini-test"}
}

func TestPrepareRequestRejectsV1Suffix(t *testing.T) {
	a := New("proj-1")
	profile := testProfile()
	profile.BaseURL = "https://gemini.internal.test/v1"
	if _, err := a.PrepareRequest(profile, llm.CanonicalRequest{}); err == nil {
		t.Fatalf("expected error for gemini base_url ending in /v1")
	}
}

func TestPrepareRequestWrapsEnvelope(t *testing.T) {
	a := New("proj-1")
	req := llm.CanonicalRequest{
		Messages: []llm.CanonicalMessage{{Role: llm.RoleUser, Content: "hi"}},
	}
	prepared, err := a.PrepareRequest(testProfile(), req)
	if err != nil {
		t.Fatalf("PrepareRequest: %v", err)
	}
	if prepared.JSON["project"] != "proj-1" || prepared.JSON["model"] != "gemini-test" {
		t.Fatalf("unexpected envelope: %+v", prepared.JSON)
	}
	inner, ok := prepared.JSON["request"].(map[string]any)
	if !ok {
		t.Fatalf("expected request to be a nested map, got %T", prepared.JSON["request"])
	}
	if _, ok := inner["contents"]; !ok {
		t.Fatalf("expected contents in request envelope")
	}
}

func TestParseResponseInterleavesTextAndFunctionCalls(t *testing.T) {
	a := New("proj-1")
	body := []byte(`{"candidates":[{"finishReason":"STOP","content":{"parts":[{"text":"answer: "},{"functionCall":{"name":"search","args":{"q":"go"}}}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`)
	resp, err := a.ParseResponse(testProfile(), body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Text != "answer: " {
		t.Fatalf("unexpected text: %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" || resp.ToolCalls[0].ToolCallID == "" {
		t.Fatalf("expected one synthesized tool call, got %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Fatalf("expected usage round-trip, got %+v", resp.Usage)
	}
}
