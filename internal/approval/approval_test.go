package approval

import (
	"testing"

	"novelaire/internal/store"
)

func TestParseDecision(t *testing.T) {
	if d, err := ParseDecision("approve"); err != nil || d != DecisionApprove {
		t.Fatalf("approve: got %v, %v", d, err)
	}
	if d, err := ParseDecision("deny"); err != nil || d != DecisionDeny {
		t.Fatalf("deny: got %v, %v", d, err)
	}
	if _, err := ParseDecision("maybe"); err == nil {
		t.Fatalf("expected error for unknown decision")
	}
}

func TestChatContinueResumeRoundTrip(t *testing.T) {
	payload := BuildChatContinueResume("req_1", "turn_1")
	reqID, turnID, err := ParseChatContinueResume(payload)
	if err != nil {
		t.Fatalf("ParseChatContinueResume: %v", err)
	}
	if reqID != "req_1" || turnID != "turn_1" {
		t.Fatalf("got %s/%s", reqID, turnID)
	}
}

func TestChatContinueResumeMissingRequestID(t *testing.T) {
	if _, _, err := ParseChatContinueResume(map[string]any{}); err == nil {
		t.Fatalf("expected error for missing request_id")
	}
}

func TestToolChainResumeRoundTrip(t *testing.T) {
	calls := []ToolCallDescriptor{
		{ToolExecutionID: "tool_1", ToolCallID: "call_1", ToolName: "shell__run", ArgumentsRef: map[string]any{"artifact_id": "art_1", "locator": "art_1.bin"}},
		{ToolExecutionID: "tool_2", ToolCallID: "call_2", ToolName: "project__read", ArgumentsRef: map[string]any{"artifact_id": "art_2", "locator": "art_2.bin"}},
	}
	payload := BuildToolChainResume("req_1", "turn_1", calls)
	reqID, turnID, got, err := ParseToolChainResume(payload)
	if err != nil {
		t.Fatalf("ParseToolChainResume: %v", err)
	}
	if reqID != "req_1" || turnID != "turn_1" {
		t.Fatalf("got %s/%s", reqID, turnID)
	}
	if len(got) != 2 || got[0].ToolExecutionID != "tool_1" || got[1].ToolName != "project__read" {
		t.Fatalf("unexpected descriptors: %+v", got)
	}
}

func TestToolChainResumeRejectsEmpty(t *testing.T) {
	if _, _, _, err := ParseToolChainResume(map[string]any{"request_id": "r1", "tool_calls": []any{}}); err == nil {
		t.Fatalf("expected error for empty tool_calls")
	}
}

func TestToolChainResumeRejectsMalformedEntry(t *testing.T) {
	payload := map[string]any{"request_id": "r1", "tool_calls": []any{map[string]any{"tool_call_id": "c1"}}}
	if _, _, _, err := ParseToolChainResume(payload); err == nil {
		t.Fatalf("expected error for entry missing tool_execution_id/tool_name")
	}
}

func TestArgumentsRefRoundTrip(t *testing.T) {
	ref := store.ArtifactRef{ArtifactID: "art_1", Locator: "art_1.bin"}
	raw := ArgumentsRefFromArtifact(ref)
	back := ArtifactFromArgumentsRef(raw)
	if back.ArtifactID != ref.ArtifactID || back.Locator != ref.Locator {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestValidateDecisionRejectsNonPending(t *testing.T) {
	if err := ValidateDecision(store.ApprovalGranted); err == nil {
		t.Fatalf("expected error for already-granted approval")
	}
	if err := ValidateDecision(store.ApprovalPending); err != nil {
		t.Fatalf("pending should validate cleanly: %v", err)
	}
}

func TestValidateSessionMismatch(t *testing.T) {
	rec := store.ApprovalRecord{SessionID: "s1"}
	if err := ValidateSession(rec, "s2"); err == nil {
		t.Fatalf("expected session mismatch error")
	}
	if err := ValidateSession(rec, "s1"); err != nil {
		t.Fatalf("matching session should validate cleanly: %v", err)
	}
}
