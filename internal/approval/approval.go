// Package approval holds the resume-payload descriptors and decision
// validation helpers layered over store.ApprovalRecord, per spec §4.7's
// approval state machine.
package approval

import (
	"fmt"

	"novelaire/internal/errs"
	"novelaire/internal/store"
)

// Decision is "approve" or "deny", the only two values the decision flow
// accepts in an approval_decision op's payload.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

func ParseDecision(raw string) (Decision, error) {
	switch Decision(raw) {
	case DecisionApprove, DecisionDeny:
		return Decision(raw), nil
	default:
		return "", errs.New(errs.ApprovalDecisionInvalid, fmt.Sprintf("unknown approval decision %q", raw))
	}
}

// DefaultOptions is the options list attached to a new ApprovalRecord when
// the caller doesn't supply one.
var DefaultOptions = []string{string(DecisionApprove), string(DecisionDeny)}

// ToolCallDescriptor is one entry of a tool_chain ApprovalRecord's
// resume_payload["tool_calls"], enough to rebuild a toolrt.PlannedToolCall
// without re-running model inference.
type ToolCallDescriptor struct {
	ToolExecutionID string `json:"tool_execution_id"`
	ToolCallID      string `json:"tool_call_id"`
	ToolName        string `json:"tool_name"`
	ArgumentsRef    map[string]any `json:"arguments_ref"`
}

func (d ToolCallDescriptor) toMap() map[string]any {
	return map[string]any{
		"tool_execution_id": d.ToolExecutionID,
		"tool_call_id":      d.ToolCallID,
		"tool_name":         d.ToolName,
		"arguments_ref":     d.ArgumentsRef,
	}
}

// BuildChatContinueResume builds the resume_payload for a chat_continue
// ApprovalRecord: enough to re-enter _continue_chat_operation at the same
// request/turn.
func BuildChatContinueResume(requestID, turnID string) map[string]any {
	return map[string]any{"request_id": requestID, "turn_id": turnID}
}

// ParseChatContinueResume reads back a chat_continue resume_payload.
func ParseChatContinueResume(payload map[string]any) (requestID, turnID string, err error) {
	requestID, _ = payload["request_id"].(string)
	turnID, _ = payload["turn_id"].(string)
	if requestID == "" {
		return "", "", errs.New(errs.ApprovalResumeInvalid, "chat_continue resume_payload missing request_id")
	}
	return requestID, turnID, nil
}

// BuildToolChainResume builds the resume_payload for a tool_chain
// ApprovalRecord: the descriptors of every planned call starting from (and
// including) the one that triggered the approval.
func BuildToolChainResume(requestID, turnID string, calls []ToolCallDescriptor) map[string]any {
	raw := make([]any, len(calls))
	for i, c := range calls {
		raw[i] = c.toMap()
	}
	return map[string]any{"request_id": requestID, "turn_id": turnID, "tool_calls": raw}
}

// ParseToolChainResume reads back a tool_chain resume_payload's descriptor
// list. request_id, a non-empty tool_calls list, and each entry's
// tool_execution_id and tool_name are required (turn_id, tool_call_id and
// arguments_ref may be absent): a payload missing any of them is an
// approval_resume_invalid error since the orchestrator cannot safely guess a
// tool call's identity.
func ParseToolChainResume(payload map[string]any) (requestID, turnID string, calls []ToolCallDescriptor, err error) {
	requestID, _ = payload["request_id"].(string)
	turnID, _ = payload["turn_id"].(string)
	if requestID == "" {
		return "", "", nil, errs.New(errs.ApprovalResumeInvalid, "tool_chain resume_payload missing request_id")
	}
	raw, ok := payload["tool_calls"].([]any)
	if !ok || len(raw) == 0 {
		return "", "", nil, errs.New(errs.ApprovalResumeInvalid, "tool_chain resume_payload missing tool_calls")
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return "", "", nil, errs.New(errs.ApprovalResumeInvalid, "tool_chain resume_payload has a malformed tool_call entry")
		}
		d := ToolCallDescriptor{}
		d.ToolExecutionID, _ = m["tool_execution_id"].(string)
		d.ToolCallID, _ = m["tool_call_id"].(string)
		d.ToolName, _ = m["tool_name"].(string)
		d.ArgumentsRef, _ = m["arguments_ref"].(map[string]any)
		if d.ToolExecutionID == "" || d.ToolName == "" {
			return "", "", nil, errs.New(errs.ApprovalResumeInvalid, "tool_chain resume_payload tool_call entry missing required fields")
		}
		calls = append(calls, d)
	}
	return requestID, turnID, calls, nil
}

// ArgumentsRefFromArtifact renders a store.ArtifactRef into the compact map
// shape embedded in a ToolCallDescriptor.
func ArgumentsRefFromArtifact(ref store.ArtifactRef) map[string]any {
	return map[string]any{"artifact_id": ref.ArtifactID, "locator": ref.Locator}
}

// ArtifactFromArgumentsRef is the inverse of ArgumentsRefFromArtifact, used
// to rebuild an ArtifactRef good enough for FileArtifactStore.Get/OpenLocator.
func ArtifactFromArgumentsRef(raw map[string]any) store.ArtifactRef {
	ref := store.ArtifactRef{}
	ref.ArtifactID, _ = raw["artifact_id"].(string)
	ref.Locator, _ = raw["locator"].(string)
	return ref
}

// ValidateDecision checks that status is pending before a decision may be
// recorded against it, per spec's "leaves pending at most once" invariant.
func ValidateDecision(status store.ApprovalStatus) error {
	if status != store.ApprovalPending {
		return errs.New(errs.ApprovalNotPending, fmt.Sprintf("approval is not pending (status=%s)", status))
	}
	return nil
}

// ValidateSession checks that record belongs to sessionID, per the
// approval_session_mismatch error code.
func ValidateSession(record store.ApprovalRecord, sessionID string) error {
	if record.SessionID != sessionID {
		return errs.New(errs.ApprovalSessionMismatch, fmt.Sprintf("approval %s belongs to a different session", record.ApprovalID))
	}
	return nil
}
