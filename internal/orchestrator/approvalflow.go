package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"novelaire/internal/approval"
	"novelaire/internal/errs"
	"novelaire/internal/ids"
	"novelaire/internal/store"
	"novelaire/internal/toolrt"
)

// handleApprovalDecision is _handle_approval_decision: it validates the
// decision against the approval's current state, records it, and either
// resumes the blocked chat_continue turn or the blocked tool_chain, per
// spec §4.7.
func (o *Orchestrator) handleApprovalDecision(ctx context.Context, op store.Op, requestID string) error {
	approvalID := strOf(op.Payload["approval_id"])
	note := strOf(op.Payload["note"])

	if approvalID == "" {
		return o.emit(op.SessionID, requestID, "", "", store.KindOperationFailed, map[string]any{
			"op_kind": "approval_decision", "error": "approval_decision op is missing approval_id",
			"error_code": string(errs.ApprovalDecisionInvalid),
		})
	}
	decision, err := approval.ParseDecision(strOf(op.Payload["decision"]))
	if err != nil {
		return o.emit(op.SessionID, requestID, "", "", store.KindOperationFailed, map[string]any{
			"op_kind": "approval_decision", "error": err.Error(), "error_code": string(errs.ApprovalDecisionInvalid),
		})
	}
	rec, err := o.Approvals.Get(approvalID)
	if err != nil {
		return o.emit(op.SessionID, requestID, "", "", store.KindOperationFailed, map[string]any{
			"op_kind": "approval_decision", "error": err.Error(), "error_code": string(errs.ApprovalNotFound),
		})
	}
	if err := approval.ValidateSession(rec, op.SessionID); err != nil {
		return o.emit(op.SessionID, requestID, rec.TurnID, "", store.KindOperationFailed, map[string]any{
			"op_kind": "approval_decision", "error": err.Error(), "error_code": string(errs.ApprovalSessionMismatch),
		})
	}
	if err := approval.ValidateDecision(rec.Status); err != nil {
		return o.emit(op.SessionID, requestID, rec.TurnID, "", store.KindOperationFailed, map[string]any{
			"op_kind": "approval_decision", "error": err.Error(), "error_code": string(errs.ApprovalNotPending),
		})
	}

	decisionMap := map[string]any{
		"decision": string(decision), "note": note, "decided_at": ids.NowMS(), "decision_request_id": requestID,
	}

	if decision == approval.DecisionDeny {
		return o.resolveDenied(op.SessionID, requestID, rec, decisionMap)
	}
	return o.resolveApproved(ctx, op.SessionID, requestID, rec, decisionMap)
}

func (o *Orchestrator) resolveDenied(sessionID, requestID string, rec store.ApprovalRecord, decisionMap map[string]any) error {
	rec.Status = store.ApprovalDenied
	rec.Decision = decisionMap
	if err := o.Approvals.Update(rec); err != nil {
		return err
	}
	if o.Metrics != nil {
		o.Metrics.ApprovalsDenied.Inc()
	}
	if err := o.emit(sessionID, rec.RequestID, rec.TurnID, "", store.KindApprovalDenied, map[string]any{
		"approval_id": rec.ApprovalID, "decision": decisionMap,
	}); err != nil {
		return err
	}

	if rec.ResumeKind == store.ResumeToolChain {
		_, _, calls, err := approval.ParseToolChainResume(rec.ResumePayload)
		if err == nil && len(calls) > 0 {
			first := calls[0]
			if err := o.emit(sessionID, rec.RequestID, rec.TurnID, first.ToolExecutionID, store.KindToolCallEnd, map[string]any{
				"tool_execution_id": first.ToolExecutionID, "tool_call_id": first.ToolCallID, "tool_name": first.ToolName,
				"status": string(toolrt.StatusDenied), "error_code": string(errs.ToolDenied), "error": "Approval denied.",
			}); err != nil {
				return err
			}
		}
	}

	if err := o.emit(sessionID, rec.RequestID, rec.TurnID, "", store.KindOperationFailed, map[string]any{
		"op_kind": "chat", "error": "The requested action was denied.", "error_code": string(errs.ToolDenied),
	}); err != nil {
		return err
	}
	return o.emit(sessionID, requestID, rec.TurnID, "", store.KindOperationCompleted, map[string]any{"op_kind": "approval_decision"})
}

func (o *Orchestrator) resolveApproved(ctx context.Context, sessionID, requestID string, rec store.ApprovalRecord, decisionMap map[string]any) error {
	rec.Status = store.ApprovalGranted
	rec.Decision = decisionMap
	if err := o.Approvals.Update(rec); err != nil {
		return err
	}
	if o.Metrics != nil {
		o.Metrics.ApprovalsGranted.Inc()
	}
	if err := o.emit(sessionID, rec.RequestID, rec.TurnID, "", store.KindApprovalGranted, map[string]any{
		"approval_id": rec.ApprovalID, "decision": decisionMap,
	}); err != nil {
		return err
	}
	if err := o.emit(sessionID, requestID, rec.TurnID, "", store.KindOperationCompleted, map[string]any{"op_kind": "approval_decision"}); err != nil {
		return err
	}

	switch rec.ResumeKind {
	case store.ResumeChatContinue:
		resumeReqID, turnID, err := approval.ParseChatContinueResume(rec.ResumePayload)
		if err != nil {
			return err
		}
		return o.continueChatOperation(ctx, sessionID, resumeReqID, turnID)

	case store.ResumeToolChain:
		resumeReqID, turnID, descriptors, err := approval.ParseToolChainResume(rec.ResumePayload)
		if err != nil {
			return err
		}
		planned, err := o.rebuildPlannedToolCalls(descriptors)
		if err != nil {
			return err
		}
		if len(planned) == 0 {
			return nil
		}
		proceed, err := o.handlePlannedToolCalls(ctx, sessionID, resumeReqID, turnID, planned, planned[0].ToolExecutionID)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
		return o.continueChatOperation(ctx, sessionID, resumeReqID, turnID)

	default:
		return errs.New(errs.ApprovalResumeInvalid, fmt.Sprintf("unknown resume_kind %q", rec.ResumeKind))
	}
}

// rebuildPlannedToolCalls reloads each descriptor's canonicalized arguments
// artifact so the approved tail of the tool chain can resume execution
// without re-running model inference.
func (o *Orchestrator) rebuildPlannedToolCalls(descriptors []approval.ToolCallDescriptor) ([]toolrt.PlannedToolCall, error) {
	planned := make([]toolrt.PlannedToolCall, 0, len(descriptors))
	for _, d := range descriptors {
		ref := approval.ArtifactFromArgumentsRef(d.ArgumentsRef)
		args := map[string]any{}
		if ref.Locator != "" {
			if data, err := o.Artifacts.OpenLocator(ref.Locator); err == nil {
				_ = json.Unmarshal(data, &args)
			}
		}
		planned = append(planned, toolrt.PlannedToolCall{
			ToolExecutionID: d.ToolExecutionID,
			ToolCallID:      d.ToolCallID,
			ToolName:        d.ToolName,
			Arguments:       args,
			ArgumentsRef:    ref,
		})
	}
	return planned, nil
}
