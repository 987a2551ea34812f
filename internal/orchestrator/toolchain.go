package orchestrator

import (
	"context"

	"novelaire/internal/approval"
	"novelaire/internal/errs"
	"novelaire/internal/ids"
	"novelaire/internal/store"
	"novelaire/internal/toolrt"
)

// handlePlannedToolCalls runs the per-call inspect/approve/execute/emit
// sequence of spec §4.7 over every call in planned, in order. The call whose
// ToolExecutionID equals resumeFromID (one already approved via an approval
// resume) skips the approval check and goes straight to execution; an empty
// resumeFromID skips nothing. It returns proceed=true when every call ran to completion
// and the turn loop should call the model again; proceed=false when the
// operation reached a terminal state (an approval was raised, a call was
// denied, failed, or cancelled).
func (o *Orchestrator) handlePlannedToolCalls(ctx context.Context, sessionID, requestID, turnID string, planned []toolrt.PlannedToolCall, resumeFromID string) (bool, error) {
	for idx, call := range planned {
		skipApproval := resumeFromID != "" && call.ToolExecutionID == resumeFromID

		insp := o.Tools.Inspect(call)
		if insp.Decision == toolrt.Deny {
			if err := o.emit(sessionID, requestID, turnID, call.ToolExecutionID, store.KindToolCallEnd, map[string]any{
				"tool_execution_id": call.ToolExecutionID, "tool_call_id": call.ToolCallID, "tool_name": call.ToolName,
				"status": string(toolrt.StatusDenied), "error_code": string(insp.ErrorCode), "error": insp.Reason,
			}); err != nil {
				return false, err
			}
			if o.Metrics != nil {
				o.Metrics.ToolCallsExecuted.WithLabelValues(string(toolrt.StatusDenied)).Inc()
			}
			return false, o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
				"op_kind": "chat", "error": insp.Reason, "error_code": string(errs.ToolDenied),
			})
		}

		if insp.Decision == toolrt.RequireApproval && !skipApproval {
			return false, o.raiseToolApproval(sessionID, requestID, turnID, insp, planned, idx)
		}

		if err := o.emit(sessionID, requestID, turnID, call.ToolExecutionID, store.KindToolCallStart, map[string]any{
			"tool_execution_id": call.ToolExecutionID, "tool_call_id": call.ToolCallID, "tool_name": call.ToolName,
			"summary": insp.ActionSummary, "arguments_ref": refPayload(call.ArgumentsRef),
		}); err != nil {
			return false, err
		}

		result := o.Tools.Execute(ctx, call)
		if o.Metrics != nil {
			o.Metrics.ToolCallsExecuted.WithLabelValues(string(result.Status)).Inc()
		}

		endPayload := map[string]any{
			"tool_execution_id": result.ToolExecutionID, "tool_call_id": result.ToolCallID, "tool_name": result.ToolName,
			"status": string(result.Status), "duration_ms": result.DurationMS,
		}
		if result.OutputRef != nil {
			endPayload["output_ref"] = refPayload(*result.OutputRef)
		}
		if result.ToolMessageRef != nil {
			endPayload["tool_message_ref"] = refPayload(*result.ToolMessageRef)
		}
		if result.Error != "" {
			endPayload["error"] = result.Error
			endPayload["error_code"] = string(result.ErrorCode)
		}
		if err := o.emit(sessionID, requestID, turnID, call.ToolExecutionID, store.KindToolCallEnd, endPayload); err != nil {
			return false, err
		}

		switch result.Status {
		case toolrt.StatusCancelled:
			return false, o.emit(sessionID, requestID, turnID, "", store.KindOperationCancelled, map[string]any{
				"op_kind": "chat", "phase": "tool_execute",
			})
		case toolrt.StatusFailed:
			return false, o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
				"op_kind": "chat", "error": result.Error, "error_code": string(result.ErrorCode),
			})
		}

		if result.Status == toolrt.StatusSucceeded {
			if err := o.reemitPlanUpdateIfNeeded(sessionID, requestID, turnID, call.ToolName); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// reemitPlanUpdateIfNeeded re-emits a plan_update event from the plan store
// when toolName's registered tool implements toolrt.PlanUpdater and reports
// that its execution mutated the plan, per spec §4.7 step 7.
func (o *Orchestrator) reemitPlanUpdateIfNeeded(sessionID, requestID, turnID, toolName string) error {
	tool, ok := o.Tools.Registry.Get(toolName)
	if !ok {
		return nil
	}
	updater, ok := tool.(toolrt.PlanUpdater)
	if !ok || !updater.UpdatesPlan() {
		return nil
	}
	state, err := o.planStore(sessionID).Get()
	if err != nil {
		return err
	}
	return o.emit(sessionID, requestID, turnID, "", store.KindPlanUpdate, state.EventPayload())
}

// raiseToolApproval creates a pending ApprovalRecord with a tool_chain
// resume payload covering planned[fromIdx:] and emits approval_required.
func (o *Orchestrator) raiseToolApproval(sessionID, requestID, turnID string, insp toolrt.InspectionResult, planned []toolrt.PlannedToolCall, fromIdx int) error {
	call := planned[fromIdx]

	descriptors := make([]approval.ToolCallDescriptor, 0, len(planned)-fromIdx)
	for _, c := range planned[fromIdx:] {
		descriptors = append(descriptors, approval.ToolCallDescriptor{
			ToolExecutionID: c.ToolExecutionID,
			ToolCallID:      c.ToolCallID,
			ToolName:        c.ToolName,
			ArgumentsRef:    approval.ArgumentsRefFromArtifact(c.ArgumentsRef),
		})
	}

	approvalID := ids.New(ids.PrefixApproval)
	rec := store.ApprovalRecord{
		ApprovalID:    approvalID,
		SessionID:     sessionID,
		RequestID:     requestID,
		CreatedAt:     ids.NowMS(),
		Status:        store.ApprovalPending,
		TurnID:        turnID,
		ActionSummary: insp.ActionSummary,
		RiskLevel:     insp.RiskLevel,
		Options:       append([]string(nil), approval.DefaultOptions...),
		Reason:        insp.Reason,
		ResumeKind:    store.ResumeToolChain,
		ResumePayload: approval.BuildToolChainResume(requestID, turnID, descriptors),
	}
	if insp.DiffRef != nil {
		rec.DiffRef = refPayload(*insp.DiffRef)
	}
	if err := o.Approvals.Create(rec); err != nil {
		return err
	}

	payload := map[string]any{
		"approval_id": approvalID, "action_summary": insp.ActionSummary, "risk_level": insp.RiskLevel,
		"options": rec.Options, "reason": insp.Reason,
		"tool_execution_id": call.ToolExecutionID, "tool_name": call.ToolName, "tool_call_id": call.ToolCallID,
		"arguments_ref": refPayload(call.ArgumentsRef),
	}
	if rec.DiffRef != nil {
		payload["diff_ref"] = rec.DiffRef
	}
	return o.emit(sessionID, requestID, turnID, call.ToolExecutionID, store.KindApprovalRequired, payload)
}
