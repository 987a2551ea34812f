package orchestrator

import (
	"context"
	"strings"
	"time"

	"novelaire/internal/compaction"
	"novelaire/internal/errs"
	"novelaire/internal/ids"
	"novelaire/internal/llm"
	"novelaire/internal/store"
	"novelaire/internal/toolrt"
)

// continueChatOperation is _continue_chat_operation: it runs model turns
// (each of which may append tool results and loop) until the operation
// terminates or MaxToolTurns is exhausted, per spec §4.6.
func (o *Orchestrator) continueChatOperation(ctx context.Context, sessionID, requestID, turnID string) error {
	for i := 0; i < o.MaxToolTurns; i++ {
		terminal, err := o.runOneModelTurn(ctx, sessionID, requestID, turnID)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
	}
	return o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
		"op_kind":    "chat",
		"error":      "Exceeded the maximum number of tool turns for this operation.",
		"error_code": string(errs.ToolLoopLimit),
	})
}

// runOneModelTurn runs exactly one model call (streaming or complete, with
// an auto-compact pass folded in first if needed) and, if the model
// requested tool calls, plans and dispatches them. It returns terminal=true
// when the operation has reached a stop state (completed, failed,
// cancelled, or an approval was just raised) and terminal=false when the
// caller should loop back for another model turn (tool results were
// appended to history).
func (o *Orchestrator) runOneModelTurn(ctx context.Context, sessionID, requestID, turnID string) (bool, error) {
	meta, err := o.Sessions.GetSession(sessionID)
	if err != nil {
		return false, err
	}
	toolsEnabled := true
	if v, ok := meta.Extra["tools_enabled"].(bool); ok {
		toolsEnabled = v
	}

	history, err := o.LoadHistoryFromEvents(sessionID)
	if err != nil {
		return false, err
	}

	var tools []llm.ToolSpec
	if toolsEnabled && o.Tools != nil {
		tools = o.Tools.Registry.Specs()
	}

	profile, err := o.Router.Resolve(llm.RoleMain, llm.ModelRequirements{NeedsTools: len(tools) > 0})
	if err != nil {
		if emitErr := o.emit(sessionID, requestID, turnID, "", store.KindModelResolutionFailed, map[string]any{
			"error": err.Error(), "error_code": string(errs.CodeOf(err)),
		}); emitErr != nil {
			return false, emitErr
		}
		return true, o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
			"op_kind": "chat", "error": err.Error(), "error_code": string(errs.ModelResolution),
		})
	}
	if err := o.emit(sessionID, requestID, turnID, "", store.KindModelSelected, map[string]any{
		"profile_id": profile.ProfileID, "provider_kind": string(profile.ProviderKind), "model": profile.ModelName,
	}); err != nil {
		return false, err
	}

	req := llm.CanonicalRequest{System: o.SystemPrompt, Messages: history, Tools: tools}
	settings := compaction.ResolveSettings(profile)
	limit := llm.EffectiveContextLimit(profile)
	estimated := compaction.EstimateRequestTokens(req)

	if compaction.ShouldAutoCompact(estimated, limit, settings.AutoCompactThresholdRatio) && !o.alreadyCompacted(turnID) {
		o.markCompacted(turnID)
		if err := o.runCompaction(ctx, sessionID, requestID, turnID, profile, settings, limit); err != nil {
			return false, err
		}
		return false, nil // reload history and re-resolve on the next loop iteration
	}

	stepID := ids.New(ids.PrefixStep)
	caps := profile.Capabilities.WithProviderDefaults(profile.ProviderKind)
	useStream := caps.SupportsStreaming != nil && *caps.SupportsStreaming

	opts := llm.CallOptions{TimeoutS: profile.TimeoutS, Trace: o.newTrace(sessionID, requestID)}

	var resp *llm.LLMResponse
	var terminal bool
	if useStream {
		resp, terminal, err = o.runLLMStream(ctx, sessionID, requestID, turnID, stepID, profile, req, opts)
	} else {
		resp, terminal, err = o.runLLMComplete(ctx, sessionID, requestID, turnID, stepID, profile, req, opts)
	}
	if err != nil {
		return false, err
	}
	if terminal {
		return true, nil
	}

	return o.finishModelTurn(ctx, sessionID, requestID, turnID, profile, resp, toolsEnabled)
}

// finishModelTurn persists the assistant's tool calls as artifacts, emits
// llm_response_completed, records usage on the session, and either
// completes the operation (no tool calls) or dispatches planned tool calls.
func (o *Orchestrator) finishModelTurn(ctx context.Context, sessionID, requestID, turnID string, profile llm.ModelProfile, resp *llm.LLMResponse, toolsEnabled bool) (bool, error) {
	outputRef, err := o.Artifacts.PutString(resp.Text, "chat_assistant", map[string]any{"summary": "assistant message"})
	if err != nil {
		return false, err
	}

	var planned []toolrt.PlannedToolCall
	toolCallsPayload := make([]any, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		toolExecutionID := ids.New(ids.PrefixTool)
		p, err := o.Tools.Plan(toolExecutionID, tc.Name, tc.ToolCallID, tc.Arguments)
		if err != nil {
			if emitErr := o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
				"op_kind": "chat", "error": err.Error(), "error_code": string(errs.CodeOf(err)),
			}); emitErr != nil {
				return false, emitErr
			}
			return true, nil
		}
		planned = append(planned, p)
		toolCallsPayload = append(toolCallsPayload, map[string]any{
			"tool_execution_id": p.ToolExecutionID,
			"tool_call_id":      p.ToolCallID,
			"name":              p.ToolName,
			"arguments_ref":     refPayload(p.ArgumentsRef),
		})
	}

	payload := map[string]any{"output_ref": refPayload(outputRef), "stop_reason": resp.StopReason}
	if len(toolCallsPayload) > 0 {
		payload["tool_calls"] = toolCallsPayload
	}
	if resp.Usage != nil {
		payload["usage"] = usageMap(resp.Usage)
	}
	if err := o.emit(sessionID, requestID, turnID, "", store.KindLLMResponseComplete, payload); err != nil {
		return false, err
	}

	sessionPatch := map[string]any{}
	if resp.Usage != nil {
		sessionPatch["last_usage"] = usageMap(resp.Usage)
	}
	if len(sessionPatch) > 0 {
		_ = o.Sessions.UpdateSession(sessionID, sessionPatch)
	}

	if len(planned) == 0 {
		return true, o.emit(sessionID, requestID, turnID, "", store.KindOperationCompleted, map[string]any{"op_kind": "chat"})
	}
	if !toolsEnabled {
		return true, o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
			"op_kind": "chat", "error": "Model requested tool calls but tools are disabled for this session.",
			"error_code": string(errs.ToolCallsDisabled),
		})
	}
	if o.Metrics != nil {
		o.Metrics.TurnsRun.Inc()
	}

	proceed, err := o.handlePlannedToolCalls(ctx, sessionID, requestID, turnID, planned, "")
	if err != nil {
		return false, err
	}
	return !proceed, nil
}

func usageMap(u *llm.LLMUsage) map[string]any {
	return map[string]any{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"total_tokens":                u.TotalTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
		"cache_read_input_tokens":     u.CacheReadInputTokens,
	}
}

// runLLMComplete issues a non-streaming call, emitting llm_request_started
// up front and llm_request_failed plus a terminal operation event on
// failure. terminal=true means the caller must stop without inspecting resp.
func (o *Orchestrator) runLLMComplete(ctx context.Context, sessionID, requestID, turnID, stepID string, profile llm.ModelProfile, req llm.CanonicalRequest, opts llm.CallOptions) (*llm.LLMResponse, bool, error) {
	if err := o.emit(sessionID, requestID, turnID, stepID, store.KindLLMRequestStarted, map[string]any{
		"profile_id": profile.ProfileID, "mode": "complete",
	}); err != nil {
		return nil, false, err
	}
	resp, err := o.Client.Complete(ctx, profile, req, opts)
	if err != nil {
		terminalErr := o.reportLLMFailure(sessionID, requestID, turnID, stepID, err)
		return nil, true, terminalErr
	}
	return &resp, false, nil
}

// runLLMStream issues a streaming call, buffering text deltas per spec
// §4.3's flush rule (>=32 chars, a newline, or >=80ms since the last flush)
// and falling back to a single non-streaming call if the stream fails
// before any chunk arrives.
func (o *Orchestrator) runLLMStream(ctx context.Context, sessionID, requestID, turnID, stepID string, profile llm.ModelProfile, req llm.CanonicalRequest, opts llm.CallOptions) (*llm.LLMResponse, bool, error) {
	if err := o.emit(sessionID, requestID, turnID, stepID, store.KindLLMRequestStarted, map[string]any{
		"profile_id": profile.ProfileID, "mode": "stream",
	}); err != nil {
		return nil, false, err
	}

	ch, err := o.Client.Stream(ctx, profile, req, opts)
	if err != nil {
		terminalErr := o.reportLLMFailure(sessionID, requestID, turnID, stepID, err)
		return nil, true, terminalErr
	}

	var buf strings.Builder
	lastFlush := time.Now()
	receivedAny := false

	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		chunk := buf.String()
		buf.Reset()
		lastFlush = time.Now()
		return o.emit(sessionID, requestID, turnID, stepID, store.KindLLMResponseDelta, map[string]any{"delta": chunk})
	}

	for ev := range ch {
		switch ev.Kind {
		case llm.StreamTextDelta:
			receivedAny = true
			buf.WriteString(ev.TextDelta)
			if buf.Len() >= 32 || strings.Contains(ev.TextDelta, "\n") || time.Since(lastFlush) >= 80*time.Millisecond {
				if err := flush(); err != nil {
					return nil, false, err
				}
			}
		case llm.StreamThinkingDelta:
			receivedAny = true
			if err := o.emit(sessionID, requestID, turnID, stepID, store.KindLLMThinkingDelta, map[string]any{"delta": ev.ThinkingDelta}); err != nil {
				return nil, false, err
			}
		case llm.StreamToolCallDelta:
			receivedAny = true
		case llm.StreamToolCall:
			receivedAny = true
		case llm.StreamCompleted:
			if err := flush(); err != nil {
				return nil, false, err
			}
			return ev.Response, false, nil
		case llm.StreamError:
			if err := flush(); err != nil {
				return nil, false, err
			}
			code := classifyLLMErr(ev.Err)
			if !receivedAny && code.Retryable() {
				if err := o.emit(sessionID, requestID, turnID, stepID, store.KindLLMRequestFailed, map[string]any{
					"error": ev.Err.Error(), "error_code": string(code),
				}); err != nil {
					return nil, false, err
				}
				if err := o.emit(sessionID, requestID, turnID, "", store.KindOperationProgress, map[string]any{
					"message": "Streaming failed; retrying without streaming.",
				}); err != nil {
					return nil, false, err
				}
				return o.runLLMComplete(ctx, sessionID, requestID, turnID, ids.New(ids.PrefixStep), profile, req, opts)
			}
			terminalErr := o.reportLLMFailure(sessionID, requestID, turnID, stepID, ev.Err)
			return nil, true, terminalErr
		}
	}
	// Channel closed without a terminal event; treat as an unclassified failure.
	terminalErr := o.reportLLMFailure(sessionID, requestID, turnID, stepID, errs.New(errs.Unknown, "stream closed without a completed or error event"))
	return nil, true, terminalErr
}

// classifyLLMErr recovers the error_code an llm.Client call actually failed
// with. errs.CodeOf only unwraps *errs.Error, and a *llm.RequestError (every
// adapter's own failure type, per spec §4.3/§7) carries its code as a plain
// field rather than satisfying that chain, so it is checked explicitly
// first.
func classifyLLMErr(err error) errs.Code {
	if reqErr, ok := err.(*llm.RequestError); ok {
		return reqErr.Code
	}
	return errs.CodeOf(err)
}

// reportLLMFailure classifies err (cancellation vs any other failure),
// emits llm_request_failed, and emits the matching terminal operation
// event. It always returns nil so callers can treat the failure as a
// handled business outcome rather than a Go error, unless emitting itself
// fails.
func (o *Orchestrator) reportLLMFailure(sessionID, requestID, turnID, stepID string, cause error) error {
	code := classifyLLMErr(cause)
	var reqErr *llm.RequestError
	if asReqErr, ok := cause.(*llm.RequestError); ok {
		reqErr = asReqErr
	}
	if err := o.emit(sessionID, requestID, turnID, stepID, store.KindLLMRequestFailed, map[string]any{
		"error": cause.Error(), "error_code": string(code),
	}); err != nil {
		return err
	}
	if code == errs.Cancelled {
		return o.emit(sessionID, requestID, turnID, "", store.KindOperationCancelled, map[string]any{
			"op_kind": "chat", "phase": "llm",
		})
	}
	details := cause.Error()
	if reqErr != nil && reqErr.Details != "" {
		details = reqErr.Details
	}
	return o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
		"op_kind": "chat", "error": details, "error_code": string(code),
	})
}

// runCompaction implements the auto-compact pass of spec §4.5: summarize the
// current window with the model, apply retention to pick the new window,
// and persist the new anchor/summary/truncation markers on the session.
func (o *Orchestrator) runCompaction(ctx context.Context, sessionID, requestID, turnID string, profile llm.ModelProfile, settings compaction.Settings, limit int) error {
	meta, window, err := o.currentWindow(sessionID)
	if err != nil {
		return err
	}
	if len(window) == 0 {
		return nil
	}
	messages := make([]llm.CanonicalMessage, len(window))
	for i, e := range window {
		messages[i] = e.msg
	}

	if err := o.emit(sessionID, requestID, turnID, "", store.KindOperationStarted, map[string]any{"op_kind": "compact"}); err != nil {
		return err
	}

	compactReq := compaction.BuildCompactionRequest(o.SystemPrompt, messages, meta.MemorySummary, settings.ToolOutputBudgetTokens)
	resp, err := o.Client.Complete(ctx, profile, compactReq, llm.CallOptions{TimeoutS: profile.TimeoutS})
	if err != nil {
		return o.emit(sessionID, requestID, turnID, "", store.KindOperationFailed, map[string]any{
			"op_kind": "compact", "error": err.Error(), "error_code": string(classifyLLMErr(err)),
		})
	}

	kept, newSummary := compaction.ApplyRetention(messages, resp.Text, limit, settings)
	boundaryIdx := len(messages) - len(kept)
	if boundaryIdx < 0 {
		boundaryIdx = 0
	}

	patch := map[string]any{"memory_summary": newSummary}
	if boundaryIdx > 0 {
		patch["history_anchor_event_id"] = window[boundaryIdx-1].eventID
	}
	if boundaryIdx < len(window) && len(kept) > 0 && kept[0].Content != messages[boundaryIdx].Content {
		patch["history_truncated_event_id"] = window[boundaryIdx].eventID
		patch["history_truncated_content"] = kept[0].Content
	} else {
		patch["history_truncated_event_id"] = ""
		patch["history_truncated_content"] = ""
	}
	if err := o.Sessions.UpdateSession(sessionID, patch); err != nil {
		return err
	}

	if o.Metrics != nil {
		o.Metrics.CompactionRuns.Inc()
	}
	return o.emit(sessionID, requestID, turnID, "", store.KindOperationCompleted, map[string]any{
		"op_kind":             "compact",
		"history_before_count": len(messages),
		"history_after_count":  len(kept),
	})
}
