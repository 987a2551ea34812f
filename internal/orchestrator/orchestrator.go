// Package orchestrator drives the turn loop described in spec §4.6–§4.8: it
// turns an external Op (chat or approval_decision) into a sequence of
// durable/ephemeral events, resolving a model, running the LLM, planning and
// executing any requested tool calls, and gating risky work behind
// approvals. It is the one component that knows how every other package
// (store, bus, llm, toolrt, compaction, approval, plan) fits together.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"novelaire/internal/approval"
	"novelaire/internal/bus"
	"novelaire/internal/errs"
	"novelaire/internal/ids"
	"novelaire/internal/llm"
	"novelaire/internal/metrics"
	"novelaire/internal/plan"
	"novelaire/internal/store"
	"novelaire/internal/toolrt"
	"novelaire/internal/trace"
)

// Orchestrator wires every durable store, the event bus, the model router
// and client, and the tool runtime into the turn loop.
type Orchestrator struct {
	Sessions  *store.FileSessionStore
	Events    *store.FileEventLogStore
	Artifacts *store.FileArtifactStore
	Approvals *store.FileApprovalStore
	Bus       *bus.Bus
	Router    *llm.Router
	Client    llm.Client
	Tools     *toolrt.Runtime
	Metrics   *metrics.Collector

	// TraceRoot, when non-empty, is the root directory under which a
	// per-call trace.Recorder is created while trace.Enabled() is true.
	TraceRoot string

	SystemPrompt string
	MaxToolTurns int

	mu             sync.Mutex
	compactedTurns map[string]bool
}

// New builds an Orchestrator. maxToolTurns should come from
// internal/config.Process.MaxToolTurns.
func New(
	sessions *store.FileSessionStore,
	events *store.FileEventLogStore,
	artifacts *store.FileArtifactStore,
	approvals *store.FileApprovalStore,
	b *bus.Bus,
	router *llm.Router,
	client llm.Client,
	tools *toolrt.Runtime,
	systemPrompt string,
	maxToolTurns int,
) *Orchestrator {
	return &Orchestrator{
		Sessions:       sessions,
		Events:         events,
		Artifacts:      artifacts,
		Approvals:      approvals,
		Bus:            b,
		Router:         router,
		Client:         client,
		Tools:          tools,
		SystemPrompt:   systemPrompt,
		MaxToolTurns:   maxToolTurns,
		compactedTurns: map[string]bool{},
	}
}

// Handle dispatches op per spec §4.6: chat ops start or raise-for-approval a
// turn, approval_decision ops resolve a pending approval and resume
// whatever it was blocking.
func (o *Orchestrator) Handle(ctx context.Context, op store.Op) error {
	if op.SessionID == "" {
		return errs.New(errs.BadRequest, "op is missing session_id")
	}
	if _, err := o.Sessions.GetSession(op.SessionID); err != nil {
		return err
	}
	requestID := op.RequestID
	if requestID == "" {
		requestID = ids.New(ids.PrefixRequest)
	}

	switch op.Kind {
	case store.OpApprovalDecision:
		return o.handleApprovalDecision(ctx, op, requestID)
	case store.OpChat:
		return o.handleChat(ctx, op, requestID)
	default:
		return errs.New(errs.BadRequest, fmt.Sprintf("unknown op kind %q", op.Kind))
	}
}

// handleChat implements spec §4.6 step 1: reject while an approval is
// pending, record the user's text as the turn's input_ref, emit
// operation_started, and either raise an approval or continue the turn.
func (o *Orchestrator) handleChat(ctx context.Context, op store.Op, requestID string) error {
	sessionID := op.SessionID

	pending, err := o.Approvals.ListPending(sessionID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return o.emit(sessionID, requestID, "", "", store.KindOperationFailed, map[string]any{
			"op_kind":    "chat",
			"error":      "An approval is already pending for this session.",
			"error_code": string(errs.ApprovalPending),
		})
	}

	text, _ := op.Payload["text"].(string)
	turnID := ids.New(ids.PrefixTurn)

	inputRef, err := o.Artifacts.PutString(text, "chat_input", map[string]any{"summary": "user message"})
	if err != nil {
		return err
	}
	if err := o.emit(sessionID, requestID, turnID, "", store.KindOperationStarted, map[string]any{
		"op_kind":   "chat",
		"input_ref": refPayload(inputRef),
	}); err != nil {
		return err
	}

	if requireApproval, _ := op.Payload["require_approval"].(bool); requireApproval {
		riskLevel, _ := op.Payload["risk_level"].(string)
		reason, _ := op.Payload["reason"].(string)
		return o.raiseChatApproval(sessionID, requestID, turnID, riskLevel, reason)
	}

	return o.continueChatOperation(ctx, sessionID, requestID, turnID)
}

// raiseChatApproval creates a pending ApprovalRecord with a chat_continue
// resume payload and emits approval_required, per spec §4.7.
func (o *Orchestrator) raiseChatApproval(sessionID, requestID, turnID, riskLevel, reason string) error {
	approvalID := ids.New(ids.PrefixApproval)
	actionSummary := "This chat message requires approval before continuing."
	rec := store.ApprovalRecord{
		ApprovalID:    approvalID,
		SessionID:     sessionID,
		RequestID:     requestID,
		CreatedAt:     ids.NowMS(),
		Status:        store.ApprovalPending,
		TurnID:        turnID,
		ActionSummary: actionSummary,
		RiskLevel:     riskLevel,
		Options:       append([]string(nil), approval.DefaultOptions...),
		Reason:        reason,
		ResumeKind:    store.ResumeChatContinue,
		ResumePayload: approval.BuildChatContinueResume(requestID, turnID),
	}
	if err := o.Approvals.Create(rec); err != nil {
		return err
	}
	return o.emit(sessionID, requestID, turnID, "", store.KindApprovalRequired, map[string]any{
		"approval_id":    approvalID,
		"action_summary": actionSummary,
		"risk_level":     riskLevel,
		"options":        rec.Options,
		"reason":         reason,
		"resume_kind":    string(store.ResumeChatContinue),
	})
}

// emit builds an Event from its scalar fields and publishes it to the bus.
func (o *Orchestrator) emit(sessionID, requestID, turnID, stepID string, kind store.EventKind, payload map[string]any) error {
	return o.Bus.Publish(store.Event{
		Kind:        kind,
		Payload:     payload,
		SessionID:   sessionID,
		EventID:     ids.New(ids.PrefixEvent),
		TimestampMS: ids.NowMS(),
		RequestID:   requestID,
		TurnID:      turnID,
		StepID:      stepID,
	})
}

func refPayload(ref store.ArtifactRef) map[string]any {
	return map[string]any{
		"artifact_id":   ref.ArtifactID,
		"artifact_kind": ref.ArtifactKind,
		"locator":       ref.Locator,
	}
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

// markCompacted and alreadyCompacted implement the "at most once per
// turn_id" guard on auto-compaction, spec §4.5.
func (o *Orchestrator) alreadyCompacted(turnID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.compactedTurns[turnID]
}

func (o *Orchestrator) markCompacted(turnID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compactedTurns[turnID] = true
}

// newTrace opens a per-call trace.Recorder when tracing is enabled, else
// returns nil so CallOptions.Trace stays unset.
func (o *Orchestrator) newTrace(sessionID, requestID string) llm.Trace {
	if o.TraceRoot == "" || !trace.Enabled() {
		return nil
	}
	rec, err := trace.New(o.TraceRoot, sessionID, requestID)
	if err != nil {
		return nil
	}
	return rec
}

// plan store helper, reused by the tool chain handler when a tool updates
// the session's plan.
func (o *Orchestrator) planStore(sessionID string) *plan.Store {
	return plan.NewStore(o.Sessions, sessionID)
}
