package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"novelaire/internal/bus"
	"novelaire/internal/llm"
	"novelaire/internal/store"
	"novelaire/internal/toolrt"
)

type fakeTool struct {
	name string
	risk toolrt.RiskClass
	err  error
}

func (t *fakeTool) Name() string                    { return t.name }
func (t *fakeTool) Description() string              { return "a fake tool for tests" }
func (t *fakeTool) InputSchema() map[string]any      { return map[string]any{"type": "object"} }
func (t *fakeTool) Risk() toolrt.RiskClass           { return t.risk }
func (t *fakeTool) Execute(_ context.Context, args map[string]any, _ string) (map[string]any, error) {
	if t.err != nil {
		return nil, t.err
	}
	return map[string]any{"echoed": args}, nil
}

func boolPtr(b bool) *bool { return &b }

type harness struct {
	orch      *Orchestrator
	sessions  *store.FileSessionStore
	events    *store.FileEventLogStore
	approvals *store.FileApprovalStore
	client    *llm.Mock
	sessionID string
}

func newHarness(t *testing.T, profile llm.ModelProfile, client *llm.Mock, tools ...toolrt.Tool) *harness {
	t.Helper()
	root := t.TempDir()
	artifacts, err := store.NewFileArtifactStore(filepath.Join(root, "artifacts"))
	if err != nil {
		t.Fatalf("artifacts store: %v", err)
	}
	sessions, err := store.NewFileSessionStore(filepath.Join(root, "sessions"))
	if err != nil {
		t.Fatalf("sessions store: %v", err)
	}
	events, err := store.NewFileEventLogStore(filepath.Join(root, "events"), artifacts, sessions)
	if err != nil {
		t.Fatalf("events store: %v", err)
	}
	approvals, err := store.NewFileApprovalStore(filepath.Join(root, "approvals"))
	if err != nil {
		t.Fatalf("approvals store: %v", err)
	}
	b := bus.New(events)

	registry := toolrt.NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register tool: %v", err)
		}
	}
	rt := &toolrt.Runtime{
		Registry:     registry,
		Artifacts:    artifacts,
		ProjectRoot:  root,
		ApprovalMode: toolrt.ModeStandard,
	}

	router := llm.NewRouter(map[string]llm.ModelProfile{profile.ProfileID: profile}, map[llm.ModelRole]string{llm.RoleMain: profile.ProfileID})
	orch := New(sessions, events, artifacts, approvals, b, router, client, rt, "you are a helpful assistant", 25)

	sessionID, err := sessions.CreateSession(store.SessionMeta{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	return &harness{orch: orch, sessions: sessions, events: events, approvals: approvals, client: client, sessionID: sessionID}
}

func nonStreamingProfile(id string) llm.ModelProfile {
	return llm.ModelProfile{
		ProfileID:    id,
		ProviderKind: llm.ProviderOpenAICompatible,
		ModelName:    "test-model",
		Capabilities: llm.ModelCapabilities{SupportsStreaming: boolPtr(false)},
	}
}

func lastEventKind(t *testing.T, h *harness) store.EventKind {
	t.Helper()
	evs, err := h.events.Read(h.sessionID, "")
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(evs) == 0 {
		t.Fatalf("expected at least one event")
	}
	return evs[len(evs)-1].Kind
}

func containsKind(evs []store.Event, kind store.EventKind) bool {
	for _, e := range evs {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestHappyChatCompletesWithoutTools(t *testing.T) {
	client := llm.NewMock(llm.MockConfig{Responses: []llm.LLMResponse{
		{Text: "hello there", Usage: &llm.LLMUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	}})
	h := newHarness(t, nonStreamingProfile("p1"), client)

	err := h.orch.Handle(context.Background(), store.Op{
		Kind: store.OpChat, SessionID: h.sessionID, RequestID: "req1",
		Payload: map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	evs, _ := h.events.Read(h.sessionID, "")
	if !containsKind(evs, store.KindLLMResponseComplete) {
		t.Fatalf("expected llm_response_completed among events: %+v", evs)
	}
	if kind := lastEventKind(t, h); kind != store.KindOperationCompleted {
		t.Fatalf("expected last event operation_completed, got %s", kind)
	}
}

func TestToolChainApprovalGrantedResumes(t *testing.T) {
	client := llm.NewMock(llm.MockConfig{Responses: []llm.LLMResponse{
		{Text: "", ToolCalls: []llm.ToolCall{{ToolCallID: "tc1", Name: "danger", Arguments: map[string]any{"x": 1}}}},
		{Text: "all done"},
	}})
	h := newHarness(t, nonStreamingProfile("p1"), client, &fakeTool{name: "danger", risk: toolrt.RiskHigh})

	if err := h.orch.Handle(context.Background(), store.Op{
		Kind: store.OpChat, SessionID: h.sessionID, RequestID: "req1",
		Payload: map[string]any{"text": "do the dangerous thing"},
	}); err != nil {
		t.Fatalf("Handle chat: %v", err)
	}
	if kind := lastEventKind(t, h); kind != store.KindApprovalRequired {
		t.Fatalf("expected approval_required after high-risk tool call, got %s", kind)
	}

	pending, err := h.approvals.ListPending(h.sessionID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected exactly one pending approval, got %d (%v)", len(pending), err)
	}
	approvalID := pending[0].ApprovalID

	if err := h.orch.Handle(context.Background(), store.Op{
		Kind: store.OpApprovalDecision, SessionID: h.sessionID, RequestID: "req2",
		Payload: map[string]any{"approval_id": approvalID, "decision": "approve"},
	}); err != nil {
		t.Fatalf("Handle approval: %v", err)
	}

	evs, _ := h.events.Read(h.sessionID, "")
	if !containsKind(evs, store.KindApprovalGranted) {
		t.Fatalf("expected approval_granted among events: %+v", evs)
	}
	var sawSucceeded bool
	for _, e := range evs {
		if e.Kind == store.KindToolCallEnd && e.Payload["status"] == string(toolrt.StatusSucceeded) {
			sawSucceeded = true
		}
	}
	if !sawSucceeded {
		t.Fatalf("expected a succeeded tool_call_end after approval, events: %+v", evs)
	}
	if kind := lastEventKind(t, h); kind != store.KindOperationCompleted {
		t.Fatalf("expected final operation_completed, got %s", kind)
	}
}

func TestToolChainApprovalDenied(t *testing.T) {
	client := llm.NewMock(llm.MockConfig{Responses: []llm.LLMResponse{
		{Text: "", ToolCalls: []llm.ToolCall{{ToolCallID: "tc1", Name: "danger", Arguments: map[string]any{"x": 1}}}},
	}})
	h := newHarness(t, nonStreamingProfile("p1"), client, &fakeTool{name: "danger", risk: toolrt.RiskHigh})

	if err := h.orch.Handle(context.Background(), store.Op{
		Kind: store.OpChat, SessionID: h.sessionID, RequestID: "req1",
		Payload: map[string]any{"text": "do the dangerous thing"},
	}); err != nil {
		t.Fatalf("Handle chat: %v", err)
	}
	pending, _ := h.approvals.ListPending(h.sessionID)
	approvalID := pending[0].ApprovalID

	if err := h.orch.Handle(context.Background(), store.Op{
		Kind: store.OpApprovalDecision, SessionID: h.sessionID, RequestID: "req2",
		Payload: map[string]any{"approval_id": approvalID, "decision": "deny"},
	}); err != nil {
		t.Fatalf("Handle approval: %v", err)
	}

	evs, _ := h.events.Read(h.sessionID, "")
	if !containsKind(evs, store.KindApprovalDenied) {
		t.Fatalf("expected approval_denied among events: %+v", evs)
	}
	if !containsKind(evs, store.KindOperationFailed) {
		t.Fatalf("expected operation_failed among events: %+v", evs)
	}
}

func TestToolLoopLimitExceeded(t *testing.T) {
	lowRiskCall := llm.LLMResponse{Text: "", ToolCalls: []llm.ToolCall{{ToolCallID: "tc", Name: "echo", Arguments: map[string]any{}}}}
	client := llm.NewMock(llm.MockConfig{Responses: []llm.LLMResponse{lowRiskCall, lowRiskCall}})
	h := newHarness(t, nonStreamingProfile("p1"), client, &fakeTool{name: "echo", risk: toolrt.RiskLow})
	h.orch.MaxToolTurns = 2

	if err := h.orch.Handle(context.Background(), store.Op{
		Kind: store.OpChat, SessionID: h.sessionID, RequestID: "req1",
		Payload: map[string]any{"text": "loop forever"},
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	evs, _ := h.events.Read(h.sessionID, "")
	last := evs[len(evs)-1]
	if last.Kind != store.KindOperationFailed || last.Payload["error_code"] != "tool_loop_limit" {
		t.Fatalf("expected terminal tool_loop_limit failure, got %+v", last)
	}
}

func TestAutoCompactRunsBeforeFinalResponse(t *testing.T) {
	client := llm.NewMock(llm.MockConfig{Responses: []llm.LLMResponse{
		{Text: "durable summary of the conversation so far"},
		{Text: "hello back"},
	}})
	profile := nonStreamingProfile("p1")
	profile.Limits = &llm.ModelLimits{ContextLimitTokens: 10}
	profile.ContextMgmt = &llm.ContextManagementConfig{AutoCompactThresholdRatio: 0.1}
	h := newHarness(t, profile, client)

	if err := h.orch.Handle(context.Background(), store.Op{
		Kind: store.OpChat, SessionID: h.sessionID, RequestID: "req1",
		Payload: map[string]any{"text": "hi"},
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	evs, _ := h.events.Read(h.sessionID, "")
	var sawCompactStart, sawCompactDone bool
	for _, e := range evs {
		if e.Kind == store.KindOperationStarted && e.Payload["op_kind"] == "compact" {
			sawCompactStart = true
		}
		if e.Kind == store.KindOperationCompleted && e.Payload["op_kind"] == "compact" {
			sawCompactDone = true
		}
	}
	if !sawCompactStart || !sawCompactDone {
		t.Fatalf("expected a compact operation bracketing events, got %+v", evs)
	}

	meta, err := h.sessions.GetSession(h.sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if meta.MemorySummary == "" {
		t.Fatalf("expected memory_summary to be persisted after compaction")
	}
	if kind := lastEventKind(t, h); kind != store.KindOperationCompleted {
		t.Fatalf("expected final operation_completed for the chat op, got %s", kind)
	}
}
