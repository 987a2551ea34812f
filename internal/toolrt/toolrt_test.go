package toolrt

import (
	"context"
	"strings"
	"testing"

	"novelaire/internal/store"
)

type fakeTool struct {
	name   string
	risk   RiskClass
	result map[string]any
	err    error
}

func (f *fakeTool) Name() string                  { return f.name }
func (f *fakeTool) Description() string            { return "fake tool " + f.name }
func (f *fakeTool) InputSchema() map[string]any    { return nil }
func (f *fakeTool) Risk() RiskClass                { return f.risk }
func (f *fakeTool) Execute(ctx context.Context, args map[string]any, projectRoot string) (map[string]any, error) {
	return f.result, f.err
}

type alwaysApproveTool struct{ fakeTool }

func (t *alwaysApproveTool) AlwaysRequiresApproval() bool { return true }

type pathMutatingTool struct {
	fakeTool
	path    string
	mutates bool
}

func (t *pathMutatingTool) TargetPath(args map[string]any) (string, bool) {
	return t.path, t.mutates
}

type previewTool struct {
	fakeTool
	oldText, newText, path string
}

func (t *previewTool) Preview(args map[string]any, projectRoot string) (string, string, string, error) {
	return t.oldText, t.newText, t.path, nil
}

type alwaysSealed struct{}

func (alwaysSealed) IsSealed() bool { return true }

type neverSealed struct{}

func (neverSealed) IsSealed() bool { return false }

type matchAllAllowlist struct{}

func (matchAllAllowlist) Matches(toolName string, args map[string]any) bool { return true }

func newTestRuntime(t *testing.T, mode ApprovalMode, tools ...Tool) *Runtime {
	t.Helper()
	dir := t.TempDir()
	artifacts, err := store.NewFileArtifactStore(dir)
	if err != nil {
		t.Fatalf("NewFileArtifactStore: %v", err)
	}
	reg := NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return &Runtime{Registry: reg, Artifacts: artifacts, ProjectRoot: dir, ApprovalMode: mode}
}

func TestPlanRejectsMissingToolCallID(t *testing.T) {
	rt := newTestRuntime(t, ModeStandard)
	if _, err := rt.Plan("te_1", "some_tool", "", map[string]any{}); err == nil {
		t.Fatalf("expected error for missing tool_call_id")
	}
}

func TestPlanCanonicalizesArguments(t *testing.T) {
	rt := newTestRuntime(t, ModeStandard)
	planned, err := rt.Plan("te_1", "some_tool", "call_1", map[string]any{"zeta": 1, "alpha": 2})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	raw, err := rt.Artifacts.Get(planned.ArgumentsRef)
	if err != nil {
		t.Fatalf("Get artifact: %v", err)
	}
	if strings.Index(string(raw), "alpha") > strings.Index(string(raw), "zeta") {
		t.Fatalf("expected alpha before zeta in canonical args, got %s", raw)
	}
}

func TestInspectUnknownToolDenies(t *testing.T) {
	rt := newTestRuntime(t, ModeStandard)
	result := rt.Inspect(PlannedToolCall{ToolName: "missing_tool"})
	if result.Decision != Deny {
		t.Fatalf("got %v, want Deny", result.Decision)
	}
}

func TestInspectTrustedModeAllowsHighRisk(t *testing.T) {
	tool := &fakeTool{name: "risky", risk: RiskHigh}
	rt := newTestRuntime(t, ModeTrusted, tool)
	result := rt.Inspect(PlannedToolCall{ToolName: "risky", Arguments: map[string]any{}})
	if result.Decision != Allow {
		t.Fatalf("got %v, want Allow", result.Decision)
	}
}

func TestInspectStandardModeRequiresApprovalForHighRisk(t *testing.T) {
	tool := &fakeTool{name: "risky", risk: RiskHigh}
	rt := newTestRuntime(t, ModeStandard, tool)
	result := rt.Inspect(PlannedToolCall{ToolName: "risky", Arguments: map[string]any{"cmd": "rm -rf /"}})
	if result.Decision != RequireApproval {
		t.Fatalf("got %v, want RequireApproval", result.Decision)
	}
	if result.DiffRef == nil {
		t.Fatalf("expected a preview artifact to be attached")
	}
}

func TestInspectStandardModeAllowsLowRisk(t *testing.T) {
	tool := &fakeTool{name: "safe", risk: RiskLow}
	rt := newTestRuntime(t, ModeStandard, tool)
	result := rt.Inspect(PlannedToolCall{ToolName: "safe", Arguments: map[string]any{}})
	if result.Decision != Allow {
		t.Fatalf("got %v, want Allow", result.Decision)
	}
}

func TestInspectStrictModeRequiresApprovalForLowRisk(t *testing.T) {
	tool := &fakeTool{name: "safe", risk: RiskLow}
	rt := newTestRuntime(t, ModeStrict, tool)
	result := rt.Inspect(PlannedToolCall{ToolName: "safe", Arguments: map[string]any{}})
	if result.Decision != RequireApproval {
		t.Fatalf("got %v, want RequireApproval", result.Decision)
	}
}

func TestInspectAlwaysApproveOverridesTrusted(t *testing.T) {
	tool := &alwaysApproveTool{fakeTool: fakeTool{name: "seal_spec", risk: RiskHigh}}
	rt := newTestRuntime(t, ModeTrusted, tool)
	result := rt.Inspect(PlannedToolCall{ToolName: "seal_spec", Arguments: map[string]any{}})
	if result.Decision != RequireApproval {
		t.Fatalf("got %v, want RequireApproval", result.Decision)
	}
}

func TestInspectSealedSpecBlocksMutation(t *testing.T) {
	tool := &pathMutatingTool{fakeTool: fakeTool{name: "write_text", risk: RiskLow}, path: "spec/overview.md", mutates: true}
	rt := newTestRuntime(t, ModeTrusted, tool)
	rt.Sealed = alwaysSealed{}
	result := rt.Inspect(PlannedToolCall{ToolName: "write_text", Arguments: map[string]any{}})
	if result.Decision != Deny {
		t.Fatalf("got %v, want Deny", result.Decision)
	}
}

func TestInspectSealedSpecAllowsNonSpecPath(t *testing.T) {
	tool := &pathMutatingTool{fakeTool: fakeTool{name: "write_text", risk: RiskLow}, path: "src/main.go", mutates: true}
	rt := newTestRuntime(t, ModeTrusted, tool)
	rt.Sealed = alwaysSealed{}
	result := rt.Inspect(PlannedToolCall{ToolName: "write_text", Arguments: map[string]any{}})
	if result.Decision != Allow {
		t.Fatalf("got %v, want Allow", result.Decision)
	}
}

func TestInspectAllowlistUpgradesHighRisk(t *testing.T) {
	tool := &fakeTool{name: "shell_run", risk: RiskHigh}
	rt := newTestRuntime(t, ModeStandard, tool)
	rt.Allowlist = matchAllAllowlist{}
	result := rt.Inspect(PlannedToolCall{ToolName: "shell_run", Arguments: map[string]any{"cmd": "ls"}})
	if result.Decision != Allow {
		t.Fatalf("got %v, want Allow", result.Decision)
	}
}

func TestInspectPreviewerBuildsUnifiedDiff(t *testing.T) {
	tool := &previewTool{
		fakeTool: fakeTool{name: "write_text", risk: RiskHigh},
		oldText:  "line one\n",
		newText:  "line TWO\n",
		path:     "notes.txt",
	}
	rt := newTestRuntime(t, ModeStandard, tool)
	result := rt.Inspect(PlannedToolCall{ToolName: "write_text", Arguments: map[string]any{}})
	if result.Decision != RequireApproval || result.DiffRef == nil {
		t.Fatalf("expected RequireApproval with a diff artifact, got %+v", result)
	}
	raw, err := rt.Artifacts.Get(*result.DiffRef)
	if err != nil {
		t.Fatalf("Get diff artifact: %v", err)
	}
	if !strings.Contains(string(raw), "-line one") || !strings.Contains(string(raw), "+line TWO") {
		t.Fatalf("expected unified diff content, got %s", raw)
	}
}

func TestExecuteSucceeds(t *testing.T) {
	tool := &fakeTool{name: "echo", risk: RiskLow, result: map[string]any{"output": "hi"}}
	rt := newTestRuntime(t, ModeStandard, tool)
	result := rt.Execute(context.Background(), PlannedToolCall{ToolExecutionID: "te_1", ToolCallID: "call_1", ToolName: "echo", Arguments: map[string]any{}})
	if result.Status != StatusSucceeded {
		t.Fatalf("got status %v, want succeeded", result.Status)
	}
	if result.OutputRef == nil || result.ToolMessageRef == nil {
		t.Fatalf("expected both output and tool_message artifacts")
	}
	if !strings.Contains(result.ToolMessageContent, `"ok": true`) {
		t.Fatalf("expected ok:true in tool message, got %s", result.ToolMessageContent)
	}
}

func TestExecuteClassifiesToolError(t *testing.T) {
	tool := &fakeTool{name: "fails", risk: RiskLow, err: context.DeadlineExceeded}
	rt := newTestRuntime(t, ModeStandard, tool)
	result := rt.Execute(context.Background(), PlannedToolCall{ToolExecutionID: "te_1", ToolCallID: "call_1", ToolName: "fails", Arguments: map[string]any{}})
	if result.Status != StatusFailed {
		t.Fatalf("got status %v, want failed", result.Status)
	}
	if result.ErrorCode != "tool_failed" {
		t.Fatalf("got error code %v, want tool_failed", result.ErrorCode)
	}
}

func TestExecuteUnknownToolFails(t *testing.T) {
	rt := newTestRuntime(t, ModeStandard)
	result := rt.Execute(context.Background(), PlannedToolCall{ToolName: "missing"})
	if result.Status != StatusFailed || result.ErrorCode != "tool_unknown" {
		t.Fatalf("got %+v", result)
	}
}
