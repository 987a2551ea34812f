// Package toolrt implements the tool runtime described in spec §4.4:
// planning a model-requested tool call, inspecting it against an approval
// policy, and executing it into a typed result the orchestrator can fold
// back into conversation history.
package toolrt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"novelaire/internal/diffpreview"
	"novelaire/internal/errs"
	"novelaire/internal/llm"
	"novelaire/internal/store"
	"novelaire/internal/toolspec"
)

// RiskClass is a tool's self-declared sensitivity, consulted by the
// standard approval mode.
type RiskClass string

const (
	RiskLow  RiskClass = "low"
	RiskHigh RiskClass = "high"
)

// Tool is the black-box contract every concrete tool implements; the
// runtime never inspects a tool's business logic, only this surface.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Risk() RiskClass
	Execute(ctx context.Context, args map[string]any, projectRoot string) (map[string]any, error)
}

// Previewer is implemented by edit-style tools that can render a
// before/after preview of a proposed change without applying it.
type Previewer interface {
	Preview(args map[string]any, projectRoot string) (oldText, newText, path string, err error)
}

// Summarizer lets a tool render its own one-line human summary (e.g. a
// shell command's first line) instead of the runtime's generic fallback.
type Summarizer interface {
	Summarize(args map[string]any) string
}

// AllowlistEntry matches a RiskHigh tool call whose allowlist entry permits
// skipping approval (spec: "an allowlist can upgrade require_approval to
// allow for matching shell commands").
type AllowlistEntry struct {
	CommandPrefix string
	Cwd           string
}

// Allowlist is consulted for cross-cutting require_approval → allow
// upgrades; Matches receives the tool name and its raw arguments.
type Allowlist interface {
	Matches(toolName string, args map[string]any) bool
}

// SealedSpecChecker reports whether spec/ is currently sealed, per the
// cross-cutting invariant that overrides every approval mode.
type SealedSpecChecker interface {
	IsSealed() bool
}

// TargetPather is implemented by tools whose arguments name a filesystem
// path they would modify, so the sealed-spec invariant can be enforced
// generically instead of by hardcoded tool name.
type TargetPather interface {
	TargetPath(args map[string]any) (path string, mutates bool)
}

// AlwaysApprove marks tools (e.g. workflow-sealing operations) that must
// always require approval regardless of approval mode.
type AlwaysApprove interface {
	AlwaysRequiresApproval() bool
}

// PlanUpdater marks a tool whose successful execution mutates the
// session's Codex-style plan, so the orchestrator can re-emit a
// plan_update event (spec §4.7 step 7) without hardcoding the tool's name.
type PlanUpdater interface {
	UpdatesPlan() bool
}

// ApprovalMode is the session-level tool approval policy, spec §4.4.
type ApprovalMode string

const (
	ModeStrict   ApprovalMode = "strict"
	ModeStandard ApprovalMode = "standard"
	ModeTrusted  ApprovalMode = "trusted"
)

// InspectionDecision is the outcome of Inspect.
type InspectionDecision string

const (
	Allow           InspectionDecision = "allow"
	Deny            InspectionDecision = "deny"
	RequireApproval InspectionDecision = "require_approval"
)

// PlannedToolCall is the canonicalized, artifact-backed form of a model's
// tool_call, ready for inspection and execution.
type PlannedToolCall struct {
	ToolExecutionID string
	ToolCallID      string
	ToolName        string
	Arguments       map[string]any
	ArgumentsRef    store.ArtifactRef
}

// InspectionResult is Inspect's verdict, spec §3.
type InspectionResult struct {
	Decision      InspectionDecision
	ActionSummary string
	RiskLevel     string
	Reason        string
	ErrorCode     errs.Code
	DiffRef       *store.ArtifactRef
}

// ExecutionStatus is the terminal state of a tool execution.
type ExecutionStatus string

const (
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusDenied    ExecutionStatus = "denied"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ToolExecutionResult is Execute's outcome, spec §3.
type ToolExecutionResult struct {
	ToolExecutionID    string
	ToolCallID         string
	ToolName           string
	Status             ExecutionStatus
	OutputRef          *store.ArtifactRef
	ToolMessageRef     *store.ArtifactRef
	ToolMessageContent string
	DurationMS         int64
	ErrorCode          errs.Code
	Error              string
}

// Registry holds uniquely-named tools alongside their compiled input
// schemas, enforcing spec §4.4's "registration enforces unique names".
type Registry struct {
	tools   map[string]Tool
	schemas *toolspec.Registry
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}, schemas: toolspec.NewRegistry()}
}

func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return errs.New(errs.Conflict, fmt.Sprintf("tool %q already registered", name))
	}
	if err := r.schemas.Register(name, tool.InputSchema()); err != nil {
		return err
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Specs renders every registered tool as a provider-neutral ToolSpec, in
// name-sorted order for deterministic request bodies.
func (r *Registry) Specs() []llm.ToolSpec {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, llm.ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return out
}

// ValidateArguments checks planned arguments against toolName's compiled
// input_schema, used by Inspect before dispatching execution.
func (r *Registry) ValidateArguments(toolName string, arguments map[string]any) error {
	return r.schemas.Validate(toolName, arguments)
}

// Runtime plans, inspects, and executes tool calls against a registry and
// an artifact store, per spec §4.4.
type Runtime struct {
	Registry     *Registry
	Artifacts    *store.FileArtifactStore
	ProjectRoot  string
	ApprovalMode ApprovalMode
	Sealed       SealedSpecChecker
	Allowlist    Allowlist
}

// Plan canonicalizes arguments into a stable-key-order JSON artifact and
// returns the resulting PlannedToolCall.
func (rt *Runtime) Plan(toolExecutionID, toolName, toolCallID string, arguments map[string]any) (PlannedToolCall, error) {
	if toolCallID == "" {
		return PlannedToolCall{}, errs.New(errs.BadRequest, "tool call is missing tool_call_id; cannot return tool_result")
	}
	if toolName == "" {
		return PlannedToolCall{}, errs.New(errs.BadRequest, "tool call is missing tool name")
	}
	if arguments == nil {
		arguments = map[string]any{}
	}
	canonical, err := canonicalizeArguments(arguments)
	if err != nil {
		return PlannedToolCall{}, errs.Wrap(errs.ToolCallPlanFailed, "canonicalize tool arguments", err)
	}
	ref, err := rt.Artifacts.PutString(canonical, "tool_args", map[string]any{"summary": toolName + " args"})
	if err != nil {
		return PlannedToolCall{}, errs.Wrap(errs.ToolCallPlanFailed, "store tool arguments artifact", err)
	}
	return PlannedToolCall{
		ToolExecutionID: toolExecutionID,
		ToolCallID:      toolCallID,
		ToolName:        toolName,
		Arguments:       arguments,
		ArgumentsRef:    ref,
	}, nil
}

// canonicalizeArguments builds arguments' JSON with sorted keys using sjson,
// per spec §4.4's "serializes arguments canonically (stable key order)".
func canonicalizeArguments(arguments map[string]any) (string, error) {
	keys := make([]string, 0, len(arguments))
	for k := range arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	doc := "{}"
	for _, k := range keys {
		var err error
		doc, err = sjson.Set(doc, sjsonPathKey(k), arguments[k])
		if err != nil {
			return "", fmt.Errorf("canonicalize key %q: %w", k, err)
		}
	}
	return gjson.Parse(doc).Get("@pretty").String(), nil
}

func sjsonPathKey(k string) string {
	return diffpreview.EscapePathKey(k)
}

// Inspect consults the approval mode, cross-cutting invariants, and the
// allowlist to decide whether planned may run, per spec §4.4.
func (rt *Runtime) Inspect(planned PlannedToolCall) InspectionResult {
	tool, ok := rt.Registry.Get(planned.ToolName)
	if !ok {
		return InspectionResult{
			Decision:      Deny,
			ActionSummary: fmt.Sprintf("Unknown tool: %s", planned.ToolName),
			RiskLevel:     "high",
			Reason:        "Tool is not registered.",
			ErrorCode:     errs.ToolUnknown,
		}
	}

	if err := rt.Registry.ValidateArguments(planned.ToolName, planned.Arguments); err != nil {
		return InspectionResult{
			Decision:      Deny,
			ActionSummary: fmt.Sprintf("Invalid arguments for tool: %s", planned.ToolName),
			RiskLevel:     "high",
			Reason:        err.Error(),
			ErrorCode:     errs.CodeOf(err),
		}
	}

	if rt.Sealed != nil && rt.Sealed.IsSealed() {
		if pather, ok := tool.(TargetPather); ok {
			if path, mutates := pather.TargetPath(planned.Arguments); mutates && underSpecDir(path) {
				return InspectionResult{
					Decision:      Deny,
					ActionSummary: fmt.Sprintf("Blocked write to sealed spec/: %s", path),
					RiskLevel:     "high",
					Reason:        "Spec is sealed; modify it only through spec workflow tools.",
					ErrorCode:     errs.Permission,
				}
			}
		}
	}

	if always, ok := tool.(AlwaysApprove); ok && always.AlwaysRequiresApproval() {
		return rt.requireApprovalWithPreview(tool, planned, "Workflow operation always requires approval.")
	}

	if rt.Allowlist != nil && tool.Risk() == RiskHigh && rt.Allowlist.Matches(planned.ToolName, planned.Arguments) {
		return InspectionResult{
			Decision:      Allow,
			ActionSummary: fmt.Sprintf("%s (allowlisted)", rt.summarize(tool, planned.Arguments)),
			RiskLevel:     "high",
			Reason:        "Matched local allowlist.",
		}
	}

	switch rt.ApprovalMode {
	case ModeTrusted:
		return InspectionResult{
			Decision:      Allow,
			ActionSummary: fmt.Sprintf("Execute tool: %s", planned.ToolName),
			RiskLevel:     string(tool.Risk()),
			Reason:        "Approval mode is trusted (auto-allow).",
		}
	case ModeStrict:
		return rt.requireApprovalWithPreview(tool, planned, "Strict mode: approve every tool call.")
	default: // ModeStandard
		if tool.Risk() == RiskHigh {
			return rt.requireApprovalWithPreview(tool, planned, "High-risk tools require approval.")
		}
		return InspectionResult{
			Decision:      Allow,
			ActionSummary: fmt.Sprintf("Execute tool: %s", planned.ToolName),
			RiskLevel:     string(RiskLow),
		}
	}
}

func (rt *Runtime) requireApprovalWithPreview(tool Tool, planned PlannedToolCall, reason string) InspectionResult {
	diffRef, err := rt.buildPreview(tool, planned)
	if err != nil {
		return InspectionResult{
			Decision:      Deny,
			ActionSummary: "Invalid request; could not build a preview.",
			RiskLevel:     "high",
			Reason:        err.Error(),
			ErrorCode:     errs.CodeOf(err),
		}
	}
	return InspectionResult{
		Decision:      RequireApproval,
		ActionSummary: rt.summarize(tool, planned.Arguments),
		RiskLevel:     string(tool.Risk()),
		Reason:        reason,
		DiffRef:       diffRef,
	}
}

func (rt *Runtime) buildPreview(tool Tool, planned PlannedToolCall) (*store.ArtifactRef, error) {
	if previewer, ok := tool.(Previewer); ok {
		oldText, newText, path, err := previewer.Preview(planned.Arguments, rt.ProjectRoot)
		if err != nil {
			return nil, errs.Wrap(errs.BadRequest, "build edit preview", err)
		}
		diffText, err := diffpreview.UnifiedDiff(path, oldText, newText)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, "render unified diff", err)
		}
		ref, err := rt.Artifacts.PutString(diffText, "diff", map[string]any{"summary": fmt.Sprintf("Diff for %s %s", planned.ToolName, path)})
		if err != nil {
			return nil, err
		}
		return &ref, nil
	}
	preview, err := diffpreview.ArgsJSON(planned.Arguments)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, "render args preview", err)
	}
	ref, err := rt.Artifacts.PutString(preview, "diff", map[string]any{"summary": fmt.Sprintf("Preview for %s", planned.ToolName)})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (rt *Runtime) summarize(tool Tool, arguments map[string]any) string {
	if summarizer, ok := tool.(Summarizer); ok {
		return summarizer.Summarize(arguments)
	}
	return fmt.Sprintf("Execute tool: %s", tool.Name())
}

func underSpecDir(path string) bool {
	return path == "spec" || len(path) > len("spec/") && path[:len("spec/")] == "spec/"
}

// Execute runs planned's tool, converting thrown errors into the shared
// error taxonomy and packaging the result the model will see next turn.
func (rt *Runtime) Execute(ctx context.Context, planned PlannedToolCall) ToolExecutionResult {
	started := time.Now()
	tool, ok := rt.Registry.Get(planned.ToolName)
	if !ok {
		return ToolExecutionResult{
			ToolExecutionID: planned.ToolExecutionID,
			ToolCallID:      planned.ToolCallID,
			ToolName:        planned.ToolName,
			Status:          StatusFailed,
			DurationMS:      time.Since(started).Milliseconds(),
			ErrorCode:       errs.ToolUnknown,
			Error:           fmt.Sprintf("unknown tool: %s", planned.ToolName),
		}
	}

	raw, err := tool.Execute(ctx, planned.Arguments, rt.ProjectRoot)
	duration := time.Since(started).Milliseconds()
	if err != nil {
		return ToolExecutionResult{
			ToolExecutionID: planned.ToolExecutionID,
			ToolCallID:      planned.ToolCallID,
			ToolName:        planned.ToolName,
			Status:          StatusFailed,
			DurationMS:      duration,
			ErrorCode:       classifyToolError(err),
			Error:           err.Error(),
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	outputJSON, err := diffpreview.CanonicalJSON(raw)
	if err != nil {
		return ToolExecutionResult{
			ToolExecutionID: planned.ToolExecutionID,
			ToolCallID:      planned.ToolCallID,
			ToolName:        planned.ToolName,
			Status:          StatusFailed,
			DurationMS:      duration,
			ErrorCode:       errs.Unknown,
			Error:           fmt.Sprintf("render tool output: %v", err),
		}
	}
	outputRef, err := rt.Artifacts.PutString(outputJSON, "tool_output", map[string]any{"summary": planned.ToolName + " output"})
	if err != nil {
		return ToolExecutionResult{
			ToolExecutionID: planned.ToolExecutionID,
			ToolCallID:      planned.ToolCallID,
			ToolName:        planned.ToolName,
			Status:          StatusFailed,
			DurationMS:      duration,
			ErrorCode:       errs.Unknown,
			Error:           fmt.Sprintf("store tool output: %v", err),
		}
	}

	envelope := map[string]any{
		"ok":     true,
		"tool":   planned.ToolName,
		"output_ref": map[string]any{
			"artifact_id": outputRef.ArtifactID,
			"locator":     outputRef.Locator,
		},
		"result": raw,
	}
	messageJSON, err := diffpreview.CanonicalJSON(envelope)
	if err != nil {
		return ToolExecutionResult{
			ToolExecutionID: planned.ToolExecutionID,
			ToolCallID:      planned.ToolCallID,
			ToolName:        planned.ToolName,
			Status:          StatusFailed,
			DurationMS:      duration,
			ErrorCode:       errs.Unknown,
			Error:           fmt.Sprintf("render tool message: %v", err),
		}
	}
	messageRef, err := rt.Artifacts.PutString(messageJSON, "tool_message", map[string]any{"summary": planned.ToolName + " result"})
	if err != nil {
		return ToolExecutionResult{
			ToolExecutionID: planned.ToolExecutionID,
			ToolCallID:      planned.ToolCallID,
			ToolName:        planned.ToolName,
			Status:          StatusFailed,
			DurationMS:      duration,
			ErrorCode:       errs.Unknown,
			Error:           fmt.Sprintf("store tool message: %v", err),
		}
	}

	return ToolExecutionResult{
		ToolExecutionID:    planned.ToolExecutionID,
		ToolCallID:         planned.ToolCallID,
		ToolName:           planned.ToolName,
		Status:             StatusSucceeded,
		OutputRef:          &outputRef,
		ToolMessageRef:     &messageRef,
		ToolMessageContent: messageJSON,
		DurationMS:         duration,
	}
}

// classifyToolError maps a tool's returned error onto the shared taxonomy:
// an *errs.Error keeps its own code; anything else defaults to tool_failed.
func classifyToolError(err error) errs.Code {
	code := errs.CodeOf(err)
	if code == errs.Unknown {
		return errs.ToolFailed
	}
	return code
}
