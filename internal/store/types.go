// Package store defines the canonical data model (events, artifacts,
// sessions, approvals) and the filesystem-backed stores that persist it.
package store

// EventKind enumerates the durable/ephemeral/mergeable event vocabulary.
type EventKind string

const (
	KindOperationStarted   EventKind = "operation_started"
	KindOperationProgress  EventKind = "operation_progress"
	KindOperationCompleted EventKind = "operation_completed"
	KindOperationFailed    EventKind = "operation_failed"
	KindOperationCancelled EventKind = "operation_cancelled"

	KindModelSelected         EventKind = "model_selected"
	KindModelResolutionFailed EventKind = "model_resolution_failed"

	KindLLMRequestStarted   EventKind = "llm_request_started"
	KindLLMThinkingDelta    EventKind = "llm_thinking_delta"
	KindLLMResponseDelta    EventKind = "llm_response_delta"
	KindLLMResponseComplete EventKind = "llm_response_completed"
	KindLLMRequestFailed    EventKind = "llm_request_failed"

	KindApprovalRequired EventKind = "approval_required"
	KindApprovalGranted  EventKind = "approval_granted"
	KindApprovalDenied   EventKind = "approval_denied"

	KindToolCallStart    EventKind = "tool_call_start"
	KindToolCallProgress EventKind = "tool_call_progress"
	KindToolCallEnd      EventKind = "tool_call_end"

	KindPlanUpdate EventKind = "plan_update"
)

// OpKind enumerates the two operations the orchestrator accepts externally.
type OpKind string

const (
	OpChat             OpKind = "chat"
	OpApprovalDecision OpKind = "approval_decision"
)

// Op is an external request into the orchestrator.
type Op struct {
	Kind          OpKind         `json:"kind"`
	Payload       map[string]any `json:"payload"`
	SessionID     string         `json:"session_id"`
	RequestID     string         `json:"request_id"`
	TimestampMS   int64          `json:"timestamp"`
	TurnID        string         `json:"turn_id,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`
}

// Event is an immutable, append-only entry in a session's history.
type Event struct {
	Kind          EventKind      `json:"kind"`
	Payload       map[string]any `json:"payload"`
	SessionID     string         `json:"session_id"`
	EventID       string         `json:"event_id"`
	TimestampMS   int64          `json:"timestamp"`
	RequestID     string         `json:"request_id,omitempty"`
	TurnID        string         `json:"turn_id,omitempty"`
	StepID        string         `json:"step_id,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`
}

// ArtifactRef describes a write-once byte blob referenced from events.
type ArtifactRef struct {
	ArtifactID   string         `json:"artifact_id"`
	ArtifactKind string         `json:"artifact_kind"`
	Locator      string         `json:"locator"`
	CreatedAtMS  int64          `json:"created_at"`
	SHA256       string         `json:"sha256,omitempty"`
	SizeBytes    int64          `json:"size_bytes,omitempty"`
	MIME         string         `json:"mime,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// ApprovalStatus is the lifecycle state of an ApprovalRecord.
type ApprovalStatus string

const (
	ApprovalPending ApprovalStatus = "pending"
	ApprovalGranted ApprovalStatus = "granted"
	ApprovalDenied  ApprovalStatus = "denied"
)

// ResumeKind tells the approval decision flow how to continue work once a
// pending approval is resolved.
type ResumeKind string

const (
	ResumeChatContinue ResumeKind = "chat_continue"
	ResumeToolChain     ResumeKind = "tool_chain"
)

// ApprovalRecord gates a risky operation behind an external decision.
type ApprovalRecord struct {
	ApprovalID string         `json:"approval_id"`
	SessionID  string         `json:"session_id"`
	RequestID  string         `json:"request_id"`
	CreatedAt  int64          `json:"created_at"`

	Status ApprovalStatus `json:"status"`
	TurnID string         `json:"turn_id,omitempty"`

	ActionSummary string   `json:"action_summary"`
	RiskLevel     string   `json:"risk_level,omitempty"`
	Options       []string `json:"options"`

	Reason  string         `json:"reason,omitempty"`
	DiffRef map[string]any `json:"diff_ref,omitempty"`

	ResumeKind    ResumeKind     `json:"resume_kind,omitempty"`
	ResumePayload map[string]any `json:"resume_payload"`

	Decision map[string]any `json:"decision,omitempty"`
}

// SessionMeta is the open, append-friendly per-session metadata document.
type SessionMeta struct {
	SessionID        string         `json:"session_id"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
	LastRequestID    string         `json:"last_request_id,omitempty"`
	LastEventID      string         `json:"last_event_id,omitempty"`
	MemorySummary    string         `json:"memory_summary,omitempty"`
	LastUsage        map[string]any `json:"last_usage,omitempty"`
	LastContextStats map[string]any `json:"last_context_stats,omitempty"`

	// Extra carries any additional caller-supplied keys (tools_enabled,
	// approval_mode, plan, plan_explanation, plan_updated_at, ...) since
	// SessionMeta is an open mapping, not a closed schema.
	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the named fields so the on-disk
// document stays a single open JSON object, matching SessionMeta's
// open-mapping contract.
func (m SessionMeta) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range m.Extra {
		out[k] = v
	}
	out["session_id"] = m.SessionID
	out["created_at"] = m.CreatedAt
	out["updated_at"] = m.UpdatedAt
	if m.LastRequestID != "" {
		out["last_request_id"] = m.LastRequestID
	}
	if m.LastEventID != "" {
		out["last_event_id"] = m.LastEventID
	}
	if m.MemorySummary != "" {
		out["memory_summary"] = m.MemorySummary
	}
	if m.LastUsage != nil {
		out["last_usage"] = m.LastUsage
	}
	if m.LastContextStats != nil {
		out["last_context_stats"] = m.LastContextStats
	}
	return marshalSorted(out)
}

// UnmarshalJSON keeps every key from the document in Extra, then lifts the
// canonical fields out of it.
func (m *SessionMeta) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := unmarshalInto(data, &raw); err != nil {
		return err
	}
	*m = SessionMeta{Extra: raw}
	if v, ok := raw["session_id"].(string); ok {
		m.SessionID = v
		delete(raw, "session_id")
	}
	if v, ok := raw["created_at"]; ok {
		m.CreatedAt = toInt64(v)
		delete(raw, "created_at")
	}
	if v, ok := raw["updated_at"]; ok {
		m.UpdatedAt = toInt64(v)
		delete(raw, "updated_at")
	}
	if v, ok := raw["last_request_id"].(string); ok {
		m.LastRequestID = v
		delete(raw, "last_request_id")
	}
	if v, ok := raw["last_event_id"].(string); ok {
		m.LastEventID = v
		delete(raw, "last_event_id")
	}
	if v, ok := raw["memory_summary"].(string); ok {
		m.MemorySummary = v
		delete(raw, "memory_summary")
	}
	if v, ok := raw["last_usage"].(map[string]any); ok {
		m.LastUsage = v
		delete(raw, "last_usage")
	}
	if v, ok := raw["last_context_stats"].(map[string]any); ok {
		m.LastContextStats = v
		delete(raw, "last_context_stats")
	}
	return nil
}
