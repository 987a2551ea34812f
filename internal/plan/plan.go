// Package plan implements the session-scoped Codex-style plan persisted in
// SessionMeta, referenced from spec §4.7 step 7 ("re-emit a plan_update
// event from the plan store").
package plan

import (
	"fmt"
	"strings"

	"novelaire/internal/errs"
	"novelaire/internal/ids"
	"novelaire/internal/store"
)

// StepStatus is the lifecycle of one plan item.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

// Item is one step of a session's plan.
type Item struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
}

func (i Item) toMap() map[string]any {
	return map[string]any{"step": i.Step, "status": string(i.Status)}
}

func itemFromMap(raw map[string]any) (Item, bool) {
	step, _ := raw["step"].(string)
	status, _ := raw["status"].(string)
	step = strings.TrimSpace(step)
	if step == "" || status == "" {
		return Item{}, false
	}
	switch StepStatus(status) {
	case StepPending, StepInProgress, StepCompleted:
	default:
		return Item{}, false
	}
	return Item{Step: step, Status: StepStatus(status)}, true
}

// State is the plan as currently visible on a session.
type State struct {
	Items       []Item
	Explanation string
	UpdatedAtMS int64
}

// Validate enforces spec's "at most one in_progress step" invariant.
func Validate(items []Item) error {
	inProgress := 0
	for _, it := range items {
		if it.Status == StepInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return errs.New(errs.BadRequest, "plan can contain at most one item with status=in_progress")
	}
	return nil
}

// SessionStore is the subset of the session store the plan store depends on.
type SessionStore interface {
	GetSession(sessionID string) (store.SessionMeta, error)
	UpdateSession(sessionID string, patch map[string]any) error
}

// Store persists a single session's plan inside its SessionMeta document.
type Store struct {
	sessions  SessionStore
	sessionID string
}

func NewStore(sessions SessionStore, sessionID string) *Store {
	return &Store{sessions: sessions, sessionID: sessionID}
}

// Get reads the current plan state from SessionMeta, skipping any malformed
// items rather than failing the whole read.
func (s *Store) Get() (State, error) {
	meta, err := s.sessions.GetSession(s.sessionID)
	if err != nil {
		return State{}, err
	}
	var out State
	if raw, ok := meta.Extra["plan"].([]any); ok {
		for _, v := range raw {
			if m, ok := v.(map[string]any); ok {
				if item, ok := itemFromMap(m); ok {
					out.Items = append(out.Items, item)
				}
			}
		}
	}
	if expl, ok := meta.Extra["plan_explanation"].(string); ok && strings.TrimSpace(expl) != "" {
		out.Explanation = expl
	}
	if updated, ok := meta.Extra["plan_updated_at"]; ok {
		switch v := updated.(type) {
		case int64:
			out.UpdatedAtMS = v
		case float64:
			out.UpdatedAtMS = int64(v)
		}
	}
	return out, nil
}

// Set validates and persists a new plan, always writing plan_explanation
// (even empty) so a re-plan can clear a previous one.
func (s *Store) Set(items []Item, explanation string) (State, error) {
	if err := Validate(items); err != nil {
		return State{}, err
	}
	rawItems := make([]any, len(items))
	for i, it := range items {
		rawItems[i] = it.toMap()
	}
	now := ids.NowMS()
	patch := map[string]any{
		"plan":             rawItems,
		"plan_updated_at":  now,
		"plan_explanation": explanation,
	}
	if err := s.sessions.UpdateSession(s.sessionID, patch); err != nil {
		return State{}, err
	}
	return State{Items: items, Explanation: explanation, UpdatedAtMS: now}, nil
}

// EventPayload renders State into the payload shape for a plan_update event.
func (st State) EventPayload() map[string]any {
	items := make([]any, len(st.Items))
	for i, it := range st.Items {
		items[i] = it.toMap()
	}
	payload := map[string]any{
		"plan":       items,
		"updated_at": st.UpdatedAtMS,
	}
	if st.Explanation != "" {
		payload["explanation"] = st.Explanation
	}
	return payload
}

// Summary renders a short one-line description of progress as
// "<completed>/<total> steps complete".
func (st State) Summary() string {
	done := 0
	for _, it := range st.Items {
		if it.Status == StepCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d steps complete", done, len(st.Items))
}
