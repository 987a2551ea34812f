package plan

import (
	"testing"

	"novelaire/internal/store"
)

type fakeSessions struct {
	metas map[string]store.SessionMeta
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{metas: map[string]store.SessionMeta{}}
}

func (f *fakeSessions) GetSession(sessionID string) (store.SessionMeta, error) {
	return f.metas[sessionID], nil
}

func (f *fakeSessions) UpdateSession(sessionID string, patch map[string]any) error {
	meta := f.metas[sessionID]
	if meta.Extra == nil {
		meta.Extra = map[string]any{}
	}
	for k, v := range patch {
		meta.Extra[k] = v
	}
	f.metas[sessionID] = meta
	return nil
}

func TestSetAndGetRoundTrip(t *testing.T) {
	sessions := newFakeSessions()
	s := NewStore(sessions, "sess_1")

	items := []Item{
		{Step: "write tests", Status: StepCompleted},
		{Step: "implement feature", Status: StepInProgress},
		{Step: "review", Status: StepPending},
	}
	if _, err := s.Set(items, "working through the plan"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(got.Items))
	}
	if got.Explanation != "working through the plan" {
		t.Fatalf("got explanation %q", got.Explanation)
	}
	if got.UpdatedAtMS == 0 {
		t.Fatalf("expected non-zero updated_at")
	}
}

func TestSetRejectsMultipleInProgress(t *testing.T) {
	sessions := newFakeSessions()
	s := NewStore(sessions, "sess_1")
	items := []Item{
		{Step: "a", Status: StepInProgress},
		{Step: "b", Status: StepInProgress},
	}
	if _, err := s.Set(items, ""); err == nil {
		t.Fatalf("expected error for two in_progress items")
	}
}

func TestGetSkipsMalformedItems(t *testing.T) {
	sessions := newFakeSessions()
	sessions.metas["sess_1"] = store.SessionMeta{Extra: map[string]any{
		"plan": []any{
			map[string]any{"step": "valid", "status": "pending"},
			map[string]any{"step": "", "status": "pending"},
			map[string]any{"step": "bad status", "status": "unknown"},
		},
	}}
	s := NewStore(sessions, "sess_1")
	got, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Step != "valid" {
		t.Fatalf("got %+v", got.Items)
	}
}

func TestEventPayloadIncludesExplanationOnlyWhenSet(t *testing.T) {
	st := State{Items: []Item{{Step: "a", Status: StepPending}}}
	payload := st.EventPayload()
	if _, ok := payload["explanation"]; ok {
		t.Fatalf("expected no explanation key when empty")
	}
	st.Explanation = "note"
	payload = st.EventPayload()
	if payload["explanation"] != "note" {
		t.Fatalf("expected explanation to be carried through")
	}
}
