package llm

import "testing"

func testProfile(id string, kind ProviderKind) ModelProfile {
	return ModelProfile{ProfileID: id, ProviderKind: kind, BaseURL: "https://example.test", ModelName: "test-model"}
}

func TestRouterResolvesRoleToProfile(t *testing.T) {
	r := NewRouter(
		map[string]ModelProfile{"p1": testProfile("p1", ProviderAnthropic)},
		map[ModelRole]string{RoleMain: "p1"},
	)
	profile, err := r.Resolve(RoleMain, ModelRequirements{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if profile.ProfileID != "p1" {
		t.Fatalf("expected p1, got %s", profile.ProfileID)
	}
}

func TestRouterUnknownRoleFails(t *testing.T) {
	r := NewRouter(map[string]ModelProfile{}, map[ModelRole]string{})
	if _, err := r.Resolve(RoleMain, ModelRequirements{}); err == nil {
		t.Fatalf("expected error for unbound role")
	}
}

func TestRouterRejectsStreamingMismatch(t *testing.T) {
	falseVal := false
	profile := testProfile("p1", ProviderGeminiInternal)
	profile.Capabilities = ModelCapabilities{SupportsStreaming: &falseVal}
	r := NewRouter(map[string]ModelProfile{"p1": profile}, map[ModelRole]string{RoleMain: "p1"})

	if _, err := r.Resolve(RoleMain, ModelRequirements{NeedsStreaming: true}); err == nil {
		t.Fatalf("expected model_resolution error for gemini streaming requirement")
	}
}

func TestRouterAppliesProviderDefaults(t *testing.T) {
	r := NewRouter(
		map[string]ModelProfile{"p1": testProfile("p1", ProviderOpenAICompatible)},
		map[ModelRole]string{RoleMain: "p1"},
	)
	profile, err := r.Resolve(RoleMain, ModelRequirements{NeedsStreaming: true, NeedsTools: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if profile.Capabilities.SupportsStreaming == nil || !*profile.Capabilities.SupportsStreaming {
		t.Fatalf("expected openai-compatible to default to streaming support")
	}
}

func TestEffectiveContextLimitFallsBackToDefault(t *testing.T) {
	profile := testProfile("p1", ProviderAnthropic)
	if got := EffectiveContextLimit(profile); got != DefaultContextLimitTokens {
		t.Fatalf("expected default context limit, got %d", got)
	}
	profile.Limits = &ModelLimits{ContextLimitTokens: 50_000}
	if got := EffectiveContextLimit(profile); got != 50_000 {
		t.Fatalf("expected configured limit 50000, got %d", got)
	}
}
