package llm

import (
	"fmt"

	"novelaire/internal/errs"
)

// Router resolves a (role, requirements) pair to exactly one ModelProfile.
type Router struct {
	profiles map[string]ModelProfile
	roles    map[ModelRole]string
}

// NewRouter builds a router over profiles (keyed by ProfileID) and a role →
// profile-id pointer table.
func NewRouter(profiles map[string]ModelProfile, roles map[ModelRole]string) *Router {
	return &Router{profiles: profiles, roles: roles}
}

// Resolve returns the profile bound to role if it satisfies requirements,
// applying provider defaults to fill any unset capability fields first.
func (r *Router) Resolve(role ModelRole, req ModelRequirements) (ModelProfile, error) {
	profileID, ok := r.roles[role]
	if !ok {
		return ModelProfile{}, errs.New(errs.ModelResolution, fmt.Sprintf("no profile bound to role %q", role))
	}
	profile, ok := r.profiles[profileID]
	if !ok {
		return ModelProfile{}, errs.New(errs.ModelResolution, fmt.Sprintf("role %q points at unknown profile %q", role, profileID))
	}
	caps := profile.Capabilities.WithProviderDefaults(profile.ProviderKind)

	if req.NeedsStreaming && !caps.streamingEnabled() {
		return ModelProfile{}, errs.New(errs.ModelResolution, fmt.Sprintf("profile %q does not support streaming", profileID))
	}
	if req.NeedsTools && !caps.toolsEnabled() {
		return ModelProfile{}, errs.New(errs.ModelResolution, fmt.Sprintf("profile %q does not support tools", profileID))
	}
	if req.NeedsStructuredOutput && (caps.SupportsStructuredOutput == nil || !*caps.SupportsStructuredOutput) {
		return ModelProfile{}, errs.New(errs.ModelResolution, fmt.Sprintf("profile %q does not support structured output", profileID))
	}
	if req.MinContextTokens > 0 {
		limit := EffectiveContextLimit(profile)
		if limit < req.MinContextTokens {
			return ModelProfile{}, errs.New(errs.ModelResolution, fmt.Sprintf("profile %q context limit %d below required %d", profileID, limit, req.MinContextTokens))
		}
	}

	profile.Capabilities = caps
	return profile, nil
}

// DefaultContextLimitTokens is used when a profile omits an explicit limit.
const DefaultContextLimitTokens = 256_000

// EffectiveContextLimit returns the profile's configured context limit, or
// DefaultContextLimitTokens if unset.
func EffectiveContextLimit(profile ModelProfile) int {
	if profile.Limits != nil && profile.Limits.ContextLimitTokens > 0 {
		return profile.Limits.ContextLimitTokens
	}
	return DefaultContextLimitTokens
}
