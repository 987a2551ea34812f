package llm

import (
	"context"
	"fmt"
)

// MultiClient dispatches Complete/Stream calls to whichever concrete Client
// handles a profile's ProviderKind. The Anthropic backend wraps its SDK
// directly; the other two providers share the generic HTTP/SSE transport.
type MultiClient struct {
	clients map[ProviderKind]Client
}

func NewMultiClient(clients map[ProviderKind]Client) *MultiClient {
	return &MultiClient{clients: clients}
}

func (m *MultiClient) clientFor(kind ProviderKind) (Client, error) {
	c, ok := m.clients[kind]
	if !ok {
		return nil, fmt.Errorf("llm: no client registered for provider_kind %q", kind)
	}
	return c, nil
}

func (m *MultiClient) Complete(ctx context.Context, profile ModelProfile, req CanonicalRequest, opts CallOptions) (LLMResponse, error) {
	c, err := m.clientFor(profile.ProviderKind)
	if err != nil {
		return LLMResponse{}, err
	}
	return c.Complete(ctx, profile, req, opts)
}

func (m *MultiClient) Stream(ctx context.Context, profile ModelProfile, req CanonicalRequest, opts CallOptions) (<-chan LLMStreamEvent, error) {
	c, err := m.clientFor(profile.ProviderKind)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, profile, req, opts)
}

var _ Client = (*MultiClient)(nil)
