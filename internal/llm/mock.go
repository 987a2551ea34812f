package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockConfig scripts a Mock client's responses for deterministic testing
// without a real provider call.
type MockConfig struct {
	// Responses contains one LLMResponse per call to Complete, popped in
	// order.
	Responses []LLMResponse
	// StreamResponses contains one event sequence per call to Stream,
	// popped in order; the last event of each sequence should carry
	// StreamCompleted.
	StreamResponses [][]LLMStreamEvent
	// FailWith, if set, is returned instead of popping a scripted response.
	FailWith error
}

// Mock is a scripted llm.Client used by orchestrator and dispatch tests.
type Mock struct {
	mu          sync.Mutex
	cfg         MockConfig
	completeIdx int
	streamIdx   int
	recorded    []CanonicalRequest
}

func NewMock(cfg MockConfig) *Mock {
	return &Mock{cfg: cfg}
}

func (m *Mock) Complete(_ context.Context, _ ModelProfile, req CanonicalRequest, _ CallOptions) (LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, req)
	if m.cfg.FailWith != nil {
		return LLMResponse{}, m.cfg.FailWith
	}
	if m.completeIdx >= len(m.cfg.Responses) {
		return LLMResponse{}, fmt.Errorf("mock llm client: no more scripted complete() responses (call %d)", m.completeIdx)
	}
	resp := m.cfg.Responses[m.completeIdx]
	m.completeIdx++
	return resp, nil
}

func (m *Mock) Stream(_ context.Context, _ ModelProfile, req CanonicalRequest, _ CallOptions) (<-chan LLMStreamEvent, error) {
	m.mu.Lock()
	m.recorded = append(m.recorded, req)
	if m.cfg.FailWith != nil {
		m.mu.Unlock()
		return nil, m.cfg.FailWith
	}
	if m.streamIdx >= len(m.cfg.StreamResponses) {
		idx := m.streamIdx
		m.mu.Unlock()
		return nil, fmt.Errorf("mock llm client: no more scripted stream() responses (call %d)", idx)
	}
	events := m.cfg.StreamResponses[m.streamIdx]
	m.streamIdx++
	m.mu.Unlock()

	out := make(chan LLMStreamEvent, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out, nil
}

// Recorded returns every CanonicalRequest passed to Complete or Stream.
func (m *Mock) Recorded() []CanonicalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CanonicalRequest, len(m.recorded))
	copy(out, m.recorded)
	return out
}
