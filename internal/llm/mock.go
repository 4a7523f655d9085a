package llm

import (
	"context"
	"sync"

	"smartquery/internal/types"
)

// MockClient returns scripted responses in order. Used by tests and by the
// "mock" provider for offline development.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error // parallel to Responses; nil entries mean success
	Calls     int
	Prompts   []string // every prompt received, in order
}

// NewMockClient scripts a sequence of successful responses.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{Responses: responses}
}

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.next(ctx, prompt)
}

func (m *MockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.next(ctx, systemPrompt+"\n"+userPrompt)
}

func (m *MockClient) next(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.Wrap(types.KindCancelled, err, "mock call cancelled")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.Calls
	m.Calls++
	m.Prompts = append(m.Prompts, prompt)

	if i < len(m.Errs) && m.Errs[i] != nil {
		return "", m.Errs[i]
	}
	if i < len(m.Responses) {
		return m.Responses[i], nil
	}
	return "", types.E(types.KindUnavailable, "mock client exhausted after %d calls", len(m.Responses))
}
