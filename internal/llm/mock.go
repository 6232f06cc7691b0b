package llm

import (
	"context"
	"sync"

	"stackvm/internal/verrors"
)

type mockTurn struct {
	content string
	err     error
}

// MockClient replays scripted turns in order. Intended for tests and the
// offline planner.
type MockClient struct {
	mu       sync.Mutex
	turns    []mockTurn
	calls    int
	requests []Request
}

func NewMockClient(responses ...string) *MockClient {
	m := &MockClient{}
	for _, r := range responses {
		m.turns = append(m.turns, mockTurn{content: r})
	}
	return m
}

// Reply appends a successful turn.
func (m *MockClient) Reply(content string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, mockTurn{content: content})
	return m
}

// FailWith appends an error turn.
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, mockTurn{err: err})
	return m
}

func (m *MockClient) Model() string { return "mock" }

// Calls returns how many completions were requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns every request seen, in order.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockClient) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.calls >= len(m.turns) {
		return nil, verrors.New(verrors.KindInternal, "mock client has no response for call %d", m.calls+1)
	}
	turn := m.turns[m.calls]
	m.calls++
	if turn.err != nil {
		return nil, turn.err
	}
	return &Response{Content: turn.content, StopReason: "stop"}, nil
}
