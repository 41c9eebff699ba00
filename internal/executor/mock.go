package executor

import (
	"context"
	"sync"
)

// Mock is a test/dry-run Executor that records every request and returns a
// canned RunResult keyed by AgentType, falling back to a default result.
type Mock struct {
	mu        sync.Mutex
	Requests  []RunRequest
	Responses map[string]RunResult
	Default   RunResult
	Err       error
}

// NewMock constructs a Mock with a default successful response.
func NewMock() *Mock {
	return &Mock{Responses: map[string]RunResult{}, Default: RunResult{Success: true}}
}

// Run implements Executor.
func (m *Mock) Run(_ context.Context, req RunRequest) (RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return RunResult{}, m.Err
	}
	if res, ok := m.Responses[req.AgentType]; ok {
		return res, nil
	}
	return m.Default, nil
}

// Calls returns a copy of the requests seen so far.
func (m *Mock) Calls() []RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRequest, len(m.Requests))
	copy(out, m.Requests)
	return out
}
