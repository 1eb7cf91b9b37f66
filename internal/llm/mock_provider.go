package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockProvider is a scripted Provider for tests and local development.
// Responses are matched by substring against the user prompt; unmatched
// prompts return Fallback or an error when none is set.
type MockProvider struct {
	mu        sync.Mutex
	rules     []mockRule
	Fallback  string
	Err       error
	Available bool
	Calls     []string
}

type mockRule struct {
	substring string
	response  string
}

// NewMockProvider creates an available mock with no rules.
func NewMockProvider() *MockProvider {
	return &MockProvider{Available: true}
}

// Respond registers a canned response for prompts containing substring.
func (m *MockProvider) Respond(substring, response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{substring: substring, response: response})
	return m
}

// Complete implements Provider.
func (m *MockProvider) Complete(_ context.Context, _, user string, _ CompletionOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, user)
	if m.Err != nil {
		return "", m.Err
	}
	for _, rule := range m.rules {
		if strings.Contains(user, rule.substring) {
			return rule.response, nil
		}
	}
	if m.Fallback != "" {
		return m.Fallback, nil
	}
	return "", fmt.Errorf("mock provider has no response for prompt")
}

// IsAvailable implements Provider.
func (m *MockProvider) IsAvailable() bool {
	return m.Available
}

// CallCount returns the number of Complete invocations.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
