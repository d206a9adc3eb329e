package llm

import (
	"context"
	"strings"
	"sync"
)

type mockRule struct {
	marker string
	reply  func(prompt string) string
}

// MockGenerator is a scripted Generator for tests and dry runs. Rules are
// matched in registration order against the lower-cased prompt; with no match
// the fallback (empty by default) is returned, which callers treat as an
// unparseable response.
type MockGenerator struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	err      error
	prompts  []string
}

// NewMockGenerator returns a generator with no rules.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// On replies with response when the prompt contains marker.
func (m *MockGenerator) On(marker, response string) *MockGenerator {
	return m.OnFunc(marker, func(string) string { return response })
}

// OnFunc replies with fn(prompt) when the prompt contains marker.
func (m *MockGenerator) OnFunc(marker string, fn func(prompt string) string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{marker: strings.ToLower(marker), reply: fn})
	return m
}

// Fallback sets the reply used when no rule matches.
func (m *MockGenerator) Fallback(response string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = response
	return m
}

// Fail makes every call return err.
func (m *MockGenerator) Fail(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Generate records the prompt and returns the scripted reply.
func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	rules := m.rules
	fallback, err := m.fallback, m.err
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	lowered := strings.ToLower(prompt)
	for _, r := range rules {
		if strings.Contains(lowered, r.marker) {
			return r.reply(prompt), nil
		}
	}
	return fallback, nil
}

// Prompts returns a copy of every prompt received so far.
func (m *MockGenerator) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// Calls returns the number of prompts received.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
