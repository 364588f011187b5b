// Package mock provides a scripted reasoning oracle for testing.
package mock

import (
	"context"
	"sync"

	"github.com/marionette-agent/marionette/provider"
)

const defaultResponse = "DONE: nothing to do."

// Provider implements provider.Provider for testing. It replays scripted
// responses in order and records every request it receives.
type Provider struct {
	mu        sync.Mutex
	responses []*provider.Response
	errs      []error
	idx       int
	calls     [][]provider.Message
}

// New creates a Provider that returns the given text contents in order,
// repeating the last one once the script is exhausted.
func New(contents ...string) *Provider {
	p := &Provider{}
	for _, c := range contents {
		p.responses = append(p.responses, &provider.Response{Content: c})
		p.errs = append(p.errs, nil)
	}
	return p
}

// Script appends a full response (e.g. with structured tool calls).
func (m *Provider) Script(resp *provider.Response) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, nil)
	return m
}

// Fail appends a scripted error response.
func (m *Provider) Fail(err error) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

// Name returns the provider identifier.
func (m *Provider) Name() string { return "mock" }

// Chat returns the next scripted response.
func (m *Provider) Chat(_ context.Context, messages []provider.Message, _ []provider.ToolDef) (*provider.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, messages)
	if len(m.responses) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	i := m.idx
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.idx++
	if m.errs[i] != nil {
		return nil, m.errs[i]
	}
	return m.responses[i], nil
}

// Calls returns the number of Chat invocations so far.
func (m *Provider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastMessages returns the message history of the most recent Chat call.
func (m *Provider) LastMessages() []provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}
