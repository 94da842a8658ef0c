package llm

import (
	"context"
	"sync"
	"time"
)

// Mock is a scripted Completer for tests and keyless operation.
type Mock struct {
	// Reply computes the response; when nil, Complete echoes a canned line.
	Reply func(prompt string) (string, error)
	// Delay is applied before answering, honoring context cancellation.
	Delay time.Duration

	mu    sync.Mutex
	calls int
}

func (m *Mock) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Reply != nil {
		return m.Reply(prompt)
	}
	return "(mock) acknowledged", nil
}

func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
