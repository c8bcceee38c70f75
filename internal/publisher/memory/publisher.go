// Package memory contains an in-memory publisher implementation for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// Publisher stores published outcomes for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []ruc.Outcome
	err      error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every subsequent Publish return err. Passing nil restores
// normal operation.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the outcome and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, outcome ruc.Outcome) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, outcome)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []ruc.Outcome {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ruc.Outcome, len(p.messages))
	copy(out, p.messages)
	return out
}
