// Package executor holds implementations of the side-effect collaborator
// invoked by the approval gate once an action has been approved.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownAction is returned when no handler is registered for an action.
var ErrUnknownAction = errors.New("executor: unknown action")

// Executor performs an approved action.
type Executor interface {
	Execute(ctx context.Context, action string, payload map[string]any) (map[string]any, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, action string, payload map[string]any) (map[string]any, error)

func (f Func) Execute(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	return f(ctx, action, payload)
}

// Mux dispatches by action name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Executor
	fallback Executor
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Executor)}
}

// Handle registers e for action, replacing any previous handler.
func (m *Mux) Handle(action string, e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[action] = e
}

// Fallback sets the executor used for actions without a handler.
func (m *Mux) Fallback(e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = e
}

// Actions returns the explicitly registered action names.
func (m *Mux) Actions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for a := range m.handlers {
		out = append(out, a)
	}
	return out
}

func (m *Mux) Execute(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	m.mu.RLock()
	e, ok := m.handlers[action]
	if !ok {
		e = m.fallback
	}
	m.mu.RUnlock()

	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return e.Execute(ctx, action, payload)
}
