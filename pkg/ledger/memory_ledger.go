package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger keeps streams in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{streams: make(map[string][]Event)}
}

func (m *MemoryLedger) Append(ctx context.Context, e Event) (Event, error) {
	if !validSessionID(e.SessionID) {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, e.SessionID)
	}
	sealed, err := Seal(e)
	if err != nil {
		return Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[e.SessionID] = append(m.streams[e.SessionID], sealed)
	return sealed, nil
}

func (m *MemoryLedger) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream := m.streams[sessionID]
	out := make([]Event, len(stream))
	copy(out, stream)
	return out, nil
}

// Tamper overwrites a stored event in place. Tests use it to prove the
// verifier catches mutation; nothing else may call it.
func (m *MemoryLedger) Tamper(sessionID string, index int, mutate func(*Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.streams[sessionID]) {
		mutate(&m.streams[sessionID][index])
	}
}
