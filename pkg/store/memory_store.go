package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements Store in memory.
// Values are copied on Get/Put, so callers never share state through it.
type MemoryStore[T any] struct {
	mu     sync.RWMutex
	values map[string]T
	clone  func(T) T

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore creates an empty store. clone deep-copies a value; nil
// means values are copied by assignment only.
func NewMemoryStore[T any](clone func(T) T) *MemoryStore[T] {
	return &MemoryStore[T]{
		values: make(map[string]T),
		clone:  clone,
		locks:  make(map[string]chan struct{}),
	}
}

func (s *MemoryStore[T]) copy(v T) T {
	if s.clone == nil {
		return v
	}
	return s.clone(v)
}

func (s *MemoryStore[T]) Get(ctx context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.copy(v), nil
}

func (s *MemoryStore[T]) Put(ctx context.Context, id string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = s.copy(v)
	return nil
}

// Lock uses a one-slot channel per key so waiters can give up when ctx ends.
func (s *MemoryStore[T]) Lock(ctx context.Context, id string) (func(), error) {
	s.locksMu.Lock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, id, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Len returns the number of stored values.
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
