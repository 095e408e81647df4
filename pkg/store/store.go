// Package store holds shared, process-wide mutable state addressed by
// identifier. Every implementation provides a per-key lock so mutations of
// one key are serialized without serializing unrelated keys.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no value is stored under the key.
	ErrNotFound = errors.New("not found")
	// ErrLockTimeout is returned when a key lock could not be acquired
	// before the context expired.
	ErrLockTimeout = errors.New("lock timeout")
)

// Store is a keyed value store with per-key exclusion.
type Store[T any] interface {
	// Get returns the value stored under id or ErrNotFound.
	Get(ctx context.Context, id string) (T, error)

	// Put stores v under id, replacing any previous value.
	Put(ctx context.Context, id string, v T) error

	// Lock acquires the exclusive lock for id. The returned func releases
	// it and is safe to call once.
	Lock(ctx context.Context, id string) (func(), error)
}
