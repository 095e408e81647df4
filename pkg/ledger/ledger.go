package ledger

import (
	"context"
	"strings"
)

// Ledger is the durable, append-only audit stream, one per session.
//
// Append order is read order. Streams of different sessions are
// independent.
type Ledger interface {
	// Append seals e with its integrity hash, persists it and returns the
	// stored copy.
	Append(ctx context.Context, e Event) (Event, error)

	// ReadAll returns the session's events in append order. An unknown
	// session yields an empty slice.
	ReadAll(ctx context.Context, sessionID string) ([]Event, error)
}

func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
