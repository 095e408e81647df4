package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger stores each session as a JSON Lines file <dir>/<session>.jsonl.
// Appends to one session are serialized; different sessions proceed
// concurrently.
type FileLedger struct {
	dir   string
	locks sync.Map // session id -> *sync.Mutex
}

// NewFileLedger creates the ledger directory if needed.
func NewFileLedger(dir string) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create dir %s: %w", dir, err)
	}
	return &FileLedger{dir: dir}, nil
}

func (f *FileLedger) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+".jsonl")
}

func (f *FileLedger) lock(sessionID string) *sync.Mutex {
	mu, _ := f.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (f *FileLedger) Append(ctx context.Context, e Event) (Event, error) {
	if !validSessionID(e.SessionID) {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, e.SessionID)
	}
	sealed, err := Seal(e)
	if err != nil {
		return Event{}, err
	}
	line, err := json.Marshal(sealed)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal event: %w", err)
	}
	line = append(line, '\n')

	mu := f.lock(e.SessionID)
	mu.Lock()
	defer mu.Unlock()

	fh, err := os.OpenFile(f.path(e.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: open stream: %w", err)
	}
	if _, err := fh.Write(line); err != nil {
		_ = fh.Close()
		return Event{}, fmt.Errorf("ledger: write event: %w", err)
	}
	// The event must be durable before the caller's transition completes.
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return Event{}, fmt.Errorf("ledger: sync stream: %w", err)
	}
	if err := fh.Close(); err != nil {
		return Event{}, fmt.Errorf("ledger: close stream: %w", err)
	}
	return sealed, nil
}

func (f *FileLedger) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	if !validSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	mu := f.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	fh, err := os.Open(f.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open stream: %w", err)
	}
	defer func() { _ = fh.Close() }()

	out := []Event{}
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("ledger: %s line %d: %w", sessionID, line, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read stream: %w", err)
	}
	return out, nil
}
