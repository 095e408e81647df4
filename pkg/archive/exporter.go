package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
)

// ContentType of exported ledgers.
const ContentType = "application/x-ndjson"

var ErrTampered = errors.New("archive: ledger failed verification")

// Exporter copies a session's ledger to a Sink as JSON lines.
type Exporter struct {
	ledger ledger.Ledger
	sink   Sink
	prefix string
	logger *slog.Logger
}

func NewExporter(l ledger.Ledger, sink Sink, prefix string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{ledger: l, sink: sink, prefix: prefix, logger: logger.With("component", "archive")}
}

// Key returns the object key for sessionID.
func (e *Exporter) Key(sessionID string) string {
	return path.Join(e.prefix, "sessions", sessionID+".jsonl")
}

// Export verifies and uploads the ledger. A stream that fails verification
// is not exported.
func (e *Exporter) Export(ctx context.Context, sessionID string) (string, error) {
	events, err := e.ledger.ReadAll(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("archive: read ledger: %w", err)
	}
	if v := ledger.VerifyAll(events); len(v) > 0 {
		return "", fmt.Errorf("%w: %d event(s), first at index %d", ErrTampered, len(v), v[0].Index)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("archive: encode: %w", err)
		}
	}

	key := e.Key(sessionID)
	if err := e.sink.Put(ctx, key, buf.Bytes(), ContentType); err != nil {
		return "", err
	}
	e.logger.InfoContext(ctx, "session ledger exported", "session_id", sessionID, "key", key, "events", len(events))
	return key, nil
}
