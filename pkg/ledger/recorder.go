package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Source is the emitting session as the recorder sees it.
type Source interface {
	SessionID() string
	StageName() string
	// Suppressed reports whether eventType is dropped before reaching the
	// ledger (fault injection).
	Suppressed(eventType string) bool
}

// AppendObserver receives the latency of every successful append.
type AppendObserver interface {
	ObserveAppend(ctx context.Context, eventType string, d time.Duration)
}

// Recorder is the single emission path from sessions into a Ledger. It
// stamps stage and time and applies the session's suppression set.
type Recorder struct {
	ledger   Ledger
	clock    func() time.Time
	logger   *slog.Logger
	observer AppendObserver
}

func NewRecorder(l Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		ledger: l,
		clock:  time.Now,
		logger: logger.With("component", "ledger"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// WithObserver registers an append latency observer.
func (r *Recorder) WithObserver(o AppendObserver) *Recorder {
	r.observer = o
	return r
}

// Ledger returns the underlying ledger.
func (r *Recorder) Ledger() Ledger { return r.ledger }

// Emit appends one event for src. The returned bool is false when the
// event was suppressed.
func (r *Recorder) Emit(ctx context.Context, src Source, eventType string, data map[string]any) (Event, bool, error) {
	if src.Suppressed(eventType) {
		r.logger.WarnContext(ctx, "audit event suppressed by fault injection",
			"session_id", src.SessionID(),
			"event_type", eventType,
			"state", src.StageName(),
		)
		return Event{}, false, nil
	}

	start := time.Now()
	stored, err := r.ledger.Append(ctx, Event{
		SessionID: src.SessionID(),
		EventType: eventType,
		State:     src.StageName(),
		TS:        FormatTime(r.clock()),
		Data:      data,
	})
	if err != nil {
		return Event{}, false, fmt.Errorf("emit %s: %w", eventType, err)
	}
	if r.observer != nil {
		r.observer.ObserveAppend(ctx, eventType, time.Since(start))
	}
	return stored, true, nil
}

// ReadAll reads the session stream back.
func (r *Recorder) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	return r.ledger.ReadAll(ctx, sessionID)
}
