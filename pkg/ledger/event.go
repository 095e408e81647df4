// Package ledger is the append-only, per-session audit ledger.
//
// Every event carries an integrity hash computed over all of its other
// fields in RFC 8785 canonical form, so two events with the same content and
// timestamp always hash identically and any stored event can be re-verified.
// Hashes are integrity-only; they are not signatures.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/slrpd/pkg/canonicalize"
)

var (
	ErrIntegrityMismatch = errors.New("integrity hash mismatch")
	ErrInvalidSessionID  = errors.New("invalid session id")
)

// TimeFormat is the ISO-8601 UTC layout used for Event.TS.
const TimeFormat = time.RFC3339Nano

// Event is a single immutable audit record.
type Event struct {
	SessionID     string         `json:"session_id"`
	EventType     string         `json:"event_type"`
	State         string         `json:"state"`
	TS            string         `json:"ts"`
	Data          map[string]any `json:"data"`
	IntegrityHash string         `json:"integrity_hash,omitempty"`
}

// hashable is the event without its own hash.
type hashable struct {
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	State     string         `json:"state"`
	TS        string         `json:"ts"`
	Data      map[string]any `json:"data"`
}

// ComputeHash returns the integrity hash of e. The stored IntegrityHash is
// ignored.
func ComputeHash(e Event) (string, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	h, err := canonicalize.Hash(hashable{
		SessionID: e.SessionID,
		EventType: e.EventType,
		State:     e.State,
		TS:        e.TS,
		Data:      data,
	})
	if err != nil {
		return "", fmt.Errorf("ledger: hash event: %w", err)
	}
	return h, nil
}

// Seal normalizes e and attaches its integrity hash.
func Seal(e Event) (Event, error) {
	data, err := normalizeData(e.Data)
	if err != nil {
		return Event{}, err
	}
	e.Data = data
	h, err := ComputeHash(e)
	if err != nil {
		return Event{}, err
	}
	e.IntegrityHash = h
	return e, nil
}

// Verify re-hashes e and compares against the stored hash.
func Verify(e Event) error {
	h, err := ComputeHash(e)
	if err != nil {
		return err
	}
	if h != e.IntegrityHash {
		return fmt.Errorf("%w: event %s: stored %s, computed %s", ErrIntegrityMismatch, e.EventType, e.IntegrityHash, h)
	}
	return nil
}

// Violation describes one stored event whose hash no longer matches.
type Violation struct {
	Index     int    `json:"index"`
	EventType string `json:"event_type"`
	State     string `json:"state"`
	Stored    string `json:"stored"`
	Computed  string `json:"computed"`
}

// VerifyAll re-hashes every event and returns the mismatches in order.
func VerifyAll(events []Event) []Violation {
	var out []Violation
	for i, e := range events {
		h, err := ComputeHash(e)
		if err != nil || h != e.IntegrityHash {
			out = append(out, Violation{
				Index:     i,
				EventType: e.EventType,
				State:     e.State,
				Stored:    e.IntegrityHash,
				Computed:  h,
			})
		}
	}
	return out
}

// HasField reports whether the named record field is present and non-empty.
func (e Event) HasField(name string) bool {
	switch name {
	case "session_id":
		return e.SessionID != ""
	case "event_type":
		return e.EventType != ""
	case "state":
		return e.State != ""
	case "ts":
		return e.TS != ""
	case "data":
		return e.Data != nil
	case "integrity_hash":
		return e.IntegrityHash != ""
	default:
		_, ok := e.Data[name]
		return ok
	}
}

// FormatTime renders t as an Event timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// normalizeData converts arbitrary payload values into plain JSON types so
// an event reads back exactly as it was hashed.
func normalizeData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ledger: normalize data: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
