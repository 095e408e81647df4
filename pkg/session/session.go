package session

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Outcome is the final disposition of a session.
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeSuccess     Outcome = "success"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeAbortedSafe Outcome = "aborted-safe"
)

// DeferredQuery is a question that could not be answered from sufficient
// evidence during Deliver.
type DeferredQuery struct {
	Question string `json:"q"`
	Reason   string `json:"reason"`
}

// Session is the per-delivery protocol state.
type Session struct {
	ID              string          `json:"id"`
	Stage           Stage           `json:"state"`
	DestinationID   *string         `json:"destination_id"`
	Blocked         bool            `json:"blocked"`
	Outcome         Outcome         `json:"outcome,omitempty"`
	DeferredQueries []DeferredQuery `json:"deferred_queries"`
	ActionsCount    int             `json:"actions_count"`
	Visited         []Stage         `json:"visited"`
	Audited         bool            `json:"audited"`
	CreatedAt       time.Time       `json:"created_at"`

	// SuppressedEvents drops matching event types before they reach the
	// ledger. Fault injection only; empty in normal operation.
	SuppressedEvents map[string]bool `json:"suppressed_events,omitempty"`
}

// New creates a session positioned at Discover.
func New(now time.Time) *Session {
	return &Session{
		ID:              uuid.New().String(),
		Stage:           StageDiscover,
		DeferredQueries: []DeferredQuery{},
		Visited:         []Stage{StageDiscover},
		CreatedAt:       now.UTC(),
	}
}

// SessionID implements ledger.Source.
func (s *Session) SessionID() string { return s.ID }

// StageName implements ledger.Source.
func (s *Session) StageName() string { return s.Stage.String() }

// Suppressed reports whether eventType is dropped by fault injection.
func (s *Session) Suppressed(eventType string) bool {
	return s.SuppressedEvents[eventType]
}

// SetSuppressed replaces the fault-injection set.
func (s *Session) SetSuppressed(eventTypes []string) {
	if len(eventTypes) == 0 {
		s.SuppressedEvents = nil
		return
	}
	s.SuppressedEvents = make(map[string]bool, len(eventTypes))
	for _, et := range eventTypes {
		s.SuppressedEvents[et] = true
	}
}

// SuppressedList returns the fault-injection set in sorted order.
func (s *Session) SuppressedList() []string {
	out := make([]string, 0, len(s.SuppressedEvents))
	for et := range s.SuppressedEvents {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

// Visit records that the session entered stage st.
func (s *Session) Visit(st Stage) {
	s.Stage = st
	s.Visited = append(s.Visited, st)
}

// HasVisited reports whether st appears in the visit history.
func (s *Session) HasVisited(st Stage) bool {
	for _, v := range s.Visited {
		if v == st {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	if s.DestinationID != nil {
		id := *s.DestinationID
		c.DestinationID = &id
	}
	c.DeferredQueries = append([]DeferredQuery{}, s.DeferredQueries...)
	c.Visited = append([]Stage{}, s.Visited...)
	if s.SuppressedEvents != nil {
		c.SuppressedEvents = make(map[string]bool, len(s.SuppressedEvents))
		for k, v := range s.SuppressedEvents {
			c.SuppressedEvents[k] = v
		}
	}
	return &c
}

// Destination returns the destination identifier or "" when absent.
func (s *Session) Destination() string {
	if s.DestinationID == nil {
		return ""
	}
	return *s.DestinationID
}
