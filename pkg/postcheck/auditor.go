// Package postcheck re-derives a session's outcome from its audit ledger.
//
// The auditor never trusts in-memory flags alone: it reads the stored
// stream back, re-verifies every integrity hash, checks the Trust-Audit
// Contract's required fields and diffs the required event types of all
// seven stages against what was actually recorded.
package postcheck

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
)

// EventOutcome is the event type of the final postcheck record.
const EventOutcome = "postcheck_outcome"

// StageGap lists the required event types missing for one stage.
type StageGap struct {
	State   string   `json:"state"`
	Missing []string `json:"missing"`
}

// FieldViolation is an event lacking one or more required fields.
type FieldViolation struct {
	Index     int      `json:"index"`
	EventType string   `json:"event_type"`
	Missing   []string `json:"missing"`
}

// Report is the result of one audit.
type Report struct {
	OK                  bool               `json:"ok"`
	Missing             []StageGap         `json:"missing"`
	IntegrityViolations []ledger.Violation `json:"integrity_violations"`
	FieldViolations     []FieldViolation   `json:"field_violations"`
	Final               session.Outcome    `json:"final"`
}

// Data renders the report as the postcheck_outcome payload.
func (r Report) Data() map[string]any {
	return map[string]any{
		"ok":                   r.OK,
		"missing":              r.Missing,
		"integrity_violations": r.IntegrityViolations,
		"field_violations":     r.FieldViolations,
		"final":                string(r.Final),
	}
}

// MissingFor returns the gap for st, if any.
func (r Report) MissingFor(st session.Stage) []string {
	for _, g := range r.Missing {
		if g.State == st.String() {
			return g.Missing
		}
	}
	return nil
}

// Auditor computes postcheck reports.
type Auditor struct {
	recorder *ledger.Recorder
	logger   *slog.Logger
}

func NewAuditor(rec *ledger.Recorder, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{recorder: rec, logger: logger.With("component", "postcheck")}
}

// Audit reads the session's ledger and derives the outcome without
// recording anything.
func (a *Auditor) Audit(ctx context.Context, s *session.Session, tac *contracts.TrustAuditContract) (Report, error) {
	events, err := a.recorder.ReadAll(ctx, s.ID)
	if err != nil {
		return Report{}, fmt.Errorf("postcheck: read ledger: %w", err)
	}

	r := Report{
		Missing:             []StageGap{},
		IntegrityViolations: ledger.VerifyAll(events),
		FieldViolations:     checkFields(events, tac.RequiredFields),
	}
	if r.IntegrityViolations == nil {
		r.IntegrityViolations = []ledger.Violation{}
	}

	recorded := make(map[string]map[string]bool)
	for _, e := range events {
		if recorded[e.State] == nil {
			recorded[e.State] = make(map[string]bool)
		}
		recorded[e.State][e.EventType] = true
	}

	for _, st := range session.Stages() {
		var missing []string
		for _, required := range tac.RequiredEvents(st) {
			if !recorded[st.String()][required] {
				missing = append(missing, required)
			}
		}
		if len(missing) > 0 {
			r.Missing = append(r.Missing, StageGap{State: st.String(), Missing: missing})
		}
	}

	r.OK = len(r.Missing) == 0 && len(r.IntegrityViolations) == 0 && len(r.FieldViolations) == 0
	r.Final = Derive(s.Outcome, s.Blocked, r.OK)
	return r, nil
}

// Finalize audits the session, records the postcheck_outcome event and
// sets the session outcome. The session stays at PostCheckAudit.
func (a *Auditor) Finalize(ctx context.Context, s *session.Session, tac *contracts.TrustAuditContract) (Report, error) {
	r, err := a.Audit(ctx, s, tac)
	if err != nil {
		return Report{}, err
	}
	if _, _, err := a.recorder.Emit(ctx, s, EventOutcome, r.Data()); err != nil {
		return Report{}, fmt.Errorf("postcheck: %w", err)
	}

	s.Outcome = r.Final
	s.Audited = true

	if !r.OK {
		a.logger.WarnContext(ctx, "postcheck found ledger gaps",
			"session_id", s.ID,
			"missing", len(r.Missing),
			"integrity_violations", len(r.IntegrityViolations),
			"field_violations", len(r.FieldViolations),
			"final", r.Final,
		)
	}
	return r, nil
}

// Derive computes the final outcome. Gaps force blocked unless a safety
// abort was already recorded, which is preserved. Only a clean, unblocked,
// unaborted session is a success.
func Derive(current session.Outcome, blocked, ok bool) session.Outcome {
	if current == session.OutcomeAbortedSafe {
		return session.OutcomeAbortedSafe
	}
	if !ok || blocked || current == session.OutcomeBlocked {
		return session.OutcomeBlocked
	}
	return session.OutcomeSuccess
}

func checkFields(events []ledger.Event, required []string) []FieldViolation {
	out := []FieldViolation{}
	if len(required) == 0 {
		return out
	}
	for i, e := range events {
		var missing []string
		for _, f := range required {
			if !e.HasField(f) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			out = append(out, FieldViolation{Index: i, EventType: e.EventType, Missing: missing})
		}
	}
	return out
}
