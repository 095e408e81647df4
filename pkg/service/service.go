// Package service exposes the caller-facing operations of the delivery
// core. Every session mutation runs under that session's store lock, so
// transitions and audit emissions for one session are strictly ordered
// while unrelated sessions proceed in parallel.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/slrpd/pkg/approval"
	"github.com/Mindburn-Labs/slrpd/pkg/archive"
	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/postcheck"
	"github.com/Mindburn-Labs/slrpd/pkg/retrieval"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
	"github.com/Mindburn-Labs/slrpd/pkg/statemachine"
	"github.com/Mindburn-Labs/slrpd/pkg/store"
)

// EventRAGQuery records every question asked during a session.
const EventRAGQuery = "rag_query"

// DefaultDestination is used by CreateDefaultSession.
const DefaultDestination = "DC-DEST-001"

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrFaultInjectionDisabled = errors.New("fault injection disabled")
)

// Deps are the collaborators a Service is assembled from. Exporter and
// Retriever are optional.
type Deps struct {
	Sessions  store.Store[*session.Session]
	Contracts *contracts.Store
	Machine   *statemachine.Machine
	Gate      *approval.Gate
	Recorder  *ledger.Recorder
	Retriever retrieval.Retriever
	Exporter  *archive.Exporter
}

// Options tune caller-visible behaviour.
type Options struct {
	AllowFaultInjection      bool
	MinRetrievalScoreDefault float64
}

// Service implements the caller-facing operations.
type Service struct {
	deps   Deps
	opts   Options
	clock  func() time.Time
	logger *slog.Logger
}

func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		clock:  time.Now,
		logger: logger.With("component", "service"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// AuditTrail is a session together with its full ledger.
type AuditTrail struct {
	SessionID        string                  `json:"session_id"`
	State            session.Stage           `json:"state"`
	Outcome          session.Outcome         `json:"outcome,omitempty"`
	DestinationID    *string                 `json:"destination_id"`
	DeferredQueries  []session.DeferredQuery `json:"deferred_queries"`
	SuppressedEvents []string                `json:"suppressed_events,omitempty"`
	Events           []ledger.Event          `json:"events"`
	Violations       []ledger.Violation      `json:"integrity_violations"`
}

// CreateSession runs Discover through Arm. When Validate rejects the
// destination the session is still returned, already at its blocked
// terminal state, together with an error wrapping
// statemachine.ErrValidationFailure.
func (s *Service) CreateSession(ctx context.Context, destinationID *string) (*session.Session, error) {
	sess := session.New(s.clock())
	unlock, err := s.deps.Sessions.Lock(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	startErr := s.deps.Machine.Start(ctx, sess, destinationID)
	if err := s.deps.Sessions.Put(ctx, sess.ID, sess); err != nil {
		unlock()
		return nil, fmt.Errorf("store session: %w", err)
	}
	unlock()

	if startErr != nil && !errors.Is(startErr, statemachine.ErrValidationFailure) {
		return nil, startErr
	}
	s.logger.InfoContext(ctx, "session created", "session_id", sess.ID, "state", sess.Stage, "outcome", sess.Outcome)
	s.export(ctx, sess)
	return sess, startErr
}

// CreateDefaultSession creates a session for DefaultDestination.
func (s *Service) CreateDefaultSession(ctx context.Context) (*session.Session, error) {
	dest := DefaultDestination
	return s.CreateSession(ctx, &dest)
}

// SetFaults replaces the session's suppressed event types.
func (s *Service) SetFaults(ctx context.Context, id string, eventTypes []string) (*session.Session, error) {
	if !s.opts.AllowFaultInjection {
		return nil, ErrFaultInjectionDisabled
	}
	var out *session.Session
	err := s.withSession(ctx, id, func(sess *session.Session) (bool, error) {
		sess.SetSuppressed(eventTypes)
		out = sess
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WarnContext(ctx, "fault injection set", "session_id", id, "suppressed", out.SuppressedList())
	return out, nil
}

// Ask answers a question from retrieved evidence. Insufficient evidence
// defers the question on the session; nothing is fabricated.
func (s *Service) Ask(ctx context.Context, id, question string) (retrieval.Answer, error) {
	var ans retrieval.Answer
	err := s.withSession(ctx, id, func(sess *session.Session) (bool, error) {
		if sess.Stage != session.StageDeliver {
			if err := s.emit(ctx, sess, EventRAGQuery, map[string]any{
				"question": question,
				"ok":       false,
				"reason":   approval.ReasonSessionNotInDeliver,
			}); err != nil {
				return false, err
			}
			return false, fmt.Errorf("%w: %s", approval.ErrSessionNotInDeliver, sess.Stage)
		}
		if s.deps.Retriever == nil {
			return false, errors.New("no retriever configured")
		}

		minScore := s.deps.Contracts.Current().DP.MinRetrievalScore(s.opts.MinRetrievalScoreDefault)
		a, err := retrieval.Ask(ctx, s.deps.Retriever, question, minScore)
		if err != nil {
			return false, err
		}
		if err := s.emit(ctx, sess, EventRAGQuery, map[string]any{
			"question":  question,
			"ok":        a.OK,
			"reason":    a.Reason,
			"min_score": minScore,
		}); err != nil {
			return false, err
		}
		ans = a
		if !a.OK {
			sess.DeferredQueries = append(sess.DeferredQueries, session.DeferredQuery{Question: question, Reason: a.Reason})
			return true, nil
		}
		return false, nil
	})
	return ans, err
}

// ProposeAction submits an action for approval.
func (s *Service) ProposeAction(ctx context.Context, id, action string, payload map[string]any) (*approval.Request, error) {
	req, err := s.deps.Gate.Propose(ctx, id, action, payload)
	return req, translate(err, "")
}

// ApproveAction approves and executes a pending request.
func (s *Service) ApproveAction(ctx context.Context, approvalID, approver string) (approval.Result, error) {
	res, err := s.deps.Gate.Approve(ctx, approvalID, approver)
	return res, translate(err, "")
}

// RejectAction rejects a pending request.
func (s *Service) RejectAction(ctx context.Context, approvalID, approver, reason string) (*approval.Request, error) {
	req, err := s.deps.Gate.Reject(ctx, approvalID, approver, reason)
	return req, translate(err, "")
}

// Approval returns a stored request.
func (s *Service) Approval(ctx context.Context, approvalID string) (*approval.Request, error) {
	return s.deps.Gate.Request(ctx, approvalID)
}

// AdvanceDelivery finishes a session from Deliver: the delivery summary,
// cooldown and postcheck.
func (s *Service) AdvanceDelivery(ctx context.Context, id string, inEnvelope bool) (*session.Session, postcheck.Report, error) {
	var (
		out    *session.Session
		report postcheck.Report
	)
	err := s.withSession(ctx, id, func(sess *session.Session) (bool, error) {
		if sess.Stage != session.StageDeliver {
			return false, fmt.Errorf("%w: %s", approval.ErrSessionNotInDeliver, sess.Stage)
		}
		r, err := s.deps.Machine.Finish(ctx, sess, inEnvelope)
		out, report = sess, r
		// Persist whatever stage was reached, even on error.
		return true, err
	})
	if err != nil {
		return nil, postcheck.Report{}, err
	}
	s.export(ctx, out)
	return out, report, nil
}

// Session returns the current session state.
func (s *Service) Session(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return sess, nil
}

// Audit returns the session with its full, verified ledger.
func (s *Service) Audit(ctx context.Context, id string) (AuditTrail, error) {
	sess, err := s.Session(ctx, id)
	if err != nil {
		return AuditTrail{}, err
	}
	events, err := s.deps.Recorder.ReadAll(ctx, id)
	if err != nil {
		return AuditTrail{}, fmt.Errorf("read ledger: %w", err)
	}
	violations := ledger.VerifyAll(events)
	if violations == nil {
		violations = []ledger.Violation{}
	}
	return AuditTrail{
		SessionID:        sess.ID,
		State:            sess.Stage,
		Outcome:          sess.Outcome,
		DestinationID:    sess.DestinationID,
		DeferredQueries:  sess.DeferredQueries,
		SuppressedEvents: sess.SuppressedList(),
		Events:           events,
		Violations:       violations,
	}, nil
}

// withSession loads the session under its lock and stores it back when fn
// reports a mutation.
func (s *Service) withSession(ctx context.Context, id string, fn func(*session.Session) (bool, error)) error {
	unlock, err := s.deps.Sessions.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.deps.Sessions.Get(ctx, id)
	if err != nil {
		return translate(err, id)
	}
	changed, fnErr := fn(sess)
	if changed {
		if err := s.deps.Sessions.Put(ctx, id, sess); err != nil {
			return errors.Join(fnErr, fmt.Errorf("store session: %w", err))
		}
	}
	return fnErr
}

func (s *Service) emit(ctx context.Context, sess *session.Session, eventType string, data map[string]any) error {
	_, _, err := s.deps.Recorder.Emit(ctx, sess, eventType, data)
	return err
}

// export archives a finished session. Failures are logged only; they never
// change the outcome.
func (s *Service) export(ctx context.Context, sess *session.Session) {
	if s.deps.Exporter == nil || !sess.Audited {
		return
	}
	if _, err := s.deps.Exporter.Export(ctx, sess.ID); err != nil {
		s.logger.ErrorContext(ctx, "session export failed", "session_id", sess.ID, "error", err)
	}
}

// translate maps a store miss to ErrSessionNotFound. An empty id keeps the
// underlying message.
func translate(err error, id string) error {
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}
