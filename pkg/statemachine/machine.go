// Package statemachine sequences the delivery protocol:
//
//	Discover -> Validate -> (Sync) -> Arm -> Deliver -> Cooldown -> PostCheckAudit
//
// Every step appends its audit event before the stage changes, reads the
// contracts current at the moment of the transition, and always ends in a
// valid next stage or the early-exit PostCheckAudit.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/postcheck"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
)

// Event types emitted by the protocol stages.
const (
	EventDestinationSelected = "destination_selected"
	EventValidationResult    = "validation_result"
	EventSyncStatus          = "sync_status"
	EventArmAuthorization    = "arm_authorization"
	EventDeliverSummary      = "deliver_summary"
	EventCooldownConfirmed   = "cooldown_confirmed"
)

// Validation verdict reasons.
const (
	ReasonOK                  = "ok"
	ReasonMissingDestination  = "missing_destination_identity"
	ReasonGuardFailed         = "guard_failed"
	ReasonGuardEvaluationFail = "guard_evaluation_error"
)

var (
	// ErrValidationFailure is returned when Validate rejects the
	// destination. The session has already reached its blocked terminal
	// state; the error is informational.
	ErrValidationFailure = errors.New("validation failure")
	// ErrInvalidTransition is returned when a step runs from the wrong stage.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Observer receives transition and outcome notifications.
type Observer interface {
	ObserveTransition(ctx context.Context, to session.Stage)
	ObserveOutcome(ctx context.Context, outcome session.Outcome)
}

// Machine drives sessions through the protocol. It holds no per-session
// state; callers serialize access to a given session.
type Machine struct {
	contracts *contracts.Store
	recorder  *ledger.Recorder
	auditor   *postcheck.Auditor
	observer  Observer
	tracer    trace.Tracer
	logger    *slog.Logger
}

func New(cs *contracts.Store, rec *ledger.Recorder, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		contracts: cs,
		recorder:  rec,
		auditor:   postcheck.NewAuditor(rec, logger),
		tracer:    otel.Tracer("github.com/Mindburn-Labs/slrpd/pkg/statemachine"),
		logger:    logger.With("component", "statemachine"),
	}
}

// WithObserver registers a transition observer.
func (m *Machine) WithObserver(o Observer) *Machine {
	m.observer = o
	return m
}

// Start runs Discover, Validate and, when compatible, Sync and Arm, leaving
// the session at Deliver. On rejection the session is audited at
// PostCheckAudit and ErrValidationFailure is returned.
func (m *Machine) Start(ctx context.Context, s *session.Session, destinationID *string) error {
	if err := m.Discover(ctx, s, destinationID); err != nil {
		return err
	}
	if err := m.Validate(ctx, s); err != nil {
		if errors.Is(err, ErrValidationFailure) {
			if _, perr := m.PostCheck(ctx, s); perr != nil {
				return errors.Join(err, perr)
			}
		}
		return err
	}
	if s.Stage == session.StageSync {
		if err := m.Sync(ctx, s); err != nil {
			return err
		}
	}
	return m.Arm(ctx, s)
}

// Finish runs Deliver, Cooldown and PostCheck.
func (m *Machine) Finish(ctx context.Context, s *session.Session, inEnvelope bool) (postcheck.Report, error) {
	if err := m.Deliver(ctx, s, inEnvelope); err != nil {
		return postcheck.Report{}, err
	}
	if err := m.Cooldown(ctx, s); err != nil {
		return postcheck.Report{}, err
	}
	return m.PostCheck(ctx, s)
}

// Discover records the destination identifier, which may be nil.
func (m *Machine) Discover(ctx context.Context, s *session.Session, destinationID *string) (err error) {
	ctx, end := m.span(ctx, s, "Discover")
	defer func() { end(err) }()

	if err := expect(s, session.StageDiscover); err != nil {
		return err
	}
	s.DestinationID = destinationID
	if err := m.emit(ctx, s, EventDestinationSelected, map[string]any{"destination_id": destinationID}); err != nil {
		return err
	}
	return m.advance(ctx, s, session.StageValidate)
}

// Validate applies the Safe Envelope policy and its guards.
func (m *Machine) Validate(ctx context.Context, s *session.Session) (err error) {
	ctx, end := m.span(ctx, s, "Validate")
	defer func() {
		if errors.Is(err, ErrValidationFailure) {
			end(nil)
			return
		}
		end(err)
	}()

	if err := expect(s, session.StageValidate); err != nil {
		return err
	}
	c := m.contracts.Current()

	compatible := true
	reason := ReasonOK
	if c.SE.Policy.DenyByDefault && s.DestinationID == nil {
		compatible = false
		reason = ReasonMissingDestination
	}

	var guards []contracts.GuardResult
	if compatible {
		results, gerr := c.SE.EvaluateGuards(contracts.GuardInput{
			DestinationID:   s.Destination(),
			HasDestination:  s.DestinationID != nil,
			DestinationType: c.DP.DestinationType,
		})
		switch {
		case gerr != nil:
			m.logger.ErrorContext(ctx, "guard evaluation failed", "session_id", s.ID, "error", gerr)
			compatible = false
			reason = ReasonGuardEvaluationFail
		default:
			guards = results
			for _, g := range results {
				if !g.Passed {
					compatible = false
					reason = ReasonGuardFailed + ":" + g.Name
					break
				}
			}
		}
	}
	if guards == nil {
		guards = []contracts.GuardResult{}
	}

	data := map[string]any{
		"compatible": compatible,
		"reason":     reason,
		"guards":     guards,
	}
	for k, v := range c.Identifiers() {
		data[k] = v
	}
	if err := m.emit(ctx, s, EventValidationResult, data); err != nil {
		return err
	}

	if !compatible {
		s.Blocked = true
		s.Outcome = session.OutcomeBlocked
		if err := m.advance(ctx, s, session.StagePostCheckAudit); err != nil {
			return err
		}
		m.logger.InfoContext(ctx, "destination rejected", "session_id", s.ID, "reason", reason)
		return fmt.Errorf("%w: %s", ErrValidationFailure, reason)
	}

	next := session.StageArm
	if c.DP.SyncRequired {
		next = session.StageSync
	}
	return m.advance(ctx, s, next)
}

// Sync confirms synchronization.
func (m *Machine) Sync(ctx context.Context, s *session.Session) (err error) {
	ctx, end := m.span(ctx, s, "Sync")
	defer func() { end(err) }()

	if err := expect(s, session.StageSync); err != nil {
		return err
	}
	if err := m.emit(ctx, s, EventSyncStatus, map[string]any{"synced": true}); err != nil {
		return err
	}
	return m.advance(ctx, s, session.StageArm)
}

// Arm authorizes delivery under the current envelope limits.
func (m *Machine) Arm(ctx context.Context, s *session.Session) (err error) {
	ctx, end := m.span(ctx, s, "Arm")
	defer func() { end(err) }()

	if err := expect(s, session.StageArm); err != nil {
		return err
	}
	c := m.contracts.Current()
	if err := m.emit(ctx, s, EventArmAuthorization, map[string]any{
		"authorized": true,
		"limits":     c.SE.Limits,
	}); err != nil {
		return err
	}
	return m.advance(ctx, s, session.StageDeliver)
}

// Deliver records the delivery summary. Out-of-envelope delivery aborts
// safely but still proceeds to Cooldown.
func (m *Machine) Deliver(ctx context.Context, s *session.Session, inEnvelope bool) (err error) {
	ctx, end := m.span(ctx, s, "Deliver")
	defer func() { end(err) }()

	if err := expect(s, session.StageDeliver); err != nil {
		return err
	}
	data := map[string]any{"in_envelope": true, "adjustments": 0}
	if !inEnvelope {
		data = map[string]any{"in_envelope": false, "adjustments": 1, "anomaly": "out_of_envelope"}
	}
	if err := m.emit(ctx, s, EventDeliverSummary, data); err != nil {
		return err
	}
	if !inEnvelope {
		s.Outcome = session.OutcomeAbortedSafe
		m.logger.WarnContext(ctx, "delivery left the safe envelope", "session_id", s.ID)
	}
	return m.advance(ctx, s, session.StageCooldown)
}

// Cooldown confirms the cooldown period.
func (m *Machine) Cooldown(ctx context.Context, s *session.Session) (err error) {
	ctx, end := m.span(ctx, s, "Cooldown")
	defer func() { end(err) }()

	if err := expect(s, session.StageCooldown); err != nil {
		return err
	}
	if err := m.emit(ctx, s, EventCooldownConfirmed, map[string]any{"cooldown": true}); err != nil {
		return err
	}
	return m.advance(ctx, s, session.StagePostCheckAudit)
}

// PostCheck derives the final outcome from the ledger. It runs at most
// once per session.
func (m *Machine) PostCheck(ctx context.Context, s *session.Session) (r postcheck.Report, err error) {
	ctx, end := m.span(ctx, s, "PostCheckAudit")
	defer func() { end(err) }()

	if err := expect(s, session.StagePostCheckAudit); err != nil {
		return postcheck.Report{}, err
	}
	if s.Audited {
		return postcheck.Report{}, fmt.Errorf("%w: session %s already audited", ErrInvalidTransition, s.ID)
	}
	r, err = m.auditor.Finalize(ctx, s, m.contracts.Current().TAC)
	if err != nil {
		return postcheck.Report{}, err
	}
	if m.observer != nil {
		m.observer.ObserveOutcome(ctx, s.Outcome)
	}
	m.logger.InfoContext(ctx, "session finished", "session_id", s.ID, "outcome", s.Outcome, "ok", r.OK)
	return r, nil
}

func expect(s *session.Session, st session.Stage) error {
	if s.Stage != st {
		return fmt.Errorf("%w: session %s is at %s, not %s", ErrInvalidTransition, s.ID, s.Stage, st)
	}
	return nil
}

func (m *Machine) emit(ctx context.Context, s *session.Session, eventType string, data map[string]any) error {
	_, _, err := m.recorder.Emit(ctx, s, eventType, data)
	return err
}

func (m *Machine) advance(ctx context.Context, s *session.Session, to session.Stage) error {
	if !CanTransition(s.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Stage, to)
	}
	s.Visit(to)
	if m.observer != nil {
		m.observer.ObserveTransition(ctx, to)
	}
	return nil
}

func (m *Machine) span(ctx context.Context, s *session.Session, step string) (context.Context, func(error)) {
	ctx, span := m.tracer.Start(ctx, "statemachine."+step,
		trace.WithAttributes(
			attribute.String("slrpd.session_id", s.ID),
			attribute.String("slrpd.stage", s.Stage.String()),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
