package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/executor"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
	"github.com/Mindburn-Labs/slrpd/pkg/store"
)

// Event types recorded by the gate.
const (
	EventActionBlocked     = "action_blocked"
	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventApprovalRejected  = "approval_rejected"
	EventApprovalRefused   = "approval_refused"
	EventActionExecuted    = "action_executed"
)

// Refusal reasons carried by action_blocked and approval_refused.
const (
	ReasonNotInAllowlist      = "not_in_allowlist"
	ReasonRateLimitExceeded   = "rate_limit_exceeded"
	ReasonSessionNotInDeliver = "session_not_in_deliver"
	ReasonNotPending          = "not_pending"
)

// DefaultExecutorTimeout bounds a single executor call.
const DefaultExecutorTimeout = 10 * time.Second

// resultRecordTimeout bounds recording an executor result once the caller's
// context is no longer usable.
const resultRecordTimeout = 5 * time.Second

// Observer is notified of every approval decision.
type Observer interface {
	ObserveApproval(ctx context.Context, status Status)
}

// Gate is the approval gate. All decisions for one session are serialized
// by that session's lock in the session store.
type Gate struct {
	sessions  store.Store[*session.Session]
	requests  store.Store[*Request]
	contracts *contracts.Store
	recorder  *ledger.Recorder
	executor  executor.Executor
	timeout   time.Duration
	clock     func() time.Time
	observer  Observer
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewGate(
	sessions store.Store[*session.Session],
	requests store.Store[*Request],
	cs *contracts.Store,
	rec *ledger.Recorder,
	exec executor.Executor,
	logger *slog.Logger,
) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		sessions:  sessions,
		requests:  requests,
		contracts: cs,
		recorder:  rec,
		executor:  exec,
		timeout:   DefaultExecutorTimeout,
		clock:     time.Now,
		tracer:    otel.Tracer("github.com/Mindburn-Labs/slrpd/pkg/approval"),
		logger:    logger.With("component", "approval"),
	}
}

// WithTimeout overrides the executor timeout.
func (g *Gate) WithTimeout(d time.Duration) *Gate {
	if d > 0 {
		g.timeout = d
	}
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithObserver registers a decision observer.
func (g *Gate) WithObserver(o Observer) *Gate {
	g.observer = o
	return g
}

// Propose creates a pending request for action. Every refusal is recorded
// in the session's ledger before it is returned.
func (g *Gate) Propose(ctx context.Context, sessionID, action string, payload map[string]any) (req *Request, err error) {
	ctx, span := g.tracer.Start(ctx, "approval.Propose", trace.WithAttributes(
		attribute.String("slrpd.session_id", sessionID),
		attribute.String("slrpd.action", action),
	))
	defer func() { endSpan(span, err) }()

	action = normalize(action)
	if payload == nil {
		payload = map[string]any{}
	}

	unlock, err := g.sessions.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	if s.Stage != session.StageDeliver {
		if err := g.emit(ctx, s, EventActionBlocked, map[string]any{
			"action": action,
			"reason": ReasonSessionNotInDeliver,
			"state":  s.Stage.String(),
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotInDeliver, s.Stage)
	}

	se := g.contracts.Current().SE
	if !se.Allows(action) {
		if err := g.emit(ctx, s, EventActionBlocked, map[string]any{
			"action": action,
			"reason": ReasonNotInAllowlist,
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrActionNotAllowed, action)
	}

	limit := se.Limits.MaxActionsPerSession
	if s.ActionsCount >= limit {
		if err := g.emit(ctx, s, EventActionBlocked, map[string]any{
			"action":        action,
			"reason":        ReasonRateLimitExceeded,
			"actions_count": s.ActionsCount,
			"max":           limit,
		}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d of %d", ErrRateLimitExceeded, s.ActionsCount, limit)
	}

	req = &Request{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		Action:    action,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: g.clock().UTC(),
	}
	if err := g.emit(ctx, s, EventApprovalRequested, map[string]any{
		"approval_id": req.ID,
		"action":      req.Action,
		"payload":     req.Payload,
	}); err != nil {
		return nil, err
	}
	if err := g.requests.Put(ctx, req.ID, req); err != nil {
		return nil, fmt.Errorf("store approval: %w", err)
	}

	g.observe(ctx, StatusPending)
	g.logger.InfoContext(ctx, "approval requested", "session_id", s.ID, "approval_id", req.ID, "action", action)
	return req, nil
}

// Approve marks the request approved, counts the action against the
// session, runs the executor once and records its result. An executor
// failure, timeout or cancellation is recorded and returned as
// ErrExecutorFailure; the request stays approved.
func (g *Gate) Approve(ctx context.Context, approvalID, approver string) (res Result, err error) {
	ctx, span := g.tracer.Start(ctx, "approval.Approve", trace.WithAttributes(
		attribute.String("slrpd.approval_id", approvalID),
	))
	defer func() { endSpan(span, err) }()

	req, s, unlock, err := g.lockPending(ctx, approvalID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	// Pending requests are not counted at propose time, so the limit is
	// enforced again here under the session lock.
	limit := g.contracts.Current().SE.Limits.MaxActionsPerSession
	if s.ActionsCount >= limit {
		if err := g.emit(ctx, s, EventApprovalRefused, map[string]any{
			"approval_id":   req.ID,
			"reason":        ReasonRateLimitExceeded,
			"actions_count": s.ActionsCount,
			"max":           limit,
		}); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %d of %d", ErrRateLimitExceeded, s.ActionsCount, limit)
	}

	now := g.clock().UTC()
	req.Status = StatusApproved
	req.Approver = normalize(approver)
	req.DecidedAt = &now
	s.ActionsCount++

	if err := g.emit(ctx, s, EventApprovalGranted, map[string]any{
		"approval_id": req.ID,
		"approver":    req.Approver,
	}); err != nil {
		return Result{}, err
	}
	if err := g.requests.Put(ctx, req.ID, req); err != nil {
		return Result{}, fmt.Errorf("store approval: %w", err)
	}
	if err := g.sessions.Put(ctx, s.ID, s); err != nil {
		return Result{}, fmt.Errorf("store session: %w", err)
	}
	g.observe(ctx, StatusApproved)

	out, execErr := g.execute(ctx, req)
	data := map[string]any{
		"approval_id": req.ID,
		"action":      req.Action,
		"ok":          execErr == nil,
	}
	if execErr != nil {
		data["error"] = execErr.Error()
	} else {
		data["tool_result"] = out
	}
	// The action already ran; its result is recorded even if the caller
	// has gone away.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultRecordTimeout)
	defer cancel()
	if err := g.emit(rctx, s, EventActionExecuted, data); err != nil {
		return Result{}, err
	}

	if execErr != nil {
		g.logger.ErrorContext(ctx, "executor failed", "session_id", s.ID, "approval_id", req.ID, "action", req.Action, "error", execErr)
		return Result{}, fmt.Errorf("%w: %v", ErrExecutorFailure, execErr)
	}
	g.logger.InfoContext(ctx, "action executed", "session_id", s.ID, "approval_id", req.ID, "action", req.Action, "approver", req.Approver)
	return Result{ApprovalID: req.ID, Status: req.Status, Result: out}, nil
}

// Reject marks the request rejected. Nothing is executed.
func (g *Gate) Reject(ctx context.Context, approvalID, approver, reason string) (req *Request, err error) {
	ctx, span := g.tracer.Start(ctx, "approval.Reject", trace.WithAttributes(
		attribute.String("slrpd.approval_id", approvalID),
	))
	defer func() { endSpan(span, err) }()

	req, s, unlock, err := g.lockPending(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := g.clock().UTC()
	req.Status = StatusRejected
	req.Approver = normalize(approver)
	req.Reason = reason
	req.DecidedAt = &now

	if err := g.emit(ctx, s, EventApprovalRejected, map[string]any{
		"approval_id": req.ID,
		"approver":    req.Approver,
		"reason":      reason,
	}); err != nil {
		return nil, err
	}
	if err := g.requests.Put(ctx, req.ID, req); err != nil {
		return nil, fmt.Errorf("store approval: %w", err)
	}

	g.observe(ctx, StatusRejected)
	g.logger.InfoContext(ctx, "approval rejected", "session_id", s.ID, "approval_id", req.ID, "approver", req.Approver)
	return req, nil
}

// Request returns the stored request.
func (g *Gate) Request(ctx context.Context, approvalID string) (*Request, error) {
	req, err := g.requests.Get(ctx, approvalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}
	return req, err
}

// lockPending loads the request, takes its session's lock and re-reads both
// under the lock. A decided request, or one whose session has left Deliver,
// is refused and recorded.
func (g *Gate) lockPending(ctx context.Context, approvalID string) (*Request, *session.Session, func(), error) {
	req, err := g.Request(ctx, approvalID)
	if err != nil {
		if errors.Is(err, ErrApprovalNotFound) {
			g.logger.WarnContext(ctx, "decision on unknown approval", "approval_id", approvalID)
		}
		return nil, nil, nil, err
	}

	unlock, err := g.sessions.Lock(ctx, req.SessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	req, err = g.Request(ctx, approvalID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	s, err := g.sessions.Get(ctx, req.SessionID)
	if err != nil {
		unlock()
		return nil, nil, nil, fmt.Errorf("session %s: %w", req.SessionID, err)
	}

	if req.Status != StatusPending {
		if err := g.emit(ctx, s, EventApprovalRefused, map[string]any{
			"approval_id": req.ID,
			"reason":      ReasonNotPending,
			"status":      string(req.Status),
		}); err != nil {
			unlock()
			return nil, nil, nil, err
		}
		unlock()
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrApprovalNotPending, req.Status)
	}
	if s.Stage != session.StageDeliver {
		if err := g.emit(ctx, s, EventApprovalRefused, map[string]any{
			"approval_id": req.ID,
			"reason":      ReasonSessionNotInDeliver,
			"state":       s.Stage.String(),
		}); err != nil {
			unlock()
			return nil, nil, nil, err
		}
		unlock()
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrSessionNotInDeliver, s.Stage)
	}
	return req, s, unlock, nil
}

// execute runs the executor under the gate timeout. A hung executor is
// abandoned once the deadline passes.
func (g *Gate) execute(ctx context.Context, req *Request) (map[string]any, error) {
	if g.executor == nil {
		return nil, fmt.Errorf("no executor configured for %s", req.Action)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := g.executor.Execute(ctx, req.Action, req.Payload)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.out == nil {
			o.out = map[string]any{}
		}
		return o.out, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("executor timed out after %s: %w", g.timeout, ctx.Err())
		}
		return nil, fmt.Errorf("executor cancelled: %w", ctx.Err())
	}
}

func (g *Gate) emit(ctx context.Context, s *session.Session, eventType string, data map[string]any) error {
	_, _, err := g.recorder.Emit(ctx, s, eventType, data)
	return err
}

func (g *Gate) observe(ctx context.Context, st Status) {
	if g.observer != nil {
		g.observer.ObserveApproval(ctx, st)
	}
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
