package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/executor"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
	"github.com/Mindburn-Labs/slrpd/pkg/store"
)

type gateFixture struct {
	gate     *Gate
	sessions *store.MemoryStore[*session.Session]
	rec      *ledger.Recorder
	calls    atomic.Int32
}

func newGateFixture(t *testing.T, exec executor.Executor) *gateFixture {
	t.Helper()
	return newGateFixtureOn(t, ledger.NewMemoryLedger(), exec)
}

func newGateFixtureOn(t *testing.T, l ledger.Ledger, exec executor.Executor) *gateFixture {
	t.Helper()
	c, err := contracts.Load(filepath.Join("..", "contracts", "testdata", "valid"))
	require.NoError(t, err)

	f := &gateFixture{
		sessions: store.NewMemoryStore((*session.Session).Clone),
		rec:      ledger.NewRecorder(l, nil),
	}
	if exec == nil {
		exec = executor.Func(func(_ context.Context, action string, payload map[string]any) (map[string]any, error) {
			f.calls.Add(1)
			return map[string]any{"tool": action, "title": payload["title"]}, nil
		})
	}
	f.gate = NewGate(f.sessions, store.NewMemoryStore((*Request).Clone), contracts.NewStaticStore(c), f.rec, exec, nil)
	return f
}

func (f *gateFixture) newSession(t *testing.T, stage session.Stage, actions int) *session.Session {
	t.Helper()
	s := session.New(time.Now())
	s.Visit(stage)
	s.ActionsCount = actions
	require.NoError(t, f.sessions.Put(context.Background(), s.ID, s))
	return s
}

func (f *gateFixture) lastEvent(t *testing.T, sessionID string) ledger.Event {
	t.Helper()
	events, err := f.rec.ReadAll(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func (f *gateFixture) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	events, err := f.rec.ReadAll(context.Background(), sessionID)
	require.NoError(t, err)
	var out []string
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func TestPropose_NotInAllowlistIsRecorded(t *testing.T) {
	f := newGateFixture(t, nil)
	s := f.newSession(t, session.StageDeliver, 0)

	_, err := f.gate.Propose(context.Background(), s.ID, "open_breaker", nil)
	require.ErrorIs(t, err, ErrActionNotAllowed)

	e := f.lastEvent(t, s.ID)
	assert.Equal(t, EventActionBlocked, e.EventType)
	assert.Equal(t, ReasonNotInAllowlist, e.Data["reason"])
	assert.Equal(t, "open_breaker", e.Data["action"])
}

func TestPropose_RequiresDeliver(t *testing.T) {
	f := newGateFixture(t, nil)
	s := f.newSession(t, session.StageArm, 0)

	_, err := f.gate.Propose(context.Background(), s.ID, "create_report", nil)
	require.ErrorIs(t, err, ErrSessionNotInDeliver)
	assert.Equal(t, ReasonSessionNotInDeliver, f.lastEvent(t, s.ID).Data["reason"])
}

func TestPropose_RateLimitBoundary(t *testing.T) {
	f := newGateFixture(t, nil)

	below := f.newSession(t, session.StageDeliver, 1)
	req, err := f.gate.Propose(context.Background(), below.ID, "create_report", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, EventApprovalRequested, f.lastEvent(t, below.ID).EventType)

	at := f.newSession(t, session.StageDeliver, 2)
	_, err = f.gate.Propose(context.Background(), at.ID, "create_report", nil)
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	e := f.lastEvent(t, at.ID)
	assert.Equal(t, EventActionBlocked, e.EventType)
	assert.Equal(t, ReasonRateLimitExceeded, e.Data["reason"])
}

func TestPropose_UnknownSession(t *testing.T) {
	f := newGateFixture(t, nil)
	_, err := f.gate.Propose(context.Background(), "nope", "create_report", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApprove_ExecutesOnce(t *testing.T) {
	f := newGateFixture(t, nil)
	s := f.newSession(t, session.StageDeliver, 0)
	ctx := context.Background()

	req, err := f.gate.Propose(ctx, s.ID, "create_report", map[string]any{"title": "Shift"})
	require.NoError(t, err)

	res, err := f.gate.Approve(ctx, req.ID, "José")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, "Shift", res.Result["title"])
	assert.Equal(t, int32(1), f.calls.Load())

	stored, err := f.gate.Request(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Equal(t, "José", stored.Approver)
	require.NotNil(t, stored.DecidedAt)

	sess, err := f.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ActionsCount)

	assert.Equal(t, []string{EventApprovalRequested, EventApprovalGranted, EventActionExecuted}, f.eventTypes(t, s.ID))
	executed := f.lastEvent(t, s.ID)
	assert.Equal(t, true, executed.Data["ok"])
	assert.Equal(t, "Shift", executed.Data["tool_result"].(map[string]any)["title"])

	_, err = f.gate.Approve(ctx, req.ID, "someone")
	require.ErrorIs(t, err, ErrApprovalNotPending)
	refused := f.lastEvent(t, s.ID)
	assert.Equal(t, EventApprovalRefused, refused.EventType)
	assert.Equal(t, ReasonNotPending, refused.Data["reason"])
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestApprove_ConcurrentDecisionsExecuteOnce(t *testing.T) {
	f := newGateFixture(t, nil)
	s := f.newSession(t, session.StageDeliver, 0)
	ctx := context.Background()

	req, err := f.gate.Propose(ctx, s.ID, "create_report", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, notPending atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gate.Approve(ctx, req.ID, "op")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrApprovalNotPending):
				notPending.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), notPending.Load())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestReject_ThenApproveFails(t *testing.T) {
	f := newGateFixture(t, nil)
	s := f.newSession(t, session.StageDeliver, 0)
	ctx := context.Background()

	req, err := f.gate.Propose(ctx, s.ID, "notify_operator", nil)
	require.NoError(t, err)

	rejected, err := f.gate.Reject(ctx, req.ID, "op", "not today")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, EventApprovalRejected, f.lastEvent(t, s.ID).EventType)

	_, err = f.gate.Approve(ctx, req.ID, "op")
	require.ErrorIs(t, err, ErrApprovalNotPending)
	_, err = f.gate.Reject(ctx, req.ID, "op", "again")
	require.ErrorIs(t, err, ErrApprovalNotPending)
	assert.Equal(t, int32(0), f.calls.Load())

	sess, err := f.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.ActionsCount)
}

func TestApprove_UnknownApproval(t *testing.T) {
	f := newGateFixture(t, nil)
	_, err := f.gate.Approve(context.Background(), "missing", "op")
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	_, err = f.gate.Reject(context.Background(), "missing", "op", "")
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestApprove_ExecutorFailureIsRecorded(t *testing.T) {
	f := newGateFixture(t, executor.Func(func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, errors.New("disk full")
	}))
	s := f.newSession(t, session.StageDeliver, 0)
	ctx := context.Background()

	req, err := f.gate.Propose(ctx, s.ID, "create_report", nil)
	require.NoError(t, err)

	_, err = f.gate.Approve(ctx, req.ID, "op")
	require.ErrorIs(t, err, ErrExecutorFailure)
	assert.Contains(t, err.Error(), "disk full")

	e := f.lastEvent(t, s.ID)
	assert.Equal(t, EventActionExecuted, e.EventType)
	assert.Equal(t, false, e.Data["ok"])
	assert.Contains(t, e.Data["error"], "disk full")

	stored, err := f.gate.Request(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
}

func TestApprove_ExecutorTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newGateFixture(t, executor.Func(func(context.Context, string, map[string]any) (map[string]any, error) {
		<-release
		return map[string]any{}, nil
	}))
	f.gate.WithTimeout(20 * time.Millisecond)
	s := f.newSession(t, session.StageDeliver, 0)
	ctx := context.Background()

	req, err := f.gate.Propose(ctx, s.ID, "create_report", nil)
	require.NoError(t, err)

	_, err = f.gate.Approve(ctx, req.ID, "op")
	require.ErrorIs(t, err, ErrExecutorFailure)
	assert.Contains(t, err.Error(), "timed out")

	e := f.lastEvent(t, s.ID)
	assert.Equal(t, EventActionExecuted, e.EventType)
	assert.Equal(t, false, e.Data["ok"])
}

func TestApprove_ExecutorCancelledByCaller(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	f := newGateFixture(t, executor.Func(func(context.Context, string, map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{}, nil
	}))
	f.gate.WithTimeout(time.Minute)
	s := f.newSession(t, session.StageDeliver, 0)

	req, err := f.gate.Propose(ctx, s.ID, "create_report", nil)
	require.NoError(t, err)

	go func() {
		<-started
		cancel()
	}()
	_, err = f.gate.Approve(ctx, req.ID, "op")
	require.ErrorIs(t, err, ErrExecutorFailure)
	assert.Contains(t, err.Error(), "cancelled")
	assert.NotContains(t, err.Error(), "timed out")

	e := f.lastEvent(t, s.ID)
	assert.Equal(t, EventActionExecuted, e.EventType)
	assert.Equal(t, false, e.Data["ok"])
}

func TestApprove_ResultRecordedAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := ledger.OpenSQLLedger(context.Background(), "sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	var f *gateFixture
	f = newGateFixtureOn(t, l, executor.Func(func(_ context.Context, action string, _ map[string]any) (map[string]any, error) {
		f.calls.Add(1)
		cancel()
		return map[string]any{"tool": action}, nil
	}))
	s := f.newSession(t, session.StageDeliver, 0)

	req, err := f.gate.Propose(ctx, s.ID, "create_report", nil)
	require.NoError(t, err)

	// The executor's result and the cancellation race; either way the
	// action ran and must be on the ledger.
	_, err = f.gate.Approve(ctx, req.ID, "op")
	if err != nil {
		require.ErrorIs(t, err, ErrExecutorFailure)
	}
	assert.Equal(t, int32(1), f.calls.Load())

	assert.Equal(t, []string{EventApprovalRequested, EventApprovalGranted, EventActionExecuted}, f.eventTypes(t, s.ID))
	events, err := f.rec.ReadAll(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger.VerifyAll(events))

	stored, err := f.gate.Request(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
}

func TestApprove_EnforcesActionLimitAcrossPending(t *testing.T) {
	f := newGateFixture(t, nil)
	s := f.newSession(t, session.StageDeliver, 0)
	ctx := context.Background()

	var reqs []*Request
	for i := 0; i < 3; i++ {
		req, err := f.gate.Propose(ctx, s.ID, "create_report", nil)
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	for _, req := range reqs[:2] {
		_, err := f.gate.Approve(ctx, req.ID, "op")
		require.NoError(t, err)
	}
	_, err := f.gate.Approve(ctx, reqs[2].ID, "op")
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, int32(2), f.calls.Load())

	e := f.lastEvent(t, s.ID)
	assert.Equal(t, EventApprovalRefused, e.EventType)
	assert.Equal(t, ReasonRateLimitExceeded, e.Data["reason"])
	assert.Equal(t, reqs[2].ID, e.Data["approval_id"])

	sess, err := f.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.ActionsCount)

	stored, err := f.gate.Request(ctx, reqs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestApprove_RequiresDeliver(t *testing.T) {
	f := newGateFixture(t, nil)
	s := f.newSession(t, session.StageDeliver, 0)
	ctx := context.Background()

	req, err := f.gate.Propose(ctx, s.ID, "create_report", nil)
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	sess.Visit(session.StagePostCheckAudit)
	require.NoError(t, f.sessions.Put(ctx, sess.ID, sess))

	_, err = f.gate.Approve(ctx, req.ID, "op")
	require.ErrorIs(t, err, ErrSessionNotInDeliver)
	_, err = f.gate.Reject(ctx, req.ID, "op", "late")
	require.ErrorIs(t, err, ErrSessionNotInDeliver)
	assert.Equal(t, int32(0), f.calls.Load())

	types := f.eventTypes(t, s.ID)
	assert.NotContains(t, types, EventApprovalGranted)
	e := f.lastEvent(t, s.ID)
	assert.Equal(t, EventApprovalRefused, e.EventType)
	assert.Equal(t, ReasonSessionNotInDeliver, e.Data["reason"])
	assert.Equal(t, session.StagePostCheckAudit.String(), e.Data["state"])
}
