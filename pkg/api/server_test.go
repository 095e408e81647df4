package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/slrpd/pkg/approval"
	"github.com/Mindburn-Labs/slrpd/pkg/contracts"
	"github.com/Mindburn-Labs/slrpd/pkg/executor"
	"github.com/Mindburn-Labs/slrpd/pkg/ledger"
	"github.com/Mindburn-Labs/slrpd/pkg/retrieval"
	"github.com/Mindburn-Labs/slrpd/pkg/service"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
	"github.com/Mindburn-Labs/slrpd/pkg/statemachine"
	"github.com/Mindburn-Labs/slrpd/pkg/store"
)

func newService(t *testing.T, opts service.Options) *service.Service {
	t.Helper()
	c, err := contracts.Load(filepath.Join("..", "contracts", "testdata", "valid"))
	require.NoError(t, err)
	cs := contracts.NewStaticStore(c)

	rec := ledger.NewRecorder(ledger.NewMemoryLedger(), nil)
	sessions := store.NewMemoryStore((*session.Session).Clone)

	mux := executor.NewMux()
	mux.Handle(executor.ActionCreateReport, executor.NewReportExecutor(t.TempDir()))
	mux.Handle("notify_operator", executor.Func(func(context.Context, string, map[string]any) (map[string]any, error) {
		return map[string]any{"tool": "notify_operator", "notified": true}, nil
	}))

	ix := retrieval.NewCorpusIndex()
	ix.Build([]retrieval.Document{
		{ID: "doc-001", Title: "Cooldown procedure", Text: "After delivery the link enters cooldown and thermal margins are confirmed."},
	})

	return service.New(service.Deps{
		Sessions:  sessions,
		Contracts: cs,
		Machine:   statemachine.New(cs, rec, nil),
		Gate:      approval.NewGate(sessions, store.NewMemoryStore((*approval.Request).Clone), cs, rec, mux, nil),
		Recorder:  rec,
		Retriever: ix,
	}, opts, nil)
}

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func (c client) do(method, path string, body any, header http.Header) (*http.Response, map[string]any) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func newClient(t *testing.T, s *Server) client {
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return client{t: t, srv: srv}
}

func TestServer_DeliveryFlow(t *testing.T) {
	c := newClient(t, NewServer(newService(t, service.Options{}), nil, nil, nil))

	resp, body := c.do(http.MethodPost, "/session", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Deliver", body["state"])
	assert.Equal(t, service.DefaultDestination, body["destination_id"])
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	id := body["session_id"].(string)

	resp, body = c.do(http.MethodPost, "/session/"+id+"/ask", map[string]any{"question": "what happens during cooldown?"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "Deliver", body["state"])

	resp, body = c.do(http.MethodPost, "/session/"+id+"/propose_action", map[string]any{"action": "notify_operator"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	approvalID := body["approval_id"].(string)

	resp, body = c.do(http.MethodPost, "/approval/"+approvalID+"/approve", map[string]any{"approver": "op-1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", body["status"])

	resp, _ = c.do(http.MethodPost, "/approval/"+approvalID+"/approve", map[string]any{"approver": "op-1"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = c.do(http.MethodPost, "/session/"+id+"/finish", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PostCheckAudit", body["state"])
	assert.Equal(t, "success", body["outcome"])

	resp, body = c.do(http.MethodGet, "/session/"+id+"/audit", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 11)
	assert.Empty(t, body["integrity_violations"])

	resp, _ = c.do(http.MethodPost, "/session/"+id+"/finish", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_CustomSessionWithoutDestinationIsBlocked(t *testing.T) {
	c := newClient(t, NewServer(newService(t, service.Options{}), nil, nil, nil))

	resp, body := c.do(http.MethodPost, "/session/custom", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "blocked", body["outcome"])
	assert.Nil(t, body["destination_id"])
	assert.Contains(t, body["reason"], statemachine.ReasonMissingDestination)

	resp, body = c.do(http.MethodPost, "/session/custom", map[string]any{"destination_id": "DC-7"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Deliver", body["state"])
	assert.Equal(t, "DC-7", body["destination_id"])
}

func TestServer_ErrorMapping(t *testing.T) {
	c := newClient(t, NewServer(newService(t, service.Options{}), nil, nil, nil))

	_, body := c.do(http.MethodPost, "/session", nil, nil)
	id := body["session_id"].(string)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown session", http.MethodGet, "/session/nope/audit", nil, http.StatusNotFound},
		{"unknown approval", http.MethodPost, "/approval/nope/approve", map[string]any{"approver": "op"}, http.StatusNotFound},
		{"action not allowed", http.MethodPost, "/session/" + id + "/propose_action", map[string]any{"action": "delete_everything"}, http.StatusForbidden},
		{"faults disabled", http.MethodPost, "/session/" + id + "/faults", map[string]any{"drop_event_types": []string{"cooldown_confirmed"}}, http.StatusForbidden},
		{"missing approver", http.MethodPost, "/approval/nope/approve", map[string]any{}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/session/" + id + "/ask", map[string]any{"q": "x"}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/nowhere", nil, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/session/" + id + "/finish", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := c.do(tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			assert.Equal(t, float64(tt.status), body["status"])
		})
	}
}

func TestServer_RateLimitOnProposals(t *testing.T) {
	c := newClient(t, NewServer(newService(t, service.Options{}), nil, nil, nil))

	_, body := c.do(http.MethodPost, "/session", nil, nil)
	id := body["session_id"].(string)

	for i := 0; i < 2; i++ {
		_, body = c.do(http.MethodPost, "/session/"+id+"/propose_action", map[string]any{"action": "notify_operator"}, nil)
		resp, _ := c.do(http.MethodPost, "/approval/"+body["approval_id"].(string)+"/approve", map[string]any{"approver": "op"}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := c.do(http.MethodPost, "/session/"+id+"/propose_action", map[string]any{"action": "notify_operator"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_OutOfEnvelopeAndFaults(t *testing.T) {
	c := newClient(t, NewServer(newService(t, service.Options{AllowFaultInjection: true}), nil, nil, nil))

	_, body := c.do(http.MethodPost, "/session", nil, nil)
	id := body["session_id"].(string)
	resp, body := c.do(http.MethodPost, "/session/"+id+"/simulate_out_of_envelope", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "aborted-safe", body["outcome"])

	_, body = c.do(http.MethodPost, "/session", nil, nil)
	id = body["session_id"].(string)
	resp, body = c.do(http.MethodPost, "/session/"+id+"/faults", map[string]any{"drop_event_types": []string{"deliver_summary"}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"deliver_summary"}, body["drop_event_types"])

	_, body = c.do(http.MethodPost, "/session/"+id+"/finish", nil, nil)
	assert.Equal(t, "blocked", body["outcome"])
}

func TestServer_ApproverTokenRequired(t *testing.T) {
	auth, err := NewApproverAuth("s3cret", "slrpd", time.Hour)
	require.NoError(t, err)
	c := newClient(t, NewServer(newService(t, service.Options{}), auth, nil, nil))

	_, body := c.do(http.MethodPost, "/session", nil, nil)
	id := body["session_id"].(string)
	_, body = c.do(http.MethodPost, "/session/"+id+"/propose_action", map[string]any{"action": "notify_operator"}, nil)
	approvalID := body["approval_id"].(string)

	resp, _ := c.do(http.MethodPost, "/approval/"+approvalID+"/approve", map[string]any{"approver": "mallory"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Mint("alice")
	require.NoError(t, err)
	hdr := http.Header{"Authorization": {"Bearer " + token}}

	resp, _ = c.do(http.MethodPost, "/approval/"+approvalID+"/approve", nil, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/approval/"+approvalID, nil, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["approver"])
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1000"))
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.limiter("10.0.0.1")

	now = now.Add(visitorTTL + sweepInterval + time.Second)
	rl.limiter("10.0.0.2")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "10.0.0.1")
	assert.Contains(t, rl.visitors, "10.0.0.2")
}
