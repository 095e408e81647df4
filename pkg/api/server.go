package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/slrpd/pkg/retrieval"
	"github.com/Mindburn-Labs/slrpd/pkg/service"
	"github.com/Mindburn-Labs/slrpd/pkg/session"
	"github.com/Mindburn-Labs/slrpd/pkg/statemachine"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to a service.Service.
type Server struct {
	svc     *service.Service
	auth    *ApproverAuth
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewServer builds a server. A nil auth accepts the approver named in the
// request body; a nil limiter disables rate limiting.
func NewServer(svc *service.Service, auth *ApproverAuth, limiter *RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, auth: auth, limiter: limiter, logger: logger.With("component", "api")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "method not supported for this route")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/session", func(sr chi.Router) {
		sr.Post("/", s.createDefault)
		sr.Post("/custom", s.createCustom)
		sr.Route("/{id}", func(ir chi.Router) {
			ir.Post("/faults", s.setFaults)
			ir.Post("/ask", s.ask)
			ir.Post("/propose_action", s.proposeAction)
			ir.Post("/finish", s.advance(true))
			ir.Post("/simulate_out_of_envelope", s.advance(false))
			ir.Get("/audit", s.audit)
		})
	})

	r.Route("/approval/{id}", func(ar chi.Router) {
		if s.auth != nil {
			ar.Use(s.auth.Middleware)
		}
		ar.Get("/", s.getApproval)
		ar.Post("/approve", s.approve)
		ar.Post("/reject", s.reject)
	})
	return r
}

type sessionSummary struct {
	SessionID     string          `json:"session_id"`
	State         session.Stage   `json:"state"`
	Outcome       session.Outcome `json:"outcome,omitempty"`
	DestinationID *string         `json:"destination_id"`
	Reason        string          `json:"reason,omitempty"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		SessionID:     sess.ID,
		State:         sess.Stage,
		Outcome:       sess.Outcome,
		DestinationID: sess.DestinationID,
	}
}

type createRequest struct {
	DestinationID *string `json:"destination_id"`
}

type faultsRequest struct {
	DropEventTypes []string `json:"drop_event_types"`
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	retrieval.Answer
	State session.Stage `json:"state"`
}

type proposeRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

type decisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (s *Server) createDefault(w http.ResponseWriter, r *http.Request) {
	dest := service.DefaultDestination
	s.create(w, r, &dest)
}

func (s *Server) createCustom(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	// The destination may also be passed as a query parameter.
	if req.DestinationID == nil && r.URL.Query().Has("destination_id") {
		dest := r.URL.Query().Get("destination_id")
		req.DestinationID = &dest
	}
	s.create(w, r, req.DestinationID)
}

// create reports a validation failure as a normal response: the session
// exists and already carries its blocked outcome.
func (s *Server) create(w http.ResponseWriter, r *http.Request, dest *string) {
	sess, err := s.svc.CreateSession(r.Context(), dest)
	if err != nil && !errors.Is(err, statemachine.ErrValidationFailure) {
		writeDomainError(w, r, s.logger, err)
		return
	}
	out := summarize(sess)
	if err != nil {
		out.Reason = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setFaults(w http.ResponseWriter, r *http.Request) {
	var req faultsRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	sess, err := s.svc.SetFaults(r.Context(), chi.URLParam(r, "id"), req.DropEventTypes)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       sess.ID,
		"drop_event_types": sess.SuppressedList(),
	})
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		WriteError(w, r, http.StatusBadRequest, "question is required")
		return
	}
	ans, err := s.svc.Ask(r.Context(), chi.URLParam(r, "id"), req.Question)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: ans, State: session.StageDeliver})
}

func (s *Server) proposeAction(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if req.Action == "" {
		WriteError(w, r, http.StatusBadRequest, "action is required")
		return
	}
	ar, err := s.svc.ProposeAction(r.Context(), chi.URLParam(r, "id"), req.Action, req.Payload)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_id": ar.ID, "status": ar.Status})
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	ar, err := s.svc.Approval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req, s.auth != nil) {
		return
	}
	approver, ok := s.approver(w, r, req)
	if !ok {
		return
	}
	res, err := s.svc.ApproveAction(r.Context(), chi.URLParam(r, "id"), approver)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req, s.auth != nil) {
		return
	}
	approver, ok := s.approver(w, r, req)
	if !ok {
		return
	}
	ar, err := s.svc.RejectAction(r.Context(), chi.URLParam(r, "id"), approver, req.Reason)
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_id": ar.ID, "status": ar.Status})
}

func (s *Server) advance(inEnvelope bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, _, err := s.svc.AdvanceDelivery(r.Context(), chi.URLParam(r, "id"), inEnvelope)
		if err != nil {
			writeDomainError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, summarize(sess))
	}
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.svc.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

// approver resolves the deciding identity: the token subject when auth is
// enabled, otherwise the body field.
func (s *Server) approver(w http.ResponseWriter, r *http.Request, req decisionRequest) (string, bool) {
	if s.auth != nil {
		a, ok := ApproverFrom(r.Context())
		if !ok {
			WriteError(w, r, http.StatusUnauthorized, ErrUnauthorizedApprover.Error())
		}
		return a, ok
	}
	if strings.TrimSpace(req.Approver) == "" {
		WriteError(w, r, http.StatusBadRequest, "approver is required")
		return "", false
	}
	return req.Approver, true
}

// decode reads a JSON body into v. With optional set an empty body is
// accepted.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	WriteError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	return false
}
