// Package approval mediates side-effecting actions: an action must be on
// the Safe Envelope allowlist, stay under the per-session limit, and be
// approved by a human before the executor runs it exactly once.
package approval

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	ErrActionNotAllowed    = errors.New("action not allowed by policy")
	ErrRateLimitExceeded   = errors.New("max actions per session exceeded")
	ErrApprovalNotFound    = errors.New("approval not found")
	ErrApprovalNotPending  = errors.New("approval not pending")
	ErrExecutorFailure     = errors.New("executor failure")
	ErrSessionNotInDeliver = errors.New("session not in deliver")
)

// Request is one proposed action awaiting a decision.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload"`
	Status    Status         `json:"status"`
	Approver  string         `json:"approver,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// Clone returns a copy safe to mutate. The payload map is copied shallowly.
func (r *Request) Clone() *Request {
	c := *r
	if r.Payload != nil {
		c.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// Result is returned from a successful approval.
type Result struct {
	ApprovalID string         `json:"approval_id"`
	Status     Status         `json:"status"`
	Result     map[string]any `json:"result"`
}
