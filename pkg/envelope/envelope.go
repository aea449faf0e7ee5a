// Package envelope defines the Envelope — the in-flight unit of work that
// traverses the guardrail pipeline, the deliberation router, and the HITL
// approval chain. Every envelope carries the constitutional anchor and is
// rejected on ingest if the anchor does not match the process-wide value.
package envelope

import (
	"fmt"
	"time"
)

// MessageType enumerates the kinds of requests an envelope can carry.
type MessageType string

const (
	MessageCommand           MessageType = "command"
	MessageQuery             MessageType = "query"
	MessageGovernanceRequest MessageType = "governance_request"
)

// Priority drives both guardrail escalation and HITL SLA timeout selection.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityStandard Priority = "standard"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Status tracks the envelope's position in its lifecycle. Transitions are
// monotonic: once delivered, approved, rejected, expired or cancelled, an
// envelope never moves again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusDelivered Status = "delivered"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusApproved:  true,
	StatusRejected:  true,
	StatusExpired:   true,
	StatusCancelled: true,
}

// allowedTransitions enumerates the legal Status graph: status transitions
// are monotonic within
// {pending -> delivered|queued -> approved|rejected|expired|cancelled}.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusDelivered: true,
		StatusQueued:    true,
	},
	StatusQueued: {
		StatusApproved:  true,
		StatusRejected:  true,
		StatusExpired:   true,
		StatusCancelled: true,
	},
}

// Envelope is the unit of work flowing through the router, guardrail
// pipeline and (for high-impact traffic) the HITL approval chain.
type Envelope struct {
	ID                 string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	ActorID             string         `json:"actor_id"`
	To                  string         `json:"to,omitempty"`
	MessageType         MessageType    `json:"message_type"`
	Priority            Priority       `json:"priority"`
	Payload             map[string]any `json:"payload"`
	ImpactScore         *float64       `json:"impact_score,omitempty"`
	Status              Status         `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	ConstitutionalHash  string         `json:"constitutional_hash"`
}

// New constructs a pending envelope with an immutable id.
func New(id, tenantID, actorID string, msgType MessageType, priority Priority, payload map[string]any, anchor string) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		ID:                 id,
		TenantID:           tenantID,
		ActorID:            actorID,
		MessageType:        msgType,
		Priority:           priority,
		Payload:            payload,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		ConstitutionalHash: anchor,
	}
}

// Transition moves the envelope to a new status, enforcing monotonicity.
// Terminal statuses never transition further.
func (e *Envelope) Transition(to Status) error {
	if terminalStatuses[e.Status] {
		return fmt.Errorf("envelope %s: cannot transition from terminal status %q", e.ID, e.Status)
	}
	if e.Status == to {
		return nil
	}
	next, ok := allowedTransitions[e.Status]
	if !ok || !next[to] {
		return fmt.Errorf("envelope %s: illegal transition %q -> %q", e.ID, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// SetImpactScore records the router's impact score, replacing any earlier one.
func (e *Envelope) SetImpactScore(score float64) {
	e.ImpactScore = &score
	e.UpdatedAt = time.Now().UTC()
}

// IsTerminal reports whether no further transitions are legal.
func (e *Envelope) IsTerminal() bool {
	return terminalStatuses[e.Status]
}
