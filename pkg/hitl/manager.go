package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRequestNotFound is returned when an operation names an unknown
	// approval request id.
	ErrRequestNotFound = errors.New("hitl: approval request not found")
	// ErrAlreadyTerminal is returned when an operation attempts to act on
	// a request that has already reached a terminal status.
	ErrAlreadyTerminal = errors.New("hitl: approval request already in a terminal state")
	// ErrQuorumNotMet names the state of a step whose quorum is not yet
	// satisfied. Manager never returns it: a decision that leaves the quorum
	// unmet is recorded and Decide returns a nil error.
	ErrQuorumNotMet = errors.New("hitl: step quorum not yet met")
	// ErrUnauthorizedCancel is returned when a cancel is attempted by an
	// actor not authorized to cancel the request.
	ErrUnauthorizedCancel = errors.New("hitl: actor not authorized to cancel this request")
)

// ManagerVersion is compared against an ApprovalChainDefinition's
// RequiresManager constraint on every Create.
const ManagerVersion = "1.0.0"

var terminalStatuses = map[ApprovalStatus]bool{
	StatusApproved:  true,
	StatusRejected:  true,
	StatusCancelled: true,
	StatusExpired:   true,
}

// TransitionRecorder is the callback the manager invokes on every state
// transition so callers can mirror it into the temporal event log and the
// Merkle audit ledger: every transition is written to both.
type TransitionRecorder func(ctx context.Context, req *ApprovalRequest, entryType AuditEntryType, previousState, newState string)

// Manager drives the HITL approval state machine: request creation, step
// advancement, escalation, and notification fan-out, with every transition
// appended to the chain-local audit trail.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*ApprovalRequest

	chain    *Chain
	timers   *TimerEngine
	notifier *Orchestrator
	recorder TransitionRecorder
	maxEsc   int
	log      *slog.Logger
}

// NewManager wires an approval chain, escalation timer engine and
// notification orchestrator into a single approval manager.
func NewManager(chain *Chain, timers *TimerEngine, notifier *Orchestrator, maxEscalations int, recorder TransitionRecorder, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		requests: make(map[string]*ApprovalRequest),
		chain:    chain,
		timers:   timers,
		notifier: notifier,
		recorder: recorder,
		maxEsc:   maxEscalations,
		log:      log,
	}
	if timers != nil {
		timers.callback = m.onTimerFire
	}
	return m
}

// Create starts a new approval request at step 0 and schedules its first
// escalation timer.
func (m *Manager) Create(ctx context.Context, tenantID, targetID string, priority Priority, chainDef ApprovalChainDefinition, reqCtx map[string]any) (*ApprovalRequest, error) {
	if len(chainDef.Steps) == 0 {
		return nil, fmt.Errorf("hitl: chain definition %q has no steps", chainDef.Name)
	}
	if err := chainDef.CheckCompatibility(ManagerVersion); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &ApprovalRequest{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		TargetID:  targetID,
		Priority:  priority,
		Chain:     chainDef,
		Status:    StatusPending,
		StepIndex: 0,
		CreatedAt: now,
		UpdatedAt: now,
		Context:   reqCtx,
	}

	m.mu.Lock()
	m.requests[req.ID] = req
	m.mu.Unlock()

	m.appendAudit(req, AuditApprovalCreated, "", string(StatusPending), "request created")

	if m.timers != nil {
		if err := m.timers.Schedule(ctx, req.ID, priority, 0); err != nil {
			m.log.Warn("hitl: failed to schedule initial escalation timer", "request_id", req.ID, "error", err)
		}
	}
	m.notify(ctx, req, "Approval requested", fmt.Sprintf("New %s-priority approval requested for %s", priority, targetID))

	return req, nil
}

// Get retrieves a request by id.
func (m *Manager) Get(id string) (*ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	return r, ok
}

// Decide records a single approver's vote. Any rejection ends the request
// immediately; an approval advances the step once its quorum is met,
// completing the chain on the last step.
func (m *Manager) Decide(ctx context.Context, requestID, approverID, role string, approve bool, comment string) (*ApprovalRequest, error) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrRequestNotFound
	}
	if terminalStatuses[req.Status] {
		m.mu.Unlock()
		return nil, ErrAlreadyTerminal
	}

	req.Decisions = append(req.Decisions, Decision{
		ApproverID: approverID,
		Role:       role,
		Approve:    approve,
		Comment:    comment,
		DecidedAt:  time.Now().UTC(),
	})

	previous := string(req.Status)

	if !approve {
		req.Status = StatusRejected
		req.UpdatedAt = time.Now().UTC()
		m.mu.Unlock()
		m.finalize(ctx, req, previous, "rejected by "+approverID)
		return req, nil
	}

	step := req.Chain.Steps[req.StepIndex]
	if !req.stepQuorumMet(step) {
		m.mu.Unlock()
		m.appendAudit(req, AuditApprovalApproved, previous, previous, fmt.Sprintf("vote recorded from %s, quorum not yet met", approverID))
		return req, nil
	}

	last := req.StepIndex == len(req.Chain.Steps)-1
	if last {
		req.Status = StatusApproved
		req.UpdatedAt = time.Now().UTC()
		m.mu.Unlock()
		m.finalize(ctx, req, previous, "quorum met on final step")
		return req, nil
	}

	req.StepIndex++
	req.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.appendAudit(req, AuditApprovalApproved, previous, string(StatusPending), fmt.Sprintf("step advanced to %d", req.StepIndex))
	if m.timers != nil {
		if err := m.timers.Schedule(ctx, req.ID, req.Priority, req.EscalationStep); err != nil {
			m.log.Warn("hitl: failed to reschedule timer on step advance", "request_id", req.ID, "error", err)
		}
	}
	m.notify(ctx, req, "Approval step advanced", fmt.Sprintf("Step advanced to %d/%d", req.StepIndex+1, len(req.Chain.Steps)))

	return req, nil
}

// Cancel terminates a pending request. Only the original requester or an
// admin actor may cancel.
func (m *Manager) Cancel(ctx context.Context, requestID, actorID string, isAdmin bool) (*ApprovalRequest, error) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrRequestNotFound
	}
	if terminalStatuses[req.Status] {
		m.mu.Unlock()
		return nil, ErrAlreadyTerminal
	}
	if !isAdmin && actorID != req.TenantID {
		m.mu.Unlock()
		return nil, ErrUnauthorizedCancel
	}

	previous := string(req.Status)
	req.Status = StatusCancelled
	req.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.finalize(ctx, req, previous, "cancelled by "+actorID)
	return req, nil
}

// onTimerFire is registered as the TimerEngine's escalation callback: it
// either bumps the escalation level and re-notifies, or expires the
// request once max_escalations is reached.
func (m *Manager) onTimerFire(ctx context.Context, requestID string) error {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return nil // already gone, nothing to do
	}
	if terminalStatuses[req.Status] {
		m.mu.Unlock()
		return nil
	}

	previous := string(req.Status)

	if req.EscalationStep >= m.maxEsc {
		req.Status = StatusExpired
		req.UpdatedAt = time.Now().UTC()
		m.mu.Unlock()
		m.finalize(ctx, req, previous, "max escalations reached")
		return nil
	}

	req.EscalationStep++
	req.Status = StatusEscalated
	req.UpdatedAt = time.Now().UTC()
	level := req.EscalationStep
	m.mu.Unlock()

	m.appendAudit(req, AuditApprovalEscalated, previous, string(StatusEscalated), fmt.Sprintf("escalated to level %d", level))
	if m.timers != nil {
		if err := m.timers.Schedule(ctx, req.ID, req.Priority, level); err != nil {
			m.log.Warn("hitl: failed to reschedule timer after escalation", "request_id", req.ID, "error", err)
		}
	}

	m.mu.Lock()
	req.Status = StatusPending
	m.mu.Unlock()

	m.notify(ctx, req, "Approval escalated", fmt.Sprintf("Escalated to level %d without response", level))
	return nil
}

// finalize is invoked on every terminal transition: it cancels any pending
// timer, sends a resolution notification, and appends the audit entry.
func (m *Manager) finalize(ctx context.Context, req *ApprovalRequest, previous, rationale string) {
	var entryType AuditEntryType
	switch req.Status {
	case StatusApproved:
		entryType = AuditApprovalApproved
	case StatusRejected:
		entryType = AuditApprovalRejected
	case StatusCancelled:
		entryType = AuditApprovalCancelled
	case StatusExpired:
		entryType = AuditApprovalExpired
	}

	m.appendAudit(req, entryType, previous, string(req.Status), rationale)

	if m.timers != nil {
		if err := m.timers.Cancel(ctx, req.ID); err != nil {
			m.log.Warn("hitl: failed to cancel timer on finalize", "request_id", req.ID, "error", err)
		}
	}

	m.notify(ctx, req, "Approval resolved", fmt.Sprintf("Request resolved: %s (%s)", req.Status, rationale))
}

func (m *Manager) appendAudit(req *ApprovalRequest, entryType AuditEntryType, previous, newState, rationale string) {
	if m.chain == nil {
		return
	}
	entry, err := m.chain.Append(entryType, req.TenantID, "system", "approver", TargetRequest, req.ID, previous, newState, rationale, nil)
	if err != nil {
		m.log.Error("hitl: failed to append audit entry", "request_id", req.ID, "error", err)
		return
	}
	if m.recorder != nil {
		m.recorder(context.Background(), req, entryType, previous, newState)
	}
	m.log.Info("hitl: state transition recorded", "request_id", req.ID, "entry_id", entry.ID, "entry_type", entryType)
}

func (m *Manager) notify(ctx context.Context, req *ApprovalRequest, subject, body string) {
	if m.notifier == nil {
		return
	}
	msg := NotificationMessage{
		RequestID: req.ID,
		Priority:  req.Priority,
		Subject:   subject,
		Body:      body,
		Recipient: req.TenantID,
	}
	go m.notifier.Dispatch(ctx, msg, req.EscalationStep)
}
