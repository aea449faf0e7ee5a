package hitl

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ApprovalStatus tracks an approval request through its lifecycle.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusEscalated ApprovalStatus = "escalated"
	StatusExpired   ApprovalStatus = "expired"
	StatusCancelled ApprovalStatus = "cancelled"
)

// Priority drives the default escalation timeout (see timeoutForPriority).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ChainStep names one required approver role in an ApprovalChainDefinition.
type ChainStep struct {
	Role     string `json:"role" yaml:"role"`
	Quorum   int    `json:"quorum" yaml:"quorum"`     // number of distinct approvers of Role required
	Optional bool   `json:"optional" yaml:"optional"` // carried with the definition; Manager does not skip optional steps
}

// ApprovalChainDefinition describes the sequence of quorum steps a request
// must satisfy before it is considered fully approved.
type ApprovalChainDefinition struct {
	Name  string      `json:"name" yaml:"name"`
	Steps []ChainStep `json:"steps" yaml:"steps"`

	// Version is the chain schema's own semver, bumped whenever Steps changes
	// in a way a running manager needs to understand (new quorum semantics,
	// a new optional-step meaning). Defaults to "1.0.0" when empty.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// RequiresManager is a semver constraint (e.g. ">= 1.1.0, < 2.0.0") the
	// running manager's Version must satisfy for this chain to be accepted.
	// Empty means no constraint.
	RequiresManager string `json:"requires_manager,omitempty" yaml:"requires_manager,omitempty"`
}

// CheckCompatibility validates that d.Version parses as semver and, if
// d.RequiresManager is set, that managerVersion satisfies it. A chain
// loaded from an older or newer deployment than it was authored for is
// rejected here instead of failing confusingly mid-approval.
func (d ApprovalChainDefinition) CheckCompatibility(managerVersion string) error {
	version := d.Version
	if version == "" {
		version = "1.0.0"
	}
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("hitl: chain %q has invalid version %q: %w", d.Name, version, err)
	}
	if d.RequiresManager == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(d.RequiresManager)
	if err != nil {
		return fmt.Errorf("hitl: chain %q has invalid requires_manager constraint %q: %w", d.Name, d.RequiresManager, err)
	}
	mv, err := semver.NewVersion(managerVersion)
	if err != nil {
		return fmt.Errorf("hitl: manager version %q is not valid semver: %w", managerVersion, err)
	}
	if !constraint.Check(mv) {
		return fmt.Errorf("hitl: chain %q requires manager version %s, running %s", d.Name, d.RequiresManager, managerVersion)
	}
	return nil
}

// Decision records a single approve/reject vote cast by one approver.
type Decision struct {
	ApproverID string    `json:"approver_id"`
	Role       string    `json:"role"`
	Approve    bool      `json:"approve"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// ApprovalRequest is a single item awaiting human review, tied to an
// envelope or governance decision by TargetID.
type ApprovalRequest struct {
	ID             string                  `json:"id"`
	TenantID       string                  `json:"tenant_id"`
	TargetID       string                  `json:"target_id"`
	Priority       Priority                `json:"priority"`
	Chain          ApprovalChainDefinition `json:"chain"`
	Status         ApprovalStatus          `json:"status"`
	Decisions      []Decision              `json:"decisions"`
	StepIndex      int                     `json:"step_index"`
	EscalationStep int                     `json:"escalation_step"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	DeadlineAt     time.Time               `json:"deadline_at"`
	Context        map[string]any          `json:"context,omitempty"`
}

// stepQuorumMet reports whether the current step's quorum of distinct
// approvers with Approve=true has already voted.
func (r *ApprovalRequest) stepQuorumMet(step ChainStep) bool {
	seen := make(map[string]bool)
	for _, d := range r.Decisions {
		if d.Role == step.Role && d.Approve {
			seen[d.ApproverID] = true
		}
	}
	return len(seen) >= step.Quorum
}

// NotificationMessage is what gets handed to each configured provider.
type NotificationMessage struct {
	RequestID string   `json:"request_id"`
	Priority  Priority `json:"priority"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Recipient string   `json:"recipient"`
}
