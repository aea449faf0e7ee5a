// Package guardrail implements component C: a fixed five-stage pipeline
// (sanitize, govern, sandbox, verify, audit) that every envelope runs
// through before a verdict is produced.
package guardrail

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Severity ranks a violation for action-semantics aggregation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

// Violation is one finding surfaced by a stage.
type Violation struct {
	Stage    string   `json:"stage"`
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Action is the pipeline's outer decision: "block" if any critical
// violation exists, else "escalate" if any high violation came from
// governance, else "modify" if redaction occurred, else "audit" if any
// low-severity finding, else "allow".
type Action string

const (
	ActionAllow     Action = "allow"
	ActionAudit     Action = "audit"
	ActionModify    Action = "modify"
	ActionEscalate  Action = "escalate"
	ActionBlock     Action = "block"
	ActionRateLimit Action = "rate_limit"
)

// StageResult is what each stage's Process returns.
type StageResult struct {
	Allowed      bool
	ModifiedData map[string]any // nil if the stage did not modify the payload
	Violations   []Violation
}

// Context carries cross-stage state through a single pipeline run.
type Context struct {
	TraceID            string
	ConstitutionalHash string
	ActorID            string
	TenantID            string
	Layer               string
	Prior               []Violation
}

// NewContext creates a pipeline context with a fresh trace id.
func NewContext(constitutionalHash, tenantID, actorID string) *Context {
	return &Context{
		TraceID:            uuid.New().String(),
		ConstitutionalHash: constitutionalHash,
		TenantID:           tenantID,
		ActorID:            actorID,
	}
}

// Stage is the contract every pipeline stage implements: process the
// payload and context, return a result.
type Stage interface {
	Name() string
	Process(ctx context.Context, data map[string]any, pctx *Context) (StageResult, error)
}

// Result is the pipeline's overall verdict.
type Result struct {
	Allowed       bool          `json:"allowed"`
	Action        Action        `json:"action"`
	FinalData     map[string]any `json:"final_data"`
	Violations    []Violation   `json:"violations"`
	PerStage      map[string]StageResult `json:"per_stage_results"`
	TraceID       string        `json:"trace_id"`
	TotalElapsed  time.Duration `json:"total_elapsed"`
}
