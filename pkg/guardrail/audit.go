package guardrail

import (
	"context"

	"github.com/cgrhq/cgr/pkg/audit"
)

// AuditStage is the always-run, always-allow fifth stage: it records the
// pipeline's final decision and the violations accumulated by the stages
// that ran before it. It never blocks, since by the time it runs the
// pipeline has already decided whether to fail closed.
type AuditStage struct {
	logger audit.Logger
}

// NewAuditStage wires the guardrail pipeline's audit boundary into the
// operational event logger.
func NewAuditStage(logger audit.Logger) *AuditStage {
	return &AuditStage{logger: logger}
}

func (a *AuditStage) Name() string { return "audit" }

func (a *AuditStage) Process(ctx context.Context, data map[string]any, pctx *Context) (StageResult, error) {
	res := StageResult{Allowed: true}
	if a.logger == nil {
		return res, nil
	}

	metadata := map[string]interface{}{
		"trace_id":            pctx.TraceID,
		"constitutional_hash": pctx.ConstitutionalHash,
		"layer":               pctx.Layer,
	}
	if finalAllowed, ok := data["final_allowed"].(bool); ok {
		metadata["final_allowed"] = finalAllowed
	}
	if violations, ok := data["violations"].([]Violation); ok {
		metadata["violation_count"] = len(violations)
		kinds := make([]string, 0, len(violations))
		for _, v := range violations {
			kinds = append(kinds, v.Kind)
		}
		metadata["violation_kinds"] = kinds
	}

	err := a.logger.Record(ctx, pctx.TenantID, pctx.ActorID, audit.EventPolicy, "guardrail_pipeline_decision", pctx.Layer, metadata)
	return res, err
}
