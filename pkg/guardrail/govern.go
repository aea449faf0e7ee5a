package guardrail

import (
	"context"
)

// ComplianceValidator scores how well a request complies with configured
// constitutional rules; a pluggable collaborator, implemented in this
// package by CELCompliance.
type ComplianceValidator interface {
	Score(ctx context.Context, data map[string]any) (float64, error)
}

// ImpactScorer returns a deterministic impact score in [0,1] for a given
// payload; an external collaborator, not implemented by this package.
type ImpactScorer interface {
	Score(ctx context.Context, data map[string]any) (float64, error)
}

// Governor is the governance engine stage: constitutional anchor
// validation plus impact scoring.
type Governor struct {
	anchor             string
	compliance         ComplianceValidator
	impactScorer       ImpactScorer
	deliberationThreshold float64
}

// NewGovernor constructs the governance stage against the process-wide
// constitutional anchor.
func NewGovernor(anchor string, compliance ComplianceValidator, impactScorer ImpactScorer, deliberationThreshold float64) *Governor {
	return &Governor{anchor: anchor, compliance: compliance, impactScorer: impactScorer, deliberationThreshold: deliberationThreshold}
}

func (g *Governor) Name() string { return "govern" }

func (g *Governor) Process(ctx context.Context, data map[string]any, pctx *Context) (StageResult, error) {
	res := StageResult{Allowed: true}

	if pctx.ConstitutionalHash != g.anchor {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: g.Name(), Kind: "constitutional_mismatch", Severity: SeverityHigh,
			Detail: "request anchor does not match the process-wide constitutional anchor",
		})
		return res, nil
	}

	if g.compliance != nil {
		score, err := g.compliance.Score(ctx, data)
		if err != nil {
			return res, err
		}
		if score < 0.5 {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Stage: g.Name(), Kind: "constitutional_noncompliance", Severity: SeverityHigh,
				Detail: "compliance score below acceptable threshold",
			})
		}
	}

	impact := 0.0
	if g.impactScorer != nil {
		score, err := g.impactScorer.Score(ctx, data)
		if err != nil {
			impact = 0.3 // default score when the scorer errors
		} else {
			impact = score
		}
	}

	if impact >= g.deliberationThreshold {
		// escalate, not block — res.Allowed stays whatever it was above
		res.Violations = append(res.Violations, Violation{
			Stage: g.Name(), Kind: "impact_exceeds_threshold", Severity: SeverityHigh,
			Detail: "impact score exceeds the configured deliberation threshold",
		})
	}

	return res, nil
}
