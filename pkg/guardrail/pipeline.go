package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StageConfig pairs a stage with its enablement flag and per-stage timeout.
type StageConfig struct {
	Stage   Stage
	Enabled bool
	Timeout time.Duration
}

// Pipeline runs the fixed ordered stages (sanitize, govern, sandbox,
// verify) followed by an always-run audit stage.
type Pipeline struct {
	stages        []StageConfig
	audit         Stage
	pipelineTimeout time.Duration
	failClosed    bool
	limiter       RateLimiter
	log           *slog.Logger
	recorder      StageRecorder
	tracer        StageTracer
}

// StageRecorder observes each stage's outcome as the pipeline runs it, so a
// caller can project the run onto an external causal event log keyed by
// the context's trace id.
type StageRecorder interface {
	RecordStage(ctx context.Context, pctx *Context, stageName string, result StageResult)
}

// RateLimiter is the cross-cutting per-actor limiter consulted before the
// ordered stages run. An over-limit actor short-circuits the pipeline with
// action=rate_limit and allowed=false.
type RateLimiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// StageTracer wraps a stage invocation in a span/metric pair. Implementations
// (pkg/observability.Tracer) are optional: a nil tracer means the pipeline
// calls stages directly with no tracing overhead.
type StageTracer interface {
	Track(ctx context.Context, name string) (context.Context, func(error))
}

// New constructs a pipeline. failClosed=false runs every enabled stage to
// completion regardless of intermediate denials, so the result carries the
// full violation report; a denial still sets the result's Allowed to false.
func New(stages []StageConfig, audit Stage, pipelineTimeout time.Duration, failClosed bool, limiter RateLimiter, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		stages:          stages,
		audit:           audit,
		pipelineTimeout: pipelineTimeout,
		failClosed:      failClosed,
		limiter:         limiter,
		log:             log,
	}
}

// SetRecorder installs a StageRecorder; nil disables recording.
func (p *Pipeline) SetRecorder(r StageRecorder) {
	p.recorder = r
}

// SetTracer installs a StageTracer; nil disables tracing.
func (p *Pipeline) SetTracer(t StageTracer) {
	p.tracer = t
}

func (p *Pipeline) record(ctx context.Context, pctx *Context, stageName string, result StageResult) {
	if p.recorder != nil {
		p.recorder.RecordStage(ctx, pctx, stageName, result)
	}
}

// Process runs data through every enabled stage in order, then always runs
// the audit stage, and aggregates the final verdict.
func (p *Pipeline) Process(ctx context.Context, data map[string]any, pctx *Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, p.pipelineTimeout)
	defer cancel()

	result := Result{
		Allowed:  true,
		FinalData: data,
		PerStage: make(map[string]StageResult),
		TraceID:  pctx.TraceID,
	}

	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, pctx.ActorID)
		if err != nil {
			p.log.Warn("guardrail: rate limiter check failed, failing open for this check only", "actor_id", pctx.ActorID, "error", err)
		} else if !allowed {
			result.Allowed = false
			result.Action = ActionRateLimit
			v := Violation{Stage: "rate_limit", Kind: "rate_limit", Severity: SeverityHigh, Detail: "actor exceeded rate limit"}
			result.Violations = append(result.Violations, v)
			p.record(ctx, pctx, "rate_limit", StageResult{Allowed: false, Violations: []Violation{v}})
			p.runAudit(ctx, result.FinalData, pctx, result)
			result.TotalElapsed = time.Since(start)
			return result
		}
	}

	current := data
	for _, sc := range p.stages {
		if !sc.Enabled {
			continue
		}

		stageResult, err := p.runStageWithTimeout(ctx, sc, current, pctx)
		result.PerStage[sc.Stage.Name()] = stageResult
		result.Violations = append(result.Violations, stageResult.Violations...)
		pctx.Prior = append(pctx.Prior, stageResult.Violations...)
		p.record(ctx, pctx, sc.Stage.Name(), stageResult)

		if err != nil {
			p.log.Error("guardrail: stage returned error", "stage", sc.Stage.Name(), "error", err)
		}

		if stageResult.ModifiedData != nil {
			current = stageResult.ModifiedData
		}
		if !stageResult.Allowed {
			result.Allowed = false
			if p.failClosed {
				break
			}
		}
	}

	result.FinalData = current
	result.Action = aggregateAction(result.Violations, result.Allowed)

	p.runAudit(ctx, current, pctx, result)
	result.TotalElapsed = time.Since(start)
	return result
}

// runStageWithTimeout races a stage against its configured timeout (or the
// pipeline timeout if unset) and recovers any panic into a fail-closed
// processing_error violation.
func (p *Pipeline) runStageWithTimeout(ctx context.Context, sc StageConfig, data map[string]any, pctx *Context) (res StageResult, err error) {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = p.pipelineTimeout
	}

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var endSpan func(error)
	if p.tracer != nil {
		stageCtx, endSpan = p.tracer.Track(stageCtx, sc.Stage.Name())
		defer func() { endSpan(err) }()
	}

	type outcome struct {
		result StageResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{result: StageResult{
					Allowed: false,
					Violations: []Violation{{
						Stage:    sc.Stage.Name(),
						Kind:     "processing_error",
						Severity: SeverityHigh,
						Detail:   fmt.Sprintf("panic: %v", r),
					}},
				}}
			}
		}()
		r, e := sc.Stage.Process(stageCtx, data, pctx)
		done <- outcome{result: r, err: e}
	}()

	select {
	case <-stageCtx.Done():
		return StageResult{
			Allowed: false,
			Violations: []Violation{{
				Stage:    sc.Stage.Name(),
				Kind:     "timeout",
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("stage exceeded %s timeout", timeout),
			}},
		}, nil
	case o := <-done:
		if o.err != nil {
			return StageResult{
				Allowed: false,
				Violations: []Violation{{
					Stage:    sc.Stage.Name(),
					Kind:     "processing_error",
					Severity: SeverityHigh,
					Detail:   o.err.Error(),
				}},
			}, o.err
		}
		return o.result, nil
	}
}

func (p *Pipeline) runAudit(ctx context.Context, data map[string]any, pctx *Context, result Result) {
	if p.audit == nil {
		return
	}
	auditData := map[string]any{
		"payload":      data,
		"final_allowed": result.Allowed,
		"violations":   result.Violations,
		"trace_id":     pctx.TraceID,
	}
	if _, err := p.audit.Process(ctx, auditData, pctx); err != nil {
		p.log.Error("guardrail: audit stage failed", "error", err)
	}
	p.record(ctx, pctx, p.audit.Name(), StageResult{Allowed: result.Allowed, Violations: result.Violations})
}

// aggregateAction resolves the final action by severity precedence: block
// if any critical violation; else escalate if any high violation from
// governance; else modify if any non-critical violation required
// redaction; else audit if any low-severity finding; else allow.
func aggregateAction(violations []Violation, allowed bool) Action {
	hasCritical := false
	hasGovernanceHigh := false
	hasModify := false
	hasLow := false

	for _, v := range violations {
		switch v.Severity {
		case SeverityCritical:
			hasCritical = true
		case SeverityHigh:
			if v.Stage == "govern" {
				hasGovernanceHigh = true
			}
		case SeverityLow:
			hasLow = true
		}
		if v.Kind == "redaction" {
			hasModify = true
		}
	}

	switch {
	case hasCritical:
		return ActionBlock
	case hasGovernanceHigh:
		return ActionEscalate
	case hasModify:
		return ActionModify
	case hasLow:
		return ActionAudit
	case !allowed:
		return ActionBlock
	default:
		return ActionAllow
	}
}
