package guardrail

import (
	"context"
	"regexp"
	"sync"
	"time"
)

var (
	harmfulInstructionPattern = regexp.MustCompile(`(?i)\b(how to (build|make) a (bomb|weapon)|kill yourself)\b`)
	toxicLanguagePattern      = regexp.MustCompile(`(?i)\b(hate speech|slur)\b`)
)

// Verifier is the output verifier stage: pattern-matches generated output
// for harmful instructions (critical) and toxic language (high), redacting
// any PII it finds (action = modify). It also trips a circuit breaker when
// a burst of critical findings suggests the upstream model itself has been
// compromised, so a single bad actor cannot keep re-probing the pipeline.
type Verifier struct {
	mu              sync.Mutex
	window          time.Duration
	maxCriticalInWindow int
	criticalAt      []time.Time
	tripped         bool
	trippedUntil    time.Time
	cooldown        time.Duration
}

// NewVerifier constructs the output verifier stage with a bounded circuit
// breaker: if more than maxCriticalInWindow critical findings occur within
// window, the breaker trips for cooldown and every subsequent call is
// blocked without running the pattern match (fail-closed).
func NewVerifier(window time.Duration, maxCriticalInWindow int, cooldown time.Duration) *Verifier {
	return &Verifier{window: window, maxCriticalInWindow: maxCriticalInWindow, cooldown: cooldown}
}

func (v *Verifier) Name() string { return "verify" }

func (v *Verifier) Process(ctx context.Context, data map[string]any, pctx *Context) (StageResult, error) {
	res := StageResult{Allowed: true}

	if v.breakerTripped() {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: v.Name(), Kind: "verifier_circuit_open", Severity: SeverityCritical,
			Detail: "output verifier circuit breaker is open after repeated critical findings",
		})
		return res, nil
	}

	text, _ := data["output"].(string)
	critical := false

	if harmfulInstructionPattern.MatchString(text) {
		critical = true
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: v.Name(), Kind: "harmful_instructions", Severity: SeverityCritical,
			Detail: "output matched a harmful-instruction pattern",
		})
	}

	if toxicLanguagePattern.MatchString(text) {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: v.Name(), Kind: "toxic_language", Severity: SeverityHigh,
			Detail: "output matched a toxic-language pattern",
		})
	}

	modified := text
	if piiPattern.MatchString(modified) {
		modified = piiPattern.ReplaceAllString(modified, "[REDACTED]")
		res.Violations = append(res.Violations, Violation{
			Stage: v.Name(), Kind: "redaction", Severity: SeverityLow,
			Detail: "PII redacted from output",
		})
	}
	if modified != text {
		out := make(map[string]any, len(data))
		for k, val := range data {
			out[k] = val
		}
		out["output"] = modified
		res.ModifiedData = out
	}

	if critical {
		v.recordCritical()
	}

	return res, nil
}

func (v *Verifier) recordCritical() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-v.window)
	kept := v.criticalAt[:0]
	for _, t := range v.criticalAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.criticalAt = append(kept, now)

	if len(v.criticalAt) > v.maxCriticalInWindow {
		v.tripped = true
		v.trippedUntil = now.Add(v.cooldown)
	}
}

func (v *Verifier) breakerTripped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.tripped {
		return false
	}
	if time.Now().After(v.trippedUntil) {
		v.tripped = false
		v.criticalAt = nil
		return false
	}
	return true
}
