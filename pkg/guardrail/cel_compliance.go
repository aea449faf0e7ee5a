package guardrail

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// CELCompliance is a ComplianceValidator backed by a set of CEL boolean
// expressions (constitutional rules expressed as code, evaluated against
// the request payload). Score is the fraction of rules that evaluate
// true; a rule that fails to evaluate counts as false (fail-closed)
// rather than aborting the whole check.
type CELCompliance struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules map[string]cel.Program
}

// NewCELCompliance builds the CEL environment with the one variable every
// rule may reference: payload, the request body under evaluation.
func NewCELCompliance() (*CELCompliance, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("payload", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("guardrail: create CEL env: %w", err)
	}
	return &CELCompliance{env: env, rules: make(map[string]cel.Program)}, nil
}

// LoadRule compiles and registers a named constitutional rule. A rule
// expression must evaluate to a bool, e.g. `!has(payload.admin_override)`
// or `size(payload.instructions) < 4096`.
func (c *CELCompliance) LoadRule(ruleID, expr string) error {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("guardrail: compile rule %s: %w", ruleID, issues.Err())
	}
	if err := checkDeterminism(ast.Expr()); err != nil { //nolint:staticcheck // Expr() is deprecated but the only way to walk the parsed tree
		return fmt.Errorf("guardrail: rule %s: %w", ruleID, err)
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return fmt.Errorf("guardrail: build program for rule %s: %w", ruleID, err)
	}
	c.mu.Lock()
	c.rules[ruleID] = prg
	c.mu.Unlock()
	return nil
}

// Score evaluates every loaded rule against data and returns the fraction
// that passed. With no rules loaded, Score returns 1 (nothing to violate).
func (c *CELCompliance) Score(ctx context.Context, data map[string]any) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.rules) == 0 {
		return 1.0, nil
	}

	input := map[string]interface{}{
		"payload": map[string]interface{}(data),
	}

	passed := 0
	for _, prg := range c.rules {
		out, _, err := prg.Eval(input)
		if err != nil {
			continue // fail-closed: evaluation error counts as a failed rule
		}
		if ok, isBool := out.Value().(bool); isBool && ok {
			passed++
		}
	}
	return float64(passed) / float64(len(c.rules)), nil
}
