package guardrail

import (
	"fmt"

	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// checkDeterminism walks a compiled CEL expression tree and rejects
// constructs that would make two evaluations of the same rule against the
// same payload disagree: floating point literals (rounding depends on the
// evaluator), now() (wall-clock dependent), and map key/value iteration
// (Go map order is unspecified). A constitutional rule that isn't
// deterministic can't be replayed consistently out of the audit ledger.
func checkDeterminism(e *exprpb.Expr) error {
	if e == nil {
		return nil
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, isFloat := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); isFloat {
			return fmt.Errorf("guardrail: floating point literals are not allowed in compliance rules")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if call.Function == "now" {
			return fmt.Errorf("guardrail: now() is not allowed in compliance rules")
		}
		if call.Function == "keys" || call.Function == "values" {
			return fmt.Errorf("guardrail: map iteration (keys/values) is not allowed in compliance rules")
		}
		if call.Target != nil {
			if err := checkDeterminism(call.Target); err != nil {
				return err
			}
		}
		for _, arg := range call.Args {
			if err := checkDeterminism(arg); err != nil {
				return err
			}
		}

	case *exprpb.Expr_SelectExpr:
		return checkDeterminism(k.SelectExpr.Operand)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if err := checkDeterminism(el); err != nil {
				return err
			}
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				if err := checkDeterminism(entry.GetMapKey()); err != nil {
					return err
				}
			}
			if err := checkDeterminism(entry.Value); err != nil {
				return err
			}
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		for _, sub := range []*exprpb.Expr{comp.IterRange, comp.AccuInit, comp.LoopCondition, comp.LoopStep, comp.Result} {
			if err := checkDeterminism(sub); err != nil {
				return err
			}
		}
	}
	return nil
}
