package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func residualEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		// Parse-only env; identifiers stay undeclared on purpose
		celEnv, celEnvErr = cel.NewEnv()
	})
	return celEnv, celEnvErr
}

// validateResourceCondition checks that a resource sub-condition is a
// boolean combination of plain comparisons. Anything else, including
// macros and bare identifiers, is rejected.
func validateResourceCondition(expr string) error {
	env, err := residualEnv()
	if err != nil {
		return err
	}
	ast, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("not a valid expression: %w", issues.Err())
	}
	parsed := ast.Expr() //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
	return checkComparisonShape(parsed, false)
}

var comparisonOps = map[string]bool{
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.In:            true,
}

// checkComparisonShape walks a parsed expression. Outside a comparison
// only boolean connectives and comparisons may appear; inside one,
// connectives may not.
func checkComparisonShape(e *exprpb.Expr, insideComparison bool) error {
	if e == nil {
		return nil
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch {
		case call.Function == operators.LogicalAnd || call.Function == operators.LogicalOr:
			if insideComparison {
				return fmt.Errorf("boolean connective inside comparison operand")
			}
			for _, arg := range call.Args {
				if err := checkComparisonShape(arg, false); err != nil {
					return err
				}
			}
		case comparisonOps[call.Function]:
			if insideComparison {
				return fmt.Errorf("nested comparison")
			}
			for _, arg := range call.Args {
				if err := checkComparisonShape(arg, true); err != nil {
					return err
				}
			}
		default:
			if !insideComparison {
				return fmt.Errorf("expected comparison, found call to %s", call.Function)
			}
			if err := checkComparisonShape(call.Target, true); err != nil {
				return err
			}
			for _, arg := range call.Args {
				if err := checkComparisonShape(arg, true); err != nil {
					return err
				}
			}
		}

	case *exprpb.Expr_SelectExpr:
		if !insideComparison {
			return fmt.Errorf("bare operand outside comparison")
		}
		if k.SelectExpr.TestOnly {
			return fmt.Errorf("has() is not allowed in a resource condition")
		}
		return checkComparisonShape(k.SelectExpr.Operand, true)

	case *exprpb.Expr_IdentExpr, *exprpb.Expr_ConstExpr:
		if !insideComparison {
			return fmt.Errorf("bare operand outside comparison")
		}

	case *exprpb.Expr_ListExpr:
		if !insideComparison {
			return fmt.Errorf("bare operand outside comparison")
		}
		for _, el := range k.ListExpr.Elements {
			if err := checkComparisonShape(el, true); err != nil {
				return err
			}
		}

	case *exprpb.Expr_StructExpr:
		return fmt.Errorf("struct literals are not allowed in a resource condition")

	case *exprpb.Expr_ComprehensionExpr:
		return fmt.Errorf("comprehensions are not allowed in a resource condition")
	}

	return nil
}
