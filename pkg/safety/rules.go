package safety

import (
	"github.com/google/cel-go/cel"

	"github.com/kiln-farm/kiln/pkg/fault"
)

// RuleInput is the variable set a preflight rule can reference.
type RuleInput struct {
	ToolActual float64
	ToolTarget float64
	BedActual  float64
	BedTarget  float64
	Material   string
	Status     string
}

// Rule is a compiled preflight expression. The expression must evaluate
// to a boolean; false blocks the print.
type Rule struct {
	Name string
	Expr string
	prg  cel.Program
}

var ruleEnv *cel.Env

func init() {
	var err error
	ruleEnv, err = cel.NewEnv(
		cel.Variable("tool_actual", cel.DoubleType),
		cel.Variable("tool_target", cel.DoubleType),
		cel.Variable("bed_actual", cel.DoubleType),
		cel.Variable("bed_target", cel.DoubleType),
		cel.Variable("material", cel.StringType),
		cel.Variable("status", cel.StringType),
	)
	if err != nil {
		panic(err)
	}
}

// CompileRule parses and type-checks one rule expression.
func CompileRule(name, expr string) (*Rule, error) {
	ast, iss := ruleEnv.Compile(expr)
	if iss.Err() != nil {
		return nil, fault.Wrap(fault.KindValidation, "safety: invalid rule "+name, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fault.Newf(fault.KindValidation, "safety: rule %s must evaluate to bool, got %s", name, ast.OutputType())
	}
	prg, err := ruleEnv.Program(ast)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "safety: compile rule "+name, err)
	}
	return &Rule{Name: name, Expr: expr, prg: prg}, nil
}

// Eval runs the rule against one input set.
func (r *Rule) Eval(in RuleInput) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{
		"tool_actual": in.ToolActual,
		"tool_target": in.ToolTarget,
		"bed_actual":  in.BedActual,
		"bed_target":  in.BedTarget,
		"material":    in.Material,
		"status":      in.Status,
	})
	if err != nil {
		return false, fault.Wrap(fault.KindInternal, "safety: evaluate rule "+r.Name, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fault.Newf(fault.KindInternal, "safety: rule %s returned non-bool", r.Name)
	}
	return ok, nil
}
