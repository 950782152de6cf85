package expressions

import (
	"context"
	"maps"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions. The keys of an object document
// are top-level variables and the whole document is also bound to `data`.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

// NewExprEngine creates an expr engine. Programs are compiled untyped so
// one program serves documents of any shape.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms("expr", func(expression string) (*vm.Program, error) {
		return expr.Compile(expression, expr.AllowUndefinedVariables())
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	env := map[string]any{}
	if obj, ok := data.(map[string]any); ok {
		maps.Copy(env, obj)
	}
	env["data"] = data

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return Normalize(out)
}

var _ Engine = (*ExprEngine)(nil)
