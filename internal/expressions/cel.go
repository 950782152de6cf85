package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates Common Expression Language expressions. The state data
// is bound to the dynamic variable `data`, so a guard reads `data.x > 1`.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

// NewCELEngine creates a CEL engine with numeric comparisons across int,
// uint and double, as decoded JSON mixes them.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newPrograms("cel", e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression with data bound to `data`. ctx interrupts
// long-running comprehensions.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"data": data})
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return Normalize(out.Value())
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return e.env.Program(ast, cel.InterruptCheckFrequency(100))
}

var _ Engine = (*CELEngine)(nil)
