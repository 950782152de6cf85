package expressions

import (
	"context"
	"errors"

	"github.com/itchyny/gojq"
)

// GoJQEngine evaluates jq filters with the state data as the input `.`.
// It is the default language of workflow definitions.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

// NewGoJQEngine creates a jq engine. Filters cannot read the process
// environment.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms("jq", compileJQ)}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs the filter and collapses its output stream: no output is
// nil, one output is returned as is, several are returned as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll returns every output of the filter. A `halt` stops the stream
// without error.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	input, err := Normalize(data)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				return results, nil
			}
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}
}

var _ Engine = (*GoJQEngine)(nil)
