package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadenza/pkg/schema"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider("")
	require.NoError(t, err)
	return p
}

func evaluator(t *testing.T, lang string) *Evaluator {
	t.Helper()
	ev, err := newProvider(t).Get(lang)
	require.NoError(t, err)
	return ev
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wrapped bool
	}{
		{"${ .x > 1 }", ".x > 1", true},
		{"${.name}", ".name", true},
		{".x", ".x", false},
		{"  ${ .a }  ", ".a", true},
		{"plain text", "plain text", false},
	}
	for _, tt := range tests {
		got, wrapped := Unwrap(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.wrapped, wrapped, tt.in)
	}
}

func TestProvider_Get(t *testing.T) {
	p := newProvider(t)

	for _, lang := range []string{"jq", "cel", "expr", "CEL"} {
		ev, err := p.Get(lang)
		require.NoError(t, err, lang)
		assert.NotNil(t, ev)
	}

	ev, err := p.Get("")
	require.NoError(t, err)
	assert.Equal(t, "jq", ev.Language())

	_, err = p.Get("javascript")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewProvider("lua")
	assert.Error(t, err)
}

func TestProvider_Languages(t *testing.T) {
	p := newProvider(t)

	assert.Equal(t, []string{"cel", "expr", "jq"}, p.Languages())
	assert.True(t, p.HasLanguage("jq"))
	assert.True(t, p.HasLanguage(""))
	assert.False(t, p.HasLanguage("javascript"))
}

func TestEvaluateCondition_AllLanguages(t *testing.T) {
	data := map[string]any{"x": 1, "name": "ada"}
	tests := []struct {
		lang string
		expr string
		want bool
	}{
		{"jq", "${ .x > 1 }", false},
		{"jq", ".x == 1", true},
		{"cel", "${ data.x > 1 }", false},
		{"cel", `data.name == "ada"`, true},
		{"expr", "${ x > 1 }", false},
		{"expr", `data.name == "ada"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.expr, func(t *testing.T) {
			got, err := evaluator(t, tt.lang).EvaluateCondition(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_NonBoolean(t *testing.T) {
	_, err := evaluator(t, "jq").EvaluateCondition(context.Background(), ".name", map[string]any{"name": "ada"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestEvaluate_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := evaluator(t, "jq").Evaluate(ctx, ".[", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "parse errors are validation errors")

	_, err = evaluator(t, "jq").Evaluate(ctx, `error("boom")`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = evaluator(t, "cel").Evaluate(ctx, "data.missing.deeper", map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = evaluator(t, "jq").Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEvaluate_NormalizesInput(t *testing.T) {
	type payload struct {
		Count int    `json:"count"`
		Label string `json:"label"`
	}
	out, err := evaluator(t, "jq").Evaluate(context.Background(), ".count + 1", payload{Count: 41, Label: "x"})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_MultipleResults(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), ".items[]", map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)

	out, err = NewGoJQEngine().Evaluate(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEvaluateObject(t *testing.T) {
	data := map[string]any{"user": map[string]any{"name": "ada", "age": 36}}
	template := map[string]any{
		"greeting": `${ "hello " + .user.name }`,
		"static":   "unchanged",
		"nested": map[string]any{
			"age":  "${ .user.age }",
			"list": []any{"${ .user.name }", 7},
		},
	}

	out, err := evaluator(t, "jq").EvaluateObject(context.Background(), template, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"greeting": "hello ada",
		"static":   "unchanged",
		"nested": map[string]any{
			"age":  float64(36),
			"list": []any{"ada", 7},
		},
	}, out)
}

func TestEvaluateObject_PropagatesErrors(t *testing.T) {
	_, err := evaluator(t, "jq").EvaluateObject(context.Background(), map[string]any{"bad": "${ .[ }"}, nil)
	assert.Error(t, err)
}

func TestEngines_ConcurrentCache(t *testing.T) {
	ev := evaluator(t, "expr")
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := ev.Evaluate(context.Background(), "n * 2", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, float64(n*2), out)
		}(i)
	}
	wg.Wait()
}

func TestPrograms_CachesSuccessfulCompiles(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".a", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), ".a", map[string]any{"a": 2})
	require.NoError(t, err)
	_, err = e.Evaluate(context.Background(), ".[", nil)
	require.Error(t, err)

	assert.Equal(t, 1, e.programs.len())

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
