package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/cadenza/pkg/schema"
)

// DefaultLanguage is used when a workflow does not name an expression language.
const DefaultLanguage = "jq"

// Evaluator wraps an Engine with the runtime conventions for workflow
// expressions: "${ ... }" delimiters, boolean conditions and object templates.
type Evaluator struct {
	engine Engine
}

// NewEvaluator wraps engine.
func NewEvaluator(engine Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// Language returns the underlying engine name.
func (e *Evaluator) Language() string {
	return e.engine.Name()
}

// Evaluate evaluates expression against data. Surrounding "${ }" delimiters
// are optional.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, data any) (any, error) {
	expr, _ := Unwrap(expression)
	input, err := Normalize(data)
	if err != nil {
		return nil, err
	}
	return e.engine.Evaluate(ctx, expr, input)
}

// EvaluateCondition evaluates expression and requires a boolean result.
func (e *Evaluator) EvaluateCondition(ctx context.Context, expression string, data any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q evaluated to %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// EvaluateObject walks template and replaces every "${ ... }" string with the
// result of evaluating it against data. Other values are copied as-is.
func (e *Evaluator) EvaluateObject(ctx context.Context, template any, data any) (any, error) {
	input, err := Normalize(data)
	if err != nil {
		return nil, err
	}
	return e.evaluateObject(ctx, template, input)
}

func (e *Evaluator) evaluateObject(ctx context.Context, template any, data any) (any, error) {
	switch v := template.(type) {
	case string:
		expr, ok := Unwrap(v)
		if !ok {
			return v, nil
		}
		return e.engine.Evaluate(ctx, expr, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			res, err := e.evaluateObject(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			res, err := e.evaluateObject(ctx, item, data)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

// Unwrap strips "${" and "}" around an expression. The boolean reports whether
// delimiters were present.
func Unwrap(expression string) (string, bool) {
	s := strings.TrimSpace(expression)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return strings.TrimSpace(s[2 : len(s)-1]), true
	}
	return s, false
}

// Normalize converts arbitrary Go values into plain JSON values (maps, slices,
// float64, string, bool, nil) so every engine sees the same shapes.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "value of type %T is not JSON serializable", v).WithCause(err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "normalize value").WithCause(err)
	}
	return out, nil
}

// Provider hands out one Evaluator per expression language.
type Provider struct {
	mu         sync.RWMutex
	evaluators map[string]*Evaluator
	fallback   string
}

// NewProvider creates a provider with the jq, cel and expr engines registered.
// defaultLang selects the evaluator used for an empty language name.
func NewProvider(defaultLang string) (*Provider, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	if defaultLang == "" {
		defaultLang = DefaultLanguage
	}
	p := &Provider{evaluators: map[string]*Evaluator{}, fallback: defaultLang}
	p.Register(NewGoJQEngine())
	p.Register(cel)
	p.Register(NewExprEngine())
	if _, ok := p.evaluators[defaultLang]; !ok {
		return nil, fmt.Errorf("unknown default expression language %q", defaultLang)
	}
	return p, nil
}

// Register adds or replaces the evaluator for engine.Name().
func (p *Provider) Register(engine Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluators[engine.Name()] = NewEvaluator(engine)
}

// Get returns the evaluator for lang.
func (p *Provider) Get(lang string) (*Evaluator, error) {
	if lang == "" {
		lang = p.fallback
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.evaluators[strings.ToLower(lang)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported expression language %q", lang)
	}
	return ev, nil
}

// HasLanguage reports whether an evaluator is registered for lang.
func (p *Provider) HasLanguage(lang string) bool {
	_, err := p.Get(lang)
	return err == nil
}

// Languages lists the registered language names.
func (p *Provider) Languages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.evaluators))
	for name := range p.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
