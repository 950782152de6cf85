package expressions

import (
	"sync"

	"github.com/rendis/cadenza/pkg/schema"
)

// programs caches compiled expressions of one language. Compilation errors
// are not cached.
type programs[P any] struct {
	lang    string
	compile func(expression string) (P, error)

	mu    sync.RWMutex
	cache map[string]P
}

func newPrograms[P any](lang string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{lang: lang, compile: compile, cache: make(map[string]P)}
}

// get returns the compiled program for expression, compiling it on first use.
func (c *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}

	c.mu.RLock()
	p, ok := c.cache[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cache[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return zero, compileError(c.lang, expression, err)
	}
	c.cache[expression] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// compileError reports a malformed expression as a validation failure.
func compileError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// evalError reports a runtime failure of a well-formed expression.
func evalError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}
