package expressions

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/relay/pkg/schema"
)

// DefaultCacheSize bounds how many compiled programs each engine keeps.
const DefaultCacheSize = 256

// Engine evaluates an expression against a data document. The document
// handed to builtin handlers has three keys: payload, params and action.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache is a bounded compile cache shared by the engines.
type programCache[P any] struct {
	lru *lru.Cache[string, P]
}

func newProgramCache[P any](size int) *programCache[P] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, P](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &programCache[P]{lru: c}
}

// getOrCompile returns the cached program for expression or compiles and
// stores a new one. Concurrent misses may compile twice; the last one wins.
func (c *programCache[P]) getOrCompile(expression string, compile func(string) (P, error)) (P, error) {
	if p, ok := c.lru.Get(expression); ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		var zero P
		return zero, err
	}
	c.lru.Add(expression, p)
	return p, nil
}

func (c *programCache[P]) len() int { return c.lru.Len() }

func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
