package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mirelk/stepflow/pkg/schema"
)

// AssertTool implements "assert.check": evaluates a CEL predicate against
// the "data" param and fails the step when it does not hold. The sandboxed
// environment exposes a single top-level variable:
//
//	data: map(string, dyn)
//
// Compiled programs are cached and reused across goroutines.
type AssertTool struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewAssertTool creates the assert.check tool.
func NewAssertTool() (*AssertTool, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &AssertTool{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (t *AssertTool) Name() string { return "assert.check" }

func (t *AssertTool) Description() string {
	return "Assert that a CEL predicate holds over the provided data."
}

func (t *AssertTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	condition := stringParam(params, "condition", "")
	if condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.check: missing required param 'condition'")
	}

	prg, err := t.getOrCompile(condition)
	if err != nil {
		return nil, err
	}

	data := mapParam(params, "data")
	if data == nil {
		data = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{"data": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed,
			"assert.check: evaluation failed for %q: %s", condition, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"condition": condition})
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed,
			"assert.check: condition %q did not evaluate to a boolean", condition)
	}

	if !passed {
		msg := stringParam(params, "message", fmt.Sprintf("assertion %q failed", condition))
		return nil, schema.NewError(schema.ErrCodeToolFailed, "assert.check: "+msg).
			WithDetails(map[string]any{"condition": condition})
	}
	return map[string]any{"passed": true}, nil
}

func (t *AssertTool) getOrCompile(condition string) (cel.Program, error) {
	t.mu.RLock()
	if prg, ok := t.cache[condition]; ok {
		t.mu.RUnlock()
		return prg, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := t.cache[condition]; ok {
		return prg, nil
	}

	ast, issues := t.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.check: compile error in %q: %s", condition, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := t.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.check: program error for %q: %s", condition, err.Error()).
			WithCause(err)
	}

	t.cache[condition] = prg
	return prg, nil
}
