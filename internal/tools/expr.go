package tools

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mirelk/stepflow/pkg/schema"
)

// EvalTool implements "expr.eval": evaluates an expr-lang expression with
// the "data" param injected as the environment, making its keys available
// as top-level variables. Compiled *vm.Program objects are cached and
// reused across goroutines.
type EvalTool struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvalTool creates the expr.eval tool.
func NewEvalTool() *EvalTool {
	return &EvalTool{
		cache: make(map[string]*vm.Program),
	}
}

func (t *EvalTool) Name() string { return "expr.eval" }

func (t *EvalTool) Description() string {
	return "Evaluate a deterministic expression with array, string, and nil-coalescing operations."
}

func (t *EvalTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr.eval: missing required param 'expression'")
	}

	prg, err := t.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := mapParam(params, "data")
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolFailed,
			"expr.eval: evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return map[string]any{"result": out}, nil
}

func (t *EvalTool) getOrCompile(expression string) (*vm.Program, error) {
	t.mu.RLock()
	if prg, ok := t.cache[expression]; ok {
		t.mu.RUnlock()
		return prg, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := t.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr.eval: compile error in %q: %s", expression, err.Error()).
			WithCause(err)
	}

	t.cache[expression] = prg
	return prg, nil
}
