package tools

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/mirelk/stepflow/pkg/schema"
)

// TransformTool implements "json.transform": evaluates a jq expression
// against the "data" param for filtering, reshaping, and aggregating step
// outputs. Compiled *gojq.Code objects are cached and reused across
// goroutines.
type TransformTool struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformTool creates the json.transform tool.
func NewTransformTool() *TransformTool {
	return &TransformTool{
		cache: make(map[string]*gojq.Code),
	}
}

func (t *TransformTool) Name() string { return "json.transform" }

func (t *TransformTool) Description() string {
	return "Transform JSON data with a jq expression."
}

// Execute evaluates the jq expression. jq programs can produce multiple
// outputs: one output is returned directly, several are collected into a
// slice.
func (t *TransformTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "json.transform: missing required param 'expression'")
	}

	code, err := t.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(params["data"]))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeToolFailed,
				"json.transform: evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	var out any
	switch len(results) {
	case 0:
		out = nil
	case 1:
		out = results[0]
	default:
		out = results
	}
	return map[string]any{"result": out}, nil
}

func (t *TransformTool) getOrCompile(expression string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[expression]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := t.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"json.transform: parse error in %q: %s", expression, err.Error()).
			WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"json.transform: compile error in %q: %s", expression, err.Error()).
			WithCause(err)
	}

	t.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go integer types to float64, matching jq's native
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
