package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mirelk/stepflow/pkg/schema"
)

// InputValidator checks execution input parameters against a template's
// declared parameters using JSON Schema Draft 2020-12. Compiled schemas
// are cached by their serialized form. Safe for concurrent use.
type InputValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewInputValidator creates an empty InputValidator.
func NewInputValidator() *InputValidator {
	return &InputValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ParameterSchema renders a template's declared parameters as a JSON
// Schema document: one property per parameter with its declared type, and
// a required list for the mandatory ones. Undeclared inputs are allowed;
// the scope simply carries them.
func ParameterSchema(tpl *schema.WorkflowTemplate) ([]byte, error) {
	props := make(map[string]any, len(tpl.Parameters))
	var required []string

	for name, spec := range tpl.Parameters {
		prop := map[string]any{}
		if t := normalizeType(spec.Type); t != "" {
			prop["type"] = t
		}
		props[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

// ValidateInputs validates the input parameters offered to an execution
// against the template's declared parameters. Templates without declared
// parameters accept anything.
func (v *InputValidator) ValidateInputs(tpl *schema.WorkflowTemplate, inputs map[string]any) error {
	if len(tpl.Parameters) == 0 {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	schemaBytes, err := ParameterSchema(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to build parameter schema").WithCause(err)
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}

	doc, err := toJSONValue(inputs)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input parameters").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a
// new one.
func (v *InputValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
	}

	// Each schema gets a unique URL to avoid compiler resource collisions.
	url := fmt.Sprintf("stepflow://parameters/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// normalizeType maps declared parameter types onto JSON Schema types.
// Unknown declarations leave the property unconstrained rather than
// rejecting templates written against a looser convention.
func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "string", "number", "integer", "boolean", "array", "object", "null":
		return strings.ToLower(strings.TrimSpace(t))
	case "str", "text":
		return "string"
	case "float", "double":
		return "number"
	case "int":
		return "integer"
	case "bool":
		return "boolean"
	case "list":
		return "array"
	case "dict", "map":
		return "object"
	}
	return ""
}

// toJSONValue round-trips a Go value through JSON encoding so numbers
// become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// carrying every leaf violation.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("input validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
