// Package validation implements structural validation of workflow
// templates: a pure function over a template that reports errors and
// warnings without side effects or I/O. Execution is refused while any
// error-severity issue is present; warnings never block.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mirelk/stepflow/internal/scope"
	"github.com/mirelk/stepflow/pkg/schema"
)

// Soft-signal thresholds.
const (
	complexityThreshold = 20
	longTimeoutSeconds  = 3600
)

// semverRE accepts MAJOR.MINOR.PATCH with optional pre-release and build
// suffixes, with or without a leading v.
var semverRE = regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:-[0-9A-Za-z.\-]+)?(?:\+[0-9A-Za-z.\-]+)?$`)

// ToolCatalog exposes the tool names known to the invocation surface.
// A nil catalog disables the UNKNOWN_TOOL soft check.
type ToolCatalog interface {
	HasTool(name string) bool
}

// Options tunes the optional checks of a validation run.
type Options struct {
	ToolCatalog ToolCatalog
}

// Validate runs every structural check against the template and returns
// the aggregated result. It is idempotent and safe to call repeatedly;
// the coordinator calls it before every execution start.
func Validate(tpl *schema.WorkflowTemplate, opts Options) *schema.ValidationResult {
	res := &schema.ValidationResult{}

	if tpl == nil || len(tpl.Steps) == 0 {
		res.AddError(schema.CodeEmptyWorkflow, "workflow template has no steps", "")
		return res
	}

	checkVersion(tpl, res)
	checkStepNames(tpl, res)
	checkVariants(tpl, res, opts.ToolCatalog)
	checkReferences(tpl, res)
	checkCycles(tpl, res)
	checkParameters(tpl, res)
	checkComplexity(tpl, res)

	return res
}

func checkVersion(tpl *schema.WorkflowTemplate, res *schema.ValidationResult) {
	if !semverRE.MatchString(tpl.Version) {
		res.AddError(schema.CodeInvalidVersion,
			fmt.Sprintf("version %q is not a valid semantic version", tpl.Version), "")
	}
}

func checkStepNames(tpl *schema.WorkflowTemplate, res *schema.ValidationResult) {
	seen := make(map[string]struct{}, len(tpl.Steps))
	for _, step := range tpl.Steps {
		if step.Name == "" {
			res.AddError(schema.CodeEmptyStepName, "step has no name", "")
			continue
		}
		if step.Name == schema.EndStepName {
			res.AddError(schema.CodeDuplicateStepName,
				fmt.Sprintf("step name %q is reserved", schema.EndStepName), step.Name)
			continue
		}
		if _, dup := seen[step.Name]; dup {
			res.AddError(schema.CodeDuplicateStepName,
				fmt.Sprintf("step name %q is used more than once", step.Name), step.Name)
			continue
		}
		seen[step.Name] = struct{}{}
	}
}

// checkVariants enforces the per-variant validity rules of the step union
// and emits the per-step soft signals that need the step in hand.
func checkVariants(tpl *schema.WorkflowTemplate, res *schema.ValidationResult, catalog ToolCatalog) {
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		switch step.Type {
		case schema.StepTypeAction:
			if strings.TrimSpace(step.ToolName) == "" {
				res.AddError(schema.CodeEmptyToolName,
					"action step requires a non-empty tool_name", step.Name)
			} else if catalog != nil && !catalog.HasTool(step.ToolName) {
				res.AddWarning(schema.CodeUnknownTool,
					fmt.Sprintf("tool %q is not registered with the invocation surface", step.ToolName), step.Name)
			}

		case schema.StepTypeCondition:
			if strings.TrimSpace(step.Condition) == "" {
				res.AddError(schema.CodeEmptyCondition,
					"condition step requires a non-empty condition expression", step.Name)
			}
			if step.OnTrue == "" || step.OnFalse == "" {
				res.AddError(schema.CodeEmptyConditionBranch,
					"condition step requires both on_true and on_false branches", step.Name)
			}

		case schema.StepTypeParallel:
			if len(step.ParallelSteps) == 0 {
				res.AddError(schema.CodeEmptyParallelSteps,
					"parallel step requires a non-empty parallel_steps list", step.Name)
			}

		case schema.StepTypeLoop:
			if strings.TrimSpace(step.LoopOver) == "" {
				res.AddError(schema.CodeEmptyLoopCondition,
					"loop step requires a non-empty loop_over expression", step.Name)
			}
			if len(step.LoopSteps) == 0 {
				res.AddError(schema.CodeEmptyLoopSteps,
					"loop step requires a non-empty loop_steps list", step.Name)
			}

		case schema.StepTypeWorkflowLink:
			if step.WorkflowID == "" && step.WorkflowName == "" {
				res.AddError(schema.CodeEmptyWorkflowID,
					"workflow_link step requires workflow_id or workflow_name", step.Name)
			}

		default:
			res.AddError(schema.CodeUnknownStepType,
				fmt.Sprintf("unknown step type %q", step.Type), step.Name)
		}

		if step.TimeoutSeconds > longTimeoutSeconds {
			res.AddWarning(schema.CodeLongStepTimeout,
				fmt.Sprintf("step timeout of %ds exceeds one hour", step.TimeoutSeconds), step.Name)
		}
	}
}

// checkReferences verifies every forward reference resolves to an existing
// step or the reserved terminal name.
func checkReferences(tpl *schema.WorkflowTemplate, res *schema.ValidationResult) {
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		for _, ref := range controlRefs(step) {
			if !tpl.HasStep(ref) {
				res.AddError(schema.CodeInvalidStepReference,
					fmt.Sprintf("reference to unknown step %q", ref), step.Name)
			}
		}
		for _, ref := range memberRefs(step) {
			if ref == schema.EndStepName || tpl.StepIndex(ref) < 0 {
				res.AddError(schema.CodeInvalidStepReference,
					fmt.Sprintf("member list names unknown step %q", ref), step.Name)
			}
		}
	}
}

func checkCycles(tpl *schema.WorkflowTemplate, res *schema.ValidationResult) {
	if cycle := detectCycle(tpl); len(cycle) > 0 {
		res.AddError(schema.CodeCircularReference,
			fmt.Sprintf("step references form a cycle: %s", strings.Join(cycle, " -> ")), cycle[0])
	}
}

// checkParameters is the strict counterpart of runtime substitution: every
// token naming workflow.parameters.X must have X declared, and declared
// parameters that no step configuration references produce a warning.
func checkParameters(tpl *schema.WorkflowTemplate, res *schema.ValidationResult) {
	used := make(map[string]struct{})

	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		for _, text := range configStrings(step) {
			for _, tok := range scope.Tokens(text) {
				name, ok := parameterRef(tok.Path)
				if !ok {
					continue
				}
				if _, declared := tpl.Parameters[name]; !declared {
					res.AddError(schema.CodeUndefinedParameter,
						fmt.Sprintf("reference to undeclared parameter %q", name), step.Name)
					continue
				}
				used[name] = struct{}{}
			}
		}
	}

	for name := range tpl.Parameters {
		if _, ok := used[name]; !ok {
			res.AddWarning(schema.CodeUnusedParameter,
				fmt.Sprintf("declared parameter %q is never referenced", name), "")
		}
	}
}

func checkComplexity(tpl *schema.WorkflowTemplate, res *schema.ValidationResult) {
	if n := len(tpl.Steps); n > complexityThreshold {
		res.AddWarning(schema.CodeHighComplexity,
			fmt.Sprintf("template has %d steps; consider splitting into linked workflows", n), "")
	}
}

// parameterRef extracts the parameter name from a workflow.parameters.X
// token path. Deeper paths (workflow.parameters.X.field) still reference X.
func parameterRef(path string) (string, bool) {
	const prefix = "workflow.parameters."
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if rest == "" {
		return "", false
	}
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	return rest, rest != ""
}

// configStrings collects every string in a step's configuration that may
// carry substitution tokens.
func configStrings(step *schema.StepDefinition) []string {
	out := make([]string, 0, 4)
	out = appendStrings(out, step.Parameters)
	if step.Condition != "" {
		out = append(out, step.Condition)
	}
	if step.LoopOver != "" {
		out = append(out, step.LoopOver)
	}
	for _, expr := range step.InputMapping {
		out = append(out, expr)
	}
	return out
}

func appendStrings(out []string, v any) []string {
	switch val := v.(type) {
	case string:
		out = append(out, val)
	case map[string]any:
		for _, item := range val {
			out = appendStrings(out, item)
		}
	case map[string]string:
		for _, item := range val {
			out = append(out, item)
		}
	case []any:
		for _, item := range val {
			out = appendStrings(out, item)
		}
	}
	return out
}
