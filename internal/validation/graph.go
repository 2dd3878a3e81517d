package validation

import "github.com/mirelk/stepflow/pkg/schema"

// controlRefs returns the control-flow successors a step declares:
// next_step/on_success, condition branches, and a step-name on_failure
// fallback. These are the edges the execution walk can actually follow.
func controlRefs(step *schema.StepDefinition) []string {
	var refs []string
	if step.NextStep != "" {
		refs = append(refs, step.NextStep)
	}
	if step.OnSuccess != "" {
		refs = append(refs, step.OnSuccess)
	}
	if step.OnTrue != "" {
		refs = append(refs, step.OnTrue)
	}
	if step.OnFalse != "" {
		refs = append(refs, step.OnFalse)
	}
	if step.OnFailure != "" && !schema.IsFailurePolicy(step.OnFailure) {
		refs = append(refs, step.OnFailure)
	}
	return refs
}

// memberRefs returns the sibling step names owned by a fan-out step.
// Members are dispatched by their owner, not by the main walk, so they are
// reference-checked but contribute no walk edges.
func memberRefs(step *schema.StepDefinition) []string {
	switch step.Type {
	case schema.StepTypeParallel:
		return step.ParallelSteps
	case schema.StepTypeLoop:
		return step.LoopSteps
	}
	return nil
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the recursion stack
	colorBlack        // fully explored
)

// detectCycle runs a depth-first traversal with an explicit recursion
// stack over the control-flow graph and returns the first cycle found as
// its closing path of step names, or nil when the graph is acyclic.
// References to "end" or to unknown steps contribute no edges; the
// reference checker reports the latter separately.
func detectCycle(tpl *schema.WorkflowTemplate) []string {
	colors := make(map[string]int, len(tpl.Steps))
	stack := make([]string, 0, len(tpl.Steps))
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		colors[name] = colorGray
		stack = append(stack, name)

		if step := tpl.Step(name); step != nil {
			for _, ref := range controlRefs(step) {
				if ref == schema.EndStepName || tpl.StepIndex(ref) < 0 {
					continue
				}
				switch colors[ref] {
				case colorGray:
					for i, onStack := range stack {
						if onStack == ref {
							cycle = append(append(cycle, stack[i:]...), ref)
							return true
						}
					}
				case colorWhite:
					if visit(ref) {
						return true
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[name] = colorBlack
		return false
	}

	for i := range tpl.Steps {
		name := tpl.Steps[i].Name
		if name == "" || colors[name] != colorWhite {
			continue
		}
		if visit(name) {
			return cycle
		}
	}
	return nil
}
