package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mirelk/stepflow/internal/logging"
	"github.com/mirelk/stepflow/internal/scope"
	"github.com/mirelk/stepflow/pkg/schema"
)

// dispatch runs one top-level step and returns the name of the next step,
// "" to fall through in list order, or "end" to complete. Failure policies
// (continue, step-name fallback) are resolved here; retry happens inside
// the action body.
func (e *Executor) dispatch(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (string, error) {
	ctx = logging.WithStepName(ctx, step.Name)
	switch step.Type {
	case schema.StepTypeCondition:
		result, err := e.runCondition(ctx, step, sc)
		if err != nil {
			return "", err
		}
		sc.SetStepResult(step.Name, result)
		if result["result"] == true {
			return step.OnTrue, nil
		}
		return step.OnFalse, nil

	case schema.StepTypeAction:
		result, err := e.runAction(ctx, step, sc)
		if err == nil {
			sc.SetStepResult(step.Name, result)
			return step.Successor(), nil
		}
		if isCancelled(err) {
			return "", err
		}
		return e.applyFailurePolicy(step, sc, err)

	case schema.StepTypeParallel, schema.StepTypeLoop, schema.StepTypeWorkflowLink:
		result, err := e.executeStep(ctx, step, sc)
		if err != nil {
			return "", err
		}
		sc.SetStepResult(step.Name, result)
		return step.Successor(), nil

	default:
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"unknown step type %q", step.Type).WithStep(step.Name)
	}
}

// applyFailurePolicy decides what a terminally failed action does next.
// "retry" has already spent its attempts by the time we get here, so it
// fails like the default policy does.
func (e *Executor) applyFailurePolicy(step *schema.StepDefinition, sc *scope.Scope, cause error) (string, error) {
	policy := step.OnFailure
	if policy == "" || policy == schema.OnFailureFail || policy == schema.OnFailureRetry {
		return "", cause
	}

	sc.SetStepResult(step.Name, map[string]any{
		"failed": true,
		"error":  cause.Error(),
	})
	sc.AddLogEntry("warn", fmt.Sprintf("step failed, applying on_failure=%s", policy), step.Name,
		map[string]any{"error": cause.Error()})

	if policy == schema.OnFailureContinue {
		return step.Successor(), nil
	}
	// Fallback step name.
	return policy, nil
}

// executeStep runs one step body without top-level control flow: it is the
// shared path for top-level steps, parallel siblings, and loop members.
func (e *Executor) executeStep(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (map[string]any, error) {
	ctx = logging.WithStepName(ctx, step.Name)
	switch step.Type {
	case schema.StepTypeAction:
		return e.runAction(ctx, step, sc)
	case schema.StepTypeCondition:
		return e.runCondition(ctx, step, sc)
	case schema.StepTypeParallel:
		return e.runParallel(ctx, step, sc)
	case schema.StepTypeLoop:
		return e.runLoop(ctx, step, sc)
	case schema.StepTypeWorkflowLink:
		return e.runWorkflowLink(ctx, step, sc)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"unknown step type %q", step.Type).WithStep(step.Name)
	}
}

// runAction invokes the step's tool, retrying per on_failure=retry with a
// fresh attempt record each time. Parameters are substituted once, before
// the first attempt.
func (e *Executor) runAction(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (map[string]any, error) {
	params := sc.SubstituteDeep(step.Parameters)

	maxAttempts := 1
	if step.OnFailure == schema.OnFailureRetry {
		maxAttempts = step.MaxAttempts(e.tpl.MaxRetries)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec := e.beginStepRecord(ctx, step, params, attempt, maxAttempts)
		result, err := e.invokeTool(ctx, step, params)
		e.endStepRecord(ctx, rec, result, err)

		if err == nil {
			return result, nil
		}
		lastErr = err
		if isCancelled(err) {
			return nil, err
		}

		if attempt < maxAttempts {
			e.logger.WarnContext(ctx, "step attempt failed, retrying",
				"attempt", attempt, "max_attempts", maxAttempts, "error", err)
			if werr := waitForRetry(ctx, attempt); werr != nil {
				return nil, werr
			}
		}
	}

	if maxAttempts > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step failed after %d attempts", maxAttempts).WithStep(step.Name).WithCause(lastErr)
	}
	return nil, lastErr
}

// invokeTool calls the tool under the step's deadline. Panics in tool code
// fail the attempt instead of tearing down the execution.
func (e *Executor) invokeTool(ctx context.Context, step *schema.StepDefinition, params map[string]any) (result map[string]any, err error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "tool panicked", "tool", step.ToolName, "panic", r)
			result = nil
			err = schema.NewErrorf(schema.ErrCodeToolFailed,
				"tool %s panicked: %v", step.ToolName, r).WithStep(step.Name)
		}
	}()

	result, err = e.tools.Invoke(stepCtx, step.ToolName, params)
	if err == nil {
		return result, nil
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, cancelledError(ctx)
	}
	if stepCtx.Err() == context.DeadlineExceeded || isTimeout(err) {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"step timed out after %s", step.Timeout()).WithStep(step.Name).WithCause(err)
	}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return nil, ee.WithStep(step.Name)
	}
	return nil, schema.NewErrorf(schema.ErrCodeToolFailed,
		"tool %s failed", step.ToolName).WithStep(step.Name).WithCause(err)
}

// runCondition substitutes and evaluates the branch expression. Evaluation
// failures fail the step; there is no silent false branch.
func (e *Executor) runCondition(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (map[string]any, error) {
	substituted := sc.Substitute(step.Condition)

	rec := e.beginStepRecord(ctx, step, map[string]any{"condition": substituted}, 1, 1)
	value, err := evaluateCondition(substituted)
	if err != nil {
		var ee *schema.EngineError
		if errors.As(err, &ee) {
			err = ee.WithStep(step.Name)
		}
		e.endStepRecord(ctx, rec, nil, err)
		return nil, err
	}

	result := map[string]any{"condition": substituted, "result": value}
	e.endStepRecord(ctx, rec, result, nil)
	return result, nil
}

// runParallel executes every sibling concurrently on the shared scope. All
// siblings are attempted regardless of failures; the group fails if any
// sibling failed.
func (e *Executor) runParallel(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (map[string]any, error) {
	rec := e.beginStepRecord(ctx, step, nil, 1, 1)

	errs := make([]error, len(step.ParallelSteps))
	var wg sync.WaitGroup
	for i, name := range step.ParallelSteps {
		member := e.tpl.Step(name)
		if member == nil {
			errs[i] = schema.NewErrorf(schema.ErrCodeExecution,
				"parallel references unknown step %q", name).WithStep(step.Name)
			continue
		}

		wg.Add(1)
		go func(i int, member *schema.StepDefinition) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = schema.NewErrorf(schema.ErrCodeExecution,
						"step panicked: %v", r).WithStep(member.Name)
				}
			}()

			result, err := e.executeStep(ctx, member, sc)
			if err != nil {
				errs[i] = err
				return
			}
			sc.SetStepResult(member.Name, result)
		}(i, member)
	}
	wg.Wait()

	var failed []string
	for i, err := range errs {
		if err == nil {
			continue
		}
		if isCancelled(err) {
			e.endStepRecord(ctx, rec, nil, err)
			return nil, err
		}
		failed = append(failed, step.ParallelSteps[i])
	}

	if len(failed) > 0 {
		msgs := make(map[string]any, len(failed))
		for i, err := range errs {
			if err != nil {
				msgs[step.ParallelSteps[i]] = err.Error()
			}
		}
		err := schema.NewErrorf(schema.ErrCodeExecution,
			"parallel group failed: %s", strings.Join(failed, ", ")).
			WithStep(step.Name).WithDetails(map[string]any{"errors": msgs})
		e.endStepRecord(ctx, rec, nil, err)
		return nil, err
	}

	result := map[string]any{
		"completed": len(step.ParallelSteps),
		"failed":    0,
	}
	e.endStepRecord(ctx, rec, result, nil)
	return result, nil
}

// runLoop iterates the resolved sequence, running the member steps under a
// per-iteration loop binding. Iterations continue past failures; the loop
// fails afterwards if any iteration failed.
func (e *Executor) runLoop(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (map[string]any, error) {
	rec := e.beginStepRecord(ctx, step, map[string]any{"loop_over": step.LoopOver}, 1, 1)

	raw, ok := sc.ResolveValue(step.LoopOver)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeExecution,
			"loop_over %q did not resolve", step.LoopOver).WithStep(step.Name)
		e.endStepRecord(ctx, rec, nil, err)
		return nil, err
	}
	items, ok := raw.([]any)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeExecution,
			"loop_over %q resolved to %T, want a sequence", step.LoopOver, raw).WithStep(step.Name)
		e.endStepRecord(ctx, rec, nil, err)
		return nil, err
	}

	truncated := false
	if limit := step.IterationCap(); len(items) > limit {
		items = items[:limit]
		truncated = true
	}

	iterations := make([]any, 0, len(items))
	failures := 0
	for i, item := range items {
		if ctx.Err() != nil {
			err := cancelledError(ctx)
			e.endStepRecord(ctx, rec, nil, err)
			return nil, err
		}

		iterScope := sc.WithLoop(item, i, step.ItemVariable)
		iteration := map[string]any{"index": i}
		var iterErr error
		for _, name := range step.LoopSteps {
			member := e.tpl.Step(name)
			if member == nil {
				iterErr = schema.NewErrorf(schema.ErrCodeExecution,
					"loop references unknown step %q", name).WithStep(step.Name)
				break
			}
			result, err := e.executeStep(ctx, member, iterScope)
			if err != nil {
				if isCancelled(err) {
					e.endStepRecord(ctx, rec, nil, err)
					return nil, err
				}
				iterErr = err
				break
			}
			iterScope.SetStepResult(member.Name, result)
			iteration[name] = result
		}
		if iterErr != nil {
			failures++
			iteration["error"] = iterErr.Error()
		}
		iterations = append(iterations, iteration)
	}

	result := map[string]any{
		"iterations": len(items),
		"failed":     failures,
		"results":    iterations,
	}
	if truncated {
		result["truncated"] = true
	}

	if failures > 0 {
		err := schema.NewErrorf(schema.ErrCodeExecution,
			"loop failed: %d of %d iterations failed", failures, len(items)).
			WithStep(step.Name).WithDetails(result)
		e.endStepRecord(ctx, rec, nil, err)
		return nil, err
	}

	e.endStepRecord(ctx, rec, result, nil)
	return result, nil
}

// runWorkflowLink starts the linked template as a child execution through
// the coordinator and blocks until it reaches a terminal state.
func (e *Executor) runWorkflowLink(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (map[string]any, error) {
	rec := e.beginStepRecord(ctx, step, nil, 1, 1)
	result, err := e.executeWorkflowLink(ctx, step, sc)
	e.endStepRecord(ctx, rec, result, err)
	return result, err
}

func (e *Executor) executeWorkflowLink(ctx context.Context, step *schema.StepDefinition, sc *scope.Scope) (map[string]any, error) {
	if e.children == nil {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"nested workflows are not supported in this configuration").WithStep(step.Name)
	}

	var (
		linked *schema.WorkflowTemplate
		err    error
	)
	if step.WorkflowID != "" {
		linked, err = e.repo.GetTemplate(ctx, step.WorkflowID)
	} else {
		linked, err = e.repo.GetTemplateByName(ctx, step.WorkflowName)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"linked workflow not found").WithStep(step.Name).WithCause(err)
	}

	inputs := make(map[string]any, len(step.InputMapping))
	for key, expr := range step.InputMapping {
		if raw, ok := sc.ResolveValue(expr); ok {
			inputs[key] = raw
		} else {
			inputs[key] = sc.Substitute(expr)
		}
	}

	child, err := e.children.StartChild(ctx, linked, inputs, e.exec.ID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution,
			"failed to start linked workflow").WithStep(step.Name).WithCause(err)
	}
	final, err := e.children.AwaitTerminal(ctx, child.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledError(ctx)
		}
		return nil, schema.NewError(schema.ErrCodeExecution,
			"linked workflow did not finish").WithStep(step.Name).WithCause(err)
	}

	if final.Status != schema.ExecutionStatusCompleted {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"linked workflow %s ended %s: %s", final.ID, final.Status, final.ErrorMessage).
			WithStep(step.Name)
	}

	return map[string]any{
		"execution_id": final.ID,
		"status":       string(final.Status),
		"output":       final.OutputData,
	}, nil
}
