// Package engine executes workflow templates: a per-execution walker that
// dispatches the step variants, enforces retry, timeout, and lifecycle
// semantics, and a coordinator that owns the set of live executions.
package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/mirelk/stepflow/internal/scope"
	"github.com/mirelk/stepflow/internal/store"
	"github.com/mirelk/stepflow/internal/tools"
	"github.com/mirelk/stepflow/pkg/schema"
)

// ChildRunner starts and awaits nested executions for workflow_link steps.
// The coordinator implements it; executors never spawn siblings directly.
type ChildRunner interface {
	StartChild(ctx context.Context, tpl *schema.WorkflowTemplate, inputs map[string]any, parentID string) (*schema.WorkflowExecution, error)
	AwaitTerminal(ctx context.Context, executionID string) (*schema.WorkflowExecution, error)
}

// Executor drives a single workflow execution from pending to a terminal
// state. It is created by the coordinator and runs on its own goroutine;
// nothing else mutates the execution record while it is live.
type Executor struct {
	repo     store.Repository
	tools    tools.Executor
	children ChildRunner
	emit     func(msg schema.Message)
	logger   *slog.Logger

	tpl    *schema.WorkflowTemplate
	exec   *schema.WorkflowExecution
	gate   *pauseGate
	sc     *scope.Scope
	status schema.ExecutionStatus

	// members holds every step name owned by a parallel or loop step.
	// The main walk skips them; their owner dispatches them.
	members map[string]struct{}
}

func newExecutor(
	repo store.Repository,
	toolExec tools.Executor,
	children ChildRunner,
	emit func(msg schema.Message),
	logger *slog.Logger,
	tpl *schema.WorkflowTemplate,
	exec *schema.WorkflowExecution,
	gate *pauseGate,
) *Executor {
	members := make(map[string]struct{})
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		for _, name := range step.ParallelSteps {
			members[name] = struct{}{}
		}
		for _, name := range step.LoopSteps {
			members[name] = struct{}{}
		}
	}

	sc := scope.New(exec.InputParameters, map[string]any{
		"id":                   exec.ID,
		"workflow_template_id": exec.WorkflowTemplateID,
		"triggered_by":         exec.TriggeredBy,
		"status":               string(exec.Status),
	})

	if emit == nil {
		emit = func(schema.Message) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		repo:     repo,
		tools:    toolExec,
		children: children,
		emit:     emit,
		logger:   logger,
		tpl:      tpl,
		exec:     exec,
		gate:     gate,
		sc:       sc,
		status:   exec.Status,
		members:  members,
	}
}

// Run executes the workflow to a terminal state. It never returns an
// error; every outcome is persisted and broadcast.
func (e *Executor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "execution panicked",
				"panic", r, "stack", string(debug.Stack()))
			e.finish(context.WithoutCancel(ctx), schema.ExecutionStatusFailed,
				nil, schema.NewErrorf(schema.ErrCodeExecution, "internal panic: %v", r))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.tpl.WorkflowTimeout())
	defer cancel()

	if err := e.transition(runCtx, schema.ExecutionStatusRunning); err != nil {
		e.logger.ErrorContext(runCtx, "failed to start execution", "error", err)
		e.finish(context.WithoutCancel(ctx), schema.ExecutionStatusFailed, nil, err)
		return
	}
	e.emitStatus()

	err := e.walk(runCtx)

	final := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		e.finish(final, schema.ExecutionStatusCompleted, e.foldOutputs(), nil)
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		e.finish(final, schema.ExecutionStatusFailed, nil,
			schema.NewErrorf(schema.ErrCodeTimeout, "workflow timed out after %s", e.tpl.WorkflowTimeout()))
	case isCancelled(err):
		e.finish(final, schema.ExecutionStatusCancelled, nil, err)
	default:
		e.finish(final, schema.ExecutionStatusFailed, nil, err)
	}
}

// walk advances through the step list. List order is the default; explicit
// successors, condition branches, and failure fallbacks jump; "end"
// completes. Steps owned by a parallel or loop are skipped here.
func (e *Executor) walk(ctx context.Context) error {
	idx := 0
	completed := 0
	for idx < len(e.tpl.Steps) {
		if err := e.checkpoint(ctx); err != nil {
			return err
		}

		step := &e.tpl.Steps[idx]
		if _, member := e.members[step.Name]; member {
			idx++
			continue
		}

		next, err := e.dispatch(ctx, step, e.sc)
		if err != nil {
			return err
		}
		completed++
		e.reportProgress(ctx, idx, completed)

		switch {
		case next == schema.EndStepName:
			return nil
		case next == "":
			idx++
		default:
			j := e.tpl.StepIndex(next)
			if j < 0 {
				return schema.NewErrorf(schema.ErrCodeExecution,
					"reference to unknown step %q", next).WithStep(step.Name)
			}
			idx = j
		}
	}
	return nil
}

// checkpoint is the cooperative cancel and pause point between top-level
// steps. A paused execution persists its status, parks on the gate, and
// transitions back to running on resume.
func (e *Executor) checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return cancelledError(ctx)
	}
	if !e.gate.Paused() {
		return nil
	}

	if err := e.transition(ctx, schema.ExecutionStatusPaused); err == nil {
		e.emitStatus()
	}
	if err := e.gate.Wait(ctx); err != nil {
		return err
	}
	if err := e.transition(ctx, schema.ExecutionStatusRunning); err == nil {
		e.emitStatus()
	}
	return nil
}

// transition validates and persists an execution status change.
func (e *Executor) transition(ctx context.Context, to schema.ExecutionStatus) error {
	if err := ValidateTransition(e.status, to); err != nil {
		return err
	}

	update := store.ExecutionUpdate{Status: &to}
	if to == schema.ExecutionStatusRunning && e.status == schema.ExecutionStatusPending {
		now := time.Now().UTC()
		update.StartedAt = &now
	}
	if err := e.repo.UpdateExecution(ctx, e.exec.ID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to persist execution status").WithCause(err)
	}

	e.status = to
	e.exec.Status = to
	e.sc.SetExecutionValue("status", string(to))
	return nil
}

// finish moves the execution to a terminal state. Safe against double
// finishes: an already-terminal execution is left untouched.
func (e *Executor) finish(ctx context.Context, status schema.ExecutionStatus, outputs map[string]any, cause error) {
	if !CanTransition(e.status, status) {
		if e.status != status {
			e.logger.WarnContext(ctx, "suppressing illegal terminal transition",
				"from", e.status, "to", status)
		}
		return
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{Status: &status, CompletedAt: &now}
	if outputs != nil {
		update.OutputData = outputs
	}
	if cause != nil {
		msg := cause.Error()
		update.ErrorMessage = &msg
	}
	if status == schema.ExecutionStatusCompleted {
		progress := 100.0
		update.ProgressPercentage = &progress
	}

	if err := e.repo.UpdateExecution(ctx, e.exec.ID, update); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist terminal status",
			"status", status, "error", err)
	}
	e.status = status
	e.exec.Status = status
	e.exec.OutputData = outputs

	data := map[string]any{"status": string(status)}
	if outputs != nil {
		data["output_data"] = outputs
	}
	if cause != nil {
		data["error_message"] = cause.Error()
	}
	e.emit(schema.NewMessage(schema.MessageExecutionCompleted, e.exec.ID, data))

	level := slog.LevelInfo
	if status == schema.ExecutionStatusFailed {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "execution finished",
		"status", status, "workflow", e.tpl.Name)
}

// reportProgress persists and broadcasts the walk position after a
// top-level step. Progress counts dispatched steps rather than the list
// position, so a fallback jump to an earlier step never moves it backwards.
func (e *Executor) reportProgress(ctx context.Context, idx, completed int) {
	total := len(e.tpl.Steps)
	progress := float64(completed) / float64(total) * 100
	if progress > 100 {
		progress = 100
	}

	if err := e.repo.UpdateExecution(ctx, e.exec.ID, store.ExecutionUpdate{
		CurrentStepIndex:   &idx,
		ProgressPercentage: &progress,
	}); err != nil {
		e.logger.WarnContext(ctx, "failed to persist progress", "error", err)
	}
	e.exec.CurrentStepIndex = idx
	e.exec.ProgressPercentage = progress

	e.emit(schema.NewMessage(schema.MessageProgressUpdate, e.exec.ID, map[string]any{
		"current_step_index":  idx,
		"total_steps":         total,
		"progress_percentage": progress,
	}))
}

// foldOutputs resolves the template's declared outputs against the final
// scope. A Source expression wins; otherwise the step result named like
// the output is used.
func (e *Executor) foldOutputs() map[string]any {
	if len(e.tpl.Outputs) == 0 {
		return nil
	}

	out := make(map[string]any, len(e.tpl.Outputs))
	for name, spec := range e.tpl.Outputs {
		if spec.Source != "" {
			if raw, ok := e.sc.ResolveValue(spec.Source); ok {
				out[name] = raw
			} else {
				out[name] = e.sc.Substitute(spec.Source)
			}
			continue
		}
		if v, ok := e.sc.StepResult(name); ok {
			out[name] = v
		}
	}
	return out
}

func (e *Executor) emitStatus() {
	e.emit(schema.NewMessage(schema.MessageExecutionUpdate, e.exec.ID, map[string]any{
		"status": string(e.status),
	}))
}

// beginStepRecord creates the per-attempt step execution record. The
// record is born pending and moves to running as the attempt starts.
func (e *Executor) beginStepRecord(ctx context.Context, step *schema.StepDefinition, params map[string]any, attempt, maxAttempts int) *schema.StepExecution {
	rec := &schema.StepExecution{
		ID:                  uuid.NewString(),
		WorkflowExecutionID: e.exec.ID,
		StepIndex:           e.tpl.StepIndex(step.Name),
		StepName:            step.Name,
		StepType:            step.Type,
		ToolName:            step.ToolName,
		ToolParameters:      params,
		Status:              schema.StepStatusPending,
		AttemptNumber:       attempt,
		MaxAttempts:         maxAttempts,
	}
	if err := e.repo.CreateStepExecution(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "failed to persist step record", "error", err)
	}

	now := time.Now().UTC()
	running := schema.StepStatusRunning
	if err := e.repo.UpdateStepExecution(ctx, rec.ID, store.StepUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		e.logger.WarnContext(ctx, "failed to mark step running", "error", err)
	}
	rec.Status = running
	rec.StartedAt = &now
	return rec
}

// endStepRecord closes a step attempt record and broadcasts the outcome.
func (e *Executor) endStepRecord(ctx context.Context, rec *schema.StepExecution, result map[string]any, cause error) {
	now := time.Now().UTC()
	status := schema.StepStatusCompleted
	update := store.StepUpdate{CompletedAt: &now}
	if cause != nil {
		status = schema.StepStatusFailed
		msg := cause.Error()
		update.ErrorMessage = &msg
	} else if result != nil {
		update.Result = result
	}
	update.Status = &status

	if err := e.repo.UpdateStepExecution(context.WithoutCancel(ctx), rec.ID, update); err != nil {
		e.logger.WarnContext(ctx, "failed to close step record", "error", err)
	}
	rec.Status = status

	data := map[string]any{
		"step_name":      rec.StepName,
		"status":         string(status),
		"attempt_number": rec.AttemptNumber,
	}
	if cause != nil {
		data["error_message"] = cause.Error()
	}
	e.emit(schema.NewMessage(schema.MessageStepCompleted, e.exec.ID, data))
}
