package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirelk/stepflow/internal/logging"
	"github.com/mirelk/stepflow/internal/store"
	"github.com/mirelk/stepflow/internal/streaming"
	"github.com/mirelk/stepflow/internal/tools"
	"github.com/mirelk/stepflow/internal/validation"
	"github.com/mirelk/stepflow/pkg/schema"
)

// DefaultMaxConcurrent caps simultaneously running executions when the
// config does not say otherwise.
const DefaultMaxConcurrent = 10

// Config tunes the coordinator.
type Config struct {
	// MaxConcurrent is the execution concurrency cap. Starts beyond it are
	// rejected with CAPACITY_ERROR, never queued.
	MaxConcurrent int
}

// activeExecution is the live control surface of one running execution.
type activeExecution struct {
	exec   *schema.WorkflowExecution
	cancel context.CancelFunc
	gate   *pauseGate
	done   chan struct{}
}

// Coordinator owns the set of live executions: it starts them under a
// concurrency cap, routes cancel, pause, and resume signals to the owning
// executor, and relays progress to the broadcaster.
type Coordinator struct {
	repo        store.Repository
	tools       tools.Executor
	broadcaster streaming.Broadcaster
	inputs      *validation.InputValidator
	logger      *slog.Logger

	sem chan struct{}

	mu     sync.Mutex
	active map[string]*activeExecution
}

// NewCoordinator wires a coordinator. broadcaster may be nil; progress
// messages are then dropped.
func NewCoordinator(repo store.Repository, toolExec tools.Executor, broadcaster streaming.Broadcaster, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		repo:        repo,
		tools:       toolExec,
		broadcaster: broadcaster,
		inputs:      validation.NewInputValidator(),
		logger:      logger,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		active:      make(map[string]*activeExecution),
	}
}

// Execute validates inputs, persists a pending execution record, and
// launches it on its own goroutine. The returned record reflects the
// pending state; progress arrives through the broadcaster and the store.
func (c *Coordinator) Execute(ctx context.Context, tpl *schema.WorkflowTemplate, inputs map[string]any, triggeredBy string) (*schema.WorkflowExecution, error) {
	if tpl.Status != schema.TemplateStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"template %s is %s, only active templates can execute", tpl.Name, tpl.Status)
	}
	if err := c.inputs.ValidateInputs(tpl, inputs); err != nil {
		return nil, err
	}

	// Reserve the slot before writing anything so a rejected start leaves
	// no orphaned record behind.
	select {
	case c.sem <- struct{}{}:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeCapacity,
			"execution limit reached (%d concurrent)", cap(c.sem))
	}

	now := time.Now().UTC()
	exec := &schema.WorkflowExecution{
		ID:                 uuid.NewString(),
		WorkflowTemplateID: tpl.ID,
		Status:             schema.ExecutionStatusPending,
		TriggeredBy:        triggeredBy,
		InputParameters:    inputs,
		TotalSteps:         len(tpl.Steps),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.repo.CreateExecution(ctx, exec); err != nil {
		<-c.sem
		return nil, schema.NewError(schema.ErrCodeStore, "failed to create execution").WithCause(err)
	}

	c.launch(tpl, exec)
	c.logger.Info("execution started",
		"execution_id", exec.ID, "workflow", tpl.Name, "triggered_by", triggeredBy)
	return exec, nil
}

// launch registers the execution as active and runs it on its own
// goroutine. The caller holds a semaphore slot; launch takes over its
// release.
func (c *Coordinator) launch(tpl *schema.WorkflowTemplate, exec *schema.WorkflowExecution) {
	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = logging.WithExecutionID(runCtx, exec.ID)
	runCtx = logging.WithTemplateID(runCtx, tpl.ID)
	ae := &activeExecution{
		exec:   exec,
		cancel: cancel,
		gate:   newPauseGate(),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.active[exec.ID] = ae
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.active, exec.ID)
			c.mu.Unlock()
			close(ae.done)
			<-c.sem
		}()

		ex := newExecutor(c.repo, c.tools, c, c.emit, c.logger, tpl, exec, ae.gate)
		ex.Run(runCtx)
	}()
}

// emit relays one executor message to the broadcaster.
func (c *Coordinator) emit(msg schema.Message) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.BroadcastToExecution(msg.ExecutionID, msg)
}

// Cancel stops a running or paused execution. The executor observes the
// context at its next checkpoint and persists the cancelled state itself.
// Cancelling an execution the coordinator does not hold live fails unless
// the store still shows it non-terminal, which indicates a stale record
// from an earlier process; that record is closed out directly.
func (c *Coordinator) Cancel(ctx context.Context, executionID string) error {
	c.mu.Lock()
	ae, ok := c.active[executionID]
	c.mu.Unlock()

	if ok {
		// A paused walk parks on the gate; open it so the executor reaches
		// its cancellation checkpoint.
		ae.gate.Resume()
		ae.cancel()
		c.logger.Info("execution cancel requested", "execution_id", executionID)
		return nil
	}

	exec, err := c.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot cancel execution in terminal state %s", exec.Status)
	}

	status := schema.ExecutionStatusCancelled
	now := time.Now().UTC()
	msg := "cancelled while not running"
	if err := c.repo.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:       &status,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to cancel execution").WithCause(err)
	}
	c.emit(schema.NewMessage(schema.MessageExecutionCompleted, executionID, map[string]any{
		"status":        string(status),
		"error_message": msg,
	}))
	return nil
}

// Pause asks a running execution to park at its next checkpoint. The step
// in flight always finishes first.
func (c *Coordinator) Pause(ctx context.Context, executionID string) error {
	ae, err := c.liveExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !ae.gate.Pause() {
		return schema.NewError(schema.ErrCodeInvalidTransition, "execution is already paused")
	}
	c.logger.Info("execution pause requested", "execution_id", executionID)
	return nil
}

// Resume releases a paused execution.
func (c *Coordinator) Resume(ctx context.Context, executionID string) error {
	ae, err := c.liveExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !ae.gate.Resume() {
		return schema.NewError(schema.ErrCodeInvalidTransition, "execution is not paused")
	}
	c.logger.Info("execution resumed", "execution_id", executionID)
	return nil
}

// liveExecution looks up an active execution, distinguishing unknown IDs
// from finished ones.
func (c *Coordinator) liveExecution(ctx context.Context, executionID string) (*activeExecution, error) {
	c.mu.Lock()
	ae, ok := c.active[executionID]
	c.mu.Unlock()
	if ok {
		return ae, nil
	}

	exec, err := c.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"execution is %s, not running", exec.Status)
}

// StartChild implements ChildRunner: workflow_link steps start their
// nested executions through the same validation, capacity, and registry
// path as any other start.
func (c *Coordinator) StartChild(ctx context.Context, tpl *schema.WorkflowTemplate, inputs map[string]any, parentID string) (*schema.WorkflowExecution, error) {
	return c.Execute(ctx, tpl, inputs, "workflow:"+parentID)
}

// AwaitTerminal blocks until the execution reaches a terminal state, then
// returns its final record.
func (c *Coordinator) AwaitTerminal(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	c.mu.Lock()
	ae, ok := c.active[executionID]
	c.mu.Unlock()

	if ok {
		select {
		case <-ae.done:
		case <-ctx.Done():
			return nil, cancelledError(ctx)
		}
	}
	return c.repo.GetExecution(ctx, executionID)
}

// IsActive reports whether the execution is currently held live.
func (c *Coordinator) IsActive(executionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[executionID]
	return ok
}

// ActiveCount returns the number of live executions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Shutdown cancels every live execution and waits for each to persist its
// terminal state, up to the context deadline.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	live := make([]*activeExecution, 0, len(c.active))
	for _, ae := range c.active {
		live = append(live, ae)
	}
	c.mu.Unlock()

	for _, ae := range live {
		ae.gate.Resume()
		ae.cancel()
	}
	for _, ae := range live {
		select {
		case <-ae.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
