package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelk/stepflow/internal/logging"
	"github.com/mirelk/stepflow/internal/store"
	"github.com/mirelk/stepflow/internal/tools"
	"github.com/mirelk/stepflow/pkg/schema"
)

// --- Mocks ---

// memRepo is an in-memory Repository for engine tests.
type memRepo struct {
	mu        sync.Mutex
	templates map[string]*schema.WorkflowTemplate
	execs     map[string]*schema.WorkflowExecution
	steps     []*schema.StepExecution
}

func newMemRepo() *memRepo {
	return &memRepo{
		templates: make(map[string]*schema.WorkflowTemplate),
		execs:     make(map[string]*schema.WorkflowExecution),
	}
}

func (r *memRepo) CreateTemplate(_ context.Context, tpl *schema.WorkflowTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tpl.ID] = tpl
	return nil
}

func (r *memRepo) GetTemplate(_ context.Context, id string) (*schema.WorkflowTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tpl, ok := r.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", id)
	}
	return tpl, nil
}

func (r *memRepo) GetTemplateByName(_ context.Context, name string) (*schema.WorkflowTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tpl := range r.templates {
		if tpl.Name == name {
			return tpl, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", name)
}

func (r *memRepo) ListTemplates(_ context.Context, _ store.TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	return nil, nil
}

func (r *memRepo) UpdateTemplate(_ context.Context, tpl *schema.WorkflowTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[tpl.ID] = tpl
	return nil
}

func (r *memRepo) DeleteTemplate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.templates, id)
	return nil
}

func (r *memRepo) ListTemplateVersions(_ context.Context, _ string) ([]*schema.TemplateVersion, error) {
	return nil, nil
}

func (r *memRepo) GetTemplateVersion(_ context.Context, templateID string, versionNumber int) (*schema.TemplateVersion, error) {
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "version %d of %s not found", versionNumber, templateID)
}

func (r *memRepo) CreateExecution(_ context.Context, exec *schema.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *exec
	r.execs[exec.ID] = &cp
	return nil
}

func (r *memRepo) GetExecution(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	cp := *exec
	return &cp, nil
}

func (r *memRepo) ListExecutions(_ context.Context, _ store.ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	return nil, nil
}

func (r *memRepo) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.execs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.CurrentStepIndex != nil {
		exec.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.ProgressPercentage != nil {
		exec.ProgressPercentage = *update.ProgressPercentage
	}
	if update.OutputData != nil {
		exec.OutputData = update.OutputData
	}
	if update.ErrorMessage != nil {
		exec.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memRepo) CreateStepExecution(_ context.Context, step *schema.StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *step
	r.steps = append(r.steps, &cp)
	return nil
}

func (r *memRepo) UpdateStepExecution(_ context.Context, id string, update store.StepUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, step := range r.steps {
		if step.ID != id {
			continue
		}
		if update.Status != nil {
			step.Status = *update.Status
		}
		if update.Result != nil {
			step.Result = update.Result
		}
		if update.ErrorMessage != nil {
			step.ErrorMessage = *update.ErrorMessage
		}
		if update.StartedAt != nil {
			step.StartedAt = update.StartedAt
		}
		if update.CompletedAt != nil {
			step.CompletedAt = update.CompletedAt
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "step execution %s not found", id)
}

func (r *memRepo) ListStepExecutions(_ context.Context, executionID string) ([]*schema.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.StepExecution
	for _, step := range r.steps {
		if step.WorkflowExecutionID == executionID {
			cp := *step
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) CreateSchedule(_ context.Context, _ *store.Schedule) error { return nil }

func (r *memRepo) GetSchedule(_ context.Context, id string) (*store.Schedule, error) {
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
}

func (r *memRepo) ListSchedules(_ context.Context, _ store.ScheduleFilter) ([]*store.Schedule, error) {
	return nil, nil
}

func (r *memRepo) UpdateSchedule(_ context.Context, _ string, _ store.ScheduleUpdate) error {
	return nil
}

func (r *memRepo) DeleteSchedule(_ context.Context, _ string) error { return nil }

// stepRecords returns the attempt records for one step name in creation order.
func (r *memRepo) stepRecords(executionID, stepName string) []*schema.StepExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.StepExecution
	for _, step := range r.steps {
		if step.WorkflowExecutionID == executionID && step.StepName == stepName {
			out = append(out, step)
		}
	}
	return out
}

// testTool is a scripted tool backed by a function.
type testTool struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (map[string]any, error)
}

func (t *testTool) Name() string        { return t.name }
func (t *testTool) Description() string { return "test tool " + t.name }

func (t *testTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return t.fn(ctx, params)
}

// stepStatusRecorder wraps memRepo, recording the status carried by every
// step record write in order.
type stepStatusRecorder struct {
	*memRepo
	statMu  sync.Mutex
	created []schema.StepStatus
	updated []schema.StepStatus
}

func (r *stepStatusRecorder) CreateStepExecution(ctx context.Context, step *schema.StepExecution) error {
	r.statMu.Lock()
	r.created = append(r.created, step.Status)
	r.statMu.Unlock()
	return r.memRepo.CreateStepExecution(ctx, step)
}

func (r *stepStatusRecorder) UpdateStepExecution(ctx context.Context, id string, update store.StepUpdate) error {
	if update.Status != nil {
		r.statMu.Lock()
		r.updated = append(r.updated, *update.Status)
		r.statMu.Unlock()
	}
	return r.memRepo.UpdateStepExecution(ctx, id, update)
}

func (r *stepStatusRecorder) statuses() (created, updated []schema.StepStatus) {
	r.statMu.Lock()
	defer r.statMu.Unlock()
	return append([]schema.StepStatus(nil), r.created...), append([]schema.StepStatus(nil), r.updated...)
}

// progressRecorder wraps memRepo, recording every persisted progress value.
type progressRecorder struct {
	*memRepo
	progMu sync.Mutex
	values []float64
}

func (r *progressRecorder) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error {
	if update.ProgressPercentage != nil {
		r.progMu.Lock()
		r.values = append(r.values, *update.ProgressPercentage)
		r.progMu.Unlock()
	}
	return r.memRepo.UpdateExecution(ctx, id, update)
}

func (r *progressRecorder) snapshot() []float64 {
	r.progMu.Lock()
	defer r.progMu.Unlock()
	return append([]float64(nil), r.values...)
}

// captureHandler collects every log record with its flattened attributes.
type captureHandler struct {
	mu      sync.Mutex
	records []map[string]string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := map[string]string{"msg": r.Message}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})
	h.mu.Lock()
	h.records = append(h.records, attrs)
	h.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) find(msg string) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.records {
		if rec["msg"] == msg {
			return rec
		}
	}
	return nil
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, repo *memRepo, toolFns map[string]func(ctx context.Context, params map[string]any) (map[string]any, error)) *Coordinator {
	t.Helper()
	reg := tools.NewRegistry()
	for name, fn := range toolFns {
		require.NoError(t, reg.Register(&testTool{name: name, fn: fn}))
	}
	return NewCoordinator(repo, reg, nil, testLogger(), Config{MaxConcurrent: 4})
}

func okTool(result map[string]any) func(ctx context.Context, params map[string]any) (map[string]any, error) {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return result, nil
	}
}

func activeTemplate(name string, steps ...schema.StepDefinition) *schema.WorkflowTemplate {
	now := time.Now().UTC()
	return &schema.WorkflowTemplate{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   "1.0.0",
		Status:    schema.TemplateStatusActive,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func runToTerminal(t *testing.T, c *Coordinator, tpl *schema.WorkflowTemplate, inputs map[string]any) *schema.WorkflowExecution {
	t.Helper()
	exec, err := c.Execute(context.Background(), tpl, inputs, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := c.AwaitTerminal(ctx, exec.ID)
	require.NoError(t, err)
	return final
}

// --- Sequential flow ---

func TestExecutorSequentialHappyPath(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return func(_ context.Context, params map[string]any) (map[string]any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]any{"tool": name, "got": params["value"]}, nil
		}
	}

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"first":  record("first"),
		"second": record("second"),
	})

	tpl := activeTemplate("sequential",
		schema.StepDefinition{Name: "fetch", Type: schema.StepTypeAction, ToolName: "first",
			Parameters: map[string]any{"value": "{{workflow.parameters.city}}"}},
		schema.StepDefinition{Name: "process", Type: schema.StepTypeAction, ToolName: "second",
			Parameters: map[string]any{"value": "{{steps.fetch.got}}"}},
	)

	final := runToTerminal(t, c, tpl, map[string]any{"city": "lisbon"})

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 100.0, final.ProgressPercentage)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, []string{"first", "second"}, order)

	// The second step saw the first step's result through the scope.
	recs := repo.stepRecords(final.ID, "process")
	require.Len(t, recs, 1)
	assert.Equal(t, "lisbon", recs[0].ToolParameters["value"])
	assert.Equal(t, schema.StepStatusCompleted, recs[0].Status)
}

func TestExecutorExplicitSuccessorAndEnd(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	tally := func(name string) func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return func(context.Context, map[string]any) (map[string]any, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return map[string]any{}, nil
		}
	}

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"a": tally("a"), "b": tally("b"), "c": tally("c"),
	})

	// a jumps over b straight to c; c ends the workflow.
	tpl := activeTemplate("jumps",
		schema.StepDefinition{Name: "a", Type: schema.StepTypeAction, ToolName: "a", NextStep: "c"},
		schema.StepDefinition{Name: "b", Type: schema.StepTypeAction, ToolName: "b"},
		schema.StepDefinition{Name: "c", Type: schema.StepTypeAction, ToolName: "c", NextStep: schema.EndStepName},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"a", "c"}, calls)
}

func TestExecutorFailureFailsExecution(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"boom": func(context.Context, map[string]any) (map[string]any, error) {
			return nil, schema.NewError(schema.ErrCodeToolFailed, "disk on fire")
		},
	})

	tpl := activeTemplate("failing",
		schema.StepDefinition{Name: "explode", Type: schema.StepTypeAction, ToolName: "boom"},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "disk on fire")
	assert.NotNil(t, final.CompletedAt)
}

// --- Retry ---

func TestExecutorRetryExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int32

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"flaky": func(context.Context, map[string]any) (map[string]any, error) {
			attempts.Add(1)
			return nil, schema.NewError(schema.ErrCodeToolFailed, "still broken")
		},
	})

	tpl := activeTemplate("retrying",
		schema.StepDefinition{Name: "flaky", Type: schema.StepTypeAction, ToolName: "flaky",
			RetryCount: 2, OnFailure: schema.OnFailureRetry},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Contains(t, final.ErrorMessage, "RETRY_EXHAUSTED")

	// One fresh record per attempt, numbered 1..3.
	recs := repo.stepRecords(final.ID, "flaky")
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.AttemptNumber)
		assert.Equal(t, 3, rec.MaxAttempts)
		assert.Equal(t, schema.StepStatusFailed, rec.Status)
	}
}

func TestExecutorRetrySucceedsMidway(t *testing.T) {
	var attempts atomic.Int32

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"flaky": func(context.Context, map[string]any) (map[string]any, error) {
			if attempts.Add(1) < 2 {
				return nil, schema.NewError(schema.ErrCodeToolFailed, "transient")
			}
			return map[string]any{"ok": true}, nil
		},
	})

	tpl := activeTemplate("recovering",
		schema.StepDefinition{Name: "flaky", Type: schema.StepTypeAction, ToolName: "flaky",
			RetryCount: 3, OnFailure: schema.OnFailureRetry},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, int32(2), attempts.Load())

	recs := repo.stepRecords(final.ID, "flaky")
	require.Len(t, recs, 2)
	assert.Equal(t, schema.StepStatusFailed, recs[0].Status)
	assert.Equal(t, schema.StepStatusCompleted, recs[1].Status)
}

func TestExecutorNoRetryWithoutRetryPolicy(t *testing.T) {
	var attempts atomic.Int32

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"flaky": func(context.Context, map[string]any) (map[string]any, error) {
			attempts.Add(1)
			return nil, schema.NewError(schema.ErrCodeToolFailed, "broken")
		},
	})

	// retry_count set but on_failure is not "retry": one attempt only.
	tpl := activeTemplate("no-retry",
		schema.StepDefinition{Name: "flaky", Type: schema.StepTypeAction, ToolName: "flaky", RetryCount: 5},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExecutorTemplateCeilingClampsRetries(t *testing.T) {
	var attempts atomic.Int32

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"flaky": func(context.Context, map[string]any) (map[string]any, error) {
			attempts.Add(1)
			return nil, schema.NewError(schema.ErrCodeToolFailed, "broken")
		},
	})

	tpl := activeTemplate("clamped",
		schema.StepDefinition{Name: "flaky", Type: schema.StepTypeAction, ToolName: "flaky",
			RetryCount: 10, OnFailure: schema.OnFailureRetry},
	)
	tpl.MaxRetries = 1

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Equal(t, int32(2), attempts.Load())
}

// --- Failure policies ---

func TestExecutorOnFailureContinue(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"boom": func(context.Context, map[string]any) (map[string]any, error) {
			return nil, schema.NewError(schema.ErrCodeToolFailed, "expected failure")
		},
		"after": okTool(map[string]any{"ran": true}),
	})

	tpl := activeTemplate("continuing",
		schema.StepDefinition{Name: "optional", Type: schema.StepTypeAction, ToolName: "boom",
			OnFailure: schema.OnFailureContinue},
		schema.StepDefinition{Name: "after", Type: schema.StepTypeAction, ToolName: "after",
			Parameters: map[string]any{"prev_failed": "{{steps.optional.failed}}"}},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)

	// The failure info is visible to later steps.
	recs := repo.stepRecords(final.ID, "after")
	require.Len(t, recs, 1)
	assert.Equal(t, true, recs[0].ToolParameters["prev_failed"])
}

func TestExecutorOnFailureFallbackStep(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	tally := func(name string, err error) func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return func(context.Context, map[string]any) (map[string]any, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			if err != nil {
				return nil, err
			}
			return map[string]any{}, nil
		}
	}

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"boom":    tally("boom", schema.NewError(schema.ErrCodeToolFailed, "nope")),
		"skipped": tally("skipped", nil),
		"cleanup": tally("cleanup", nil),
	})

	tpl := activeTemplate("fallback",
		schema.StepDefinition{Name: "risky", Type: schema.StepTypeAction, ToolName: "boom", OnFailure: "cleanup"},
		schema.StepDefinition{Name: "normal", Type: schema.StepTypeAction, ToolName: "skipped"},
		schema.StepDefinition{Name: "cleanup", Type: schema.StepTypeAction, ToolName: "cleanup",
			NextStep: schema.EndStepName},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"boom", "cleanup"}, calls)
}

// --- Conditions ---

func TestExecutorConditionBranching(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	tally := func(name string) func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return func(context.Context, map[string]any) (map[string]any, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return map[string]any{}, nil
		}
	}

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"hot": tally("hot"), "cold": tally("cold"),
	})

	tpl := activeTemplate("branching",
		schema.StepDefinition{Name: "check", Type: schema.StepTypeCondition,
			Condition: "{{workflow.parameters.mode}} == fast",
			OnTrue:    "hot", OnFalse: "cold"},
		schema.StepDefinition{Name: "hot", Type: schema.StepTypeAction, ToolName: "hot",
			NextStep: schema.EndStepName},
		schema.StepDefinition{Name: "cold", Type: schema.StepTypeAction, ToolName: "cold",
			NextStep: schema.EndStepName},
	)

	final := runToTerminal(t, c, tpl, map[string]any{"mode": "fast"})
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"hot"}, calls)

	calls = nil
	final = runToTerminal(t, c, tpl, map[string]any{"mode": "slow"})
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"cold"}, calls)
}

func TestExecutorConditionEvaluationFailureFailsExecution(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, nil)

	tpl := activeTemplate("bad-condition",
		schema.StepDefinition{Name: "check", Type: schema.StepTypeCondition,
			Condition: "count > 3", OnTrue: schema.EndStepName, OnFalse: schema.EndStepName},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, schema.ErrCodeConditionFailed)
}

// --- Parallel ---

func TestExecutorParallelRunsAllSiblings(t *testing.T) {
	var started atomic.Int32
	release := make(chan struct{})

	gatedTool := func(context.Context, map[string]any) (map[string]any, error) {
		started.Add(1)
		<-release
		return map[string]any{"done": true}, nil
	}

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"gated": gatedTool,
	})

	tpl := activeTemplate("parallel",
		schema.StepDefinition{Name: "fan", Type: schema.StepTypeParallel,
			ParallelSteps: []string{"left", "right", "middle"}},
		schema.StepDefinition{Name: "left", Type: schema.StepTypeAction, ToolName: "gated"},
		schema.StepDefinition{Name: "right", Type: schema.StepTypeAction, ToolName: "gated"},
		schema.StepDefinition{Name: "middle", Type: schema.StepTypeAction, ToolName: "gated"},
	)

	exec, err := c.Execute(context.Background(), tpl, nil, "test")
	require.NoError(t, err)

	// All three siblings run concurrently before any finishes.
	require.Eventually(t, func() bool { return started.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := c.AwaitTerminal(ctx, exec.ID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	recs := repo.stepRecords(final.ID, "fan")
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Result["completed"])
}

func TestExecutorParallelNoShortCircuit(t *testing.T) {
	var goodRuns atomic.Int32

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"bad": func(context.Context, map[string]any) (map[string]any, error) {
			return nil, schema.NewError(schema.ErrCodeToolFailed, "sibling down")
		},
		"good": func(context.Context, map[string]any) (map[string]any, error) {
			goodRuns.Add(1)
			return map[string]any{}, nil
		},
	})

	tpl := activeTemplate("parallel-failure",
		schema.StepDefinition{Name: "fan", Type: schema.StepTypeParallel,
			ParallelSteps: []string{"ok1", "broken", "ok2"}},
		schema.StepDefinition{Name: "ok1", Type: schema.StepTypeAction, ToolName: "good"},
		schema.StepDefinition{Name: "broken", Type: schema.StepTypeAction, ToolName: "bad"},
		schema.StepDefinition{Name: "ok2", Type: schema.StepTypeAction, ToolName: "good"},
	)

	final := runToTerminal(t, c, tpl, nil)

	// Both healthy siblings ran despite the failure, then the group failed.
	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Equal(t, int32(2), goodRuns.Load())
	assert.Contains(t, final.ErrorMessage, "broken")
}

// --- Loops ---

func TestExecutorLoopIteratesSequence(t *testing.T) {
	var seen []any
	var mu sync.Mutex

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"collect": func(_ context.Context, params map[string]any) (map[string]any, error) {
			mu.Lock()
			seen = append(seen, params["item"])
			mu.Unlock()
			return map[string]any{"item": params["item"]}, nil
		},
	})

	tpl := activeTemplate("looping",
		schema.StepDefinition{Name: "each", Type: schema.StepTypeLoop,
			LoopOver: "{{workflow.parameters.hosts}}", ItemVariable: "host",
			LoopSteps: []string{"ping"}},
		schema.StepDefinition{Name: "ping", Type: schema.StepTypeAction, ToolName: "collect",
			Parameters: map[string]any{"item": "{{host}}", "position": "{{loop.index}}"}},
	)

	final := runToTerminal(t, c, tpl, map[string]any{
		"hosts": []any{"alpha", "beta", "gamma"},
	})

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []any{"alpha", "beta", "gamma"}, seen)

	recs := repo.stepRecords(final.ID, "each")
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Result["iterations"])
	assert.Equal(t, 0, recs[0].Result["failed"])
}

func TestExecutorLoopContinuesPastFailures(t *testing.T) {
	var runs atomic.Int32

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"pick": func(_ context.Context, params map[string]any) (map[string]any, error) {
			runs.Add(1)
			if params["item"] == "bad" {
				return nil, schema.NewError(schema.ErrCodeToolFailed, "bad item")
			}
			return map[string]any{}, nil
		},
	})

	tpl := activeTemplate("loop-failure",
		schema.StepDefinition{Name: "each", Type: schema.StepTypeLoop,
			LoopOver: "{{workflow.parameters.items}}", LoopSteps: []string{"work"}},
		schema.StepDefinition{Name: "work", Type: schema.StepTypeAction, ToolName: "pick",
			Parameters: map[string]any{"item": "{{loop.item}}"}},
	)

	final := runToTerminal(t, c, tpl, map[string]any{
		"items": []any{"ok", "bad", "ok"},
	})

	// Every iteration ran; the loop failed afterwards.
	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Equal(t, int32(3), runs.Load())
	assert.Contains(t, final.ErrorMessage, "1 of 3 iterations failed")
}

func TestExecutorLoopUnresolvableSequenceFails(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, nil)

	tpl := activeTemplate("loop-missing",
		schema.StepDefinition{Name: "each", Type: schema.StepTypeLoop,
			LoopOver: "{{workflow.parameters.missing}}", LoopSteps: []string{"work"}},
		schema.StepDefinition{Name: "work", Type: schema.StepTypeAction, ToolName: "noop"},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "did not resolve")
}

func TestExecutorLoopMaxIterationsCap(t *testing.T) {
	var runs atomic.Int32

	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"count": func(context.Context, map[string]any) (map[string]any, error) {
			runs.Add(1)
			return map[string]any{}, nil
		},
	})

	tpl := activeTemplate("loop-capped",
		schema.StepDefinition{Name: "each", Type: schema.StepTypeLoop,
			LoopOver: "{{workflow.parameters.items}}", LoopSteps: []string{"work"}, MaxIterations: 2},
		schema.StepDefinition{Name: "work", Type: schema.StepTypeAction, ToolName: "count"},
	)

	final := runToTerminal(t, c, tpl, map[string]any{
		"items": []any{1, 2, 3, 4, 5},
	})

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, int32(2), runs.Load())

	recs := repo.stepRecords(final.ID, "each")
	require.Len(t, recs, 1)
	assert.Equal(t, true, recs[0].Result["truncated"])
}

// --- Workflow links ---

func TestExecutorWorkflowLinkRunsChild(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"echo": func(_ context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"echoed": params["value"]}, nil
		},
	})

	child := activeTemplate("child-flow",
		schema.StepDefinition{Name: "echo", Type: schema.StepTypeAction, ToolName: "echo",
			Parameters: map[string]any{"value": "{{workflow.parameters.payload}}"}},
	)
	child.Outputs = map[string]schema.OutputSpec{
		"echoed": {Source: "{{steps.echo.echoed}}"},
	}
	require.NoError(t, repo.CreateTemplate(context.Background(), child))

	parent := activeTemplate("parent-flow",
		schema.StepDefinition{Name: "delegate", Type: schema.StepTypeWorkflowLink,
			WorkflowName: "child-flow",
			InputMapping: map[string]string{"payload": "{{workflow.parameters.greeting}}"}},
	)

	final := runToTerminal(t, c, parent, map[string]any{"greeting": "hello"})

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)

	recs := repo.stepRecords(final.ID, "delegate")
	require.Len(t, recs, 1)
	output, ok := recs[0].Result["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", output["echoed"])
	assert.Equal(t, "completed", recs[0].Result["status"])
}

func TestExecutorWorkflowLinkChildFailureFailsParent(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"boom": func(context.Context, map[string]any) (map[string]any, error) {
			return nil, schema.NewError(schema.ErrCodeToolFailed, "child broke")
		},
	})

	child := activeTemplate("broken-child",
		schema.StepDefinition{Name: "explode", Type: schema.StepTypeAction, ToolName: "boom"},
	)
	require.NoError(t, repo.CreateTemplate(context.Background(), child))

	parent := activeTemplate("sad-parent",
		schema.StepDefinition{Name: "delegate", Type: schema.StepTypeWorkflowLink,
			WorkflowName: "broken-child"},
	)

	final := runToTerminal(t, c, parent, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "failed")
}

// --- Outputs ---

func TestExecutorFoldsDeclaredOutputs(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"produce": okTool(map[string]any{"total": 42, "unit": "ms"}),
	})

	tpl := activeTemplate("with-outputs",
		schema.StepDefinition{Name: "measure", Type: schema.StepTypeAction, ToolName: "produce"},
	)
	tpl.Outputs = map[string]schema.OutputSpec{
		"total":   {Source: "{{steps.measure.total}}"},
		"summary": {Source: "took {{steps.measure.total}}{{steps.measure.unit}}"},
	}

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	require.NotNil(t, final.OutputData)
	assert.Equal(t, 42, final.OutputData["total"])
	assert.Equal(t, "took 42ms", final.OutputData["summary"])
}

// --- Step record lifecycle ---

func TestExecutorStepRecordCreatedPending(t *testing.T) {
	repo := &stepStatusRecorder{memRepo: newMemRepo()}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&testTool{name: "ok", fn: okTool(map[string]any{"done": true})}))
	c := NewCoordinator(repo, reg, nil, testLogger(), Config{MaxConcurrent: 4})

	tpl := activeTemplate("record-lifecycle",
		schema.StepDefinition{Name: "only", Type: schema.StepTypeAction, ToolName: "ok"},
	)

	final := runToTerminal(t, c, tpl, nil)
	assert.Equal(t, schema.ExecutionStatusCompleted, final.Status)

	// Born pending, marked running when the attempt starts, then completed.
	created, updated := repo.statuses()
	require.Equal(t, []schema.StepStatus{schema.StepStatusPending}, created)
	require.Equal(t, []schema.StepStatus{schema.StepStatusRunning, schema.StepStatusCompleted}, updated)

	recs := repo.stepRecords(final.ID, "only")
	require.Len(t, recs, 1)
	assert.NotNil(t, recs[0].StartedAt)
	assert.NotNil(t, recs[0].CompletedAt)
}

// --- Progress ---

func TestExecutorProgressMonotonicAcrossFallbackJump(t *testing.T) {
	var attempts atomic.Int32
	repo := &progressRecorder{memRepo: newMemRepo()}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&testTool{name: "prep", fn: okTool(map[string]any{})}))
	require.NoError(t, reg.Register(&testTool{name: "wrap", fn: okTool(map[string]any{})}))
	require.NoError(t, reg.Register(&testTool{name: "flaky",
		fn: func(context.Context, map[string]any) (map[string]any, error) {
			if attempts.Add(1) == 1 {
				return nil, schema.NewError(schema.ErrCodeToolFailed, "first pass broke")
			}
			return map[string]any{}, nil
		}}))
	c := NewCoordinator(repo, reg, nil, testLogger(), Config{MaxConcurrent: 4})

	// deploy falls back to prep, which sits earlier in the list.
	tpl := activeTemplate("rewinding",
		schema.StepDefinition{Name: "prep", Type: schema.StepTypeAction, ToolName: "prep"},
		schema.StepDefinition{Name: "deploy", Type: schema.StepTypeAction, ToolName: "flaky",
			OnFailure: "prep"},
		schema.StepDefinition{Name: "wrap", Type: schema.StepTypeAction, ToolName: "wrap"},
	)

	final := runToTerminal(t, c, tpl, nil)
	require.Equal(t, schema.ExecutionStatusCompleted, final.Status)
	require.Equal(t, int32(2), attempts.Load())

	values := repo.snapshot()
	require.NotEmpty(t, values)
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress regressed: %v", values)
	}
	assert.Equal(t, 100.0, values[len(values)-1])
}

// --- Log correlation ---

func TestExecutorLogsCarryCorrelationIDs(t *testing.T) {
	capture := &captureHandler{}
	logger := slog.New(logging.NewCorrelationHandler(capture))

	var attempts atomic.Int32
	repo := newMemRepo()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&testTool{name: "flaky",
		fn: func(context.Context, map[string]any) (map[string]any, error) {
			if attempts.Add(1) == 1 {
				return nil, schema.NewError(schema.ErrCodeToolFailed, "transient")
			}
			return map[string]any{}, nil
		}}))
	c := NewCoordinator(repo, reg, nil, logger, Config{MaxConcurrent: 4})

	tpl := activeTemplate("correlated",
		schema.StepDefinition{Name: "probe", Type: schema.StepTypeAction, ToolName: "flaky",
			RetryCount: 1, OnFailure: schema.OnFailureRetry},
	)

	final := runToTerminal(t, c, tpl, nil)
	require.Equal(t, schema.ExecutionStatusCompleted, final.Status)

	retried := capture.find("step attempt failed, retrying")
	require.NotNil(t, retried)
	assert.Equal(t, final.ID, retried["execution_id"])
	assert.Equal(t, tpl.ID, retried["template_id"])
	assert.Equal(t, "probe", retried["step_name"])

	finished := capture.find("execution finished")
	require.NotNil(t, finished)
	assert.Equal(t, final.ID, finished["execution_id"])
	assert.Equal(t, tpl.ID, finished["template_id"])
}

// --- Timeouts ---

func TestExecutorStepTimeout(t *testing.T) {
	repo := newMemRepo()
	c := newTestCoordinator(t, repo, map[string]func(ctx context.Context, params map[string]any) (map[string]any, error){
		"hang": func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	tpl := activeTemplate("slow",
		schema.StepDefinition{Name: "hang", Type: schema.StepTypeAction, ToolName: "hang",
			TimeoutSeconds: 1},
	)

	final := runToTerminal(t, c, tpl, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, schema.ErrCodeTimeout)
}
