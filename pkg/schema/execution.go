package schema

import "time"

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal executions are
// immutable: no transition may leave a terminal state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step execution attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step attempt is finished.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// WorkflowExecution is one instantiation of a template against concrete
// input parameters. It is created pending by the coordinator and mutated
// only by the executor that drives it.
type WorkflowExecution struct {
	ID                 string          `json:"id"`
	WorkflowTemplateID string          `json:"workflow_template_id"`
	Status             ExecutionStatus `json:"status"`
	TriggeredBy        string          `json:"triggered_by,omitempty"`
	InputParameters    map[string]any  `json:"input_parameters,omitempty"`

	CurrentStepIndex   int     `json:"current_step_index"`
	TotalSteps         int     `json:"total_steps"`
	ProgressPercentage float64 `json:"progress_percentage"`

	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepExecution records a single attempt of a single step. Retried actions
// produce one record per attempt with an incremented attempt_number.
type StepExecution struct {
	ID                  string         `json:"id"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	StepIndex           int            `json:"step_index"`
	StepName            string         `json:"step_name"`
	StepType            StepType       `json:"step_type"`
	ToolName            string         `json:"tool_name,omitempty"`
	ToolParameters      map[string]any `json:"tool_parameters,omitempty"`
	Status              StepStatus     `json:"status"`
	AttemptNumber       int            `json:"attempt_number"`
	MaxAttempts         int            `json:"max_attempts"`
	Result              map[string]any `json:"result,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// LogEntry is one line of the append-only execution log kept on the
// in-memory execution context.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	StepName  string         `json:"step_name,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}
