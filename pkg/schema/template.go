package schema

import "time"

// StepType discriminates the closed set of step variants.
type StepType string

const (
	StepTypeAction       StepType = "action"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeLoop         StepType = "loop"
	StepTypeWorkflowLink StepType = "workflow_link"
)

// KnownStepTypes lists every step variant the executor can dispatch.
// Validation rejects anything outside this set so the dispatch switch
// in the engine stays exhaustive.
var KnownStepTypes = []StepType{
	StepTypeAction,
	StepTypeCondition,
	StepTypeParallel,
	StepTypeLoop,
	StepTypeWorkflowLink,
}

// TemplateStatus is the lifecycle state of a workflow template.
type TemplateStatus string

const (
	TemplateStatusDraft      TemplateStatus = "draft"
	TemplateStatusActive     TemplateStatus = "active"
	TemplateStatusDeprecated TemplateStatus = "deprecated"
)

// EndStepName is the reserved terminal name a forward reference may use
// instead of a real step name. Reaching it completes the execution.
const EndStepName = "end"

// Failure policies for action steps. Any other non-empty on_failure value
// is treated as a step name to jump to after the final failed attempt.
const (
	OnFailureRetry    = "retry"
	OnFailureFail     = "fail"
	OnFailureContinue = "continue"
)

// IsFailurePolicy reports whether s is one of the reserved on_failure
// policy keywords (as opposed to a fallback step name).
func IsFailurePolicy(s string) bool {
	return s == OnFailureRetry || s == OnFailureFail || s == OnFailureContinue
}

// Defaults applied when a step omits the corresponding field.
const (
	DefaultStepTimeoutSeconds  = 300
	DefaultMaxIterations       = 100
	DefaultWorkflowTimeoutMins = 60
)

// StepDefinition is one node of a workflow's step graph. It is a tagged
// union discriminated by Type: only the fields of the matching variant are
// meaningful, everything else stays zero. The validator enforces the
// per-variant requirements before a template may execute.
type StepDefinition struct {
	Name string   `json:"name"`
	Type StepType `json:"type"`

	// Action fields.
	ToolName       string         `json:"tool_name,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	RetryCount     int            `json:"retry_count,omitempty"`
	OnFailure      string         `json:"on_failure,omitempty"`
	NextStep       string         `json:"next_step,omitempty"`
	OnSuccess      string         `json:"on_success,omitempty"`

	// Condition fields.
	Condition string `json:"condition,omitempty"`
	OnTrue    string `json:"on_true,omitempty"`
	OnFalse   string `json:"on_false,omitempty"`

	// Parallel fields.
	ParallelSteps []string `json:"parallel_steps,omitempty"`
	WaitForAll    *bool    `json:"wait_for_all,omitempty"`

	// Loop fields.
	LoopOver      string   `json:"loop_over,omitempty"`
	ItemVariable  string   `json:"item_variable,omitempty"`
	LoopSteps     []string `json:"loop_steps,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`

	// WorkflowLink fields.
	WorkflowID   string            `json:"workflow_id,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}

// Timeout returns the step's timeout with the 300s default applied.
func (s *StepDefinition) Timeout() time.Duration {
	secs := s.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultStepTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// MaxAttempts derives the attempt budget from retry_count: one initial
// attempt plus retry_count re-attempts, optionally clamped by the
// template-level max_retries ceiling (0 means no ceiling).
func (s *StepDefinition) MaxAttempts(ceiling int) int {
	retries := s.RetryCount
	if retries < 0 {
		retries = 0
	}
	if ceiling > 0 && retries > ceiling {
		retries = ceiling
	}
	return retries + 1
}

// Successor returns the explicit success successor of an action step:
// next_step when set, otherwise on_success. Empty means fall through to
// the next step in list order.
func (s *StepDefinition) Successor() string {
	if s.NextStep != "" {
		return s.NextStep
	}
	return s.OnSuccess
}

// WaitAll reports the parallel join mode. Waiting for every sibling is the
// only supported mode; the field exists so templates round-trip losslessly.
func (s *StepDefinition) WaitAll() bool {
	if s.WaitForAll == nil {
		return true
	}
	return *s.WaitForAll
}

// IterationCap returns max_iterations with the default applied.
func (s *StepDefinition) IterationCap() int {
	if s.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return s.MaxIterations
}

// ParameterSpec declares one template input parameter.
type ParameterSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// OutputSpec declares one template output. Source is an optional
// substitution expression resolved against the final scope; when empty the
// engine falls back to the step result named like the output.
type OutputSpec struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
}

// WorkflowTemplate is the declarative description of a multi-step
// procedure: an ordered, graph-referenced collection of step definitions
// plus declared parameters, outputs, and execution policy.
type WorkflowTemplate struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version"`
	Status      TemplateStatus `json:"status"`

	Steps      []StepDefinition         `json:"steps"`
	Parameters map[string]ParameterSpec `json:"parameters,omitempty"`
	Outputs    map[string]OutputSpec    `json:"outputs,omitempty"`

	// Execution policy.
	TimeoutMinutes int `json:"timeout_minutes,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty"`

	Category  string    `json:"category,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	IsPublic  bool      `json:"is_public,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepIndex returns the list position of the named step, or -1.
func (t *WorkflowTemplate) StepIndex(name string) int {
	for i := range t.Steps {
		if t.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// Step returns the named step definition, or nil.
func (t *WorkflowTemplate) Step(name string) *StepDefinition {
	if i := t.StepIndex(name); i >= 0 {
		return &t.Steps[i]
	}
	return nil
}

// HasStep reports whether name resolves to a step or the reserved "end".
func (t *WorkflowTemplate) HasStep(name string) bool {
	return name == EndStepName || t.StepIndex(name) >= 0
}

// WorkflowTimeout returns the template-level execution deadline with the
// default applied.
func (t *WorkflowTemplate) WorkflowTimeout() time.Duration {
	mins := t.TimeoutMinutes
	if mins <= 0 {
		mins = DefaultWorkflowTimeoutMins
	}
	return time.Duration(mins) * time.Minute
}

// TemplateVersion is an immutable snapshot of a template, written when a
// significant field (steps, parameters, status) changes. Cosmetic edits do
// not create versions.
type TemplateVersion struct {
	ID            string                   `json:"id"`
	TemplateID    string                   `json:"template_id"`
	VersionNumber int                      `json:"version_number"`
	Name          string                   `json:"name"`
	Title         string                   `json:"title,omitempty"`
	Version       string                   `json:"version"`
	Status        TemplateStatus           `json:"status"`
	Steps         []StepDefinition         `json:"steps"`
	Parameters    map[string]ParameterSpec `json:"parameters,omitempty"`
	CreatedBy     string                   `json:"created_by,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
}
