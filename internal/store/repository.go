// Package store persists workflow templates, executions, step attempts,
// template version snapshots, and schedules in libSQL.
package store

import (
	"context"
	"time"

	"github.com/mirelk/stepflow/pkg/schema"
)

// Repository is the persistence boundary of the engine. All methods are
// safe for concurrent use.
type Repository interface {
	// Templates.
	CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	GetTemplateByName(ctx context.Context, name string) (*schema.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error)
	UpdateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	DeleteTemplate(ctx context.Context, id string) error

	// Template version snapshots.
	ListTemplateVersions(ctx context.Context, templateID string) ([]*schema.TemplateVersion, error)
	GetTemplateVersion(ctx context.Context, templateID string, versionNumber int) (*schema.TemplateVersion, error)

	// Executions.
	CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error

	// Step execution attempts.
	CreateStepExecution(ctx context.Context, step *schema.StepExecution) error
	UpdateStepExecution(ctx context.Context, id string, update StepUpdate) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*schema.StepExecution, error)

	// Schedules.
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error
}

// TemplateFilter narrows ListTemplates. Search matches a substring of
// name, title, or description.
type TemplateFilter struct {
	Status    *schema.TemplateStatus
	Category  string
	CreatedBy string
	Search    string
	Limit     int
	Offset    int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	TemplateID  string
	Status      *schema.ExecutionStatus
	TriggeredBy string
	Since       *time.Time
	Limit       int
	Offset      int
}

// ExecutionUpdate is a partial update of an execution row. Nil fields are
// left untouched.
type ExecutionUpdate struct {
	Status             *schema.ExecutionStatus
	CurrentStepIndex   *int
	ProgressPercentage *float64
	OutputData         map[string]any
	ErrorMessage       *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// StepUpdate is a partial update of a step execution row.
type StepUpdate struct {
	Status       *schema.StepStatus
	Result       map[string]any
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Schedule triggers recurring executions of a template on a cron expression.
type Schedule struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	CronExpr        string         `json:"cron_expr"`
	InputParameters map[string]any `json:"input_parameters,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	TemplateID  string
	EnabledOnly bool
	Limit       int
}

// ScheduleUpdate is a partial update of a schedule row.
type ScheduleUpdate struct {
	CronExpr        *string
	InputParameters map[string]any
	Enabled         *bool
	LastRunAt       *time.Time
	NextRunAt       *time.Time
}
