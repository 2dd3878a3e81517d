package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/mirelk/stepflow/pkg/schema"
)

// LibSQLRepository implements Repository using libSQL (embedded SQLite fork).
type LibSQLRepository struct {
	db *sql.DB
}

// NewLibSQLRepository opens a libSQL database at the given path. The path
// should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLRepository(dbPath string) (*LibSQLRepository, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow works for all.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLRepository{db: db}, nil
}

var _ Repository = (*LibSQLRepository)(nil)

// DB returns the underlying *sql.DB.
func (s *LibSQLRepository) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLRepository) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLRepository) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Templates ---

const templateColumns = `id, name, title, description, version, status, steps, parameters, outputs, timeout_minutes, max_retries, category, tags, created_by, is_public, created_at, updated_at`

func (s *LibSQLRepository) CreateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	params, err := nullableJSON(tpl.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	outputs, err := nullableJSON(tpl.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	tags, err := nullableJSON(tpl.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, nullStr(tpl.Title), nullStr(tpl.Description),
		tpl.Version, string(tpl.Status), string(steps), params, outputs,
		tpl.TimeoutMinutes, tpl.MaxRetries,
		nullStr(tpl.Category), tags, nullStr(tpl.CreatedBy), boolToInt(tpl.IsPublic),
		timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "template name %q already exists", tpl.Name)
	}
	return err
}

func (s *LibSQLRepository) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	return tpl, err
}

func (s *LibSQLRepository) GetTemplateByName(ctx context.Context, name string) (*schema.WorkflowTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE name = ?`, name)
	tpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", name)
	}
	return tpl, err
}

func (s *LibSQLRepository) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		where = append(where, "(name LIKE ? OR title LIKE ? OR description LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	query := `SELECT ` + templateColumns + ` FROM workflow_templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*schema.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// UpdateTemplate replaces the template row. When a significant field
// changed (steps, parameters, or status), the previous state is first
// snapshotted into template_versions in the same transaction. Cosmetic
// edits do not create versions.
func (s *LibSQLRepository) UpdateTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`, tpl.ID)
	prev, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return storeNotFound("template", tpl.ID)
	}
	if err != nil {
		return err
	}

	if significantChange(prev, tpl) {
		if err := insertVersionSnapshot(ctx, tx, prev); err != nil {
			return err
		}
	}

	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	params, err := nullableJSON(tpl.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	outputs, err := nullableJSON(tpl.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	tags, err := nullableJSON(tpl.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_templates SET
		   name = ?, title = ?, description = ?, version = ?, status = ?,
		   steps = ?, parameters = ?, outputs = ?, timeout_minutes = ?, max_retries = ?,
		   category = ?, tags = ?, created_by = ?, is_public = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		tpl.Name, nullStr(tpl.Title), nullStr(tpl.Description), tpl.Version, string(tpl.Status),
		string(steps), params, outputs, tpl.TimeoutMinutes, tpl.MaxRetries,
		nullStr(tpl.Category), tags, nullStr(tpl.CreatedBy), boolToInt(tpl.IsPublic),
		tpl.ID,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "template name %q already exists", tpl.Name)
	}
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "template", tpl.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLRepository) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

// significantChange reports whether an update warrants a version snapshot.
func significantChange(prev, next *schema.WorkflowTemplate) bool {
	if prev.Status != next.Status || prev.Version != next.Version {
		return true
	}
	prevSteps, _ := json.Marshal(prev.Steps)
	nextSteps, _ := json.Marshal(next.Steps)
	if string(prevSteps) != string(nextSteps) {
		return true
	}
	prevParams, _ := json.Marshal(prev.Parameters)
	nextParams, _ := json.Marshal(next.Parameters)
	return string(prevParams) != string(nextParams)
}

func insertVersionSnapshot(ctx context.Context, tx *sql.Tx, prev *schema.WorkflowTemplate) error {
	var next int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM template_versions WHERE template_id = ?`,
		prev.ID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("next version number: %w", err)
	}

	steps, err := json.Marshal(prev.Steps)
	if err != nil {
		return fmt.Errorf("marshal snapshot steps: %w", err)
	}
	params, err := nullableJSON(prev.Parameters)
	if err != nil {
		return fmt.Errorf("marshal snapshot parameters: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO template_versions (id, template_id, version_number, name, title, version, status, steps, parameters, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		uuid.NewString(), prev.ID, next, prev.Name, nullStr(prev.Title),
		prev.Version, string(prev.Status), string(steps), params, nullStr(prev.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("insert version snapshot: %w", err)
	}
	return nil
}

// --- Template Versions ---

const versionColumns = `id, template_id, version_number, name, title, version, status, steps, parameters, created_by, created_at`

func (s *LibSQLRepository) ListTemplateVersions(ctx context.Context, templateID string) ([]*schema.TemplateVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM template_versions WHERE template_id = ? ORDER BY version_number DESC`,
		templateID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*schema.TemplateVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *LibSQLRepository) GetTemplateVersion(ctx context.Context, templateID string, versionNumber int) (*schema.TemplateVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM template_versions WHERE template_id = ? AND version_number = ?`,
		templateID, versionNumber,
	)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template_version", fmt.Sprintf("%s/%d", templateID, versionNumber))
	}
	return v, err
}

// --- Executions ---

const executionColumns = `id, workflow_template_id, status, triggered_by, input_parameters, current_step_index, total_steps, progress_percentage, output_data, error_message, started_at, completed_at, created_at, updated_at`

func (s *LibSQLRepository) CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	inputs, err := nullableJSON(exec.InputParameters)
	if err != nil {
		return fmt.Errorf("marshal input_parameters: %w", err)
	}
	outputs, err := nullableJSON(exec.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowTemplateID, string(exec.Status), nullStr(exec.TriggeredBy),
		inputs, exec.CurrentStepIndex, exec.TotalSteps, exec.ProgressPercentage,
		outputs, nullStr(exec.ErrorMessage),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		timeOrNow(exec.CreatedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLRepository) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLRepository) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var where []string
	var args []any

	if filter.TemplateID != "" {
		where = append(where, "workflow_template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TriggeredBy != "" {
		where = append(where, "triggered_by = ?")
		args = append(args, filter.TriggeredBy)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*schema.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func (s *LibSQLRepository) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *update.CurrentStepIndex)
	}
	if update.ProgressPercentage != nil {
		sets = append(sets, "progress_percentage = ?")
		args = append(args, *update.ProgressPercentage)
	}
	if update.OutputData != nil {
		outputs, err := json.Marshal(update.OutputData)
		if err != nil {
			return fmt.Errorf("marshal output_data: %w", err)
		}
		sets = append(sets, "output_data = ?")
		args = append(args, string(outputs))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// --- Step Executions ---

const stepColumns = `id, workflow_execution_id, step_index, step_name, step_type, tool_name, tool_parameters, status, attempt_number, max_attempts, result, error_message, started_at, completed_at`

func (s *LibSQLRepository) CreateStepExecution(ctx context.Context, step *schema.StepExecution) error {
	toolParams, err := nullableJSON(step.ToolParameters)
	if err != nil {
		return fmt.Errorf("marshal tool_parameters: %w", err)
	}
	result, err := nullableJSON(step.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_executions (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowExecutionID, step.StepIndex, step.StepName, string(step.StepType),
		nullStr(step.ToolName), toolParams, string(step.Status),
		step.AttemptNumber, step.MaxAttempts, result, nullStr(step.ErrorMessage),
		nullTime(step.StartedAt), nullTime(step.CompletedAt),
	)
	return err
}

func (s *LibSQLRepository) UpdateStepExecution(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		result, err := json.Marshal(update.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(result))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE step_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step_execution", id)
}

func (s *LibSQLRepository) ListStepExecutions(ctx context.Context, executionID string) ([]*schema.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE workflow_execution_id = ?
		 ORDER BY started_at ASC, attempt_number ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.StepExecution
	for rows.Next() {
		se := &schema.StepExecution{}
		var toolName, toolParams, result, errMsg sql.NullString
		var stepType string
		var status string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&se.ID, &se.WorkflowExecutionID, &se.StepIndex, &se.StepName, &stepType,
			&toolName, &toolParams, &status, &se.AttemptNumber, &se.MaxAttempts,
			&result, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		se.StepType = schema.StepType(stepType)
		se.Status = schema.StepStatus(status)
		se.ToolName = toolName.String
		se.ErrorMessage = errMsg.String
		if toolParams.Valid && toolParams.String != "" {
			_ = json.Unmarshal([]byte(toolParams.String), &se.ToolParameters)
		}
		if result.Valid && result.String != "" {
			_ = json.Unmarshal([]byte(result.String), &se.Result)
		}
		if startedAt.Valid {
			se.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			se.CompletedAt = &completedAt.Time
		}
		steps = append(steps, se)
	}
	return steps, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, template_id, cron_expr, input_parameters, enabled, last_run_at, next_run_at, created_at, updated_at`

func (s *LibSQLRepository) CreateSchedule(ctx context.Context, sched *Schedule) error {
	inputs, err := nullableJSON(sched.InputParameters)
	if err != nil {
		return fmt.Errorf("marshal input_parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.TemplateID, sched.CronExpr, inputs, boolToInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	return err
}

func (s *LibSQLRepository) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLRepository) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLRepository) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.InputParameters != nil {
		inputs, err := json.Marshal(update.InputParameters)
		if err != nil {
			return fmt.Errorf("marshal input_parameters: %w", err)
		}
		sets = append(sets, "input_parameters = ?")
		args = append(args, string(inputs))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLRepository) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Row Scanning ---

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (*schema.WorkflowTemplate, error) {
	tpl := &schema.WorkflowTemplate{}
	var (
		title, desc, category, tags, createdBy sql.NullString
		params, outputs                        sql.NullString
		stepsJSON, status                      string
		isPublic                               int
	)
	err := row.Scan(&tpl.ID, &tpl.Name, &title, &desc, &tpl.Version, &status,
		&stepsJSON, &params, &outputs, &tpl.TimeoutMinutes, &tpl.MaxRetries,
		&category, &tags, &createdBy, &isPublic, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tpl.Title = title.String
	tpl.Description = desc.String
	tpl.Status = schema.TemplateStatus(status)
	tpl.Category = category.String
	tpl.CreatedBy = createdBy.String
	tpl.IsPublic = isPublic != 0
	if err := json.Unmarshal([]byte(stepsJSON), &tpl.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &tpl.Parameters)
	}
	if outputs.Valid && outputs.String != "" {
		_ = json.Unmarshal([]byte(outputs.String), &tpl.Outputs)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &tpl.Tags)
	}
	return tpl, nil
}

func scanVersion(row scanner) (*schema.TemplateVersion, error) {
	v := &schema.TemplateVersion{}
	var (
		title, params, createdBy sql.NullString
		stepsJSON, status        string
	)
	err := row.Scan(&v.ID, &v.TemplateID, &v.VersionNumber, &v.Name, &title,
		&v.Version, &status, &stepsJSON, &params, &createdBy, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	v.Title = title.String
	v.Status = schema.TemplateStatus(status)
	v.CreatedBy = createdBy.String
	if err := json.Unmarshal([]byte(stepsJSON), &v.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot steps: %w", err)
	}
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &v.Parameters)
	}
	return v, nil
}

func scanExecution(row scanner) (*schema.WorkflowExecution, error) {
	exec := &schema.WorkflowExecution{}
	var (
		triggeredBy, inputs, outputs, errMsg sql.NullString
		status                               string
		startedAt, completedAt               sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.WorkflowTemplateID, &status, &triggeredBy, &inputs,
		&exec.CurrentStepIndex, &exec.TotalSteps, &exec.ProgressPercentage,
		&outputs, &errMsg, &startedAt, &completedAt, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.TriggeredBy = triggeredBy.String
	exec.ErrorMessage = errMsg.String
	if inputs.Valid && inputs.String != "" {
		_ = json.Unmarshal([]byte(inputs.String), &exec.InputParameters)
	}
	if outputs.Valid && outputs.String != "" {
		_ = json.Unmarshal([]byte(outputs.String), &exec.OutputData)
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

func scanSchedule(row scanner) (*Schedule, error) {
	sched := &Schedule{}
	var (
		inputs           sql.NullString
		enabled          int
		lastRun, nextRun sql.NullTime
	)
	err := row.Scan(&sched.ID, &sched.TemplateID, &sched.CronExpr, &inputs, &enabled,
		&lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	if inputs.Valid && inputs.String != "" {
		_ = json.Unmarshal([]byte(inputs.String), &sched.InputParameters)
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableJSON marshals v, storing NULL for empty maps and slices.
func nullableJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	if s == "null" || s == "{}" || s == "[]" {
		return nil, nil
	}
	return s, nil
}
