package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mirelk/stepflow/internal/scheduler"
	"github.com/mirelk/stepflow/internal/store"
	"github.com/mirelk/stepflow/internal/validation"
	"github.com/mirelk/stepflow/pkg/schema"
)

// --- Templates ---

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl schema.WorkflowTemplate
	if !decodeJSON(w, r, &tpl) {
		return
	}

	if tpl.Name == "" {
		writeError(w, http.StatusBadRequest, "template name is required")
		return
	}
	if tpl.Version == "" {
		tpl.Version = "1.0.0"
	}
	if tpl.Status == "" {
		tpl.Status = schema.TemplateStatusDraft
	}

	result := validation.Validate(&tpl, validation.Options{ToolCatalog: s.deps.Tools})
	if !result.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "template validation failed",
			"validation": result,
		})
		return
	}

	now := time.Now().UTC()
	tpl.ID = uuid.NewString()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := s.deps.Repo.CreateTemplate(r.Context(), &tpl); err != nil {
		writeEngineError(w, err)
		return
	}

	s.deps.Logger.Info("template created", "template_id", tpl.ID, "name", tpl.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"template":   &tpl,
		"validation": result,
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := store.TemplateFilter{
		Category:  r.URL.Query().Get("category"),
		CreatedBy: r.URL.Query().Get("created_by"),
		Search:    r.URL.Query().Get("search"),
		Limit:     queryInt(r, "limit", 50),
		Offset:    queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.TemplateStatus(v)
		filter.Status = &status
	}

	templates, err := s.deps.Repo.ListTemplates(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Repo.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	existing, err := s.deps.Repo.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var tpl schema.WorkflowTemplate
	if !decodeJSON(w, r, &tpl) {
		return
	}

	// Identity and provenance are immutable.
	tpl.ID = existing.ID
	tpl.CreatedAt = existing.CreatedAt
	tpl.UpdatedAt = time.Now().UTC()
	if tpl.Name == "" {
		tpl.Name = existing.Name
	}
	if tpl.Version == "" {
		tpl.Version = existing.Version
	}
	if tpl.Status == "" {
		tpl.Status = existing.Status
	}

	result := validation.Validate(&tpl, validation.Options{ToolCatalog: s.deps.Tools})
	if !result.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "template validation failed",
			"validation": result,
		})
		return
	}

	if err := s.deps.Repo.UpdateTemplate(r.Context(), &tpl); err != nil {
		writeEngineError(w, err)
		return
	}

	s.deps.Logger.Info("template updated", "template_id", tpl.ID, "name", tpl.Name)
	writeJSON(w, http.StatusOK, map[string]any{
		"template":   &tpl,
		"validation": result,
	})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Repo.DeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Repo.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result := validation.Validate(tpl, validation.Options{ToolCatalog: s.deps.Tools})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Repo.ListTemplateVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	number := queryPathInt(r, "number")
	if number <= 0 {
		writeError(w, http.StatusBadRequest, "version number must be a positive integer")
		return
	}
	version, err := s.deps.Repo.GetTemplateVersion(r.Context(), r.PathValue("id"), number)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// --- Executions ---

type executeRequest struct {
	InputParameters map[string]any `json:"input_parameters"`
	TriggeredBy     string         `json:"triggered_by"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Repo.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var req executeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	exec, err := s.deps.Coordinator.Execute(r.Context(), tpl, req.InputParameters, req.TriggeredBy)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		TemplateID:  r.URL.Query().Get("template_id"),
		TriggeredBy: r.URL.Query().Get("triggered_by"),
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}

	execs, err := s.deps.Repo.ListExecutions(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Repo.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Repo.GetExecution(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	steps, err := s.deps.Repo.ListStepExecutions(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.Pause(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Coordinator.Resume(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

// --- Schedules ---

type scheduleRequest struct {
	TemplateID      string         `json:"template_id"`
	CronExpr        string         `json:"cron_expr"`
	InputParameters map[string]any `json:"input_parameters"`
	Enabled         *bool          `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TemplateID == "" || req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "template_id and cron_expr are required")
		return
	}
	if _, err := s.deps.Repo.GetTemplate(r.Context(), req.TemplateID); err != nil {
		writeEngineError(w, err)
		return
	}

	now := time.Now().UTC()
	next, err := scheduler.NextRun(req.CronExpr, now)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &store.Schedule{
		ID:              uuid.NewString(),
		TemplateID:      req.TemplateID,
		CronExpr:        req.CronExpr,
		InputParameters: req.InputParameters,
		Enabled:         enabled,
		NextRunAt:       &next,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.deps.Repo.CreateSchedule(r.Context(), sched); err != nil {
		writeEngineError(w, err)
		return
	}

	s.deps.Logger.Info("schedule created",
		"schedule_id", sched.ID, "template_id", sched.TemplateID, "cron", sched.CronExpr)
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduleFilter{
		TemplateID:  r.URL.Query().Get("template_id"),
		EnabledOnly: r.URL.Query().Get("enabled") == "true",
		Limit:       queryInt(r, "limit", 50),
	}
	schedules, err := s.deps.Repo.ListSchedules(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.deps.Repo.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type scheduleUpdateRequest struct {
	CronExpr        *string        `json:"cron_expr"`
	InputParameters map[string]any `json:"input_parameters"`
	Enabled         *bool          `json:"enabled"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Repo.GetSchedule(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}

	var req scheduleUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	update := store.ScheduleUpdate{
		CronExpr:        req.CronExpr,
		InputParameters: req.InputParameters,
		Enabled:         req.Enabled,
	}
	if req.CronExpr != nil {
		next, err := scheduler.NextRun(*req.CronExpr, time.Now().UTC())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		update.NextRunAt = &next
	}

	if err := s.deps.Repo.UpdateSchedule(r.Context(), id, update); err != nil {
		writeEngineError(w, err)
		return
	}
	sched, err := s.deps.Repo.GetSchedule(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Repo.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
