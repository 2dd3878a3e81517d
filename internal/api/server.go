// Package api exposes the engine over HTTP: template CRUD and validation,
// execution start and control, SSE progress streams, schedules, and the
// tool catalog.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mirelk/stepflow/internal/store"
	"github.com/mirelk/stepflow/internal/streaming"
	"github.com/mirelk/stepflow/internal/tools"
	"github.com/mirelk/stepflow/pkg/schema"
)

// Coordinator is the execution control surface the API drives.
type Coordinator interface {
	Execute(ctx context.Context, tpl *schema.WorkflowTemplate, inputs map[string]any, triggeredBy string) (*schema.WorkflowExecution, error)
	Cancel(ctx context.Context, executionID string) error
	Pause(ctx context.Context, executionID string) error
	Resume(ctx context.Context, executionID string) error
}

// ToolCatalog lists registered tools and answers existence checks for the
// validator.
type ToolCatalog interface {
	HasTool(name string) bool
	List() []tools.ToolInfo
}

// Deps holds the server's dependencies.
type Deps struct {
	Repo        store.Repository
	Coordinator Coordinator
	Tools       ToolCatalog
	Subscriber  streaming.Subscriber
	Logger      *slog.Logger
}

// Server is the HTTP surface of the engine.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Templates.
	mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)
	mux.HandleFunc("POST /api/templates/{id}/validate", s.handleValidateTemplate)
	mux.HandleFunc("GET /api/templates/{id}/versions", s.handleListVersions)
	mux.HandleFunc("GET /api/templates/{id}/versions/{number}", s.handleGetVersion)
	mux.HandleFunc("POST /api/templates/{id}/execute", s.handleExecute)

	// Executions.
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/steps", s.handleListSteps)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("POST /api/executions/{id}/pause", s.handlePauseExecution)
	mux.HandleFunc("POST /api/executions/{id}/resume", s.handleResumeExecution)

	// SSE streams.
	mux.HandleFunc("GET /api/stream", s.handleStreamAll)
	mux.HandleFunc("GET /api/executions/{id}/stream", s.handleStreamExecution)

	// Schedules.
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// Tools and health.
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.deps.Tools.List()})
}
