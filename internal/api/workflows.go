// Package api contains the HTTP handlers for the workflow service
package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/auth"
	"erp-workflow/internal/export"
	"erp-workflow/internal/logging"
	"erp-workflow/internal/workflow"
	"erp-workflow/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Workflow *workflow.Service
	Sink     export.Sink
	Log      *logging.Logger
}

// NewServer creates a new Server. Exports land in the system temp directory
// when sink is nil.
func NewServer(svc *workflow.Service, sink export.Sink, log *logging.Logger) *Server {
	if sink == nil {
		sink = export.LocalSink{Dir: os.TempDir()}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Server{Workflow: svc, Sink: sink, Log: log}
}

// Register mounts the workflow routes on g, which must already authenticate.
func (s *Server) Register(g *echo.Group) {
	read := echo.WrapMiddleware(auth.RequirePermission(auth.ScopeWorkflowRead))
	write := echo.WrapMiddleware(auth.RequirePermission(auth.ScopeWorkflowWrite))
	admin := echo.WrapMiddleware(auth.RequirePermission(auth.ScopeWorkflowAdmin))

	g.GET("/pipelines", s.ListPipelines, read)
	g.POST("/pipelines", s.DefinePipeline, admin)
	g.GET("/pipelines/:ref", s.GetPipeline, read)
	g.DELETE("/pipelines/:id", s.DeactivatePipeline, admin)
	g.GET("/pipelines/:id/transitions", s.ListPipelineTransitions, read)

	g.POST("/entities/:type/:id/initialize", s.InitializeEntity, write)
	g.POST("/entities/:type/:id/reinitialize", s.ReinitializeEntity, admin)
	g.POST("/entities/:type/:id/transition", s.TransitionEntity, write)
	g.GET("/entities/:type/:id/state", s.GetEntityState, read)
	g.GET("/entities/:type/:id/transitions", s.ListEntityTransitions, read)
	g.GET("/entities/:type/:id/history", s.GetEntityHistory, read)

	g.GET("/logs", s.QueryLogs, read)
	g.GET("/logs/export", s.ExportLogs, read)
	g.GET("/dashboard", s.GetDashboard, read)
}

// ListPipelines returns pipeline versions, newest first per code
// (GET /api/v1/pipelines?active=true&entity_type=)
func (s *Server) ListPipelines(c echo.Context) error {
	var activeOnly bool
	if err := echo.QueryParamsBinder(c).Bool("active", &activeOnly).BindError(); err != nil {
		return err
	}
	pipelines, err := s.Workflow.Definitions.ListPipelines(c.Request().Context(), activeOnly, c.QueryParam("entity_type"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pipelines)
}

// GetPipeline returns one pipeline with its states and transitions
// (GET /api/v1/pipelines/:ref, where ref is an id or a code)
func (s *Server) GetPipeline(c echo.Context) error {
	var requireActive bool
	if err := echo.QueryParamsBinder(c).Bool("active", &requireActive).BindError(); err != nil {
		return err
	}
	p, err := s.Workflow.Definitions.GetPipeline(c.Request().Context(), workflow.ParsePipelineRef(c.Param("ref")), requireActive)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// DefinePipeline validates and stores a new pipeline version
// (POST /api/v1/pipelines)
func (s *Server) DefinePipeline(c echo.Context) error {
	var def models.PipelineDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	p, err := s.Workflow.Definitions.Define(c.Request().Context(), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

// DeactivatePipeline retires a pipeline version. Entities already on it keep moving.
// (DELETE /api/v1/pipelines/:id)
func (s *Server) DeactivatePipeline(c echo.Context) error {
	var id int64
	if err := echo.PathParamsBinder(c).MustInt64("id", &id).BindError(); err != nil {
		return err
	}
	if err := s.Workflow.Definitions.Deactivate(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListPipelineTransitions returns the transitions leaving a state
// (GET /api/v1/pipelines/:id/transitions?from_state=ID)
func (s *Server) ListPipelineTransitions(c echo.Context) error {
	var id, fromState int64
	if err := echo.PathParamsBinder(c).MustInt64("id", &id).BindError(); err != nil {
		return err
	}
	if err := echo.QueryParamsBinder(c).MustInt64("from_state", &fromState).BindError(); err != nil {
		return err
	}
	ts, err := s.Workflow.Definitions.GetTransitions(c.Request().Context(), id, fromState)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ts)
}

type initializeBody struct {
	PipelineID int64          `json:"pipeline_id"`
	Comment    string         `json:"comment"`
	Metadata   map[string]any `json:"metadata"`
}

// InitializeResponse is the registry row and first audit entry of a newly tracked entity.
type InitializeResponse struct {
	State *models.PipelineEntityState `json:"state"`
	Entry *models.PipelineStateLog    `json:"entry"`
}

// InitializeEntity starts tracking an entity
// (POST /api/v1/entities/:type/:id/initialize)
func (s *Server) InitializeEntity(c echo.Context) error {
	var body initializeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	state, entry, err := s.Workflow.Engine.Initialize(c.Request().Context(), workflow.InitializeRequest{
		Entity:     entityRef(c),
		PipelineID: body.PipelineID,
		Actor:      actor(c),
		Comment:    body.Comment,
		Metadata:   body.Metadata,
		Request:    requestContext(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, InitializeResponse{State: state, Entry: entry})
}

// ReinitializeEntity is the administrative override moving a tracked entity
// to the initial state of a pipeline
// (POST /api/v1/entities/:type/:id/reinitialize)
func (s *Server) ReinitializeEntity(c echo.Context) error {
	var body initializeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	entry, err := s.Workflow.Engine.Reinitialize(c.Request().Context(), workflow.ReinitializeRequest{
		Entity:     entityRef(c),
		PipelineID: body.PipelineID,
		Actor:      actor(c),
		Comment:    body.Comment,
		Request:    requestContext(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

type transitionBody struct {
	Transition     string         `json:"transition"`
	Comment        string         `json:"comment"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// TransitionEntity applies a named transition
// (POST /api/v1/entities/:type/:id/transition)
func (s *Server) TransitionEntity(c echo.Context) error {
	var body transitionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(body.Transition) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transition is required")
	}
	key := body.IdempotencyKey
	if key == "" {
		key = c.Request().Header.Get("Idempotency-Key")
	}
	entry, err := s.Workflow.Engine.Transition(c.Request().Context(), workflow.TransitionRequest{
		Entity:         entityRef(c),
		Transition:     body.Transition,
		Actor:          actor(c),
		Comment:        body.Comment,
		Metadata:       body.Metadata,
		IdempotencyKey: key,
		Request:        requestContext(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// GetEntityState returns the registry row of an entity
// (GET /api/v1/entities/:type/:id/state)
func (s *Server) GetEntityState(c echo.Context) error {
	state, err := s.Workflow.Registry.GetCurrentState(c.Request().Context(), entityRef(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// ListEntityTransitions returns the transitions the caller may take next
// (GET /api/v1/entities/:type/:id/transitions)
func (s *Server) ListEntityTransitions(c echo.Context) error {
	ts, err := s.Workflow.Registry.AvailableTransitions(c.Request().Context(), entityRef(c), actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ts)
}

// GetEntityHistory returns the audit timeline of an entity, oldest first
// (GET /api/v1/entities/:type/:id/history)
func (s *Server) GetEntityHistory(c echo.Context) error {
	timeline, err := s.Workflow.Audit.Timeline(c.Request().Context(), entityRef(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, timeline)
}

// QueryLogs searches the audit trail
// (GET /api/v1/logs)
func (s *Server) QueryLogs(c echo.Context) error {
	filter, sort, page, err := parseLogQuery(c)
	if err != nil {
		return err
	}
	result, err := s.Workflow.Audit.Query(c.Request().Context(), filter, sort, page)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ExportResponse points at a stored export artifact.
type ExportResponse struct {
	Location string `json:"location"`
}

// ExportLogs writes every matching audit entry to the export sink
// (GET /api/v1/logs/export?format=csv|xlsx)
func (s *Server) ExportLogs(c echo.Context) error {
	format, err := export.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return err
	}
	filter, sort, _, err := parseLogQuery(c)
	if err != nil {
		return err
	}
	location, err := s.Workflow.Audit.Export(c.Request().Context(), filter, sort, format, s.Sink)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ExportResponse{Location: location})
}

// GetDashboard returns per-state counts and stale entities
// (GET /api/v1/dashboard?pipeline_id=&entity_type=&stale_days=)
func (s *Server) GetDashboard(c echo.Context) error {
	var pipelineID int64
	var staleDays int
	if err := echo.QueryParamsBinder(c).
		Int64("pipeline_id", &pipelineID).
		Int("stale_days", &staleDays).
		BindError(); err != nil {
		return err
	}
	q := models.DashboardQuery{EntityType: c.QueryParam("entity_type"), StaleDays: staleDays}
	if pipelineID != 0 {
		q.PipelineID = &pipelineID
	}
	dash, err := s.Workflow.Dashboard.GetDashboard(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dash)
}

func entityRef(c echo.Context) models.EntityRef {
	return models.EntityRef{Type: c.Param("type"), ID: c.Param("id")}
}

func actor(c echo.Context) *models.Actor {
	a, _ := auth.ActorFromContext(c.Request().Context())
	return a
}

func requestContext(c echo.Context) models.RequestContext {
	return models.RequestContext{IPAddress: c.RealIP(), UserAgent: c.Request().UserAgent()}
}

func parseLogQuery(c echo.Context) (models.LogFilter, models.LogSort, models.Pagination, error) {
	var (
		filter                                  models.LogFilter
		sort                                    models.LogSort
		page                                    models.Pagination
		pipelineID, fromState, toState, actorID int64
	)
	if err := echo.QueryParamsBinder(c).
		Int64("pipeline_id", &pipelineID).
		Int64("from_state_id", &fromState).
		Int64("to_state_id", &toState).
		Int64("performed_by", &actorID).
		Int("page", &page.Page).
		Int("per_page", &page.PerPage).
		BindError(); err != nil {
		return filter, sort, page, err
	}
	filter.PipelineID = optionalID(pipelineID)
	filter.FromStateID = optionalID(fromState)
	filter.ToStateID = optionalID(toState)
	filter.PerformedBy = optionalID(actorID)
	filter.EntityType = c.QueryParam("entity_type")
	filter.Search = c.QueryParam("search")

	var err error
	if filter.DateFrom, err = parseDate(c.QueryParam("date_from"), false); err != nil {
		return filter, sort, page, err
	}
	if filter.DateTo, err = parseDate(c.QueryParam("date_to"), true); err != nil {
		return filter, sort, page, err
	}

	sort.Field = models.LogSortField(c.QueryParam("sort"))
	if sort.Field == "" {
		sort.Field = models.LogSortCreatedAt
	}
	switch strings.ToLower(c.QueryParam("order")) {
	case "", "desc":
		sort.Descending = true
	case "asc":
	default:
		return filter, sort, page, apperrors.Wrapf(apperrors.ErrValidation, "order must be asc or desc")
	}
	return filter, sort, page, nil
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "invalid date %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
