// Package mcp exposes the workflow engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"erp-workflow/internal/auth"
	"erp-workflow/internal/workflow"
	"erp-workflow/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	workflow  *workflow.Service
}

func NewServer(svc *workflow.Service, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"ERP Workflow",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		workflow: svc,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_entity_state",
			mcp.WithDescription("Get the current workflow state of an entity and the transitions available from it"),
			mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type, e.g. asset")),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
		),
		s.handleGetEntityState,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"transition_entity",
			mcp.WithDescription("Move an entity along its pipeline by transition code"),
			mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type, e.g. asset")),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
			mcp.WithString("transition", mcp.Required(), mcp.Description("Transition code, e.g. submit")),
			mcp.WithString("comment", mcp.Description("Free-text reason recorded on the audit entry")),
			mcp.WithString("idempotency_key", mcp.Description("Repeat calls with the same key apply at most once")),
		),
		s.handleTransitionEntity,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"entity_history",
			mcp.WithDescription("List the audit trail of an entity, oldest first"),
			mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type, e.g. asset")),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
		),
		s.handleEntityHistory,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_dashboard",
			mcp.WithDescription("Count entities per state and list entities stuck in intermediate states"),
			mcp.WithNumber("pipeline_id", mcp.Description("Restrict to one active pipeline")),
			mcp.WithString("entity_type", mcp.Description("Restrict to pipelines for this entity type")),
			mcp.WithNumber("stale_days", mcp.Description("Days in state before an entity counts as stale (default 7)")),
		),
		s.handleDashboard,
	)
}

// EntityStateResult is the payload of get_entity_state.
type EntityStateResult struct {
	State       *models.PipelineEntityState `json:"state"`
	Transitions []models.Transition         `json:"available_transitions"`
}

func (s *Server) handleGetEntityState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, errResult := entityRef(request)
	if errResult != nil {
		return errResult, nil
	}

	state, err := s.workflow.Registry.GetCurrentState(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get state: %v", err)), nil
	}
	actor, _ := auth.ActorFromContext(ctx)
	transitions, err := s.workflow.Registry.AvailableTransitions(ctx, ref, actor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transitions: %v", err)), nil
	}

	return jsonResult(EntityStateResult{State: state, Transitions: transitions})
}

func (s *Server) handleTransitionEntity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, errResult := entityRef(request)
	if errResult != nil {
		return errResult, nil
	}
	code, err := request.RequireString("transition")
	if err != nil || code == "" {
		return mcp.NewToolResultError("Missing required parameter: transition"), nil
	}

	actor, _ := auth.ActorFromContext(ctx)
	entry, err := s.workflow.Engine.Transition(ctx, workflow.TransitionRequest{
		Entity:         ref,
		Transition:     code,
		Actor:          actor,
		Comment:        request.GetString("comment", ""),
		IdempotencyKey: request.GetString("idempotency_key", ""),
		Metadata:       map[string]any{"channel": "mcp"},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to transition: %v", err)), nil
	}

	return jsonResult(entry)
}

func (s *Server) handleEntityHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, errResult := entityRef(request)
	if errResult != nil {
		return errResult, nil
	}

	timeline, err := s.workflow.Audit.Timeline(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load history: %v", err)), nil
	}

	return jsonResult(timeline)
}

func (s *Server) handleDashboard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := models.DashboardQuery{
		EntityType: request.GetString("entity_type", ""),
		StaleDays:  request.GetInt("stale_days", 0),
	}
	if id := int64(request.GetInt("pipeline_id", 0)); id > 0 {
		q.PipelineID = &id
	}

	dash, err := s.workflow.Dashboard.GetDashboard(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build dashboard: %v", err)), nil
	}

	return jsonResult(dash)
}

func entityRef(request mcp.CallToolRequest) (models.EntityRef, *mcp.CallToolResult) {
	entityType, err := request.RequireString("entity_type")
	if err != nil || entityType == "" {
		return models.EntityRef{}, mcp.NewToolResultError("Missing required parameter: entity_type")
	}
	entityID, err := request.RequireString("entity_id")
	if err != nil || entityID == "" {
		return models.EntityRef{}, mcp.NewToolResultError("Missing required parameter: entity_id")
	}
	return models.EntityRef{Type: entityType, ID: entityID}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
