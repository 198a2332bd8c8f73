package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-workflow/internal/auth"
	"erp-workflow/internal/workflow"
	"erp-workflow/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *models.Pipeline) {
	t.Helper()
	svc, err := workflow.NewInMemory(func(int64) string { return "Mia Manager" }, workflow.Options{})
	require.NoError(t, err)
	p, err := svc.Definitions.Define(context.Background(), models.PipelineDefinition{
		Name:       "Purchase Order",
		Code:       "PurchaseOrder",
		EntityType: "purchase_order",
		States: []models.StateDefinition{
			{Code: "requested", Name: "Requested", Type: models.StateTypeInitial},
			{Code: "ordered", Name: "Ordered", Type: models.StateTypeIntermediate},
			{Code: "received", Name: "Received", Type: models.StateTypeTerminal},
		},
		Transitions: []models.TransitionDefinition{
			{Code: "order", Name: "Order", From: "requested", To: "ordered"},
			{Code: "receive", Name: "Receive", From: "ordered", To: "received", RequiredPermission: "po.receive"},
		},
	})
	require.NoError(t, err)
	_, _, err = svc.Engine.Initialize(context.Background(), workflow.InitializeRequest{
		Entity:     models.EntityRef{Type: "purchase_order", ID: "PO-1"},
		PipelineID: p.ID,
	})
	require.NoError(t, err)
	return NewServer(svc, "test"), p
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestGetEntityStateTool(t *testing.T) {
	s, p := newTestServer(t)
	ctx := auth.WithActor(context.Background(), &models.Actor{ID: 1})

	res, err := s.handleGetEntityState(ctx, call(map[string]any{"entity_type": "purchase_order", "entity_id": "PO-1"}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	var got EntityStateResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &got))
	assert.Equal(t, p.States[0].ID, got.State.CurrentStateID)
	require.Len(t, got.Transitions, 1)
	assert.Equal(t, "order", got.Transitions[0].Code)

	res, err = s.handleGetEntityState(ctx, call(map[string]any{"entity_type": "purchase_order"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleGetEntityState(ctx, call(map[string]any{"entity_type": "purchase_order", "entity_id": "PO-404"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "entity not tracked")
}

func TestTransitionEntityTool(t *testing.T) {
	s, p := newTestServer(t)
	ctx := auth.WithActor(context.Background(), &models.Actor{ID: 1})
	args := map[string]any{"entity_type": "purchase_order", "entity_id": "PO-1", "transition": "order", "idempotency_key": "mcp-1"}

	res, err := s.handleTransitionEntity(ctx, call(args))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	var entry models.PipelineStateLog
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &entry))
	assert.Equal(t, p.States[1].ID, entry.ToStateID)
	assert.Equal(t, "mcp", entry.Metadata["channel"])

	res, err = s.handleTransitionEntity(ctx, call(args))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var replay models.PipelineStateLog
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &replay))
	assert.Equal(t, entry.ID, replay.ID)

	res, err = s.handleTransitionEntity(ctx, call(map[string]any{"entity_type": "purchase_order", "entity_id": "PO-1", "transition": "receive"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "forbidden")

	res, err = s.handleEntityHistory(ctx, call(map[string]any{"entity_type": "purchase_order", "entity_id": "PO-1"}))
	require.NoError(t, err)
	var history []models.StateLogView
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "Mia Manager", history[1].PerformerName)
}

func TestDashboardTool(t *testing.T) {
	s, p := newTestServer(t)

	res, err := s.handleDashboard(context.Background(), call(map[string]any{"pipeline_id": float64(p.ID), "stale_days": float64(3)}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))
	var dash models.Dashboard
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &dash))
	assert.Equal(t, 3, dash.StaleDays)
	require.Len(t, dash.Summary, 3)
	assert.Equal(t, 1, dash.Summary[0].Count)
}
