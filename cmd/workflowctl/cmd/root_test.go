package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/bootstrap"
	"erp-workflow/internal/config"
	"erp-workflow/internal/export"
	"erp-workflow/internal/logging"
	"erp-workflow/internal/workflow"
	"erp-workflow/pkg/models"
)

const ticketYAML = `
pipelines:
  - name: Support Ticket
    code: SupportTicket
    entity_type: ticket
    states:
      - {code: open, name: Open, type: initial, sort_order: 1}
      - {code: triaged, name: Triaged, type: intermediate, sort_order: 2}
      - {code: closed, name: Closed, type: terminal, sort_order: 3}
    transitions:
      - {code: triage, name: Triage, from: open, to: triaged}
      - {code: close, name: Close, from: triaged, to: closed, required_permission: ticket.close}
`

func newTestRuntime(t *testing.T) (*bootstrap.Runtime, Opener) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Export.Dir = t.TempDir()
	rt, err := bootstrap.Open(context.Background(), cfg, logging.Discard(), bootstrap.Options{Memory: true})
	require.NoError(t, err)
	return rt, func(context.Context, *config.Config, bootstrap.Options) (*bootstrap.Runtime, error) {
		return rt, nil
	}
}

func run(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDefineStateTransitionHistory(t *testing.T) {
	rt, open := newTestRuntime(t)
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "tickets.yaml")
	require.NoError(t, os.WriteFile(file, []byte(ticketYAML), 0o644))
	ops := &models.Actor{DisplayName: "Ops Lead", Email: "ops@example.com"}
	require.NoError(t, rt.Actors.CreateActor(ctx, ops))

	out, err := run(t, open, "define", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "defined SupportTicket version 1")

	out, err = run(t, open, "pipelines", "--active")
	require.NoError(t, err)
	assert.Contains(t, out, "SupportTicket")
	assert.Contains(t, out, "Entity Type")

	out, err = run(t, open, "pipelines", "--entity-type", "invoice")
	require.NoError(t, err)
	assert.Equal(t, "no pipelines found\n", out)

	p, err := rt.Workflow.Definitions.GetPipeline(ctx, workflow.ByCode("SupportTicket"), true)
	require.NoError(t, err)
	_, _, err = rt.Workflow.Engine.Initialize(ctx, workflow.InitializeRequest{
		Entity:     models.EntityRef{Type: "ticket", ID: "T-1"},
		PipelineID: p.ID,
	})
	require.NoError(t, err)

	out, err = run(t, open, "state", "ticket", "T-1")
	require.NoError(t, err)
	var state struct {
		State       models.PipelineEntityState `json:"state"`
		Transitions []models.Transition        `json:"available_transitions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, p.States[0].ID, state.State.CurrentStateID)
	require.Len(t, state.Transitions, 1)

	_, err = run(t, open, "transition", "ticket", "T-1", "close")
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

	out, err = run(t, open, "transition", "ticket", "T-1", "triage", "--actor", "ops@example.com", "--comment", "looked at it")
	require.NoError(t, err)
	var entry models.PipelineStateLog
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, ops.ID, *entry.PerformedBy)
	assert.Equal(t, "cli", entry.Metadata["channel"])

	// the operator holds every permission
	_, err = run(t, open, "transition", "ticket", "T-1", "close", "--actor", "ops@example.com")
	require.NoError(t, err)

	_, err = run(t, open, "transition", "ticket", "T-1", "close", "--actor", "nobody@example.com")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	out, err = run(t, open, "history", "ticket", "T-1")
	require.NoError(t, err)
	var timeline []models.StateLogView
	require.NoError(t, json.Unmarshal([]byte(out), &timeline))
	require.Len(t, timeline, 3)
	assert.Equal(t, "Ops Lead", timeline[1].PerformerName)
	assert.Equal(t, "Closed", timeline[2].ToStateName)
}

func TestDashboardAndExport(t *testing.T) {
	rt, open := newTestRuntime(t)
	ctx := context.Background()
	defs, err := workflow.ParseDefinitions([]byte(ticketYAML))
	require.NoError(t, err)
	p, err := rt.Workflow.Definitions.Define(ctx, defs[0])
	require.NoError(t, err)
	for _, id := range []string{"T-1", "T-2"} {
		_, _, err := rt.Workflow.Engine.Initialize(ctx, workflow.InitializeRequest{
			Entity:     models.EntityRef{Type: "ticket", ID: id},
			PipelineID: p.ID,
		})
		require.NoError(t, err)
	}

	out, err := run(t, open, "dashboard", "--entity-type", "ticket", "--stale-days", "2")
	require.NoError(t, err)
	var dash models.Dashboard
	require.NoError(t, json.Unmarshal([]byte(out), &dash))
	assert.Equal(t, 2, dash.StaleDays)
	require.Len(t, dash.Summary, 3)
	assert.Equal(t, 2, dash.Summary[0].Count)

	out, err = run(t, open, "export", "--format", "xlsx", "--entity-type", "tick")
	require.NoError(t, err)
	location := strings.TrimSpace(out)
	assert.True(t, strings.HasSuffix(location, "."+export.XLSX.Extension()), location)
	assert.FileExists(t, location)

	_, err = run(t, open, "export", "--from", "last week")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = run(t, open, "export", "--format", "pdf")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestArgumentValidation(t *testing.T) {
	_, open := newTestRuntime(t)

	_, err := run(t, open, "state", "ticket")
	assert.Error(t, err)

	_, err = run(t, open, "define")
	assert.ErrorContains(t, err, `required flag(s) "file" not set`)
}
