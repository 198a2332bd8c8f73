package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-workflow/internal/config"
	"erp-workflow/internal/export"
	"erp-workflow/internal/logging"
	"erp-workflow/internal/repository"
	"erp-workflow/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Export.Dir = t.TempDir()
	cfg.Workflow.StaleDays = 3
	return cfg
}

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, testConfig(t), logging.Discard(), Options{Memory: true})
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Pool)
	assert.IsType(t, export.LocalSink{}, rt.Sink)

	dash, err := rt.Workflow.Dashboard.GetDashboard(ctx, models.DashboardQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, dash.StaleDays)

	actor := &models.Actor{DisplayName: "Ops", Email: "ops@example.com"}
	require.NoError(t, rt.Actors.CreateActor(ctx, actor))
	name, err := rt.Actors.DisplayName(ctx, actor.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ops", name)
}

func TestTableLabels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workflow.EntityLabels = map[string]string{
		"asset":          "assets.name",
		"purchase_order": "erp.purchase_orders.number",
	}
	labels, err := TableLabels(cfg, repository.NewTableLabeler(nil))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"asset", "purchase_order"}, labels.Types())

	cfg.Workflow.EntityLabels = map[string]string{"asset": "assets;drop"}
	_, err = TableLabels(cfg, repository.NewTableLabeler(nil))
	assert.ErrorContains(t, err, "workflow.entity_labels.asset")
}
