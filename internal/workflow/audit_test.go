package workflow

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/export"
	"erp-workflow/pkg/models"
)

// seedTrail leaves assets 1..3 submitted by different actors, one hour apart.
func seedTrail(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	actors := []*models.Actor{bob, alice, nil}
	for i, id := range []string{"1", "2", "3"} {
		f.initialize(t, id)
		f.clock.Advance(time.Hour)
		_, err := f.svc.Engine.Transition(ctx, TransitionRequest{
			Entity:     models.EntityRef{Type: "asset", ID: id},
			Transition: "submit",
			Actor:      actors[i],
			Comment:    "batch " + id,
		})
		require.NoError(t, err)
	}
	return f
}

func entityIDs(items []models.StateLogView) []string {
	ids := make([]string, len(items))
	for i, v := range items {
		ids[i] = v.EntityID
	}
	return ids
}

func TestAuditQueryDefaultsToNewestFirst(t *testing.T) {
	f := seedTrail(t)

	page, err := f.svc.Audit.Query(context.Background(), models.LogFilter{}, models.LogSort{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 25, page.PerPage)
	assert.Equal(t, "3", page.Items[0].EntityID)
	assert.Equal(t, "Submit", page.Items[0].TransitionName)
	assert.Equal(t, "Draft", page.Items[0].FromStateName)
}

func TestAuditQueryFilters(t *testing.T) {
	f := seedTrail(t)
	ctx := context.Background()
	pending := f.state(t, "pending_approval").ID
	draft := f.state(t, "draft").ID

	page, err := f.svc.Audit.Query(ctx, models.LogFilter{ToStateID: &pending}, models.LogSort{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = f.svc.Audit.Query(ctx, models.LogFilter{FromStateID: &draft, PerformedBy: &alice.ID}, models.LogSort{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, entityIDs(page.Items))

	page, err = f.svc.Audit.Query(ctx, models.LogFilter{EntityType: "SSE"}, models.LogSort{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)

	page, err = f.svc.Audit.Query(ctx, models.LogFilter{Search: "bob"}, models.LogSort{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, entityIDs(page.Items))

	page, err = f.svc.Audit.Query(ctx, models.LogFilter{Search: "batch 3"}, models.LogSort{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, entityIDs(page.Items))

	from := f.clock.Now().Add(-90 * time.Minute)
	page, err = f.svc.Audit.Query(ctx, models.LogFilter{DateFrom: &from}, models.LogSort{}, models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "3", "2"}, entityIDs(page.Items))

	to := from.Add(-time.Hour)
	_, err = f.svc.Audit.Query(ctx, models.LogFilter{DateFrom: &from, DateTo: &to}, models.LogSort{}, models.Pagination{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestAuditQuerySortsByPerformerName(t *testing.T) {
	f := seedTrail(t)
	pending := f.state(t, "pending_approval").ID

	page, err := f.svc.Audit.Query(context.Background(),
		models.LogFilter{ToStateID: &pending},
		models.LogSort{Field: models.LogSortPerformedBy},
		models.Pagination{})
	require.NoError(t, err)
	// system (no name) sorts first, then Alice before Bob although Bob has the lower id
	assert.Equal(t, []string{"3", "2", "1"}, entityIDs(page.Items))

	page, err = f.svc.Audit.Query(context.Background(),
		models.LogFilter{ToStateID: &pending},
		models.LogSort{Field: models.LogSortPerformedBy, Descending: true},
		models.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, entityIDs(page.Items))

	_, err = f.svc.Audit.Query(context.Background(), models.LogFilter{}, models.LogSort{Field: "ip"}, models.Pagination{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestAuditQueryPagination(t *testing.T) {
	f := seedTrail(t)
	ctx := context.Background()
	asc := models.LogSort{Field: models.LogSortCreatedAt}

	page, err := f.svc.Audit.Query(ctx, models.LogFilter{}, asc, models.Pagination{Page: 2, PerPage: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)
	assert.Len(t, page.Items, 2)

	page, err = f.svc.Audit.Query(ctx, models.LogFilter{}, asc, models.Pagination{Page: 5, PerPage: 4})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	page, err = f.svc.Audit.Query(ctx, models.LogFilter{}, asc, models.Pagination{PerPage: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, page.PerPage)
}

func TestAuditTimelineIsChronological(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := models.EntityRef{Type: "asset", ID: "tl"}
	f.initialize(t, "tl")
	for _, code := range []string{"submit", "approve"} {
		f.clock.Advance(time.Minute)
		_, err := f.transition("tl", code, alice)
		require.NoError(t, err)
	}

	timeline, err := f.svc.Audit.Timeline(ctx, ref)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, []string{"Draft", "Pending Approval", "Approved"},
		[]string{timeline[0].ToStateName, timeline[1].ToStateName, timeline[2].ToStateName})
	for i := 1; i < len(timeline); i++ {
		assert.True(t, timeline[i].CreatedAt.After(timeline[i-1].CreatedAt))
		assert.Equal(t, timeline[i-1].ToStateID, *timeline[i].FromStateID)
	}
}

func TestAuditExportCSV(t *testing.T) {
	f := seedTrail(t)
	dir := t.TempDir()

	location, err := f.svc.Audit.Export(context.Background(),
		models.LogFilter{Search: "batch"},
		models.LogSort{Field: models.LogSortEntityID},
		export.CSV,
		export.LocalSink{Dir: dir})
	require.NoError(t, err)
	assert.FileExists(t, location)

	file, err := os.Open(location)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, "1", records[1][3])
	assert.Equal(t, "Bob Clerk", records[1][8])
	assert.Equal(t, "system", records[3][8])
}
