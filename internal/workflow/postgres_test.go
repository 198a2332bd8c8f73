package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/migrations"
	"erp-workflow/pkg/models"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("workflow-test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, migrations.Up(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `INSERT INTO actors (id, display_name, email) VALUES
		(1, 'Alice Admin', 'alice@example.com'),
		(2, 'Bob Clerk', 'bob@example.com')`)
	require.NoError(t, err)
	return pool
}

func TestPostgresWorkflow(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	clock := newFakeClock()
	svc, err := NewPostgres(pool, 2*time.Second, Options{Clock: clock.Now})
	require.NoError(t, err)

	p, err := svc.Definitions.Define(ctx, assetLifecycle())
	require.NoError(t, err)
	require.Len(t, p.States, 3)
	require.Len(t, p.Transitions, 2)
	ref := models.EntityRef{Type: "asset", ID: "42"}

	t.Run("initialize and reject duplicates", func(t *testing.T) {
		state, entry, err := svc.Engine.Initialize(ctx, InitializeRequest{Entity: ref, PipelineID: p.ID, Actor: alice})
		require.NoError(t, err)
		assert.Equal(t, p.States[0].ID, state.CurrentStateID)
		assert.Nil(t, entry.FromStateID)

		_, _, err = svc.Engine.Initialize(ctx, InitializeRequest{Entity: ref, PipelineID: p.ID})
		assert.ErrorIs(t, err, apperrors.ErrAlreadyTracked)
	})

	t.Run("illegal then legal transition", func(t *testing.T) {
		_, err := svc.Engine.Transition(ctx, TransitionRequest{Entity: ref, Transition: "approve", Actor: alice})
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

		entry, err := svc.Engine.Transition(ctx, TransitionRequest{
			Entity:         ref,
			Transition:     "submit",
			Actor:          bob,
			Metadata:       map[string]any{"reason": "quarterly audit"},
			IdempotencyKey: "k-1",
		})
		require.NoError(t, err)
		assert.Equal(t, p.States[1].ID, entry.ToStateID)

		replay, err := svc.Engine.Transition(ctx, TransitionRequest{Entity: ref, Transition: "submit", Actor: bob, IdempotencyKey: "k-1"})
		require.NoError(t, err)
		assert.Equal(t, entry.ID, replay.ID)

		timeline, err := svc.Audit.Timeline(ctx, ref)
		require.NoError(t, err)
		require.Len(t, timeline, 2)
		assert.Equal(t, "Bob Clerk", timeline[1].PerformerName)
		assert.Equal(t, "quarterly audit", timeline[1].Metadata["reason"])
	})

	t.Run("stale detection", func(t *testing.T) {
		clock.Advance(8 * 24 * time.Hour)
		dash, err := svc.Dashboard.GetDashboard(ctx, models.DashboardQuery{StaleDays: 7})
		require.NoError(t, err)
		require.Len(t, dash.StaleEntities, 1)
		assert.Equal(t, 8, dash.StaleEntities[0].DaysInState)
		require.Len(t, dash.Summary, 3)
		assert.Equal(t, 1, dash.Summary[1].Count)
	})

	t.Run("audit search sorts by performer name", func(t *testing.T) {
		page, err := svc.Audit.Query(ctx, models.LogFilter{Search: "bob"}, models.LogSort{Field: models.LogSortPerformedBy}, models.Pagination{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
		assert.Equal(t, "Submit", page.Items[0].TransitionName)
	})

	t.Run("system entries sort lowest by performer", func(t *testing.T) {
		_, _, err := svc.Engine.Initialize(ctx, InitializeRequest{Entity: models.EntityRef{Type: "asset", ID: "43"}, PipelineID: p.ID})
		require.NoError(t, err)
		draft := p.States[0].ID
		filter := models.LogFilter{ToStateID: &draft}

		page, err := svc.Audit.Query(ctx, filter, models.LogSort{Field: models.LogSortPerformedBy}, models.Pagination{})
		require.NoError(t, err)
		assert.Equal(t, []string{"43", "42"}, entityIDs(page.Items))

		page, err = svc.Audit.Query(ctx, filter, models.LogSort{Field: models.LogSortPerformedBy, Descending: true}, models.Pagination{})
		require.NoError(t, err)
		assert.Equal(t, []string{"42", "43"}, entityIDs(page.Items))
	})

	t.Run("audit trail is append-only", func(t *testing.T) {
		_, err := pool.Exec(ctx, "DELETE FROM pipeline_state_logs")
		assert.Error(t, err)
	})
}

func TestPostgresConcurrentTransitions(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	svc, err := NewPostgres(pool, 2*time.Second, Options{})
	require.NoError(t, err)
	p, err := svc.Definitions.Define(ctx, assetLifecycle())
	require.NoError(t, err)
	ref := models.EntityRef{Type: "asset", ID: "race"}
	_, _, err = svc.Engine.Initialize(ctx, InitializeRequest{Entity: ref, PipelineID: p.ID})
	require.NoError(t, err)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Engine.Transition(ctx, TransitionRequest{Entity: ref, Transition: "submit"})
			if err != nil {
				kind := apperrors.Kind(err)
				assert.True(t, kind == apperrors.ErrIllegalTransition || kind == apperrors.ErrConflict, err.Error())
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	timeline, err := svc.Audit.Timeline(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, timeline, 2)
}
