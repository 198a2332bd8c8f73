package workflow

import (
	"context"
	"time"

	"erp-workflow/pkg/models"
)

// store is the persistence contract of the engine. Implementations live under
// internal/ so only this package can reach the write paths.
type store interface {
	PipelineByID(ctx context.Context, id int64) (*models.Pipeline, error)
	PipelinesByCode(ctx context.Context, code string) ([]models.Pipeline, error)
	ListPipelines(ctx context.Context, activeOnly bool, entityType string) ([]models.Pipeline, error)
	CreatePipeline(ctx context.Context, def models.PipelineDefinition) (*models.Pipeline, error)
	SetPipelineActive(ctx context.Context, id int64, active bool) error

	EntityState(ctx context.Context, ref models.EntityRef) (*models.PipelineEntityState, error)
	CountByState(ctx context.Context, pipelineIDs []int64, entityType string) (map[int64]int, error)
	StaleEntities(ctx context.Context, pipelineIDs []int64, entityType string, olderThan time.Time, limit int) ([]models.PipelineEntityState, error)

	QueryLogs(ctx context.Context, filter models.LogFilter, sort models.LogSort, page models.Pagination) (*models.LogPage, error)
	EachLog(ctx context.Context, filter models.LogFilter, sort models.LogSort, fn func(models.StateLogView) error) error
	Timeline(ctx context.Context, ref models.EntityRef) ([]models.StateLogView, error)

	// InTx runs fn as one atomic unit; any error rolls everything back.
	InTx(ctx context.Context, fn func(tx txStore) error) error
}

// txStore is the write side, only available inside InTx.
type txStore interface {
	// LockEntityState reads the registry row and holds it until the unit ends.
	LockEntityState(ctx context.Context, ref models.EntityRef) (*models.PipelineEntityState, error)
	InsertEntityState(ctx context.Context, state *models.PipelineEntityState) error
	// UpdateEntityState fails with ErrConflict unless the row is still at expectedStateID.
	UpdateEntityState(ctx context.Context, state *models.PipelineEntityState, expectedStateID int64) error
	InsertStateLog(ctx context.Context, entry *models.PipelineStateLog) error
	StateLogByIdempotencyKey(ctx context.Context, ref models.EntityRef, key string) (*models.PipelineStateLog, error)
}
