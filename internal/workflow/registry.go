package workflow

import (
	"context"
	"time"

	"erp-workflow/internal/apperrors"
	"erp-workflow/pkg/models"
)

// Registry is the Entity State Registry: where every tracked entity is now.
// Its write paths are unexported and only the Engine calls them, inside a
// unit of work, after it has validated the move.
type Registry struct {
	store store
	defs  *Definitions
}

// GetCurrentState returns the live registry row of ref.
func (r *Registry) GetCurrentState(ctx context.Context, ref models.EntityRef) (*models.PipelineEntityState, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "%v", err)
	}
	return r.store.EntityState(ctx, ref)
}

// AvailableTransitions lists the transitions legal from the entity's current
// state. When actor is non-nil, transitions it may not perform are dropped.
func (r *Registry) AvailableTransitions(ctx context.Context, ref models.EntityRef, actor *models.Actor) ([]models.Transition, error) {
	current, err := r.GetCurrentState(ctx, ref)
	if err != nil {
		return nil, err
	}
	all, err := r.defs.GetTransitions(ctx, current.PipelineID, current.CurrentStateID)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return all, nil
	}
	allowed := make([]models.Transition, 0, len(all))
	for _, t := range all {
		if actor.Can(t.RequiredPermission) {
			allowed = append(allowed, t)
		}
	}
	return allowed, nil
}

// initialize creates the registry row of ref at stateID.
func (r *Registry) initialize(ctx context.Context, tx txStore, ref models.EntityRef, pipelineID, stateID int64, actor *models.Actor, now time.Time) (*models.PipelineEntityState, error) {
	state := &models.PipelineEntityState{
		EntityType:         ref.Type,
		EntityID:           ref.ID,
		PipelineID:         pipelineID,
		CurrentStateID:     stateID,
		LastTransitionedAt: now,
		LastTransitionedBy: actor.IDPtr(),
		CreatedAt:          now,
	}
	if err := tx.InsertEntityState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// applyTransition moves a locked row to newStateID. It performs no legality
// check of its own.
func (r *Registry) applyTransition(ctx context.Context, tx txStore, current *models.PipelineEntityState, newStateID int64, actor *models.Actor, now time.Time) (*models.PipelineEntityState, error) {
	return r.repoint(ctx, tx, current, current.PipelineID, newStateID, actor, now)
}

// repoint moves a locked row to a state of any pipeline; reinitialization
// uses it to switch pipelines.
func (r *Registry) repoint(ctx context.Context, tx txStore, current *models.PipelineEntityState, pipelineID, stateID int64, actor *models.Actor, now time.Time) (*models.PipelineEntityState, error) {
	next := *current
	next.PipelineID = pipelineID
	next.CurrentStateID = stateID
	next.LastTransitionedAt = now
	next.LastTransitionedBy = actor.IDPtr()
	if err := tx.UpdateEntityState(ctx, &next, current.CurrentStateID); err != nil {
		return nil, err
	}
	return &next, nil
}
