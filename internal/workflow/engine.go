package workflow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/logging"
	"erp-workflow/pkg/models"
)

// InitializeRequest places an entity into a pipeline for the first time.
type InitializeRequest struct {
	Entity     models.EntityRef
	PipelineID int64
	Actor      *models.Actor
	Comment    string
	Metadata   map[string]any
	Request    models.RequestContext
}

// TransitionRequest asks the engine to take a named transition.
type TransitionRequest struct {
	Entity     models.EntityRef
	Transition string
	Actor      *models.Actor
	Comment    string
	Metadata   map[string]any
	// IdempotencyKey makes retries of the same request at-most-once.
	IdempotencyKey string
	Request        models.RequestContext
}

// ReinitializeRequest is the administrative override that puts an already
// tracked entity back at the initial state of a pipeline.
type ReinitializeRequest struct {
	Entity     models.EntityRef
	PipelineID int64
	Actor      *models.Actor
	Comment    string
	Request    models.RequestContext
}

// Engine is the Transition Engine, the only writer of the registry and the
// audit trail. Every mutation is one unit of work.
type Engine struct {
	store       store
	defs        *Definitions
	registry    *Registry
	audit       *AuditTrail
	log         *logging.Logger
	now         func() time.Time
	maxAttempts int
}

// Initialize creates the registry row at the pipeline's initial state and
// writes the entity's first audit entry, which has no from-state.
func (e *Engine) Initialize(ctx context.Context, req InitializeRequest) (*models.PipelineEntityState, *models.PipelineStateLog, error) {
	ctx, span := tracer.Start(ctx, "workflow.Initialize", trace.WithAttributes(
		attribute.String("workflow.entity", req.Entity.String()),
		attribute.Int64("workflow.pipeline_id", req.PipelineID),
	))
	defer span.End()

	state, entry, err := e.initialize(ctx, req)
	if err != nil {
		e.fail(span, "initialize", req.Entity, err)
		return nil, nil, err
	}
	e.log.Info("entity initialized", "entity", req.Entity.String(), "pipeline_id", state.PipelineID,
		"state_id", state.CurrentStateID, "log_id", entry.ID)
	return state, entry, nil
}

func (e *Engine) initialize(ctx context.Context, req InitializeRequest) (*models.PipelineEntityState, *models.PipelineStateLog, error) {
	if err := req.Entity.Validate(); err != nil {
		return nil, nil, apperrors.Wrapf(apperrors.ErrValidation, "%v", err)
	}
	pipeline, initial, err := e.entryPoint(ctx, req.Entity, req.PipelineID)
	if err != nil {
		return nil, nil, err
	}

	var (
		state *models.PipelineEntityState
		entry *models.PipelineStateLog
	)
	err = e.store.InTx(ctx, func(tx txStore) error {
		now := e.now()
		var err error
		state, err = e.registry.initialize(ctx, tx, req.Entity, pipeline.ID, initial.ID, req.Actor, now)
		if err != nil {
			return err
		}
		entry = &models.PipelineStateLog{
			PipelineEntityStateID: state.ID,
			EntityType:            req.Entity.Type,
			EntityID:              req.Entity.ID,
			PipelineID:            pipeline.ID,
			ToStateID:             initial.ID,
			PerformedBy:           req.Actor.IDPtr(),
			Comment:               req.Comment,
			Metadata:              req.Metadata,
			IPAddress:             req.Request.IPAddress,
			UserAgent:             req.Request.UserAgent,
			CreatedAt:             now,
		}
		return e.audit.append(ctx, tx, entry)
	})
	if err != nil {
		return nil, nil, err
	}
	return state, entry, nil
}

// entryPoint resolves an active pipeline governing ref's type and its initial state.
func (e *Engine) entryPoint(ctx context.Context, ref models.EntityRef, pipelineID int64) (*models.Pipeline, models.PipelineState, error) {
	if pipelineID == 0 {
		return nil, models.PipelineState{}, apperrors.Wrapf(apperrors.ErrValidation, "pipeline id is required")
	}
	pipeline, err := e.defs.GetPipeline(ctx, ByID(pipelineID), true)
	if err != nil {
		return nil, models.PipelineState{}, err
	}
	if pipeline.EntityType != ref.Type {
		return nil, models.PipelineState{}, apperrors.Wrapf(apperrors.ErrValidation,
			"pipeline %s governs %q, not %q", pipeline.Code, pipeline.EntityType, ref.Type)
	}
	initial, ok := pipeline.InitialState()
	if !ok {
		return nil, models.PipelineState{}, apperrors.Wrapf(apperrors.ErrInvalidDefinition, "pipeline %s has no initial state", pipeline.Code)
	}
	return pipeline, initial, nil
}

// Transition takes the named transition for an entity and returns the audit
// entry it wrote. Concurrent moves of one entity are serialized on its
// registry row; a lost race is retried a bounded number of times before
// failing with ErrConflict.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*models.PipelineStateLog, error) {
	ctx, span := tracer.Start(ctx, "workflow.Transition", trace.WithAttributes(
		attribute.String("workflow.entity", req.Entity.String()),
		attribute.String("workflow.transition", req.Transition),
	))
	defer span.End()

	start := time.Now()
	var (
		entry    *models.PipelineStateLog
		pipeline string
		replayed bool
	)
	op := func() error {
		var err error
		entry, pipeline, replayed, err = e.transitionOnce(ctx, req)
		if err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	attempts := e.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))

	outcome := apperrors.Code(err)
	if err == nil && replayed {
		outcome = "replayed"
	}
	// unresolved codes are caller input and stay out of the label set
	transitionLabel := req.Transition
	if pipeline == "" || errors.Is(err, apperrors.ErrUnknownTransition) {
		transitionLabel = "unknown"
	}
	if pipeline == "" {
		pipeline = "unknown"
	}
	transitionsTotal.WithLabelValues(pipeline, transitionLabel, outcome).Inc()
	transitionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		e.fail(span, "transition", req.Entity, err, "transition", req.Transition)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("workflow.log_id", entry.ID), attribute.Bool("workflow.replayed", replayed))
	if replayed {
		e.log.Info("transition replayed", "entity", req.Entity.String(), "transition", req.Transition,
			"idempotency_key", req.IdempotencyKey, "log_id", entry.ID)
	} else {
		e.log.Info("transition applied", "entity", req.Entity.String(), "transition", req.Transition,
			"pipeline", pipeline, "to_state_id", entry.ToStateID, "log_id", entry.ID)
	}
	return entry, nil
}

func (e *Engine) transitionOnce(ctx context.Context, req TransitionRequest) (entry *models.PipelineStateLog, pipelineCode string, replayed bool, err error) {
	if err := req.Entity.Validate(); err != nil {
		return nil, "", false, apperrors.Wrapf(apperrors.ErrValidation, "%v", err)
	}
	if strings.TrimSpace(req.Transition) == "" {
		return nil, "", false, apperrors.Wrapf(apperrors.ErrValidation, "transition code is required")
	}

	err = e.store.InTx(ctx, func(tx txStore) error {
		current, err := tx.LockEntityState(ctx, req.Entity)
		if err != nil {
			return err
		}
		pipeline, err := e.defs.GetPipeline(ctx, ByID(current.PipelineID), false)
		if err != nil {
			return err
		}
		pipelineCode = pipeline.Code

		// the row lock orders concurrent retries carrying the same key
		if req.IdempotencyKey != "" {
			prior, err := tx.StateLogByIdempotencyKey(ctx, req.Entity, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				entry, replayed = prior, true
				return nil
			}
		}

		t, ok := pipeline.TransitionByCode(req.Transition)
		if !ok {
			return apperrors.Wrapf(apperrors.ErrUnknownTransition, "%q in pipeline %s", req.Transition, pipeline.Code)
		}
		if t.FromStateID != current.CurrentStateID {
			return apperrors.Wrapf(apperrors.ErrIllegalTransition, "%q requires state %s, %s is at %s",
				t.Code, stateCode(pipeline, t.FromStateID), req.Entity, stateCode(pipeline, current.CurrentStateID))
		}
		if !req.Actor.Can(t.RequiredPermission) {
			return apperrors.Wrapf(apperrors.ErrForbidden, "%q requires permission %q", t.Code, t.RequiredPermission)
		}

		now := e.now()
		from := current.CurrentStateID
		moved, err := e.registry.applyTransition(ctx, tx, current, t.ToStateID, req.Actor, now)
		if err != nil {
			return err
		}
		transitionID := t.ID
		entry = &models.PipelineStateLog{
			PipelineEntityStateID: moved.ID,
			EntityType:            req.Entity.Type,
			EntityID:              req.Entity.ID,
			PipelineID:            moved.PipelineID,
			FromStateID:           &from,
			ToStateID:             t.ToStateID,
			TransitionID:          &transitionID,
			PerformedBy:           req.Actor.IDPtr(),
			Comment:               req.Comment,
			Metadata:              req.Metadata,
			IPAddress:             req.Request.IPAddress,
			UserAgent:             req.Request.UserAgent,
			IdempotencyKey:        req.IdempotencyKey,
			CreatedAt:             now,
		}
		return e.audit.append(ctx, tx, entry)
	})
	if err != nil {
		return nil, pipelineCode, false, err
	}
	return entry, pipelineCode, replayed, nil
}

// Reinitialize repoints a tracked entity to the initial state of an active
// pipeline. The audit entry keeps the previous state as its from-state, has
// no transition and is marked as an override.
func (e *Engine) Reinitialize(ctx context.Context, req ReinitializeRequest) (*models.PipelineStateLog, error) {
	ctx, span := tracer.Start(ctx, "workflow.Reinitialize", trace.WithAttributes(
		attribute.String("workflow.entity", req.Entity.String()),
		attribute.Int64("workflow.pipeline_id", req.PipelineID),
	))
	defer span.End()

	entry, err := e.reinitialize(ctx, req)
	if err != nil {
		e.fail(span, "reinitialize", req.Entity, err)
		return nil, err
	}
	e.log.Warn("entity reinitialized", "entity", req.Entity.String(), "pipeline_id", entry.PipelineID,
		"from_state_id", *entry.FromStateID, "log_id", entry.ID)
	return entry, nil
}

func (e *Engine) reinitialize(ctx context.Context, req ReinitializeRequest) (*models.PipelineStateLog, error) {
	if err := req.Entity.Validate(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "%v", err)
	}
	pipeline, initial, err := e.entryPoint(ctx, req.Entity, req.PipelineID)
	if err != nil {
		return nil, err
	}

	var entry *models.PipelineStateLog
	err = e.store.InTx(ctx, func(tx txStore) error {
		current, err := tx.LockEntityState(ctx, req.Entity)
		if err != nil {
			return err
		}
		now := e.now()
		from := current.CurrentStateID
		moved, err := e.registry.repoint(ctx, tx, current, pipeline.ID, initial.ID, req.Actor, now)
		if err != nil {
			return err
		}
		entry = &models.PipelineStateLog{
			PipelineEntityStateID: moved.ID,
			EntityType:            req.Entity.Type,
			EntityID:              req.Entity.ID,
			PipelineID:            pipeline.ID,
			FromStateID:           &from,
			ToStateID:             initial.ID,
			PerformedBy:           req.Actor.IDPtr(),
			Comment:               req.Comment,
			Metadata: map[string]any{
				"override":             true,
				"previous_pipeline_id": current.PipelineID,
			},
			IPAddress: req.Request.IPAddress,
			UserAgent: req.Request.UserAgent,
			CreatedAt: now,
		}
		return e.audit.append(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// fail records err on the span and logs it at a level matching its kind.
func (e *Engine) fail(span trace.Span, op string, ref models.EntityRef, err error, kv ...any) {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperrors.Code(err))
	fields := append([]any{"op", op, "entity", ref.String(), "error", err.Error()}, kv...)
	if apperrors.Kind(err) == nil {
		e.log.Error("workflow operation failed", fields...)
		return
	}
	e.log.Debug("workflow operation rejected", fields...)
}

func stateCode(p *models.Pipeline, id int64) string {
	if s, ok := p.State(id); ok {
		return s.Code
	}
	return "#" + strconv.FormatInt(id, 10)
}
