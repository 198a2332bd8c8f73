package workflow

import (
	"context"
	"time"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/logging"
	"erp-workflow/pkg/models"
)

// MaxStaleDays bounds the staleness window a dashboard accepts.
const MaxStaleDays = 36500

// Aggregator is the Dashboard Aggregator: a read-only snapshot of how many
// entities sit in each state and which ones are stuck.
type Aggregator struct {
	store            store
	defs             *Definitions
	labels           *LabelResolver
	log              *logging.Logger
	now              func() time.Time
	staleLimit       int
	defaultStaleDays int
}

// GetDashboard never reports an unmatched pipeline as an error; the result is
// simply empty.
func (a *Aggregator) GetDashboard(ctx context.Context, q models.DashboardQuery) (*models.Dashboard, error) {
	staleDays := q.StaleDays
	if staleDays <= 0 {
		staleDays = a.defaultStaleDays
	}
	if staleDays > MaxStaleDays {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "stale_days must be at most %d", MaxStaleDays)
	}
	now := a.now()
	result := &models.Dashboard{
		Summary:       []models.StateSummary{},
		StaleEntities: []models.StaleEntity{},
		StaleDays:     staleDays,
		GeneratedAt:   now,
	}

	pipelines, err := a.selectPipelines(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(pipelines) == 0 {
		return result, nil
	}

	ids := make([]int64, len(pipelines))
	byID := make(map[int64]*models.Pipeline, len(pipelines))
	for i, p := range pipelines {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	counts, err := a.store.CountByState(ctx, ids, q.EntityType)
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		for _, s := range p.States {
			result.Summary = append(result.Summary, models.StateSummary{
				PipelineID: p.ID,
				StateID:    s.ID,
				Name:       s.Name,
				Code:       s.Code,
				Type:       s.Type,
				Color:      s.Color,
				Count:      counts[s.ID],
			})
		}
	}

	threshold := now.AddDate(0, 0, -staleDays)
	rows, err := a.store.StaleEntities(ctx, ids, q.EntityType, threshold, a.staleLimit)
	if err != nil {
		return nil, err
	}
	perPipeline := make(map[int64]int, len(pipelines))
	for _, row := range rows {
		p := byID[row.PipelineID]
		st, _ := p.State(row.CurrentStateID)
		result.StaleEntities = append(result.StaleEntities, models.StaleEntity{
			PipelineEntityState: row,
			PipelineName:        p.Name,
			StateName:           st.Name,
			StateCode:           st.Code,
			Label:               a.labels.Resolve(ctx, row.Ref()),
			DaysInState:         int(now.Sub(row.LastTransitionedAt).Hours() / 24),
		})
		perPipeline[row.PipelineID]++
	}
	for _, p := range pipelines {
		staleEntities.WithLabelValues(p.Code).Set(float64(perPipeline[p.ID]))
	}

	a.log.Debug("dashboard computed", "pipelines", len(pipelines), "stale", len(result.StaleEntities), "stale_days", staleDays)
	return result, nil
}

// selectPipelines resolves the pipelines a dashboard covers: the requested
// one if it is active and matches the entity type, otherwise every active
// pipeline for the entity type.
func (a *Aggregator) selectPipelines(ctx context.Context, q models.DashboardQuery) ([]*models.Pipeline, error) {
	if q.PipelineID != nil {
		p, err := a.defs.GetPipeline(ctx, ByID(*q.PipelineID), true)
		switch {
		case err == nil:
		case isNoMatch(err):
			return nil, nil
		default:
			return nil, err
		}
		if q.EntityType != "" && p.EntityType != q.EntityType {
			return nil, nil
		}
		return []*models.Pipeline{p}, nil
	}

	active, err := a.defs.ListPipelines(ctx, true, q.EntityType)
	if err != nil {
		return nil, err
	}
	pipelines := make([]*models.Pipeline, 0, len(active))
	for _, summary := range active {
		p, err := a.defs.GetPipeline(ctx, ByID(summary.ID), true)
		if isNoMatch(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func isNoMatch(err error) bool {
	kind := apperrors.Kind(err)
	return kind == apperrors.ErrNotFound || kind == apperrors.ErrInactive
}
