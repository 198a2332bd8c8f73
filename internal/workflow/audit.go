package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/export"
	"erp-workflow/internal/logging"
	"erp-workflow/pkg/models"
)

const (
	defaultPerPage = 25
	maxPerPage     = 100
)

// AuditTrail is the append-only transition history. The Engine is its only writer.
type AuditTrail struct {
	store store
	log   *logging.Logger
	now   func() time.Time
}

// append records entry inside the caller's unit of work.
func (a *AuditTrail) append(ctx context.Context, tx txStore, entry *models.PipelineStateLog) error {
	return tx.InsertStateLog(ctx, entry)
}

// NormalizeQuery applies the default sort and clamps pagination.
func NormalizeQuery(filter models.LogFilter, sort models.LogSort, page models.Pagination) (models.LogSort, models.Pagination, error) {
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		return sort, page, apperrors.Wrapf(apperrors.ErrValidation, "date_from is after date_to")
	}
	switch sort.Field {
	case "":
		sort = models.LogSort{Field: models.LogSortCreatedAt, Descending: true}
	case models.LogSortCreatedAt, models.LogSortEntityType, models.LogSortEntityID,
		models.LogSortPerformedBy, models.LogSortFromState, models.LogSortToState:
	default:
		return sort, page, apperrors.Wrapf(apperrors.ErrValidation, "unknown sort field %q", sort.Field)
	}
	if page.Page < 1 {
		page.Page = 1
	}
	if page.PerPage <= 0 {
		page.PerPage = defaultPerPage
	}
	if page.PerPage > maxPerPage {
		page.PerPage = maxPerPage
	}
	return sort, page, nil
}

// Query searches the trail across all entities.
func (a *AuditTrail) Query(ctx context.Context, filter models.LogFilter, sort models.LogSort, page models.Pagination) (*models.LogPage, error) {
	sort, page, err := NormalizeQuery(filter, sort, page)
	if err != nil {
		return nil, err
	}
	return a.store.QueryLogs(ctx, filter, sort, page)
}

// Timeline returns the complete history of one entity, oldest first.
func (a *AuditTrail) Timeline(ctx context.Context, ref models.EntityRef) ([]models.StateLogView, error) {
	if err := ref.Validate(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "%v", err)
	}
	return a.store.Timeline(ctx, ref)
}

var exportHeader = []string{
	"ID", "Date", "Entity Type", "Entity ID", "Pipeline", "From State", "To State",
	"Transition", "Performed By", "Comment", "IP Address", "User Agent", "Metadata",
}

func exportRow(v models.StateLogView) []string {
	performer := v.PerformerName
	if v.PerformedBy == nil {
		performer = "system"
	}
	var metadata string
	if len(v.Metadata) > 0 {
		if b, err := json.Marshal(v.Metadata); err == nil {
			metadata = string(b)
		}
	}
	return []string{
		strconv.FormatInt(v.ID, 10),
		v.CreatedAt.UTC().Format(time.RFC3339),
		v.EntityType,
		v.EntityID,
		v.PipelineName,
		v.FromStateName,
		v.ToStateName,
		v.TransitionName,
		performer,
		v.Comment,
		v.IPAddress,
		v.UserAgent,
		metadata,
	}
}

// Export writes every entry matching filter to an artifact in the given
// format and returns the location reported by sink.
func (a *AuditTrail) Export(ctx context.Context, filter models.LogFilter, sort models.LogSort, format export.Format, sink export.Sink) (string, error) {
	sort, _, err := NormalizeQuery(filter, sort, models.Pagination{})
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "state-logs-*."+format.Extension())
	if err != nil {
		return "", errors.Wrap(err, "failed to create export buffer")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	w, err := export.NewWriter(format, tmp, "State Logs")
	if err != nil {
		return "", err
	}
	if err := w.Write(exportHeader); err != nil {
		return "", err
	}
	rows := 0
	err = a.store.EachLog(ctx, filter, sort, func(v models.StateLogView) error {
		rows++
		return w.Write(exportRow(v))
	})
	if err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "failed to rewind export buffer")
	}

	name := fmt.Sprintf("state-logs-%s-%s.%s", a.now().UTC().Format("20060102-150405"), uuid.NewString(), format.Extension())
	location, err := sink.Store(ctx, name, format.ContentType(), tmp)
	if err != nil {
		return "", err
	}
	a.log.Info("state logs exported", "format", string(format), "rows", rows, "location", location)
	return location, nil
}
