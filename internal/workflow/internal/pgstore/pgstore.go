// Package pgstore persists workflow definitions, the entity registry and the
// audit trail in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"erp-workflow/internal/apperrors"
	"erp-workflow/pkg/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	codeUniqueViolation     = "23505"
	codeLockNotAvailable    = "55P03"
	codeSerializationFailed = "40001"
	codeDeadlockDetected    = "40P01"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL implementation of the workflow persistence contract.
type Store struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// New creates a Store. lockTimeout bounds how long a transition waits for a
// registry row lock; zero means wait indefinitely.
func New(db *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{db: db, lockTimeout: lockTimeout}
}

// translate maps driver failures onto the engine's error kinds.
func translate(err error, notFound error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) && notFound != nil {
		return apperrors.Wrapf(notFound, format, args...)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return apperrors.Wrapf(apperrors.ErrAlreadyTracked, format, args...)
		case codeLockNotAvailable, codeSerializationFailed, codeDeadlockDetected:
			return apperrors.Wrapf(apperrors.ErrConflict, format, args...)
		}
	}
	return errors.Wrapf(err, format, args...)
}

var pipelineColumns = []string{"id", "name", "code", "entity_type", "version", "is_active", "created_at"}

func scanPipeline(row pgx.Row) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := row.Scan(&p.ID, &p.Name, &p.Code, &p.EntityType, &p.Version, &p.IsActive, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPipelines(rows pgx.Rows) ([]models.Pipeline, error) {
	defer rows.Close()
	pipelines := []models.Pipeline{}
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// PipelineByID returns the pipeline with its ordered states and transitions.
func (s *Store) PipelineByID(ctx context.Context, id int64) (*models.Pipeline, error) {
	return pipelineGraph(ctx, s.db, id)
}

func pipelineGraph(ctx context.Context, q querier, id int64) (*models.Pipeline, error) {
	query, args, err := psql.Select(pipelineColumns...).From("pipelines").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	p, err := scanPipeline(q.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, translate(err, apperrors.ErrNotFound, "pipeline %d", id)
	}

	query, args, err = psql.Select("id", "pipeline_id", "code", "name", "type", "color", "icon", "sort_order").
		From("pipeline_states").
		Where(sq.Eq{"pipeline_id": id}).
		OrderBy("sort_order", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pipeline states")
	}
	p.States, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PipelineState, error) {
		var st models.PipelineState
		err := row.Scan(&st.ID, &st.PipelineID, &st.Code, &st.Name, &st.Type, &st.Color, &st.Icon, &st.SortOrder)
		return st, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan pipeline states")
	}

	query, args, err = psql.Select("id", "pipeline_id", "code", "name", "from_state_id", "to_state_id", "required_permission").
		From("pipeline_transitions").
		Where(sq.Eq{"pipeline_id": id}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err = q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pipeline transitions")
	}
	p.Transitions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Transition, error) {
		var t models.Transition
		err := row.Scan(&t.ID, &t.PipelineID, &t.Code, &t.Name, &t.FromStateID, &t.ToStateID, &t.RequiredPermission)
		return t, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan pipeline transitions")
	}
	return p, nil
}

// PipelinesByCode returns every version of a pipeline code, newest first.
func (s *Store) PipelinesByCode(ctx context.Context, code string) ([]models.Pipeline, error) {
	query, args, err := psql.Select(pipelineColumns...).From("pipelines").
		Where(sq.Eq{"code": code}).
		OrderBy("version DESC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load pipeline %q", code)
	}
	return collectPipelines(rows)
}

// ListPipelines lists pipelines without their graphs.
func (s *Store) ListPipelines(ctx context.Context, activeOnly bool, entityType string) ([]models.Pipeline, error) {
	b := psql.Select(pipelineColumns...).From("pipelines").OrderBy("entity_type", "code", "version DESC")
	if activeOnly {
		b = b.Where(sq.Eq{"is_active": true})
	}
	if entityType != "" {
		b = b.Where(sq.Eq{"entity_type": entityType})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pipelines")
	}
	return collectPipelines(rows)
}

// CreatePipeline stores a new version of def and deactivates earlier versions
// of its code. Concurrent definitions of one code are serialized by an
// advisory lock.
func (s *Store) CreatePipeline(ctx context.Context, def models.PipelineDefinition) (*models.Pipeline, error) {
	var created *models.Pipeline
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", def.Code); err != nil {
			return errors.Wrap(err, "failed to lock pipeline code")
		}
		var version int
		if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) + 1 FROM pipelines WHERE code = $1", def.Code).Scan(&version); err != nil {
			return errors.Wrap(err, "failed to compute pipeline version")
		}
		if _, err := tx.Exec(ctx, "UPDATE pipelines SET is_active = FALSE WHERE code = $1 AND is_active", def.Code); err != nil {
			return errors.Wrap(err, "failed to deactivate previous versions")
		}

		var id int64
		query, args, err := psql.Insert("pipelines").
			Columns("name", "code", "entity_type", "version", "is_active").
			Values(def.Name, def.Code, def.EntityType, version, true).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			return errors.Wrap(err, "failed to insert pipeline")
		}

		stateIDs := make(map[string]int64, len(def.States))
		for _, st := range def.States {
			query, args, err := psql.Insert("pipeline_states").
				Columns("pipeline_id", "code", "name", "type", "color", "icon", "sort_order").
				Values(id, st.Code, st.Name, string(st.Type), st.Color, st.Icon, st.SortOrder).
				Suffix("RETURNING id").
				ToSql()
			if err != nil {
				return err
			}
			var stateID int64
			if err := tx.QueryRow(ctx, query, args...).Scan(&stateID); err != nil {
				return errors.Wrapf(err, "failed to insert state %q", st.Code)
			}
			stateIDs[st.Code] = stateID
		}

		for _, t := range def.Transitions {
			query, args, err := psql.Insert("pipeline_transitions").
				Columns("pipeline_id", "code", "name", "from_state_id", "to_state_id", "required_permission").
				Values(id, t.Code, t.Name, stateIDs[t.From], stateIDs[t.To], t.RequiredPermission).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return errors.Wrapf(err, "failed to insert transition %q", t.Code)
			}
		}

		created, err = pipelineGraph(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SetPipelineActive flips the soft-activation flag of a pipeline version.
func (s *Store) SetPipelineActive(ctx context.Context, id int64, active bool) error {
	query, args, err := psql.Update("pipelines").Set("is_active", active).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update pipeline %d", id)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrapf(apperrors.ErrNotFound, "pipeline %d", id)
	}
	return nil
}

var entityColumns = []string{
	"e.id", "e.entity_type", "e.entity_id", "e.pipeline_id", "e.current_state_id",
	"e.last_transitioned_at", "e.last_transitioned_by", "e.created_at",
}

func scanEntity(row pgx.Row) (*models.PipelineEntityState, error) {
	var e models.PipelineEntityState
	err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.PipelineID, &e.CurrentStateID,
		&e.LastTransitionedAt, &e.LastTransitionedBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func selectEntity(ref models.EntityRef) sq.SelectBuilder {
	return psql.Select(entityColumns...).
		From("pipeline_entity_states e").
		Where(sq.Eq{"e.entity_type": ref.Type, "e.entity_id": ref.ID})
}

// EntityState reads the registry row without locking it.
func (s *Store) EntityState(ctx context.Context, ref models.EntityRef) (*models.PipelineEntityState, error) {
	query, args, err := selectEntity(ref).ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanEntity(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, translate(err, apperrors.ErrNotTracked, "%s", ref)
	}
	return e, nil
}

// CountByState counts registry rows per current state.
func (s *Store) CountByState(ctx context.Context, pipelineIDs []int64, entityType string) (map[int64]int, error) {
	b := psql.Select("current_state_id", "COUNT(*)").
		From("pipeline_entity_states").
		Where(sq.Eq{"pipeline_id": pipelineIDs}).
		GroupBy("current_state_id")
	if entityType != "" {
		b = b.Where(sq.Eq{"entity_type": entityType})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count entities by state")
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var stateID int64
		var n int
		if err := rows.Scan(&stateID, &n); err != nil {
			return nil, err
		}
		counts[stateID] = n
	}
	return counts, rows.Err()
}

// StaleEntities returns rows at intermediate states last moved before olderThan, oldest first.
func (s *Store) StaleEntities(ctx context.Context, pipelineIDs []int64, entityType string, olderThan time.Time, limit int) ([]models.PipelineEntityState, error) {
	b := psql.Select(entityColumns...).
		From("pipeline_entity_states e").
		Join("pipeline_states s ON s.id = e.current_state_id").
		Where(sq.Eq{"e.pipeline_id": pipelineIDs, "s.type": string(models.StateTypeIntermediate)}).
		Where(sq.Lt{"e.last_transitioned_at": olderThan}).
		OrderBy("e.last_transitioned_at", "e.id")
	if entityType != "" {
		b = b.Where(sq.Eq{"e.entity_type": entityType})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load stale entities")
	}
	defer rows.Close()

	stale := []models.PipelineEntityState{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, *e)
	}
	return stale, rows.Err()
}

var logColumns = []string{
	"l.id", "l.pipeline_entity_state_id", "l.entity_type", "l.entity_id", "l.pipeline_id",
	"l.from_state_id", "l.to_state_id", "l.transition_id", "l.performed_by", "l.comment",
	"l.metadata", "l.ip_address", "l.user_agent", "l.idempotency_key", "l.created_at",
	"p.name", "COALESCE(fs.name, '')", "ts.name", "COALESCE(t.name, '')", "COALESCE(a.display_name, '')",
}

func logBase(columns ...string) sq.SelectBuilder {
	return psql.Select(columns...).
		From("pipeline_state_logs l").
		Join("pipelines p ON p.id = l.pipeline_id").
		LeftJoin("pipeline_states fs ON fs.id = l.from_state_id").
		Join("pipeline_states ts ON ts.id = l.to_state_id").
		LeftJoin("pipeline_transitions t ON t.id = l.transition_id").
		LeftJoin("actors a ON a.id = l.performed_by")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func applyLogFilter(b sq.SelectBuilder, f models.LogFilter) sq.SelectBuilder {
	if f.DateFrom != nil {
		b = b.Where(sq.GtOrEq{"l.created_at": *f.DateFrom})
	}
	if f.DateTo != nil {
		b = b.Where(sq.LtOrEq{"l.created_at": *f.DateTo})
	}
	if et := strings.TrimSpace(f.EntityType); et != "" {
		b = b.Where(sq.ILike{"l.entity_type": "%" + escapeLike(et) + "%"})
	}
	if f.PipelineID != nil {
		b = b.Where(sq.Eq{"l.pipeline_id": *f.PipelineID})
	}
	if f.FromStateID != nil {
		b = b.Where(sq.Eq{"l.from_state_id": *f.FromStateID})
	}
	if f.ToStateID != nil {
		b = b.Where(sq.Eq{"l.to_state_id": *f.ToStateID})
	}
	if f.PerformedBy != nil {
		b = b.Where(sq.Eq{"l.performed_by": *f.PerformedBy})
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		b = b.Where(sq.Or{
			sq.ILike{"l.entity_id": pattern},
			sq.ILike{"l.comment": pattern},
			sq.ILike{"a.display_name": pattern},
			sq.ILike{"t.name": pattern},
		})
	}
	return b
}

var sortColumns = map[models.LogSortField]string{
	models.LogSortCreatedAt:   "l.created_at",
	models.LogSortEntityType:  "l.entity_type",
	models.LogSortEntityID:    "l.entity_id",
	models.LogSortPerformedBy: "lower(a.display_name)",
	models.LogSortFromState:   "fs.name",
	models.LogSortToState:     "ts.name",
}

func applyLogSort(b sq.SelectBuilder, s models.LogSort) sq.SelectBuilder {
	column, ok := sortColumns[s.Field]
	if !ok {
		column = sortColumns[models.LogSortCreatedAt]
	}
	// system entries and first entries have no performer or from-state and
	// sort as the lowest value
	dir, nulls := "ASC", "NULLS FIRST"
	if s.Descending {
		dir, nulls = "DESC", "NULLS LAST"
	}
	return b.OrderBy(column+" "+dir+" "+nulls, "l.id "+dir)
}

func scanLogView(row pgx.Row) (models.StateLogView, error) {
	var (
		v              models.StateLogView
		metadata       []byte
		idempotencyKey *string
	)
	err := row.Scan(&v.ID, &v.PipelineEntityStateID, &v.EntityType, &v.EntityID, &v.PipelineID,
		&v.FromStateID, &v.ToStateID, &v.TransitionID, &v.PerformedBy, &v.Comment,
		&metadata, &v.IPAddress, &v.UserAgent, &idempotencyKey, &v.CreatedAt,
		&v.PipelineName, &v.FromStateName, &v.ToStateName, &v.TransitionName, &v.PerformerName)
	if err != nil {
		return v, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
			return v, errors.Wrapf(err, "failed to decode metadata of log %d", v.ID)
		}
	}
	if idempotencyKey != nil {
		v.IdempotencyKey = *idempotencyKey
	}
	return v, nil
}

// QueryLogs filters, sorts and paginates the audit trail.
func (s *Store) QueryLogs(ctx context.Context, filter models.LogFilter, sortBy models.LogSort, page models.Pagination) (*models.LogPage, error) {
	query, args, err := applyLogFilter(logBase("COUNT(*)"), filter).ToSql()
	if err != nil {
		return nil, err
	}
	result := &models.LogPage{Items: []models.StateLogView{}, Page: page.Page, PerPage: page.PerPage}
	if err := s.db.QueryRow(ctx, query, args...).Scan(&result.Total); err != nil {
		return nil, errors.Wrap(err, "failed to count state logs")
	}

	b := applyLogSort(applyLogFilter(logBase(logColumns...), filter), sortBy)
	if page.PerPage > 0 {
		b = b.Limit(uint64(page.PerPage)).Offset(uint64(page.Offset()))
	}
	query, args, err = b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query state logs")
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanLogView(rows)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, v)
	}
	return result, rows.Err()
}

// EachLog streams every matching entry to fn.
func (s *Store) EachLog(ctx context.Context, filter models.LogFilter, sortBy models.LogSort, fn func(models.StateLogView) error) error {
	query, args, err := applyLogSort(applyLogFilter(logBase(logColumns...), filter), sortBy).ToSql()
	if err != nil {
		return err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to query state logs")
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanLogView(rows)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Timeline returns one entity's history, oldest first.
func (s *Store) Timeline(ctx context.Context, ref models.EntityRef) ([]models.StateLogView, error) {
	query, args, err := logBase(logColumns...).
		Where(sq.Eq{"l.entity_type": ref.Type, "l.entity_id": ref.ID}).
		OrderBy("l.created_at", "l.id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load timeline of %s", ref)
	}
	defer rows.Close()
	timeline := []models.StateLogView{}
	for rows.Next() {
		v, err := scanLogView(rows)
		if err != nil {
			return nil, err
		}
		timeline = append(timeline, v)
	}
	return timeline, rows.Err()
}

// InTx runs fn inside a database transaction, committing only if it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return errors.Wrap(err, "failed to set lock timeout")
			}
		}
		return fn(&Tx{tx: tx})
	})
}

// Tx is the write side of the store, bound to one database transaction.
type Tx struct {
	tx pgx.Tx
}

// LockEntityState reads the registry row with SELECT ... FOR UPDATE.
func (t *Tx) LockEntityState(ctx context.Context, ref models.EntityRef) (*models.PipelineEntityState, error) {
	query, args, err := selectEntity(ref).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanEntity(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, translate(err, apperrors.ErrNotTracked, "%s", ref)
	}
	return e, nil
}

// InsertEntityState adds a registry row. The unique index on the entity
// reference turns a concurrent duplicate into ErrAlreadyTracked.
func (t *Tx) InsertEntityState(ctx context.Context, state *models.PipelineEntityState) error {
	query, args, err := psql.Insert("pipeline_entity_states").
		Columns("entity_type", "entity_id", "pipeline_id", "current_state_id", "last_transitioned_at", "last_transitioned_by").
		Values(state.EntityType, state.EntityID, state.PipelineID, state.CurrentStateID, state.LastTransitionedAt, state.LastTransitionedBy).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, query, args...).Scan(&state.ID, &state.CreatedAt)
	return translate(err, nil, "%s#%s", state.EntityType, state.EntityID)
}

// UpdateEntityState moves the registry row if it is still at expectedStateID.
func (t *Tx) UpdateEntityState(ctx context.Context, state *models.PipelineEntityState, expectedStateID int64) error {
	query, args, err := psql.Update("pipeline_entity_states").
		Set("pipeline_id", state.PipelineID).
		Set("current_state_id", state.CurrentStateID).
		Set("last_transitioned_at", state.LastTransitionedAt).
		Set("last_transitioned_by", state.LastTransitionedBy).
		Where(sq.Eq{"id": state.ID, "current_state_id": expectedStateID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return translate(err, nil, "%s#%s", state.EntityType, state.EntityID)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrapf(apperrors.ErrConflict, "%s#%s moved concurrently", state.EntityType, state.EntityID)
	}
	return nil
}

// InsertStateLog appends an audit entry.
func (t *Tx) InsertStateLog(ctx context.Context, entry *models.PipelineStateLog) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return apperrors.Wrapf(apperrors.ErrValidation, "metadata is not serializable: %v", err)
		}
	}
	var idempotencyKey *string
	if entry.IdempotencyKey != "" {
		idempotencyKey = &entry.IdempotencyKey
	}

	columns := []string{
		"pipeline_entity_state_id", "entity_type", "entity_id", "pipeline_id", "from_state_id", "to_state_id",
		"transition_id", "performed_by", "comment", "metadata", "ip_address", "user_agent", "idempotency_key",
	}
	values := []any{
		entry.PipelineEntityStateID, entry.EntityType, entry.EntityID, entry.PipelineID, entry.FromStateID, entry.ToStateID,
		entry.TransitionID, entry.PerformedBy, entry.Comment, metadata, entry.IPAddress, entry.UserAgent, idempotencyKey,
	}
	if !entry.CreatedAt.IsZero() {
		columns = append(columns, "created_at")
		values = append(values, entry.CreatedAt)
	}
	query, args, err := psql.Insert("pipeline_state_logs").
		Columns(columns...).
		Values(values...).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return err
	}
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return apperrors.Wrapf(apperrors.ErrConflict, "idempotency key %q already used", entry.IdempotencyKey)
		}
		return errors.Wrap(err, "failed to insert state log")
	}
	return nil
}

// StateLogByIdempotencyKey finds an earlier entry written with key, or returns nil.
func (t *Tx) StateLogByIdempotencyKey(ctx context.Context, ref models.EntityRef, key string) (*models.PipelineStateLog, error) {
	query, args, err := logBase(logColumns...).
		Where(sq.Eq{"l.entity_type": ref.Type, "l.entity_id": ref.ID, "l.idempotency_key": key}).
		ToSql()
	if err != nil {
		return nil, err
	}
	v, err := scanLogView(t.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up idempotency key")
	}
	return &v.PipelineStateLog, nil
}
