// Package memstore keeps the workflow tables in process memory. Units of work
// are serialized, so a transaction always observes the last committed state.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"erp-workflow/internal/apperrors"
	"erp-workflow/pkg/models"
)

type entityKey struct {
	entityType string
	entityID   string
}

func keyOf(ref models.EntityRef) entityKey {
	return entityKey{entityType: ref.Type, entityID: ref.ID}
}

// Store is an in-memory implementation of the workflow persistence contract.
type Store struct {
	txMu sync.Mutex // serializes units of work
	mu   sync.RWMutex

	pipelines   map[int64]*models.Pipeline
	states      map[int64]models.PipelineState
	transitions map[int64]models.Transition
	entities    map[entityKey]models.PipelineEntityState
	logs        []models.PipelineStateLog

	nextID    int64
	actorName func(id int64) string
}

// New creates an empty store. actorName resolves performer display names; it may be nil.
func New(actorName func(id int64) string) *Store {
	if actorName == nil {
		actorName = func(int64) string { return "" }
	}
	return &Store{
		pipelines:   make(map[int64]*models.Pipeline),
		states:      make(map[int64]models.PipelineState),
		transitions: make(map[int64]models.Transition),
		entities:    make(map[entityKey]models.PipelineEntityState),
		actorName:   actorName,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// PipelineByID returns the pipeline with its ordered states and transitions.
func (s *Store) PipelineByID(ctx context.Context, id int64) (*models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "pipeline %d", id)
	}
	return s.graph(p), nil
}

func (s *Store) graph(p *models.Pipeline) *models.Pipeline {
	out := *p
	out.States = nil
	out.Transitions = nil
	for _, st := range s.states {
		if st.PipelineID == p.ID {
			out.States = append(out.States, st)
		}
	}
	sort.Slice(out.States, func(i, j int) bool {
		if out.States[i].SortOrder != out.States[j].SortOrder {
			return out.States[i].SortOrder < out.States[j].SortOrder
		}
		return out.States[i].ID < out.States[j].ID
	})
	for _, t := range s.transitions {
		if t.PipelineID == p.ID {
			out.Transitions = append(out.Transitions, t)
		}
	}
	sort.Slice(out.Transitions, func(i, j int) bool { return out.Transitions[i].ID < out.Transitions[j].ID })
	return &out
}

// PipelinesByCode returns every version of a pipeline code, newest first.
func (s *Store) PipelinesByCode(ctx context.Context, code string) ([]models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Pipeline
	for _, p := range s.pipelines {
		if p.Code == code {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// ListPipelines lists pipelines without their graphs.
func (s *Store) ListPipelines(ctx context.Context, activeOnly bool, entityType string) ([]models.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Pipeline{}
	for _, p := range s.pipelines {
		if activeOnly && !p.IsActive {
			continue
		}
		if entityType != "" && p.EntityType != entityType {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// CreatePipeline stores a new version of def and deactivates earlier versions of its code.
func (s *Store) CreatePipeline(ctx context.Context, def models.PipelineDefinition) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	for _, p := range s.pipelines {
		if p.Code == def.Code {
			if p.Version >= version {
				version = p.Version + 1
			}
			p.IsActive = false
		}
	}
	p := &models.Pipeline{
		ID:         s.id(),
		Name:       def.Name,
		Code:       def.Code,
		EntityType: def.EntityType,
		Version:    version,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	s.pipelines[p.ID] = p

	byCode := make(map[string]int64, len(def.States))
	for _, sd := range def.States {
		st := models.PipelineState{
			ID:         s.id(),
			PipelineID: p.ID,
			Code:       sd.Code,
			Name:       sd.Name,
			Type:       sd.Type,
			Color:      sd.Color,
			Icon:       sd.Icon,
			SortOrder:  sd.SortOrder,
		}
		s.states[st.ID] = st
		byCode[sd.Code] = st.ID
	}
	for _, td := range def.Transitions {
		t := models.Transition{
			ID:                 s.id(),
			PipelineID:         p.ID,
			Code:               td.Code,
			Name:               td.Name,
			FromStateID:        byCode[td.From],
			ToStateID:          byCode[td.To],
			RequiredPermission: td.RequiredPermission,
		}
		s.transitions[t.ID] = t
	}
	return s.graph(p), nil
}

// SetPipelineActive flips the soft-activation flag of a pipeline version.
func (s *Store) SetPipelineActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "pipeline %d", id)
	}
	p.IsActive = active
	return nil
}

// EntityState reads the registry row without locking it.
func (s *Store) EntityState(ctx context.Context, ref models.EntityRef) (*models.PipelineEntityState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entities[keyOf(ref)]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotTracked, "%s", ref)
	}
	return &st, nil
}

// CountByState counts registry rows per current state.
func (s *Store) CountByState(ctx context.Context, pipelineIDs []int64, entityType string) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := idSet(pipelineIDs)
	counts := make(map[int64]int)
	for _, e := range s.entities {
		if _, ok := wanted[e.PipelineID]; !ok {
			continue
		}
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		counts[e.CurrentStateID]++
	}
	return counts, nil
}

// StaleEntities returns rows at intermediate states last moved before olderThan, oldest first.
func (s *Store) StaleEntities(ctx context.Context, pipelineIDs []int64, entityType string, olderThan time.Time, limit int) ([]models.PipelineEntityState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := idSet(pipelineIDs)
	var out []models.PipelineEntityState
	for _, e := range s.entities {
		if _, ok := wanted[e.PipelineID]; !ok {
			continue
		}
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		if s.states[e.CurrentStateID].Type != models.StateTypeIntermediate {
			continue
		}
		if !e.LastTransitionedAt.Before(olderThan) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastTransitionedAt.Equal(out[j].LastTransitionedAt) {
			return out[i].LastTransitionedAt.Before(out[j].LastTransitionedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// QueryLogs filters, sorts and paginates the audit trail.
func (s *Store) QueryLogs(ctx context.Context, filter models.LogFilter, sortBy models.LogSort, page models.Pagination) (*models.LogPage, error) {
	s.mu.RLock()
	views := s.matchLogs(filter, sortBy)
	s.mu.RUnlock()

	result := &models.LogPage{Items: []models.StateLogView{}, Total: len(views), Page: page.Page, PerPage: page.PerPage}
	start := page.Offset()
	if start >= len(views) {
		return result, nil
	}
	end := len(views)
	if page.PerPage > 0 && start+page.PerPage < end {
		end = start + page.PerPage
	}
	result.Items = append(result.Items, views[start:end]...)
	return result, nil
}

// EachLog streams every matching entry to fn.
func (s *Store) EachLog(ctx context.Context, filter models.LogFilter, sortBy models.LogSort, fn func(models.StateLogView) error) error {
	s.mu.RLock()
	views := s.matchLogs(filter, sortBy)
	s.mu.RUnlock()
	for _, v := range views {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// Timeline returns one entity's history, oldest first.
func (s *Store) Timeline(ctx context.Context, ref models.EntityRef) ([]models.StateLogView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.StateLogView{}
	for _, l := range s.logs {
		if l.EntityType == ref.Type && l.EntityID == ref.ID {
			out = append(out, s.view(l))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) view(l models.PipelineStateLog) models.StateLogView {
	v := models.StateLogView{PipelineStateLog: cloneLog(l)}
	if p, ok := s.pipelines[l.PipelineID]; ok {
		v.PipelineName = p.Name
	}
	if l.FromStateID != nil {
		v.FromStateName = s.states[*l.FromStateID].Name
	}
	v.ToStateName = s.states[l.ToStateID].Name
	if l.TransitionID != nil {
		v.TransitionName = s.transitions[*l.TransitionID].Name
	}
	if l.PerformedBy != nil {
		v.PerformerName = s.actorName(*l.PerformedBy)
	}
	return v
}

func (s *Store) matchLogs(f models.LogFilter, sortBy models.LogSort) []models.StateLogView {
	search := strings.ToLower(strings.TrimSpace(f.Search))
	entityType := strings.ToLower(strings.TrimSpace(f.EntityType))
	var out []models.StateLogView
	for _, l := range s.logs {
		if f.DateFrom != nil && l.CreatedAt.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && l.CreatedAt.After(*f.DateTo) {
			continue
		}
		if entityType != "" && !strings.Contains(strings.ToLower(l.EntityType), entityType) {
			continue
		}
		if f.PipelineID != nil && l.PipelineID != *f.PipelineID {
			continue
		}
		if f.FromStateID != nil && (l.FromStateID == nil || *l.FromStateID != *f.FromStateID) {
			continue
		}
		if f.ToStateID != nil && l.ToStateID != *f.ToStateID {
			continue
		}
		if f.PerformedBy != nil && (l.PerformedBy == nil || *l.PerformedBy != *f.PerformedBy) {
			continue
		}
		v := s.view(l)
		if search != "" && !matchesSearch(v, search) {
			continue
		}
		out = append(out, v)
	}
	sortViews(out, sortBy)
	return out
}

func matchesSearch(v models.StateLogView, needle string) bool {
	for _, hay := range []string{v.EntityID, v.Comment, v.PerformerName, v.TransitionName} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

func sortViews(views []models.StateLogView, sortBy models.LogSort) {
	key := func(v models.StateLogView) string {
		switch sortBy.Field {
		case models.LogSortEntityType:
			return v.EntityType
		case models.LogSortEntityID:
			return v.EntityID
		case models.LogSortPerformedBy:
			return strings.ToLower(v.PerformerName)
		case models.LogSortFromState:
			return v.FromStateName
		case models.LogSortToState:
			return v.ToStateName
		}
		return ""
	}
	less := func(a, b models.StateLogView) bool {
		if sortBy.Field == "" || sortBy.Field == models.LogSortCreatedAt {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		}
		ka, kb := key(a), key(b)
		if ka != kb {
			return ka < kb
		}
		return a.ID < b.ID
	}
	sort.SliceStable(views, func(i, j int) bool {
		if sortBy.Descending {
			return less(views[j], views[i])
		}
		return less(views[i], views[j])
	})
}

// InTx runs fn against staged writes that are published only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &Tx{s: s, entities: make(map[entityKey]models.PipelineEntityState)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range tx.entities {
		s.entities[k] = e
	}
	s.logs = append(s.logs, tx.logs...)
	return nil
}

// Tx is a unit of work over a Store.
type Tx struct {
	s        *Store
	entities map[entityKey]models.PipelineEntityState
	logs     []models.PipelineStateLog
}

func (tx *Tx) lookup(k entityKey) (models.PipelineEntityState, bool) {
	if e, ok := tx.entities[k]; ok {
		return e, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	e, ok := tx.s.entities[k]
	return e, ok
}

// LockEntityState reads the registry row; units are already serialized.
func (tx *Tx) LockEntityState(ctx context.Context, ref models.EntityRef) (*models.PipelineEntityState, error) {
	e, ok := tx.lookup(keyOf(ref))
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotTracked, "%s", ref)
	}
	return &e, nil
}

// InsertEntityState adds a registry row, enforcing one row per entity.
func (tx *Tx) InsertEntityState(ctx context.Context, state *models.PipelineEntityState) error {
	k := entityKey{entityType: state.EntityType, entityID: state.EntityID}
	if _, ok := tx.lookup(k); ok {
		return apperrors.Wrapf(apperrors.ErrAlreadyTracked, "%s#%s", state.EntityType, state.EntityID)
	}
	tx.s.mu.Lock()
	state.ID = tx.s.id()
	tx.s.mu.Unlock()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.LastTransitionedAt
	}
	tx.entities[k] = *state
	return nil
}

// UpdateEntityState overwrites the registry row if it is still at expectedStateID.
func (tx *Tx) UpdateEntityState(ctx context.Context, state *models.PipelineEntityState, expectedStateID int64) error {
	k := entityKey{entityType: state.EntityType, entityID: state.EntityID}
	current, ok := tx.lookup(k)
	if !ok || current.ID != state.ID || current.CurrentStateID != expectedStateID {
		return apperrors.Wrapf(apperrors.ErrConflict, "%s#%s moved concurrently", state.EntityType, state.EntityID)
	}
	tx.entities[k] = *state
	return nil
}

// InsertStateLog appends an audit entry.
func (tx *Tx) InsertStateLog(ctx context.Context, entry *models.PipelineStateLog) error {
	if entry.IdempotencyKey != "" {
		prior, err := tx.StateLogByIdempotencyKey(ctx, models.EntityRef{Type: entry.EntityType, ID: entry.EntityID}, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if prior != nil {
			return apperrors.Wrapf(apperrors.ErrConflict, "idempotency key %q already used", entry.IdempotencyKey)
		}
	}
	// stored the way a jsonb column would hold it
	var metadata map[string]any
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrapf(apperrors.ErrValidation, "metadata: %v", err)
		}
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return apperrors.Wrapf(apperrors.ErrValidation, "metadata: %v", err)
		}
	}
	tx.s.mu.Lock()
	entry.ID = tx.s.id()
	tx.s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	stored := cloneLog(*entry)
	stored.Metadata = metadata
	tx.logs = append(tx.logs, stored)
	return nil
}

// cloneLog copies l so that nothing it points to is shared with the original.
func cloneLog(l models.PipelineStateLog) models.PipelineStateLog {
	l.FromStateID = cloneID(l.FromStateID)
	l.TransitionID = cloneID(l.TransitionID)
	l.PerformedBy = cloneID(l.PerformedBy)
	if l.Metadata != nil {
		l.Metadata = cloneValue(l.Metadata).(map[string]any)
	}
	return l
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// cloneValue deep-copies a decoded JSON value.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		a := make([]any, len(t))
		for i, e := range t {
			a[i] = cloneValue(e)
		}
		return a
	}
	return v
}

// StateLogByIdempotencyKey finds an earlier entry written with key, or returns nil.
func (tx *Tx) StateLogByIdempotencyKey(ctx context.Context, ref models.EntityRef, key string) (*models.PipelineStateLog, error) {
	match := func(l models.PipelineStateLog) bool {
		return l.EntityType == ref.Type && l.EntityID == ref.ID && l.IdempotencyKey == key
	}
	for _, l := range tx.logs {
		if match(l) {
			c := cloneLog(l)
			return &c, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, l := range tx.s.logs {
		if match(l) {
			c := cloneLog(l)
			return &c, nil
		}
	}
	return nil, nil
}
