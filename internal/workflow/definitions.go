package workflow

import (
	"context"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/logging"
	"erp-workflow/pkg/models"
)

// PipelineRef selects a pipeline by id, or by code. A code resolves to its
// newest version, or its newest active version when activity is required.
type PipelineRef struct {
	ID   int64
	Code string
}

// ByID references a pipeline version by id.
func ByID(id int64) PipelineRef { return PipelineRef{ID: id} }

// ByCode references a pipeline by code.
func ByCode(code string) PipelineRef { return PipelineRef{Code: code} }

// ParsePipelineRef treats a numeric string as an id and anything else as a code.
func ParsePipelineRef(s string) PipelineRef {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return ByID(id)
	}
	return ByCode(s)
}

func (r PipelineRef) String() string {
	if r.ID != 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.Code
}

// Definitions is the Pipeline Definition Store. Pipeline graphs are immutable
// per version, so they are cached by id; Define and Deactivate evict.
// Returned pipelines are shared and must not be modified.
type Definitions struct {
	store store
	cache *lru.Cache[int64, *models.Pipeline]
	log   *logging.Logger
}

func newDefinitions(s store, cacheSize int, log *logging.Logger) (*Definitions, error) {
	cache, err := lru.New[int64, *models.Pipeline](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Definitions{store: s, cache: cache, log: log}, nil
}

// GetPipeline returns a pipeline with its ordered states and transitions.
func (d *Definitions) GetPipeline(ctx context.Context, ref PipelineRef, requireActive bool) (*models.Pipeline, error) {
	if ref.ID == 0 {
		if strings.TrimSpace(ref.Code) == "" {
			return nil, apperrors.Wrapf(apperrors.ErrValidation, "pipeline id or code is required")
		}
		versions, err := d.store.PipelinesByCode(ctx, ref.Code)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, apperrors.Wrapf(apperrors.ErrNotFound, "pipeline %q", ref.Code)
		}
		id := versions[0].ID
		if requireActive {
			id = 0
			for _, v := range versions {
				if v.IsActive {
					id = v.ID
					break
				}
			}
			if id == 0 {
				return nil, apperrors.Wrapf(apperrors.ErrInactive, "pipeline %q has no active version", ref.Code)
			}
		}
		ref = ByID(id)
	}

	p, err := d.byID(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if requireActive && !p.IsActive {
		return nil, apperrors.Wrapf(apperrors.ErrInactive, "pipeline %s v%d", p.Code, p.Version)
	}
	return p, nil
}

func (d *Definitions) byID(ctx context.Context, id int64) (*models.Pipeline, error) {
	if p, ok := d.cache.Get(id); ok {
		return p, nil
	}
	p, err := d.store.PipelineByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cache.Add(id, p)
	return p, nil
}

// GetTransitions returns the transitions leaving fromStateID. An empty result
// is valid for terminal and dead-end states.
func (d *Definitions) GetTransitions(ctx context.Context, pipelineID, fromStateID int64) ([]models.Transition, error) {
	p, err := d.byID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if _, ok := p.State(fromStateID); !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "state %d in pipeline %d", fromStateID, pipelineID)
	}
	return transitionsFrom(p, fromStateID), nil
}

func transitionsFrom(p *models.Pipeline, fromStateID int64) []models.Transition {
	out := []models.Transition{}
	for _, t := range p.Transitions {
		if t.FromStateID == fromStateID {
			out = append(out, t)
		}
	}
	return out
}

// IsLegalTransition reports whether transitionID may be taken from fromStateID.
func (d *Definitions) IsLegalTransition(ctx context.Context, pipelineID, fromStateID, transitionID int64) (bool, error) {
	p, err := d.byID(ctx, pipelineID)
	if err != nil {
		return false, err
	}
	for _, t := range p.Transitions {
		if t.ID == transitionID {
			return t.FromStateID == fromStateID, nil
		}
	}
	return false, nil
}

// ListPipelines lists pipeline versions without their graphs.
func (d *Definitions) ListPipelines(ctx context.Context, activeOnly bool, entityType string) ([]models.Pipeline, error) {
	return d.store.ListPipelines(ctx, activeOnly, entityType)
}

// Define validates def and stores it as the new active version of its code.
func (d *Definitions) Define(ctx context.Context, def models.PipelineDefinition) (*models.Pipeline, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	p, err := d.store.CreatePipeline(ctx, def)
	if err != nil {
		return nil, err
	}
	// earlier versions were deactivated
	versions, err := d.store.PipelinesByCode(ctx, def.Code)
	if err == nil {
		for _, v := range versions {
			d.cache.Remove(v.ID)
		}
	} else {
		d.cache.Purge()
	}
	d.log.Info("pipeline defined", "code", p.Code, "version", p.Version, "pipeline_id", p.ID,
		"states", len(p.States), "transitions", len(p.Transitions))
	return p, nil
}

// Deactivate soft-deactivates a pipeline version. Entities already tracked
// against it keep their history and may still be transitioned.
func (d *Definitions) Deactivate(ctx context.Context, pipelineID int64) error {
	if err := d.store.SetPipelineActive(ctx, pipelineID, false); err != nil {
		return err
	}
	d.cache.Remove(pipelineID)
	d.log.Info("pipeline deactivated", "pipeline_id", pipelineID)
	return nil
}

// ValidateDefinition reports every structural problem of a pipeline graph in
// one error. A valid graph has a single initial state and cannot leave a
// terminal state.
func ValidateDefinition(def models.PipelineDefinition) error {
	var problems []string
	fail := func(msg string) { problems = append(problems, msg) }

	if strings.TrimSpace(def.Name) == "" {
		fail("name is required")
	}
	if strings.TrimSpace(def.Code) == "" {
		fail("code is required")
	}
	if strings.TrimSpace(def.EntityType) == "" {
		fail("entity type is required")
	}

	types := make(map[string]models.StateType, len(def.States))
	initial, terminal := 0, 0
	for _, s := range def.States {
		if strings.TrimSpace(s.Code) == "" {
			fail("state code is required")
			continue
		}
		if _, dup := types[s.Code]; dup {
			fail("duplicate state code " + strconv.Quote(s.Code))
			continue
		}
		if !s.Type.Valid() {
			fail("state " + strconv.Quote(s.Code) + " has unknown type " + strconv.Quote(string(s.Type)))
		}
		types[s.Code] = s.Type
		switch s.Type {
		case models.StateTypeInitial:
			initial++
		case models.StateTypeTerminal:
			terminal++
		}
	}
	if initial != 1 {
		fail("exactly one initial state is required, found " + strconv.Itoa(initial))
	}
	if terminal == 0 {
		fail("at least one terminal state is required")
	}

	seen := make(map[string]bool, len(def.Transitions))
	for _, t := range def.Transitions {
		if strings.TrimSpace(t.Code) == "" {
			fail("transition code is required")
			continue
		}
		if seen[t.Code] {
			fail("duplicate transition code " + strconv.Quote(t.Code))
			continue
		}
		seen[t.Code] = true
		from, fromOK := types[t.From]
		to, toOK := types[t.To]
		if !fromOK {
			fail("transition " + strconv.Quote(t.Code) + " leaves unknown state " + strconv.Quote(t.From))
		}
		if !toOK {
			fail("transition " + strconv.Quote(t.Code) + " enters unknown state " + strconv.Quote(t.To))
		}
		if fromOK && from == models.StateTypeTerminal {
			fail("transition " + strconv.Quote(t.Code) + " leaves terminal state " + strconv.Quote(t.From))
		}
		if fromOK && toOK && t.From == t.To && to == models.StateTypeInitial {
			fail("transition " + strconv.Quote(t.Code) + " loops on the initial state")
		}
	}

	if len(problems) > 0 {
		return apperrors.Wrapf(apperrors.ErrInvalidDefinition, "%s", strings.Join(problems, "; "))
	}
	return nil
}
