package workflow

import (
	"context"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"erp-workflow/internal/apperrors"
	"erp-workflow/pkg/models"
)

type definitionsFile struct {
	Pipelines []models.PipelineDefinition `yaml:"pipelines"`
}

// ParseDefinitions decodes a YAML document holding a top-level "pipelines"
// list. Unknown keys are rejected and every definition is validated.
func ParseDefinitions(data []byte) ([]models.PipelineDefinition, error) {
	var f definitionsFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, errors.Wrap(apperrors.ErrInvalidDefinition, err.Error())
	}
	if len(f.Pipelines) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidDefinition, "no pipelines in document")
	}
	for _, def := range f.Pipelines {
		if err := ValidateDefinition(def); err != nil {
			return nil, errors.Wrapf(err, "pipeline %q", def.Code)
		}
	}
	return f.Pipelines, nil
}

// Ensure defines each pipeline whose code has no version yet and returns the
// pipelines that were created. Existing codes are left untouched.
func (d *Definitions) Ensure(ctx context.Context, defs []models.PipelineDefinition) ([]*models.Pipeline, error) {
	var created []*models.Pipeline
	for _, def := range defs {
		_, err := d.GetPipeline(ctx, ByCode(def.Code), false)
		switch {
		case err == nil:
			d.log.Debug("pipeline already defined", "code", def.Code)
			continue
		case !errors.Is(err, apperrors.ErrNotFound):
			return created, err
		}
		p, err := d.Define(ctx, def)
		if err != nil {
			return created, err
		}
		created = append(created, p)
	}
	return created, nil
}
