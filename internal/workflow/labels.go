package workflow

import (
	"context"
	"strings"
	"sync"

	"erp-workflow/pkg/models"
)

// LabelFunc returns a human-readable label for one entity of a registered type.
type LabelFunc func(ctx context.Context, entityID string) (string, error)

// LabelResolver maps entity types to their label adapters.
type LabelResolver struct {
	mu    sync.RWMutex
	funcs map[string]LabelFunc
}

// NewLabelResolver creates an empty resolver.
func NewLabelResolver() *LabelResolver {
	return &LabelResolver{funcs: make(map[string]LabelFunc)}
}

// Register installs fn for entityType, replacing any earlier adapter.
func (r *LabelResolver) Register(entityType string, fn LabelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[entityType] = fn
}

// Types lists the entity types with a registered adapter.
func (r *LabelResolver) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.funcs))
	for t := range r.funcs {
		types = append(types, t)
	}
	return types
}

// Resolve never fails: unknown types, lookup errors and blank labels all
// fall back to FallbackLabel.
func (r *LabelResolver) Resolve(ctx context.Context, ref models.EntityRef) string {
	if r == nil {
		return FallbackLabel(ref.ID)
	}
	r.mu.RLock()
	fn, ok := r.funcs[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return FallbackLabel(ref.ID)
	}
	label, err := fn(ctx, ref.ID)
	if err != nil || strings.TrimSpace(label) == "" {
		return FallbackLabel(ref.ID)
	}
	return label
}

// FallbackLabel is the label used when an entity cannot be described.
func FallbackLabel(entityID string) string {
	return "ID: " + entityID
}
