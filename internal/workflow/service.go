// Package workflow implements the generic entity workflow engine: pipeline
// definitions, the entity state registry, the transition engine, the audit
// trail and the monitoring dashboard.
package workflow

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"erp-workflow/internal/logging"
	"erp-workflow/internal/workflow/internal/memstore"
	"erp-workflow/internal/workflow/internal/pgstore"
)

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	Logger *logging.Logger
	// Clock overrides time.Now for timestamps and staleness.
	Clock            func() time.Time
	MaxAttempts      int
	StaleLimit       int
	DefaultStaleDays int
	CacheSize        int
	Labels           *LabelResolver
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.StaleLimit <= 0 {
		o.StaleLimit = 50
	}
	if o.DefaultStaleDays <= 0 {
		o.DefaultStaleDays = 7
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 128
	}
	if o.Labels == nil {
		o.Labels = NewLabelResolver()
	}
	return o
}

// Service wires the five workflow components over one store.
type Service struct {
	Definitions *Definitions
	Registry    *Registry
	Engine      *Engine
	Audit       *AuditTrail
	Dashboard   *Aggregator
}

// NewPostgres creates a Service persisting to PostgreSQL.
func NewPostgres(pool *pgxpool.Pool, lockTimeout time.Duration, opts Options) (*Service, error) {
	return newService(pgAdapter{pgstore.New(pool, lockTimeout)}, opts)
}

// NewInMemory creates a Service keeping everything in process memory.
// actorName resolves performer display names for the audit trail; it may be nil.
func NewInMemory(actorName func(id int64) string, opts Options) (*Service, error) {
	return newService(memAdapter{memstore.New(actorName)}, opts)
}

func newService(s store, opts Options) (*Service, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With("component", "workflow")

	defs, err := newDefinitions(s, opts.CacheSize, log)
	if err != nil {
		return nil, err
	}
	registry := &Registry{store: s, defs: defs}
	audit := &AuditTrail{store: s, log: log, now: opts.Clock}
	return &Service{
		Definitions: defs,
		Registry:    registry,
		Engine: &Engine{
			store:       s,
			defs:        defs,
			registry:    registry,
			audit:       audit,
			log:         log,
			now:         opts.Clock,
			maxAttempts: opts.MaxAttempts,
		},
		Audit: audit,
		Dashboard: &Aggregator{
			store:            s,
			defs:             defs,
			labels:           opts.Labels,
			log:              log,
			now:              opts.Clock,
			staleLimit:       opts.StaleLimit,
			defaultStaleDays: opts.DefaultStaleDays,
		},
	}, nil
}

type pgAdapter struct {
	*pgstore.Store
}

func (a pgAdapter) InTx(ctx context.Context, fn func(tx txStore) error) error {
	return a.Store.InTx(ctx, func(tx *pgstore.Tx) error { return fn(tx) })
}

type memAdapter struct {
	*memstore.Store
}

func (a memAdapter) InTx(ctx context.Context, fn func(tx txStore) error) error {
	return a.Store.InTx(ctx, func(tx *memstore.Tx) error { return fn(tx) })
}
