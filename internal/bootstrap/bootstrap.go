// Package bootstrap assembles the workflow runtime shared by the server and
// the command-line tools from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"erp-workflow/internal/config"
	"erp-workflow/internal/export"
	"erp-workflow/internal/logging"
	"erp-workflow/internal/migrations"
	"erp-workflow/internal/repository"
	"erp-workflow/internal/workflow"
)

// Options selects how the runtime is backed.
type Options struct {
	// Memory keeps all state in process; nothing touches PostgreSQL.
	Memory bool
	// Migrate applies pending schema migrations before the pool is opened.
	Migrate bool
}

// Runtime is a fully wired workflow service with its collaborators.
type Runtime struct {
	Config   *config.Config
	Log      *logging.Logger
	Pool     *pgxpool.Pool // nil in memory mode
	Actors   repository.Repository
	Workflow *workflow.Service
	Sink     export.Sink
}

// Logger builds the application logger from the log section.
func Logger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// Open wires a Runtime. Close releases it.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log}

	sink, err := NewSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Sink = sink

	if opts.Memory {
		actors := repository.NewMemoryActorStore()
		svc, err := workflow.NewInMemory(actors.Name, serviceOptions(cfg, log, nil))
		if err != nil {
			return nil, err
		}
		rt.Actors, rt.Workflow = actors, svc
		log.Warn("running with in-memory storage; state is lost on exit")
		return rt, nil
	}

	if opts.Migrate {
		if err := migrations.Up(cfg.URL()); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		log.Info("Database migrations applied")
	}

	pool, err := OpenDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	labels, err := TableLabels(cfg, repository.NewTableLabeler(pool))
	if err != nil {
		pool.Close()
		return nil, err
	}
	svc, err := workflow.NewPostgres(pool, cfg.Workflow.LockTimeout, serviceOptions(cfg, log, labels))
	if err != nil {
		pool.Close()
		return nil, err
	}
	rt.Pool, rt.Actors, rt.Workflow = pool, repository.NewPostgresActorStore(pool), svc
	return rt, nil
}

// Close releases the database pool, if any.
func (r *Runtime) Close() {
	if r.Pool != nil {
		r.Pool.Close()
	}
}

// OpenDatabase connects and pings the configured PostgreSQL database.
func OpenDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*pgxpool.Pool, error) {
	log.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// NewSink returns the S3 sink when a bucket is configured and the local
// export directory otherwise.
func NewSink(ctx context.Context, cfg *config.Config) (export.Sink, error) {
	if cfg.Export.S3Bucket != "" {
		return export.NewS3SinkFromEnv(ctx, cfg.Export.S3Region, cfg.Export.S3Bucket, cfg.Export.S3Prefix)
	}
	return export.LocalSink{Dir: cfg.Export.Dir}, nil
}

// LabelSource produces a label function from a "table.column" spec.
type LabelSource interface {
	Column(spec string) (func(ctx context.Context, entityID string) (string, error), error)
}

// TableLabels registers one label function per configured entity type.
func TableLabels(cfg *config.Config, src LabelSource) (*workflow.LabelResolver, error) {
	labels := workflow.NewLabelResolver()
	types := make([]string, 0, len(cfg.Workflow.EntityLabels))
	for t := range cfg.Workflow.EntityLabels {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, entityType := range types {
		fn, err := src.Column(cfg.Workflow.EntityLabels[entityType])
		if err != nil {
			return nil, fmt.Errorf("workflow.entity_labels.%s: %w", entityType, err)
		}
		labels.Register(entityType, fn)
	}
	return labels, nil
}

func serviceOptions(cfg *config.Config, log *logging.Logger, labels *workflow.LabelResolver) workflow.Options {
	return workflow.Options{
		Logger:           log.With("component", "workflow"),
		MaxAttempts:      cfg.Workflow.MaxAttempts,
		StaleLimit:       cfg.Workflow.StaleLimit,
		DefaultStaleDays: cfg.Workflow.StaleDays,
		CacheSize:        cfg.Workflow.DefinitionCacheSize,
		Labels:           labels,
	}
}
