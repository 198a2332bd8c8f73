package main

import (
	"context"
	_ "embed"
	"flag"
	"log"
	"os"

	"erp-workflow/internal/bootstrap"
	"erp-workflow/internal/config"
	"erp-workflow/internal/workflow"
	"erp-workflow/pkg/models"
)

//go:embed pipelines.yaml
var defaultPipelines []byte

func main() {
	ctx := context.Background()

	envFile := flag.String("env", "", "Path to .env file")
	file := flag.String("file", "", "YAML file of pipeline definitions (defaults to the built-in set)")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := bootstrap.Logger(cfg)

	data := defaultPipelines
	if *file != "" {
		if data, err = os.ReadFile(*file); err != nil {
			log.Fatalf("Failed to read %s: %v", *file, err)
		}
	}
	defs, err := workflow.ParseDefinitions(data)
	if err != nil {
		log.Fatalf("Invalid pipeline definitions: %v", err)
	}

	rt, err := bootstrap.Open(ctx, cfg, logger, bootstrap.Options{Migrate: true})
	if err != nil {
		log.Fatalf("Failed to open workflow runtime: %v", err)
	}
	defer rt.Close()

	// 1. Ensure the local administrator exists
	admin := &models.Actor{DisplayName: "Local Administrator", Email: "admin@localhost"}
	if existing, err := rt.Actors.GetActorByEmail(ctx, admin.Email); err == nil {
		logger.Info("Found existing actor", "id", existing.ID, "email", existing.Email)
	} else if err := rt.Actors.CreateActor(ctx, admin); err != nil {
		log.Fatalf("Failed to create actor: %v", err)
	} else {
		logger.Info("Created actor", "id", admin.ID, "email", admin.Email)
	}

	// 2. Define pipelines whose code is not yet known
	created, err := rt.Workflow.Definitions.Ensure(ctx, defs)
	if err != nil {
		log.Fatalf("Failed to seed pipelines: %v", err)
	}
	for _, p := range created {
		logger.Info("Seeded pipeline", "code", p.Code, "id", p.ID, "version", p.Version)
	}
	logger.Info("Seeding complete!", "defined", len(created), "skipped", len(defs)-len(created))
}
