package cmd

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"erp-workflow/internal/bootstrap"
	"erp-workflow/internal/config"
	"erp-workflow/pkg/models"
)

// Opener builds the runtime a command operates on.
type Opener func(ctx context.Context, cfg *config.Config, opts bootstrap.Options) (*bootstrap.Runtime, error)

// DefaultOpener opens the configured PostgreSQL-backed runtime.
func DefaultOpener(ctx context.Context, cfg *config.Config, opts bootstrap.Options) (*bootstrap.Runtime, error) {
	return bootstrap.Open(ctx, cfg, bootstrap.Logger(cfg), opts)
}

type globals struct {
	envFile string
	memory  bool
	open    Opener
}

func (g *globals) config() (*config.Config, error) {
	return config.LoadConfig(g.envFile)
}

func (g *globals) runtime(ctx context.Context) (*bootstrap.Runtime, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	return g.open(ctx, cfg, bootstrap.Options{Memory: g.memory})
}

// operator is the actor recorded for CLI writes. Holding database access
// already implies full rights, so it carries every permission.
func (g *globals) operator(ctx context.Context, rt *bootstrap.Runtime, email string) (*models.Actor, error) {
	if email == "" {
		return nil, nil
	}
	actor, err := rt.Actors.GetActorByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	actor.Permissions = []string{models.PermissionAll}
	return actor, nil
}

func NewRootCmd(open Opener) *cobra.Command {
	g := &globals{open: open}
	cmd := &cobra.Command{
		Use:   "workflowctl",
		Short: "CLI to inspect and operate entity workflows.",
		Long: `
workflowctl manages the workflow database schema, pipeline definitions,
entity transitions and the audit trail without going through the HTTP API.
`,
		Example: `
	# Apply schema migrations
	workflowctl migrate up

	# Show where an asset stands
	workflowctl state asset 42

	# Approve it on behalf of a user
	workflowctl transition asset 42 approve --actor=alice@example.com --comment="budget ok"

	# Export the last month of purchase order activity
	workflowctl export --entity-type=purchase_order --from=2026-09-01 --format=xlsx
`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&g.envFile, "env", "", "Path to .env file")
	cmd.PersistentFlags().BoolVar(&g.memory, "memory", false, "Use in-memory storage (for trying commands out)")

	cmd.AddCommand(newMigrateCmd(g))
	cmd.AddCommand(newPipelinesCmd(g))
	cmd.AddCommand(newDefineCmd(g))
	cmd.AddCommand(newStateCmd(g))
	cmd.AddCommand(newTransitionCmd(g))
	cmd.AddCommand(newHistoryCmd(g))
	cmd.AddCommand(newDashboardCmd(g))
	cmd.AddCommand(newExportCmd(g))

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
