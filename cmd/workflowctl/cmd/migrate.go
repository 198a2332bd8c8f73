package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"erp-workflow/internal/migrations"
)

func newMigrateCmd(g *globals) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "-> Apply or roll back the workflow schema.",
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if err := migrations.Up(cfg.URL()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration. The audit trail is dropped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if err := migrations.Down(cfg.URL()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
			return nil
		},
	})

	return migrateCmd
}
