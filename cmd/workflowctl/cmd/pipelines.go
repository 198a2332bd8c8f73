package cmd

import (
	"fmt"
	"os"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"erp-workflow/internal/workflow"
)

func newPipelinesCmd(g *globals) *cobra.Command {
	var activeOnly bool
	var entityType string
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List pipeline versions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			pipelines, err := rt.Workflow.Definitions.ListPipelines(cmd.Context(), activeOnly, entityType)
			if err != nil {
				return err
			}
			if len(pipelines) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pipelines found")
				return nil
			}
			table := uitable.New()
			table.AddRow("ID", "Code", "Version", "Entity Type", "Active", "Name")
			for _, p := range pipelines {
				table.AddRow(p.ID, p.Code, p.Version, p.EntityType, p.IsActive, p.Name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active versions")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "Only pipelines for this entity type")
	return cmd
}

func newDefineCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Store every pipeline in a YAML file as a new active version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			defs, err := workflow.ParseDefinitions(data)
			if err != nil {
				return err
			}
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			for _, def := range defs {
				p, err := rt.Workflow.Definitions.Define(cmd.Context(), def)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "defined %s version %d (id %d)\n", p.Code, p.Version, p.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a top-level pipelines list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
