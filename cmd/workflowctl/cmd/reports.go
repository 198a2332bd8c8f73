package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"erp-workflow/internal/apperrors"
	"erp-workflow/internal/export"
	"erp-workflow/pkg/models"
)

func newDashboardCmd(g *globals) *cobra.Command {
	var pipelineID int64
	var q models.DashboardQuery
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show entity counts per state and entities stuck in intermediate states.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if pipelineID > 0 {
				q.PipelineID = &pipelineID
			}
			dash, err := rt.Workflow.Dashboard.GetDashboard(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dash)
		},
	}
	cmd.Flags().Int64Var(&pipelineID, "pipeline", 0, "Restrict to one active pipeline id")
	cmd.Flags().StringVar(&q.EntityType, "entity-type", "", "Restrict to pipelines for this entity type")
	cmd.Flags().IntVar(&q.StaleDays, "stale-days", 0, "Days in state before an entity counts as stale (default from config)")
	return cmd
}

func newExportCmd(g *globals) *cobra.Command {
	var (
		format, from, to, sortField string
		ascending                   bool
		filter                      models.LogFilter
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write matching audit entries to the configured export sink.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			if filter.DateFrom, err = parseDay(from); err != nil {
				return err
			}
			if filter.DateTo, err = parseDay(to); err != nil {
				return err
			}
			if filter.DateTo != nil {
				end := filter.DateTo.Add(24*time.Hour - time.Nanosecond)
				filter.DateTo = &end
			}
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			sort := models.LogSort{Field: models.LogSortField(sortField), Descending: !ascending}
			location, err := rt.Workflow.Audit.Export(cmd.Context(), filter, sort, f, rt.Sink)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), location)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "csv or xlsx")
	cmd.Flags().StringVar(&from, "from", "", "First day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Last day included (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filter.EntityType, "entity-type", "", "Entity type substring")
	cmd.Flags().StringVar(&filter.Search, "search", "", "Free-text search")
	cmd.Flags().StringVar(&sortField, "sort", string(models.LogSortCreatedAt), "Sort field")
	cmd.Flags().BoolVar(&ascending, "asc", false, "Sort ascending")
	return cmd
}

func parseDay(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "invalid date %q", s)
	}
	return &t, nil
}
