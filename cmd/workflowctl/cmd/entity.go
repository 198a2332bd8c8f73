package cmd

import (
	"github.com/spf13/cobra"

	"erp-workflow/internal/workflow"
	"erp-workflow/pkg/models"
)

func newStateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "state <entityType> <entityID>",
		Short: "Show the current state of an entity and the transitions available from it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ref := models.EntityRef{Type: args[0], ID: args[1]}
			state, err := rt.Workflow.Registry.GetCurrentState(cmd.Context(), ref)
			if err != nil {
				return err
			}
			available, err := rt.Workflow.Registry.AvailableTransitions(cmd.Context(), ref, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"state":                 state,
				"available_transitions": available,
			})
		},
	}
}

func newTransitionCmd(g *globals) *cobra.Command {
	var actorEmail, comment, key string
	cmd := &cobra.Command{
		Use:   "transition <entityType> <entityID> <transitionCode>",
		Short: "Apply a named transition to an entity.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			actor, err := g.operator(cmd.Context(), rt, actorEmail)
			if err != nil {
				return err
			}
			entry, err := rt.Workflow.Engine.Transition(cmd.Context(), workflow.TransitionRequest{
				Entity:         models.EntityRef{Type: args[0], ID: args[1]},
				Transition:     args[2],
				Actor:          actor,
				Comment:        comment,
				IdempotencyKey: key,
				Metadata:       map[string]any{"channel": "cli"},
				Request:        models.RequestContext{UserAgent: "workflowctl"},
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	}
	cmd.Flags().StringVar(&actorEmail, "actor", "", "Email of the actor to record; empty records the system")
	cmd.Flags().StringVar(&comment, "comment", "", "Comment stored on the audit entry")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Apply at most once per key")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history <entityType> <entityID>",
		Short: "Print the audit timeline of an entity, oldest first.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := g.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			timeline, err := rt.Workflow.Audit.Timeline(cmd.Context(), models.EntityRef{Type: args[0], ID: args[1]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), timeline)
		},
	}
}
