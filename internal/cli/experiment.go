package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/experiment"
	"github.com/gkobilansky/cohort/internal/store"
)

func newExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Create, run and inspect experiments",
	}
	cmd.AddCommand(
		newCreateCmd(),
		newListCmd(),
		newResultsCmd(),
		newExportCmd(),
		newCompleteCmd(),
		newTransitionCmd("start", "Start assigning users", (*experiment.Service).Start),
		newTransitionCmd("pause", "Pause an active experiment", (*experiment.Service).Pause),
		newTransitionCmd("cancel", "Cancel an experiment", (*experiment.Service).Cancel),
	)
	return cmd
}

type transitionFunc func(*experiment.Service, context.Context, string) (*store.Experiment, error)

func newTransitionCmd(name, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				e, err := fn(a.experiments, cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to %s experiment: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' is now %s.\n", e.Name, e.Status)
				return nil
			})
		},
	}
}
