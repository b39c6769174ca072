package cli

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

func newCompleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Report the leading variant and complete an experiment",
		Long: `Show the current results, name the leading variant and complete the
experiment. Completed experiments stop assigning users and cannot be
restarted.

Example:
  cohort experiment complete 3f1c... --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				e, err := a.experiments.Get(ctx, args[0])
				if err != nil {
					return err
				}
				pm, err := a.experiments.GetPerformanceMetrics(ctx, e.ID)
				if err != nil {
					return fmt.Errorf("failed to get results: %w", err)
				}
				printResults(out, e, pm)

				if !yes {
					prompt := promptui.Prompt{
						Label:     fmt.Sprintf("Complete '%s'", e.Name),
						IsConfirm: true,
					}
					if _, err := prompt.Run(); err != nil {
						if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
							fmt.Fprintln(out, "Aborted.")
							return nil
						}
						return err
					}
				}

				if _, err := a.experiments.Complete(ctx, e.ID); err != nil {
					return fmt.Errorf("failed to complete experiment: %w", err)
				}

				if lead := leader(pm.Variants); lead >= 0 {
					v := pm.Variants[lead]
					fmt.Fprintf(out, "Completed experiment '%s'. Leading variant: \"%s\" (%s)\n",
						e.Name, v.VariantName, formatPercent(v.ConversionRate))
				} else {
					fmt.Fprintf(out, "Completed experiment '%s'. No conversions were recorded.\n", e.Name)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
