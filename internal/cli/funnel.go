package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newFunnelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "funnel",
		Short: "Inspect funnel completion",
	}
	cmd.AddCommand(newFunnelStatsCmd(), newFunnelConversionCmd())
	return cmd
}

func newFunnelStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <funnel>",
		Short: "Show completion statistics per step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				stats, err := a.funnels.CompletionStats(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "FUNNEL: %s\n", args[0])
				fmt.Fprintf(out, "USERS: %s started, %s completed (%s)\n",
					formatNumber(stats.TotalUsers), formatNumber(stats.CompletedUsers), formatPercent(stats.CompletionRate))
				fmt.Fprintf(out, "AVG TIME SPENT: %.1fs\n", stats.AvgTimeSpentSeconds)
				fmt.Fprintln(out)

				if len(stats.Steps) == 0 {
					fmt.Fprintln(out, "No steps recorded.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "STEP\tNAME\tROWS\tCOMPLETED\tRATE")
				for _, s := range stats.Steps {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
						s.StepNumber, s.StepName, formatNumber(s.Total), formatNumber(s.Completed), formatPercent(s.CompletionRate))
				}
				return w.Flush()
			})
		},
	}
}

func newFunnelConversionCmd() *cobra.Command {
	var start, end int

	cmd := &cobra.Command{
		Use:     "conversion <funnel>",
		Short:   "Show the conversion rate between two steps",
		Example: `  cohort funnel conversion signup --start 1 --end 4`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				rate, err := a.funnels.ConversionRate(cmd.Context(), args[0], start, end, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: step %d -> step %d: %s\n", args[0], start, end, formatPercent(rate))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&start, "start", 1, "starting step number")
	cmd.Flags().IntVar(&end, "end", 0, "ending step number (required)")
	cmd.MarkFlagRequired("end")
	return cmd
}
