package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/store"
)

func newListCmd() *cobra.Command {
	var status, expType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Long:  `List experiments with their status and assignment counts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				ctx := cmd.Context()
				list, err := a.experiments.List(ctx, store.ExperimentFilter{
					Status:         store.ExperimentStatus(status),
					ExperimentType: expType,
				})
				if err != nil {
					return fmt.Errorf("failed to list experiments: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No experiments yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, "  cohort experiment create <name> --variant A:50 --variant B:50")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tVARIANTS\tUSERS\tCONVERSIONS\tCREATED")

				for _, e := range list {
					results, err := a.experiments.GetResults(ctx, e.ID)
					if err != nil {
						return fmt.Errorf("failed to get results for %s: %w", e.Name, err)
					}
					users, conversions := 0, 0
					for _, r := range results {
						users += r.UsersAssigned
						conversions += r.UsersConverted
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						e.ID,
						e.Name,
						e.ExperimentType,
						strings.ToUpper(string(e.Status)),
						len(e.Variants),
						formatNumber(users),
						formatNumber(conversions),
						e.CreatedAt.Format("2006-01-02"),
					)
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only experiments in this status")
	cmd.Flags().StringVar(&expType, "type", "", "only experiments of this type")
	return cmd
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
