package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/experiment"
	"github.com/gkobilansky/cohort/internal/store"
)

func newResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <id>",
		Short: "Show detailed results for an experiment",
		Long:  `Show per-variant assignments, conversion rates and confidence intervals.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				ctx := cmd.Context()
				e, err := a.experiments.Get(ctx, args[0])
				if err != nil {
					return err
				}
				pm, err := a.experiments.GetPerformanceMetrics(ctx, e.ID)
				if err != nil {
					return fmt.Errorf("failed to get results: %w", err)
				}
				printResults(cmd.OutOrStdout(), e, pm)
				return nil
			})
		},
	}
}

func printResults(out io.Writer, e *store.Experiment, pm *experiment.PerformanceMetrics) {
	fmt.Fprintf(out, "EXPERIMENT: %s (%s)\n", e.Name, e.ID)
	fmt.Fprintf(out, "STATUS: %s\n", e.Status)
	if len(e.SuccessMetrics) > 0 {
		fmt.Fprintf(out, "METRICS: %s\n", strings.Join(e.SuccessMetrics, ", "))
	}
	fmt.Fprintf(out, "CREATED: %s\n", e.CreatedAt.Format("2006-01-02"))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VARIANT           USERS    CONVERSIONS  RATE     95% CI")
	fmt.Fprintln(out, strings.Repeat("─", 60))

	lead := leader(pm.Variants)
	for i, v := range pm.Variants {
		indicator := ""
		if i == lead && len(pm.Variants) > 1 {
			indicator = " ← LEADING"
		}
		if v.IsControl {
			indicator += " (control)"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower, v.CIUpper)
		if v.UsersAssigned == 0 {
			ciStr = "N/A"
		}

		// Truncate name if too long
		name := v.VariantName
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-7d  %-11d  %-7s  %s%s\n",
			name,
			v.UsersAssigned,
			v.UsersConverted,
			formatPercent(v.ConversionRate),
			ciStr,
			indicator,
		)
	}
	fmt.Fprintln(out)

	if len(pm.Variants) < 2 {
		return
	}
	confPct := pm.ZTestConfidence * 100
	switch {
	case lead < 0:
		fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
	case confPct >= 95:
		fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" is the winner\n", confPct, pm.Variants[lead].VariantName)
	case confPct >= 90:
		fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" leads (not yet significant)\n", confPct, pm.Variants[lead].VariantName)
	default:
		fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
	}
}

// leader returns the index of the variant with the highest conversion
// rate, or -1 when nothing has converted. Ties go to the earlier variant,
// which is the control when it is tied.
func leader(results []experiment.VariantResult) int {
	best, bestRate := -1, 0.0
	for i, r := range results {
		if r.ConversionRate > bestRate {
			best, bestRate = i, r.ConversionRate
		}
	}
	return best
}

// formatPercent takes a rate already expressed in percent.
func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate)
}
