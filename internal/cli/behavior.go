package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/behavior"
	"github.com/gkobilansky/cohort/internal/store"
)

func newBehaviorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "behavior",
		Short: "Inspect engagement profiles and risks",
	}
	cmd.AddCommand(
		newAtRiskCmd(),
		newProfileCmd(),
		newResolveCmd(),
		newPurgeCmd(),
	)
	return cmd
}

func newAtRiskCmd() *cobra.Command {
	var (
		clientID  string
		threshold float64
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "at-risk",
		Short: "List profiles with low engagement, lowest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				profiles, err := a.behavior.GetAtRiskUsers(cmd.Context(), behavior.AtRiskQuery{
					ClientID:  clientID,
					Threshold: threshold,
					Limit:     limit,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(profiles) == 0 {
					fmt.Fprintln(out, "No at-risk users.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tCLIENT\tSCORE\tLAST ACTIVE\tOPEN RISKS")
				for _, p := range profiles {
					client := p.ClientID
					if client == "" {
						client = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%.1f\t%s\t%s\n",
						p.UserID, client, p.EngagementScore,
						p.LastActivityAt.Format("2006-01-02 15:04"), strings.Join(openRisks(p), ", "))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "only profiles scoped to this client")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "score cutoff (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (default from config)")
	return cmd
}

func newProfileCmd() *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "profile <user>",
		Short: "Show a user's engagement profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				p, err := a.behavior.GetBehaviorProfile(cmd.Context(), args[0], clientID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "USER: %s\n", p.UserID)
				if p.ClientID != "" {
					fmt.Fprintf(out, "CLIENT: %s\n", p.ClientID)
				}
				fmt.Fprintf(out, "SCORE: %.1f\n", p.EngagementScore)
				fmt.Fprintf(out, "LAST ACTIVE: %s\n", p.LastActivityAt.Format(time.RFC3339))
				fmt.Fprintf(out, "SESSIONS: %d (avg %.0fs)\n", p.TotalSessions, p.AverageSessionDuration)
				if len(p.PreferredChannels) > 0 {
					fmt.Fprintf(out, "CHANNELS: %s\n", strings.Join(p.PreferredChannels, ", "))
				}
				fmt.Fprintln(out)

				if len(p.Patterns) > 0 {
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "PATTERN\tFREQUENCY\tCONFIDENCE")
					for _, pt := range p.Patterns {
						fmt.Fprintf(w, "%s\t%d\t%.0f\n", pt.Pattern, pt.Frequency, pt.Confidence)
					}
					w.Flush()
					fmt.Fprintln(out)
				}

				if len(p.RiskFactors) == 0 {
					fmt.Fprintln(out, "No risk factors.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RISK\tSEVERITY\tDETECTED\tSTATE")
				for _, rf := range p.RiskFactors {
					state := "open"
					if rf.ResolvedAt != nil {
						state = "resolved " + rf.ResolvedAt.Format("2006-01-02")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rf.Factor, rf.Severity, rf.DetectedAt.Format("2006-01-02"), state)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "client scope of the profile")
	return cmd
}

func newResolveCmd() *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "resolve <user> <factor>",
		Short: "Mark an open risk factor resolved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				ok, err := a.behavior.ResolveRiskFactor(cmd.Context(), args[0], clientID, args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no open %q risk for user %s", args[1], args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s for %s.\n", args[1], args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "client scope of the profile")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge <user>",
		Short: "Delete a user's stored events older than a cutoff",
		Long: `Delete stored behavior events. Profiles keep the score, patterns and
risks already derived from them.

Example:
  cohort behavior purge u1 --older-than 2160h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withApp(cmd, func(a *app) error {
				before := time.Now().UTC().Add(-olderThan)
				n, err := a.behavior.PurgeEvents(cmd.Context(), args[0], before)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d events recorded before %s.\n", n, before.Format(time.RFC3339))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "age of the oldest event to keep")
	return cmd
}

func openRisks(p *store.BehaviorProfile) []string {
	var out []string
	for _, rf := range p.RiskFactors {
		if rf.ResolvedAt == nil {
			out = append(out, rf.Factor)
		}
	}
	return out
}
