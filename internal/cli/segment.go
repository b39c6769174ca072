package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSegmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segment",
		Short: "List segments and refresh memberships",
	}
	cmd.AddCommand(newSegmentListCmd(), newSegmentRefreshCmd())
	return cmd
}

func newSegmentListCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List segments with their member counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				segments, err := a.personalization.ListSegments(cmd.Context(), activeOnly)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(segments) == 0 {
					fmt.Fprintln(out, "No segments yet.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tACTIVE\tUSERS\tCRITERIA")
				for _, s := range segments {
					criteria, _ := json.Marshal(s.Criteria)
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", s.ID, s.Name, s.IsActive, formatNumber(s.UserCount), criteria)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active segments")
	return cmd
}

func newSegmentRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <user>",
		Short: "Re-evaluate a user against every active segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				ms, err := a.personalization.UpdateUserSegmentMemberships(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(ms) == 0 {
					fmt.Fprintf(out, "%s is in no segments.\n", args[0])
					return nil
				}
				fmt.Fprintf(out, "%s is in %d segment(s):\n", args[0], len(ms))
				for _, m := range ms {
					fmt.Fprintf(out, "  %s (since %s)\n", m.SegmentID, m.JoinedAt.Format("2006-01-02"))
				}
				return nil
			})
		},
	}
}
