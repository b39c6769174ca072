package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an admin API token",
		Long: `Generate a random admin token for the HTTP API.

Set it as server.token in the config file or export COHORT_TOKEN, then
send it as 'Authorization: Bearer <token>' on mutating requests.

Example:
  export COHORT_TOKEN=$(cohort token --quiet)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 8 {
				return fmt.Errorf("token size must be at least 8 bytes")
			}
			token, err := generateToken(size)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
				fmt.Fprintln(out, token)
				return nil
			}
			fmt.Fprintf(out, "Token: %s\n", token)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Use it with:")
			fmt.Fprintf(out, "  export COHORT_TOKEN=%s\n", token)
			fmt.Fprintln(out, "or in cohort.yaml:")
			fmt.Fprintf(out, "  server:\n    token: %s\n", token)
			return nil
		},
	}

	cmd.Flags().IntVar(&size, "bytes", 16, "random bytes in the token")
	cmd.Flags().BoolP("quiet", "q", false, "print only the token")
	return cmd
}

func generateToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
