package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cohort",
		Short: "cohort - experiments, funnels, behavior scoring and personalization",
		Long: `cohort is a self-hosted behavioral decisioning engine.
Single Go binary, embedded SQLite.

It assigns users to experiment variants, tracks funnel progress, scores
engagement from behavior events and fires personalization triggers.

Running without a subcommand starts the server (same as 'cohort serve').`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	root.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("COHORT_DB_PATH", "./cohort.db"), "database path")
	root.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("COHORT_CONFIG", ""), "YAML config file")
	addServeFlags(root)

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newTokenCmd(),
		newExperimentCmd(),
		newFunnelCmd(),
		newBehaviorCmd(),
		newSegmentCmd(),
	)
	return root
}

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
