package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/behavior"
	"github.com/gkobilansky/cohort/internal/config"
	"github.com/gkobilansky/cohort/internal/experiment"
	"github.com/gkobilansky/cohort/internal/funnel"
	"github.com/gkobilansky/cohort/internal/logging"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/personalization"
	"github.com/gkobilansky/cohort/internal/store"
)

// app is the set of services one command invocation works with.
type app struct {
	cfg             config.Config
	log             *slog.Logger
	store           *store.SQLiteStore
	metrics         *metrics.Metrics
	experiments     *experiment.Service
	funnels         *funnel.Tracker
	behavior        *behavior.Engine
	personalization *personalization.Engine
}

// loadConfig layers the --db flag over the config file and environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags().Lookup("db"); f != nil && f.Changed {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	hasher, err := experiment.NewHasher(cfg.Experiment.Hasher)
	if err != nil {
		s.Close()
		return nil, err
	}

	m := metrics.New()
	timeout := cfg.Database.Timeout
	return &app{
		cfg:     cfg,
		log:     log,
		store:   s,
		metrics: m,
		experiments: experiment.NewService(s, experiment.Options{
			Hasher: hasher, Logger: log, Metrics: m, Timeout: timeout,
		}),
		funnels: funnel.NewTracker(s, funnel.Options{Logger: log, Timeout: timeout}),
		behavior: behavior.NewEngine(s, behavior.Options{
			Logger:          log,
			Metrics:         m,
			Timeout:         timeout,
			LockStripes:     cfg.Behavior.LockStripes,
			MaxRetries:      cfg.Behavior.MaxRetries,
			AtRiskThreshold: float64(cfg.Behavior.AtRiskCutoff),
			AtRiskLimit:     cfg.Behavior.AtRiskLimit,
		}),
		personalization: personalization.NewEngine(s, personalization.Options{
			Logger: log, Metrics: m, Timeout: timeout, Concurrency: cfg.Segments.Concurrency,
		}),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// withApp opens the database and services, executes the function, and
// handles cleanup.
func withApp(cmd *cobra.Command, fn func(*app) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}
