package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gkobilansky/cohort/internal/config"
)

func newInitCmd() *cobra.Command {
	var (
		output    string
		force     bool
		defaults  bool
		withToken bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a cohort config file, asking for the settings that matter most.

Use --defaults to skip the prompts.

Example:
  cohort init
  cohort init --defaults --token -o /etc/cohort.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			cfg := config.Default()
			if f := cmd.Flags().Lookup("db"); f != nil && f.Changed {
				cfg.Database.Path = dbPath
			}
			if !defaults {
				if err := promptConfig(&cfg); err != nil {
					if errors.Is(err, promptui.ErrInterrupt) {
						return nil
					}
					return err
				}
			}
			if withToken {
				token, err := generateToken(16)
				if err != nil {
					return err
				}
				cfg.Server.Token = token
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			data, err := renderConfig(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			printNextSteps(cmd.OutOrStdout(), output, cfg)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "cohort.yaml", "config file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "skip prompts and use defaults")
	cmd.Flags().BoolVar(&withToken, "token", false, "generate an admin token")
	return cmd
}

func promptConfig(cfg *config.Config) error {
	portPrompt := promptui.Prompt{
		Label:   "Port",
		Default: strconv.Itoa(cfg.Server.Port),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 65535 {
				return errors.New("port must be 1-65535")
			}
			return nil
		},
	}
	raw, err := portPrompt.Run()
	if err != nil {
		return err
	}
	cfg.Server.Port, _ = strconv.Atoi(raw)

	hashers := []string{
		"legacy (keeps assignments compatible with existing data)",
		"xxhash (better spread, for new deployments)",
	}
	hasherSelect := promptui.Select{Label: "Bucketing hash", Items: hashers, Size: len(hashers)}
	idx, _, err := hasherSelect.Run()
	if err != nil {
		return err
	}
	cfg.Experiment.Hasher = strings.Fields(hashers[idx])[0]

	formatSelect := promptui.Select{Label: "Log format", Items: []string{"text", "json"}, Size: 2}
	_, cfg.Log.Format, err = formatSelect.Run()
	if err != nil {
		return err
	}

	personalize := promptui.Prompt{Label: "Run segment refresh and triggers on every event", IsConfirm: true, Default: "y"}
	if _, err := personalize.Run(); err != nil {
		if !errors.Is(err, promptui.ErrAbort) {
			return err
		}
		cfg.Ingest.Personalize = false
	}
	return nil
}

func renderConfig(cfg config.Config) ([]byte, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	header := "# cohort configuration. COHORT_* environment variables override these values.\n"
	return append([]byte(header), body...), nil
}

func printNextSteps(w io.Writer, path string, cfg config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Wrote %s\n", path)
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "1. Start the server")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "   cohort serve --config %s\n", path)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "2. Send behavior events")
	fmt.Fprintln(w)
	auth := ""
	if cfg.Server.Token != "" {
		auth = fmt.Sprintf(" \\\n     -H 'Authorization: Bearer %s'", cfg.Server.Token)
	}
	fmt.Fprintf(w, "   curl -X POST http://localhost:%d/api/behavior/events%s \\\n", cfg.Server.Port, auth)
	fmt.Fprintln(w, `     -d '{"user_id":"u1","event_type":"login"}'`)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "3. Create an experiment")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "   cohort experiment create checkout --variant Control:50 --variant B:50")
	fmt.Fprintln(w)

	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  experiment results <id>   Show variant statistics")
	fmt.Fprintln(w, "  experiment complete <id>  Report the leader and complete")
	fmt.Fprintln(w, "  behavior at-risk          List low-engagement users")
	fmt.Fprintln(w, "  token                     Generate an admin token")
}
