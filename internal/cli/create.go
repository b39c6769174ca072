package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/experiment"
)

func newCreateCmd() *cobra.Command {
	var (
		variants    []string
		control     string
		expType     string
		description string
		metrics     []string
		createdBy   string
		noInput     bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new experiment",
		Long: `Create a draft experiment with the given variants. Each variant is
NAME:PERCENT and the percentages must add up to 100.

Without --control you are asked to pick the control variant; with
--no-input the first variant is the control.

Examples:
  cohort experiment create checkout --variant Control:50 --variant "One page:50"
  cohort experiment create pricing --variant A:34 --variant B:33 --variant C:33 --control A --metric purchase`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := experiment.CreateRequest{
				Name:           args[0],
				Description:    description,
				ExperimentType: expType,
				SuccessMetrics: metrics,
				CreatedBy:      createdBy,
			}
			for _, raw := range variants {
				v, err := parseVariant(raw)
				if err != nil {
					return err
				}
				req.Variants = append(req.Variants, v)
			}
			if len(req.Variants) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variant A:50 --variant B:50")
			}

			if control == "" {
				if noInput {
					control = req.Variants[0].Name
				} else {
					picked, err := promptControl(req.Variants)
					if err != nil {
						if errors.Is(err, promptui.ErrInterrupt) {
							return nil
						}
						return err
					}
					control = picked
				}
			}
			found := false
			for i := range req.Variants {
				if req.Variants[i].Name == control {
					req.Variants[i].IsControl = true
					found = true
				}
			}
			if !found {
				return fmt.Errorf("control %q is not one of the variants", control)
			}

			return withApp(cmd, func(a *app) error {
				e, err := a.experiments.CreateExperiment(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created experiment '%s' (%s) with %d variants:\n", e.Name, e.ID, len(e.Variants))
				for _, v := range e.Variants {
					marker := ""
					if v.IsControl {
						marker = " (control)"
					}
					fmt.Fprintf(out, "  %-16s %5.1f%%%s\n", v.Name, v.TrafficPercentage, marker)
				}
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Start it with: cohort experiment start %s\n", e.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&variants, "variant", "v", nil, "variant as NAME:PERCENT (repeatable, required)")
	cmd.Flags().StringVar(&control, "control", "", "name of the control variant")
	cmd.Flags().StringVarP(&expType, "type", "t", "ab_test", "experiment type")
	cmd.Flags().StringVarP(&description, "description", "d", "", "description")
	cmd.Flags().StringSliceVar(&metrics, "metric", nil, "success metric (repeatable)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "author recorded on the experiment")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "never prompt")
	cmd.MarkFlagRequired("variant")

	return cmd
}

// parseVariant reads NAME:PERCENT. The name may itself contain colons.
func parseVariant(raw string) (experiment.VariantRequest, error) {
	i := strings.LastIndex(raw, ":")
	if i <= 0 {
		return experiment.VariantRequest{}, fmt.Errorf("invalid variant %q: want NAME:PERCENT", raw)
	}
	pct, err := strconv.ParseFloat(strings.TrimSpace(raw[i+1:]), 64)
	if err != nil {
		return experiment.VariantRequest{}, fmt.Errorf("invalid traffic percentage in %q: %w", raw, err)
	}
	return experiment.VariantRequest{Name: strings.TrimSpace(raw[:i]), TrafficPercentage: pct}, nil
}

func promptControl(variants []experiment.VariantRequest) (string, error) {
	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
	}
	prompt := promptui.Select{
		Label: "Control variant",
		Items: names,
		Size:  len(names),
	}
	_, name, err := prompt.Run()
	return name, err
}
