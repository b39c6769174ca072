package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/store"
)

func newExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export raw assignment data",
		Long: `Export one row per assigned user in CSV or JSON format.

Examples:
  cohort experiment export 3f1c... --format csv > checkout.csv
  cohort experiment export 3f1c... --format json > checkout.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return withApp(cmd, func(a *app) error {
				ctx := cmd.Context()
				e, err := a.experiments.Get(ctx, args[0])
				if err != nil {
					return err
				}
				assignments, err := a.store.ListAssignments(ctx, e.ID)
				if err != nil {
					return fmt.Errorf("failed to get assignments: %w", err)
				}

				names := make(map[string]string, len(e.Variants))
				for _, v := range e.Variants {
					names[v.ID] = v.Name
				}
				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), assignments, names)
				}
				return exportJSON(cmd.OutOrStdout(), e, assignments, names)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

func exportCSV(out io.Writer, assignments []*store.Assignment, names map[string]string) error {
	w := csv.NewWriter(out)

	if err := w.Write([]string{"assigned_at", "user_id", "variant", "converted_at", "conversion_value"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, a := range assignments {
		convertedAt, value := "", ""
		if a.ConvertedAt != nil {
			convertedAt = strconv.FormatInt(a.ConvertedAt.Unix(), 10)
		}
		if a.ConversionValue != nil {
			value = strconv.FormatFloat(*a.ConversionValue, 'f', -1, 64)
		}
		row := []string{
			strconv.FormatInt(a.AssignedAt.Unix(), 10),
			a.UserID,
			names[a.VariantID],
			convertedAt,
			value,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	ExperimentID string           `json:"experiment_id"`
	Name         string           `json:"name"`
	Assignments  []jsonAssignment `json:"assignments"`
}

type jsonAssignment struct {
	AssignedAt      int64    `json:"assigned_at"`
	UserID          string   `json:"user_id"`
	Variant         string   `json:"variant"`
	ConvertedAt     *int64   `json:"converted_at,omitempty"`
	ConversionValue *float64 `json:"conversion_value,omitempty"`
}

func exportJSON(out io.Writer, e *store.Experiment, assignments []*store.Assignment, names map[string]string) error {
	export := jsonExport{
		ExperimentID: e.ID,
		Name:         e.Name,
		Assignments:  make([]jsonAssignment, len(assignments)),
	}

	for i, a := range assignments {
		row := jsonAssignment{
			AssignedAt:      a.AssignedAt.Unix(),
			UserID:          a.UserID,
			Variant:         names[a.VariantID],
			ConversionValue: a.ConversionValue,
		}
		if a.ConvertedAt != nil {
			ts := a.ConvertedAt.Unix()
			row.ConvertedAt = &ts
		}
		export.Assignments[i] = row
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
