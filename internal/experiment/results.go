package experiment

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/stats"
	"github.com/gkobilansky/cohort/internal/store"
	"github.com/gkobilansky/cohort/internal/tracing"
)

// VariantResult summarizes one variant. Rates are percentages.
type VariantResult struct {
	VariantID          string  `json:"variant_id"`
	VariantName        string  `json:"variant_name"`
	IsControl          bool    `json:"is_control"`
	UsersAssigned      int     `json:"users_assigned"`
	UsersConverted     int     `json:"users_converted"`
	ConversionRate     float64 `json:"conversion_rate"`
	AvgConversionValue float64 `json:"avg_conversion_value"`
	CILower            float64 `json:"ci_lower"` // Wilson 95%
	CIUpper            float64 `json:"ci_upper"`
}

type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

type PerformanceMetrics struct {
	TotalUsers            int     `json:"total_users"`
	TotalConversions      int     `json:"total_conversions"`
	OverallConversionRate float64 `json:"overall_conversion_rate"`
	// StatisticalSignificance is stats.HeuristicSignificance, kept for
	// dashboards that already chart it.
	StatisticalSignificance float64         `json:"statistical_significance"`
	ConfidenceInterval      Interval        `json:"confidence_interval"`
	ZTestConfidence         float64         `json:"z_test_confidence"`
	Variants                []VariantResult `json:"variants"`
}

// Aggregate computes per-variant results from assignment rows. Variants
// come back control first, then in creation order; a variant with no
// assignments still gets a zero row. Assignments naming unknown variants
// are ignored.
func Aggregate(variants []store.Variant, assignments []*store.Assignment) []VariantResult {
	ordered := OrderVariants(variants)
	index := make(map[string]int, len(ordered))
	results := make([]VariantResult, len(ordered))
	valueSums := make([]float64, len(ordered))
	valueCounts := make([]int, len(ordered))

	for i, v := range ordered {
		index[v.ID] = i
		results[i] = VariantResult{VariantID: v.ID, VariantName: v.Name, IsControl: v.IsControl}
	}

	for _, a := range assignments {
		i, ok := index[a.VariantID]
		if !ok {
			continue
		}
		results[i].UsersAssigned++
		if a.ConvertedAt == nil {
			continue
		}
		results[i].UsersConverted++
		if a.ConversionValue != nil {
			valueSums[i] += *a.ConversionValue
			valueCounts[i]++
		}
	}

	for i := range results {
		r := &results[i]
		if r.UsersAssigned > 0 {
			r.ConversionRate = float64(r.UsersConverted) / float64(r.UsersAssigned) * 100
		}
		if valueCounts[i] > 0 {
			r.AvgConversionValue = valueSums[i] / float64(valueCounts[i])
		}
		lower, upper := stats.WilsonInterval(r.UsersConverted, r.UsersAssigned, 0.95)
		r.CILower, r.CIUpper = lower*100, upper*100
	}
	return results
}

// Performance derives experiment-level figures from variant results.
func Performance(results []VariantResult) PerformanceMetrics {
	pm := PerformanceMetrics{Variants: results}

	var control *VariantResult
	var treatmentRates []float64
	for i := range results {
		r := &results[i]
		pm.TotalUsers += r.UsersAssigned
		pm.TotalConversions += r.UsersConverted
		if r.IsControl && control == nil {
			control = r
		} else {
			treatmentRates = append(treatmentRates, r.ConversionRate)
		}
	}
	if pm.TotalUsers > 0 {
		pm.OverallConversionRate = stats.Round2(float64(pm.TotalConversions) / float64(pm.TotalUsers) * 100)
	}
	if control == nil {
		return pm
	}

	pm.StatisticalSignificance = stats.HeuristicSignificance(control.ConversionRate, treatmentRates)
	pm.ConfidenceInterval.Lower, pm.ConfidenceInterval.Upper = stats.WaldInterval(control.ConversionRate, control.UsersAssigned)

	samples := []stats.Sample{{Name: control.VariantName, Trials: control.UsersAssigned, Conversions: control.UsersConverted}}
	for _, r := range results {
		if r.VariantID == control.VariantID {
			continue
		}
		samples = append(samples, stats.Sample{Name: r.VariantName, Trials: r.UsersAssigned, Conversions: r.UsersConverted})
	}
	if len(samples) > 1 {
		pm.ZTestConfidence = stats.Analyze(samples).ConfidenceLevel
	}
	return pm
}

func (s *Service) GetResults(ctx context.Context, experimentID string) (_ []VariantResult, err error) {
	ctx, span := tracing.Start(ctx, "experiment", "GetResults", attribute.String("experiment.id", experimentID))
	defer func() { tracing.End(span, err) }()

	e, err := s.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	assignments, err := s.repo.ListAssignments(sctx, experimentID)
	if err != nil {
		return nil, apperr.Transient("list assignments", err)
	}
	return Aggregate(e.Variants, assignments), nil
}

func (s *Service) GetPerformanceMetrics(ctx context.Context, experimentID string) (*PerformanceMetrics, error) {
	results, err := s.GetResults(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	pm := Performance(results)
	return &pm, nil
}
