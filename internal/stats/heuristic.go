package stats

import "math"

// HeuristicSignificance is the legacy "significance" figure reported on
// the performance dashboard: the absolute lift of the best treatment over
// the control, with rates as fractions, scaled by ten and capped at 1.
// It is not a p-value or a confidence level.
//
// Rates are in percent. It returns 0 when there are no treatments.
func HeuristicSignificance(controlRate float64, treatmentRates []float64) float64 {
	if len(treatmentRates) == 0 {
		return 0
	}
	best := treatmentRates[0]
	for _, r := range treatmentRates[1:] {
		if r > best {
			best = r
		}
	}
	diff := math.Abs(best/100 - controlRate/100)
	return Round2(math.Min(diff*10, 1))
}

// WaldInterval returns the normal-approximation 95% interval around a
// rate given in percent, clipped to [0, 100]. n == 0 yields {0, 0}.
func WaldInterval(ratePct float64, n int) (lower, upper float64) {
	if n <= 0 {
		return 0, 0
	}
	p := ratePct / 100
	margin := 1.96 * math.Sqrt(p*(1-p)/float64(n))
	lower = math.Max(0, (p-margin)*100)
	upper = math.Min(100, (p+margin)*100)
	return lower, upper
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
