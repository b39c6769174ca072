package stats

import "math"

// Sample is the raw count pair for one arm of an experiment.
type Sample struct {
	Name        string
	Trials      int
	Conversions int
}

// Result represents the statistical comparison of an experiment's arms.
// Arm 0 is the control.
type Result struct {
	Arms            []ArmResult
	Confident       bool    // >= 95% confidence
	ConfidenceLevel float64 // 0-1
	LeadingArm      int
}

// ArmResult contains statistics for a single arm
type ArmResult struct {
	Index       int
	Name        string
	Trials      int
	Conversions int
	Rate        float64
	CILower     float64
	CIUpper     float64
}

// SignificanceTest performs a two-proportion z-test.
// Returns confidence level (0-1) that arm A beats arm B.
func SignificanceTest(aConv, aTrials, bConv, bTrials int) float64 {
	if aTrials == 0 || bTrials == 0 {
		return 0.5 // Need data from both arms
	}

	pA := float64(aConv) / float64(aTrials)
	pB := float64(bConv) / float64(bTrials)

	// Pooled proportion under null hypothesis (pA = pB)
	pooledP := float64(aConv+bConv) / float64(aTrials+bTrials)

	se := math.Sqrt(pooledP * (1 - pooledP) * (1/float64(aTrials) + 1/float64(bTrials)))

	if se == 0 {
		if pA > pB {
			return 1.0
		} else if pA < pB {
			return 0.0
		}
		return 0.5
	}

	z := (pA - pB) / se

	// P(Z < z) gives us confidence that A > B
	return normalCDF(z)
}

// normalCDF approximates the cumulative distribution function
// of the standard normal distribution
func normalCDF(x float64) float64 {
	// Abramowitz and Stegun, formula 7.1.26
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// Analyze compares every arm against the control (samples[0]) and reports
// the confidence that the leader beats the runner-up on the other side
// of the control line.
func Analyze(samples []Sample) *Result {
	arms := make([]ArmResult, len(samples))
	maxRate := 0.0
	leading := 0

	for i, s := range samples {
		rate := 0.0
		if s.Trials > 0 {
			rate = float64(s.Conversions) / float64(s.Trials)
		}
		lower, upper := WilsonInterval(s.Conversions, s.Trials, 0.95)

		arms[i] = ArmResult{
			Index:       i,
			Name:        s.Name,
			Trials:      s.Trials,
			Conversions: s.Conversions,
			Rate:        rate,
			CILower:     lower,
			CIUpper:     upper,
		}

		if rate > maxRate {
			maxRate = rate
			leading = i
		}
	}

	var confidence float64
	if len(arms) >= 2 {
		if leading == 0 {
			// Control is leading, compare against best challenger
			best := 1
			bestRate := 0.0
			for i := 1; i < len(arms); i++ {
				if arms[i].Rate > bestRate {
					bestRate = arms[i].Rate
					best = i
				}
			}
			confidence = SignificanceTest(
				arms[0].Conversions, arms[0].Trials,
				arms[best].Conversions, arms[best].Trials,
			)
		} else {
			confidence = SignificanceTest(
				arms[leading].Conversions, arms[leading].Trials,
				arms[0].Conversions, arms[0].Trials,
			)
		}
	}

	return &Result{
		Arms:            arms,
		Confident:       confidence >= 0.95,
		ConfidenceLevel: confidence,
		LeadingArm:      leading,
	}
}
