package funnel

import (
	"sort"

	"github.com/gkobilansky/cohort/internal/stats"
	"github.com/gkobilansky/cohort/internal/store"
)

// ConversionRate is the share, in percent, of users seen at startStep
// who completed endStep. Users need not be the same set: a user who
// completed endStep without a startStep row still counts in the
// numerator, matching how the rate has always been reported.
func ConversionRate(steps []*store.FunnelStep, startStep, endStep int) float64 {
	started := make(map[string]struct{})
	finished := make(map[string]struct{})
	for _, s := range steps {
		if s.StepNumber == startStep {
			started[s.UserID] = struct{}{}
		}
		if s.StepNumber == endStep && s.CompletedAt != nil {
			finished[s.UserID] = struct{}{}
		}
	}
	if len(started) == 0 {
		return 0
	}
	return float64(len(finished)) / float64(len(started)) * 100
}

type StepRate struct {
	StepNumber     int     `json:"step_number"`
	StepName       string  `json:"step_name"`
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	CompletionRate float64 `json:"completion_rate"`
}

type CompletionStats struct {
	TotalUsers          int        `json:"total_users"`
	CompletedUsers      int        `json:"completed_users"`
	CompletionRate      float64    `json:"completion_rate"`
	AvgTimeSpentSeconds float64    `json:"avg_time_spent_seconds"`
	Steps               []StepRate `json:"step_completion_rates"`
}

// Completion summarizes a funnel's rows. TotalUsers counts distinct users
// with a step 1 row; CompletedUsers counts distinct users with any
// completed row. Per-step rates are over rows, not users. The step name
// is the first one seen for that step number.
func Completion(steps []*store.FunnelStep) CompletionStats {
	var cs CompletionStats
	starters := make(map[string]struct{})
	completers := make(map[string]struct{})
	byStep := make(map[int]*StepRate)

	var spentTotal, spentCount int
	for _, s := range steps {
		if s.StepNumber == 1 {
			starters[s.UserID] = struct{}{}
		}
		sr, ok := byStep[s.StepNumber]
		if !ok {
			sr = &StepRate{StepNumber: s.StepNumber, StepName: s.StepName}
			byStep[s.StepNumber] = sr
		}
		sr.Total++
		if s.CompletedAt == nil {
			continue
		}
		sr.Completed++
		completers[s.UserID] = struct{}{}
		if s.TimeSpentSeconds != nil {
			spentTotal += *s.TimeSpentSeconds
			spentCount++
		}
	}

	cs.TotalUsers = len(starters)
	cs.CompletedUsers = len(completers)
	if cs.TotalUsers > 0 {
		cs.CompletionRate = stats.Round2(float64(cs.CompletedUsers) / float64(cs.TotalUsers) * 100)
	}
	if spentCount > 0 {
		cs.AvgTimeSpentSeconds = float64(spentTotal) / float64(spentCount)
	}

	cs.Steps = make([]StepRate, 0, len(byStep))
	for _, sr := range byStep {
		if sr.Total > 0 {
			sr.CompletionRate = float64(sr.Completed) / float64(sr.Total) * 100
		}
		cs.Steps = append(cs.Steps, *sr)
	}
	sort.Slice(cs.Steps, func(i, j int) bool { return cs.Steps[i].StepNumber < cs.Steps[j].StepNumber })
	return cs
}
