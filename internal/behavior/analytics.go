package behavior

import (
	"context"
	"sort"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/store"
)

const (
	activeScoreAbove = 30.0
	topN             = 10
)

type FactorCount struct {
	Factor string `json:"factor"`
	Count  int    `json:"count"`
}

type PatternFrequency struct {
	Pattern   string `json:"pattern"`
	Frequency int    `json:"frequency"`
}

type ScoreBucket struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

type Analytics struct {
	TotalUsers             int                `json:"total_users"`
	ActiveUsers            int                `json:"active_users"`
	AverageEngagementScore float64            `json:"average_engagement_score"`
	TopRiskFactors         []FactorCount      `json:"top_risk_factors"`
	BehaviorPatterns       []PatternFrequency `json:"behavior_patterns"`
	EngagementDistribution []ScoreBucket      `json:"engagement_distribution"`
}

// Scope narrows analytics to one user and/or one client. Empty fields
// match everything.
type Scope struct {
	UserID   string
	ClientID string
}

func (e *Engine) GetAnalytics(ctx context.Context, scope Scope) (*Analytics, error) {
	filter := store.ProfileFilter{UserID: scope.UserID}
	if scope.ClientID != "" {
		filter.ClientID = &scope.ClientID
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	profiles, err := e.repo.ListBehaviorProfiles(sctx, filter)
	if err != nil {
		return nil, apperr.Transient("list behavior profiles", err)
	}
	a := Summarize(profiles)
	return &a, nil
}

// Summarize aggregates profiles. Risk factor counts include resolved
// rows; pattern frequencies are summed across profiles.
func Summarize(profiles []*store.BehaviorProfile) Analytics {
	a := Analytics{
		TotalUsers:       len(profiles),
		TopRiskFactors:   []FactorCount{},
		BehaviorPatterns: []PatternFrequency{},
		EngagementDistribution: []ScoreBucket{
			{Range: "0-20"}, {Range: "21-40"}, {Range: "41-60"}, {Range: "61-80"}, {Range: "81-100"},
		},
	}
	if len(profiles) == 0 {
		return a
	}

	var total float64
	risks := make(map[string]int)
	patterns := make(map[string]int)
	for _, p := range profiles {
		s := p.EngagementScore
		total += s
		if s > activeScoreAbove {
			a.ActiveUsers++
		}
		a.EngagementDistribution[bucketIndex(s)].Count++
		for _, r := range p.RiskFactors {
			risks[r.Factor]++
		}
		for _, pat := range p.Patterns {
			patterns[pat.Pattern] += pat.Frequency
		}
	}
	a.AverageEngagementScore = total / float64(len(profiles))

	for f, n := range risks {
		a.TopRiskFactors = append(a.TopRiskFactors, FactorCount{Factor: f, Count: n})
	}
	sort.Slice(a.TopRiskFactors, func(i, j int) bool {
		x, y := a.TopRiskFactors[i], a.TopRiskFactors[j]
		if x.Count != y.Count {
			return x.Count > y.Count
		}
		return x.Factor < y.Factor
	})
	if len(a.TopRiskFactors) > topN {
		a.TopRiskFactors = a.TopRiskFactors[:topN]
	}

	for name, n := range patterns {
		a.BehaviorPatterns = append(a.BehaviorPatterns, PatternFrequency{Pattern: name, Frequency: n})
	}
	sort.Slice(a.BehaviorPatterns, func(i, j int) bool {
		x, y := a.BehaviorPatterns[i], a.BehaviorPatterns[j]
		if x.Frequency != y.Frequency {
			return x.Frequency > y.Frequency
		}
		return x.Pattern < y.Pattern
	})
	if len(a.BehaviorPatterns) > topN {
		a.BehaviorPatterns = a.BehaviorPatterns[:topN]
	}
	return a
}

func bucketIndex(score float64) int {
	switch {
	case score <= 20:
		return 0
	case score <= 40:
		return 1
	case score <= 60:
		return 2
	case score <= 80:
		return 3
	}
	return 4
}
