package behavior_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/behavior"
	"github.com/gkobilansky/cohort/internal/clock"
	"github.com/gkobilansky/cohort/internal/logging"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/store"
)

var t0 = time.Date(2025, 4, 14, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*behavior.Engine, *store.SQLiteStore, *clock.Fake) {
	t.Helper()
	repo, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewFake(t0)
	eng := behavior.NewEngine(repo, behavior.Options{
		Clock:   clk,
		Logger:  logging.Discard(),
		Metrics: metrics.New(),
		Timeout: time.Second,
	})
	return eng, repo, clk
}

func track(t *testing.T, eng *behavior.Engine, user, eventType string, data map[string]any) *behavior.TrackResult {
	t.Helper()
	res, err := eng.TrackEvent(context.Background(), behavior.EventInput{UserID: user, EventType: eventType, Data: data})
	require.NoError(t, err)
	return res
}

func openRisks(p *store.BehaviorProfile, factor string) int {
	n := 0
	for _, r := range p.RiskFactors {
		if r.Factor == factor && r.ResolvedAt == nil {
			n++
		}
	}
	return n
}

func TestDeltaTable(t *testing.T) {
	cases := map[string]float64{
		"login":                  10,
		"meeting_created":        20,
		"workflow_executed":      15,
		"content_generated":      25,
		"integration_connected":  30,
		"email_opened":           5,
		"email_clicked":          10,
		"page_view":              2,
		"feature_used":           8,
		"support_contacted":      -5,
		"subscription_cancelled": -50,
		"account_deleted":        -100,
		"something_else":         1,
	}
	for eventType, want := range cases {
		assert.Equal(t, want, behavior.Delta(eventType), eventType)
	}
}

func TestNextScoreDecay(t *testing.T) {
	assert.InDelta(t, 50.0, behavior.NextScore(50, t0, t0.Add(48*time.Hour), "login"), 1e-9)
	assert.InDelta(t, 10.0, behavior.NextScore(80, t0, t0.Add(20*24*time.Hour), "login"), 1e-9, "decay floors at zero")
	assert.Equal(t, 100.0, behavior.NextScore(95, t0, t0, "integration_connected"))
	assert.Equal(t, 0.0, behavior.NextScore(30, t0, t0, "account_deleted"))
	assert.Equal(t, 1.0, behavior.DecayFactor(t0, t0.Add(-time.Hour)))
}

func TestScoreStaysInBounds(t *testing.T) {
	types := []string{"login", "page_view", "support_contacted", "subscription_cancelled",
		"account_deleted", "integration_connected", "content_generated", "other"}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		now := t0
		p := &store.BehaviorProfile{LastActivityAt: now}
		for i := 0; i < 200; i++ {
			now = now.Add(time.Duration(rng.Intn(72)) * time.Hour)
			behavior.Apply(p, types[rng.Intn(len(types))], nil, now)
			require.GreaterOrEqual(t, p.EngagementScore, 0.0)
			require.LessOrEqual(t, p.EngagementScore, 100.0)
		}
	}
}

func TestPatterns(t *testing.T) {
	p := &store.BehaviorProfile{LastActivityAt: t0, EngagementScore: 50}

	behavior.Apply(p, "login", map[string]any{"time": "2025-04-14T14:30:00Z", "device": "ios"}, t0)
	behavior.Apply(p, "login", map[string]any{"time": "2025-04-15T14:05:00+00:00", "device": "ios"}, t0)
	behavior.Apply(p, "feature_used", map[string]any{"feature": "calendar"}, t0)
	behavior.Apply(p, "feature_used", map[string]any{"feature": "calendar"}, t0)

	login := p.Pattern("login_hour_14")
	require.NotNil(t, login)
	assert.Equal(t, 2, login.Frequency)
	assert.Equal(t, 15.0, login.Confidence)

	feature := p.Pattern("feature_calendar")
	require.NotNil(t, feature)
	assert.Equal(t, 2, feature.Frequency)
	assert.Equal(t, 8.0, feature.Confidence)

	device := p.Pattern("device_ios")
	require.NotNil(t, device)
	assert.Equal(t, 7.0, device.Confidence)

	assert.Nil(t, p.Pattern("feature_"), "feature_used without a feature adds nothing")
	behavior.Apply(p, "feature_used", nil, t0)
	assert.Len(t, p.Patterns, 3)
}

func TestPatternConfidenceCapped(t *testing.T) {
	p := &store.BehaviorProfile{LastActivityAt: t0}
	for i := 0; i < 40; i++ {
		behavior.Apply(p, "page_view", map[string]any{"device": "web"}, t0)
	}
	assert.Equal(t, 100.0, p.Pattern("device_web").Confidence)
	assert.Equal(t, 40, p.Pattern("device_web").Frequency)
}

func TestRisksReadPreviousState(t *testing.T) {
	p := &store.BehaviorProfile{LastActivityAt: t0, EngagementScore: 15}
	risks := behavior.Apply(p, "integration_connected", nil, t0)
	require.Len(t, risks, 1)
	assert.Equal(t, behavior.RiskLowEngagement, risks[0].Factor)
	assert.Equal(t, store.SeverityHigh, risks[0].Severity)
	assert.Equal(t, 45.0, p.EngagementScore)

	idle := &store.BehaviorProfile{LastActivityAt: t0, EngagementScore: 90}
	later := t0.Add(31 * 24 * time.Hour)
	risks = behavior.Apply(idle, "login", nil, later)
	require.Len(t, risks, 1)
	assert.Equal(t, behavior.RiskInactiveUser, risks[0].Factor)
	assert.Equal(t, later, idle.LastActivityAt)
}

func TestEventRisks(t *testing.T) {
	p := &store.BehaviorProfile{LastActivityAt: t0, EngagementScore: 60}

	risks := behavior.Apply(p, "support_contacted", nil, t0)
	require.Len(t, risks, 1)
	assert.Equal(t, "support_contact", risks[0].Factor)

	risks = behavior.Apply(p, "subscription_payment_failed", nil, t0)
	require.Len(t, risks, 1)
	assert.Equal(t, "payment_issues", risks[0].Factor)
	assert.Equal(t, store.SeverityHigh, risks[0].Severity)

	risks = behavior.Apply(p, "feature_abandoned", map[string]any{"feature": "export"}, t0)
	require.Len(t, risks, 1)
	assert.Equal(t, "abandoned_export", risks[0].Factor)
	assert.Equal(t, "User abandoned export feature", risks[0].Description)

	assert.Empty(t, behavior.Apply(p, "support_contacted", nil, t0), "already open")
}

func TestSessionsAndChannels(t *testing.T) {
	p := &store.BehaviorProfile{LastActivityAt: t0, EngagementScore: 50}
	behavior.Apply(p, "session_start", nil, t0)
	behavior.Apply(p, "session_end", map[string]any{"duration": 120.0}, t0)
	assert.Equal(t, 1, p.TotalSessions)
	assert.Equal(t, 60.0, p.AverageSessionDuration)

	behavior.Apply(p, "email_opened", map[string]any{"channel": "email"}, t0)
	behavior.Apply(p, "email_clicked", map[string]any{"channel": "email"}, t0)
	behavior.Apply(p, "page_view", map[string]any{"channel": "web"}, t0)
	assert.Equal(t, []string{"email", "web"}, p.PreferredChannels)
}

func TestSessionEndIgnoresNonFiniteDuration(t *testing.T) {
	p := &store.BehaviorProfile{LastActivityAt: t0, EngagementScore: 50, TotalSessions: 1, AverageSessionDuration: 60}
	for _, d := range []any{"NaN", "Inf", "-Infinity", math.NaN(), math.Inf(1)} {
		behavior.Apply(p, "session_end", map[string]any{"duration": d}, t0)
	}
	assert.Equal(t, 60.0, p.AverageSessionDuration)

	eng, _, _ := setup(t)
	track(t, eng, "u1", "session_start", nil)
	res := track(t, eng, "u1", "session_end", map[string]any{"duration": "NaN"})
	assert.Zero(t, res.Profile.AverageSessionDuration)
}

func TestTrackEventPersists(t *testing.T) {
	eng, _, clk := setup(t)
	ctx := context.Background()

	first := track(t, eng, "u1", "login", map[string]any{"time": "2025-04-14T09:00:00Z"})
	assert.Equal(t, 10.0, first.Profile.EngagementScore)
	require.Len(t, first.NewRisks, 1, "a new profile starts at zero")

	clk.Advance(24 * time.Hour)
	track(t, eng, "u1", "feature_used", map[string]any{"feature": "notes"})

	p, err := eng.GetBehaviorProfile(ctx, "u1", "")
	require.NoError(t, err)
	assert.InDelta(t, 17.0, p.EngagementScore, 1e-9)
	assert.Equal(t, int64(2), p.Version)
	assert.NotNil(t, p.Pattern("login_hour_9"))
	assert.NotNil(t, p.Pattern("feature_notes"))
	assert.True(t, p.LastActivityAt.Equal(t0.Add(24*time.Hour)))

	_, err = eng.GetBehaviorProfile(ctx, "u1", "acme")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestLowEngagementOpenedOnce(t *testing.T) {
	eng, _, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		track(t, eng, "u1", "page_view", nil)
	}
	p, err := eng.GetBehaviorProfile(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, openRisks(p, behavior.RiskLowEngagement))

	ok, err := eng.ResolveRiskFactor(ctx, "u1", "", behavior.RiskLowEngagement)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = eng.ResolveRiskFactor(ctx, "u1", "", behavior.RiskLowEngagement)
	require.NoError(t, err)
	assert.False(t, ok)

	track(t, eng, "u1", "page_view", nil)
	p, err = eng.GetBehaviorProfile(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, openRisks(p, behavior.RiskLowEngagement))
	assert.Len(t, p.RiskFactors, 2)
}

func TestConcurrentTrackEvent(t *testing.T) {
	eng, _, _ := setup(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.TrackEvent(context.Background(), behavior.EventInput{UserID: "u1", ClientID: "acme", EventType: "page_view"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := eng.GetBehaviorProfile(context.Background(), "u1", "acme")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, p.EngagementScore, 1e-9)
	assert.Equal(t, int64(20), p.Version)
	assert.Equal(t, 1, openRisks(p, behavior.RiskLowEngagement))
}

// conflictingStore loses every compare-and-swap, as if another process
// always wrote first.
type conflictingStore struct {
	store.BehaviorStore
	saves int
}

func (c *conflictingStore) SaveBehaviorProfile(context.Context, *store.BehaviorProfile) error {
	c.saves++
	return store.ErrVersionConflict
}

func TestVersionConflictExhaustsRetries(t *testing.T) {
	repo, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	cs := &conflictingStore{BehaviorStore: repo}
	eng := behavior.NewEngine(cs, behavior.Options{Logger: logging.Discard(), MaxRetries: 2})

	_, err = eng.TrackEvent(context.Background(), behavior.EventInput{UserID: "u1", EventType: "login"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConcurrentUpdate))
	assert.Equal(t, 3, cs.saves)
}

func TestTrackEventValidation(t *testing.T) {
	eng, _, _ := setup(t)
	_, err := eng.TrackEvent(context.Background(), behavior.EventInput{EventType: "login"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidConfiguration))

	_, err = eng.TrackEvent(context.Background(), behavior.EventInput{UserID: "u", EventType: "login", IPAddress: "not-an-ip"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidConfiguration))
}

func TestGetAtRiskUsers(t *testing.T) {
	eng, _, _ := setup(t)
	ctx := context.Background()

	track(t, eng, "low", "page_view", nil)
	for i := 0; i < 3; i++ {
		track(t, eng, "mid", "meeting_created", nil)
	}
	for i := 0; i < 4; i++ {
		track(t, eng, "high", "integration_connected", nil)
	}
	track(t, eng, "scoped", "email_opened", nil)
	_, err := eng.TrackEvent(ctx, behavior.EventInput{UserID: "scoped", ClientID: "acme", EventType: "page_view"})
	require.NoError(t, err)

	profiles, err := eng.GetAtRiskUsers(ctx, behavior.AtRiskQuery{})
	require.NoError(t, err)
	var users []string
	for _, p := range profiles {
		users = append(users, p.UserID)
	}
	assert.Equal(t, []string{"low", "scoped", "scoped"}, users)

	profiles, err = eng.GetAtRiskUsers(ctx, behavior.AtRiskQuery{Threshold: 70})
	require.NoError(t, err)
	assert.Len(t, profiles, 4)

	profiles, err = eng.GetAtRiskUsers(ctx, behavior.AtRiskQuery{ClientID: "acme", Limit: 5})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "acme", profiles[0].ClientID)
}

func TestGetBehaviorEventsPaging(t *testing.T) {
	eng, _, clk := setup(t)
	ctx := context.Background()

	for _, et := range []string{"login", "page_view", "page_view", "logout"} {
		track(t, eng, "u1", et, nil)
		clk.Advance(time.Minute)
	}

	events, err := eng.GetBehaviorEvents(ctx, behavior.EventQuery{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "logout", events[0].EventType)

	events, err = eng.GetBehaviorEvents(ctx, behavior.EventQuery{UserID: "u1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "login", events[1].EventType)

	events, err = eng.GetBehaviorEvents(ctx, behavior.EventQuery{UserID: "u1", EventType: "page_view"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	n, err := eng.PurgeEvents(ctx, "u1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSummarize(t *testing.T) {
	profiles := []*store.BehaviorProfile{
		{EngagementScore: 10, RiskFactors: []store.RiskFactor{{Factor: "low_engagement"}, {Factor: "support_contact"}},
			Patterns: []store.BehaviorPattern{{Pattern: "device_ios", Frequency: 3}}},
		{EngagementScore: 35, RiskFactors: []store.RiskFactor{{Factor: "low_engagement"}},
			Patterns: []store.BehaviorPattern{{Pattern: "device_ios", Frequency: 2}, {Pattern: "feature_x", Frequency: 4}}},
		{EngagementScore: 90},
	}
	a := behavior.Summarize(profiles)
	assert.Equal(t, 3, a.TotalUsers)
	assert.Equal(t, 2, a.ActiveUsers)
	assert.InDelta(t, 45.0, a.AverageEngagementScore, 1e-9)
	assert.Equal(t, []behavior.FactorCount{{Factor: "low_engagement", Count: 2}, {Factor: "support_contact", Count: 1}}, a.TopRiskFactors)
	assert.Equal(t, []behavior.PatternFrequency{{Pattern: "device_ios", Frequency: 5}, {Pattern: "feature_x", Frequency: 4}}, a.BehaviorPatterns)
	counts := make([]int, 0, 5)
	for _, b := range a.EngagementDistribution {
		counts = append(counts, b.Count)
	}
	assert.Equal(t, []int{1, 1, 0, 0, 1}, counts)

	empty := behavior.Summarize(nil)
	assert.Zero(t, empty.TotalUsers)
	assert.Len(t, empty.EngagementDistribution, 5)
}

func TestGetAnalyticsScoped(t *testing.T) {
	eng, _, _ := setup(t)
	ctx := context.Background()

	track(t, eng, "a", "integration_connected", nil)
	track(t, eng, "a", "integration_connected", nil)
	track(t, eng, "b", "page_view", nil)

	all, err := eng.GetAnalytics(ctx, behavior.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalUsers)
	assert.Equal(t, 1, all.ActiveUsers)

	one, err := eng.GetAnalytics(ctx, behavior.Scope{UserID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, one.TotalUsers)
	assert.Equal(t, 2.0, one.AverageEngagementScore)
}
