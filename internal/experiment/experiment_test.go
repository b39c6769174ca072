package experiment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/clock"
	"github.com/gkobilansky/cohort/internal/experiment"
	"github.com/gkobilansky/cohort/internal/logging"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/store"
)

// fixedHasher buckets known users explicitly.
type fixedHasher map[string]int

func (f fixedHasher) Bucket(userID string) int { return f[userID] }

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, hasher experiment.Hasher) (*experiment.Service, *store.SQLiteStore, *clock.Fake) {
	t.Helper()
	repo, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewFake(t0)
	svc := experiment.NewService(repo, experiment.Options{
		Clock:   clk,
		Hasher:  hasher,
		Logger:  logging.Discard(),
		Metrics: metrics.New(),
		Timeout: time.Second,
	})
	return svc, repo, clk
}

func fiftyFifty() experiment.CreateRequest {
	return experiment.CreateRequest{
		Name:           "checkout copy",
		ExperimentType: "ab_test",
		SuccessMetrics: []string{"purchase"},
		Variants: []experiment.VariantRequest{
			{Name: "Control", TrafficPercentage: 50, IsControl: true},
			{Name: "A", TrafficPercentage: 50},
		},
	}
}

func createActive(t *testing.T, svc *experiment.Service, req experiment.CreateRequest) *store.Experiment {
	t.Helper()
	ctx := context.Background()
	e, err := svc.CreateExperiment(ctx, req)
	require.NoError(t, err)
	e, err = svc.Start(ctx, e.ID)
	require.NoError(t, err)
	return e
}

func variantName(e *store.Experiment, id string) string {
	for _, v := range e.Variants {
		if v.ID == id {
			return v.Name
		}
	}
	return ""
}

func TestLegacyHasher_KnownValues(t *testing.T) {
	h := experiment.LegacyHasher{}
	tests := map[string]int{
		"a":        97,
		"ab":       5,
		"hello":    22, // 99162322
		"user-84":  30,
		"user-125": 70,
		"user-93":  0,
		"user-94":  99,
		"":         0,
	}
	for user, want := range tests {
		assert.Equal(t, want, h.Bucket(user), "bucket(%q)", user)
	}
}

func TestHashers_StayInRange(t *testing.T) {
	for _, h := range []experiment.Hasher{experiment.LegacyHasher{}, experiment.XXHasher{}} {
		for _, u := range []string{"", "x", "ユーザー", "😀emoji", "a very long user identifier 0123456789"} {
			b := h.Bucket(u)
			assert.GreaterOrEqual(t, b, 0)
			assert.Less(t, b, experiment.Buckets)
			assert.Equal(t, b, h.Bucket(u), "deterministic")
		}
	}
}

func TestNewHasher(t *testing.T) {
	h, err := experiment.NewHasher("xxhash")
	require.NoError(t, err)
	assert.IsType(t, experiment.XXHasher{}, h)

	_, err = experiment.NewHasher("md5")
	assert.Error(t, err)
}

func TestSelectVariant_IsPure(t *testing.T) {
	variants := []store.Variant{
		{ID: "b", Name: "B", TrafficPercentage: 30, Position: 1},
		{ID: "c", Name: "C", TrafficPercentage: 20, Position: 2},
		{ID: "ctl", Name: "Control", TrafficPercentage: 50, IsControl: true, Position: 0},
	}

	// Control is walked first regardless of input order.
	assert.Equal(t, "ctl", experiment.SelectVariant(variants, 0).ID)
	assert.Equal(t, "ctl", experiment.SelectVariant(variants, 49).ID)
	assert.Equal(t, "b", experiment.SelectVariant(variants, 50).ID)
	assert.Equal(t, "b", experiment.SelectVariant(variants, 79).ID)
	assert.Equal(t, "c", experiment.SelectVariant(variants, 80).ID)
	assert.Equal(t, "c", experiment.SelectVariant(variants, 99).ID)

	for b := 0; b < experiment.Buckets; b++ {
		first := experiment.SelectVariant(variants, b)
		assert.Equal(t, first.ID, experiment.SelectVariant(variants, b).ID)
	}
}

func TestSelectVariant_ResidualFallsToControl(t *testing.T) {
	variants := []store.Variant{
		{ID: "ctl", TrafficPercentage: 49.995, IsControl: true},
		{ID: "a", TrafficPercentage: 49.995, Position: 1},
	}
	assert.Equal(t, "ctl", experiment.SelectVariant(variants, 99).ID)
}

func TestAssign_FiftyFiftyExample(t *testing.T) {
	svc, _, _ := setup(t, fixedHasher{"u30": 30, "u70": 70})
	ctx := context.Background()
	e := createActive(t, svc, fiftyFifty())

	a30, err := svc.Assign(ctx, "u30", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Control", variantName(e, a30.VariantID))

	a70, err := svc.Assign(ctx, "u70", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", variantName(e, a70.VariantID))

	again, err := svc.Assign(ctx, "u30", e.ID)
	require.NoError(t, err)
	assert.Equal(t, a30.ID, again.ID)
	assert.Equal(t, a30.VariantID, again.VariantID)
}

func TestAssign_LegacyHasherEndToEnd(t *testing.T) {
	svc, _, _ := setup(t, nil)
	ctx := context.Background()
	e := createActive(t, svc, fiftyFifty())

	a, err := svc.Assign(ctx, "user-84", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Control", variantName(e, a.VariantID))

	a, err = svc.Assign(ctx, "user-125", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", variantName(e, a.VariantID))
}

func TestAssign_StickyAfterPause(t *testing.T) {
	svc, _, clk := setup(t, fixedHasher{"u1": 70})
	ctx := context.Background()
	e := createActive(t, svc, fiftyFifty())

	first, err := svc.Assign(ctx, "u1", e.ID)
	require.NoError(t, err)

	_, err = svc.Pause(ctx, e.ID)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	again, err := svc.Assign(ctx, "u1", e.ID)
	require.NoError(t, err, "existing assignment survives pause")
	assert.Equal(t, first.VariantID, again.VariantID)
	assert.True(t, first.AssignedAt.Equal(again.AssignedAt))

	_, err = svc.Assign(ctx, "u2", e.ID)
	assert.ErrorIs(t, err, apperr.ErrExperimentNotActive)
}

func TestAssign_Errors(t *testing.T) {
	svc, _, _ := setup(t, nil)
	ctx := context.Background()

	_, err := svc.Assign(ctx, "u1", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "EXPERIMENT_NOT_FOUND", e.Code)

	draft, err := svc.CreateExperiment(ctx, fiftyFifty())
	require.NoError(t, err)
	_, err = svc.Assign(ctx, "u1", draft.ID)
	assert.ErrorIs(t, err, apperr.ErrExperimentNotActive)
}

func TestAssign_ControlRuleCheckedOnStoredData(t *testing.T) {
	svc, repo, _ := setup(t, nil)
	ctx := context.Background()

	// Bypass request validation to simulate legacy rows.
	require.NoError(t, repo.CreateExperiment(ctx, &store.Experiment{
		ID: "legacy", Name: "legacy", Status: store.StatusActive, CreatedAt: t0, UpdatedAt: t0,
		Variants: []store.Variant{{ID: "v1", Name: "A", TrafficPercentage: 100, CreatedAt: t0}},
	}))
	require.NoError(t, repo.CreateExperiment(ctx, &store.Experiment{
		ID: "empty", Name: "empty", Status: store.StatusActive, CreatedAt: t0, UpdatedAt: t0,
	}))

	_, err := svc.Assign(ctx, "u1", "legacy")
	assert.ErrorIs(t, err, apperr.ErrInvalidConfiguration)

	_, err = svc.Assign(ctx, "u1", "empty")
	assert.ErrorIs(t, err, apperr.ErrNoVariants)
}

func TestAssign_ConcurrentFirstContactConverges(t *testing.T) {
	svc, _, _ := setup(t, nil)
	ctx := context.Background()
	e := createActive(t, svc, fiftyFifty())

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := svc.Assign(ctx, "racer", e.ID)
			if assert.NoError(t, err) {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateExperiment_Validation(t *testing.T) {
	svc, repo, _ := setup(t, nil)
	ctx := context.Background()

	req := fiftyFifty()
	req.Variants[1].TrafficPercentage = 49
	_, err := svc.CreateExperiment(ctx, req)
	require.ErrorIs(t, err, apperr.ErrInvalidConfiguration)
	e, _ := apperr.As(err)
	assert.Equal(t, "INVALID_TRAFFIC_PERCENTAGES", e.Code)

	all, err := repo.ListExperiments(ctx, store.ExperimentFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "failed validation writes nothing")

	req = fiftyFifty()
	req.Variants[0].IsControl = false
	_, err = svc.CreateExperiment(ctx, req)
	e, _ = apperr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, "MISSING_CONTROL_VARIANT", e.Code)

	req = fiftyFifty()
	req.Variants[1].IsControl = true
	_, err = svc.CreateExperiment(ctx, req)
	e, _ = apperr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, "MULTIPLE_CONTROL_VARIANTS", e.Code)

	req = fiftyFifty()
	req.Name = ""
	_, err = svc.CreateExperiment(ctx, req)
	e, _ = apperr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, "INVALID_REQUEST", e.Code)

	req = fiftyFifty()
	req.Variants[0].TrafficPercentage = 33.33
	req.Variants[1].TrafficPercentage = 33.33
	req.Variants = append(req.Variants, experiment.VariantRequest{Name: "B", TrafficPercentage: 33.34})
	_, err = svc.CreateExperiment(ctx, req)
	assert.NoError(t, err, "thirds within tolerance")
}

func TestLifecycle(t *testing.T) {
	svc, _, clk := setup(t, nil)
	ctx := context.Background()

	e, err := svc.CreateExperiment(ctx, fiftyFifty())
	require.NoError(t, err)
	assert.Equal(t, store.StatusDraft, e.Status)

	_, err = svc.Pause(ctx, e.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	started, err := svc.Start(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, started.StartDate)
	firstStart := *started.StartDate

	_, err = svc.Pause(ctx, e.ID)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	resumed, err := svc.Start(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, resumed.StartDate.Equal(firstStart), "resume keeps the first start date")

	done, err := svc.Complete(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, done.EndDate)

	_, err = svc.Cancel(ctx, e.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

// racingStore cancels the experiment right after the service reads it,
// as a concurrent caller would.
type racingStore struct {
	*store.SQLiteStore
	once sync.Once
}

func (r *racingStore) GetExperiment(ctx context.Context, id string) (*store.Experiment, error) {
	e, err := r.SQLiteStore.GetExperiment(ctx, id)
	if err == nil {
		r.once.Do(func() {
			err = r.SQLiteStore.UpdateExperimentStatus(ctx, id, e.Status, store.StatusCancelled, nil, &t0, t0)
		})
	}
	return e, err
}

func TestStart_LosesToConcurrentCancel(t *testing.T) {
	_, repo, clk := setup(t, nil)
	ctx := context.Background()

	plain := experiment.NewService(repo, experiment.Options{Clock: clk, Logger: logging.Discard()})
	e, err := plain.CreateExperiment(ctx, fiftyFifty())
	require.NoError(t, err)

	racing := experiment.NewService(&racingStore{SQLiteStore: repo}, experiment.Options{Clock: clk, Logger: logging.Discard()})
	_, err = racing.Start(ctx, e.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "cancelled", ae.Details["from"])

	got, err := plain.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status, "a cancelled experiment never becomes active")
	assert.Nil(t, got.StartDate)
}

func TestLifecycle_ConcurrentStartAndCancel(t *testing.T) {
	svc, _, _ := setup(t, nil)
	ctx := context.Background()

	for range 20 {
		e, err := svc.CreateExperiment(ctx, fiftyFifty())
		require.NoError(t, err)

		var wg sync.WaitGroup
		var startErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, startErr = svc.Start(ctx, e.ID)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = svc.Cancel(ctx, e.ID)
		}()
		wg.Wait()

		for _, err := range []error{startErr, cancelErr} {
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			}
		}

		got, err := svc.Get(ctx, e.ID)
		require.NoError(t, err)
		if cancelErr == nil {
			assert.Equal(t, store.StatusCancelled, got.Status)
		} else {
			require.NoError(t, startErr)
			assert.Equal(t, store.StatusActive, got.Status)
		}
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, experiment.CanTransition(store.StatusDraft, store.StatusCancelled))
	assert.False(t, experiment.CanTransition(store.StatusCompleted, store.StatusActive))
	assert.False(t, experiment.CanTransition(store.StatusDraft, store.StatusCompleted))
	assert.False(t, experiment.CanTransition(store.StatusCancelled, store.StatusCancelled))
}

func TestTrackConversion(t *testing.T) {
	svc, _, _ := setup(t, fixedHasher{"u1": 10})
	ctx := context.Background()
	e := createActive(t, svc, fiftyFifty())

	_, err := svc.TrackConversion(ctx, "u1", e.ID, nil, nil)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Assign(ctx, "u1", e.ID)
	require.NoError(t, err)

	value := 19.99
	a, err := svc.TrackConversion(ctx, "u1", e.ID, &value, map[string]any{"plan": "pro"})
	require.NoError(t, err)
	require.NotNil(t, a.ConvertedAt)
	assert.InDelta(t, 19.99, *a.ConversionValue, 1e-9)

	assignments, err := svc.UserAssignments(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
}

func TestAggregate(t *testing.T) {
	converted := t0
	v10, v30 := 10.0, 30.0
	variants := []store.Variant{
		{ID: "a", Name: "A", Position: 1},
		{ID: "ctl", Name: "Control", IsControl: true},
		{ID: "idle", Name: "Idle", Position: 2},
	}
	assignments := []*store.Assignment{
		{VariantID: "ctl"},
		{VariantID: "ctl", ConvertedAt: &converted},
		{VariantID: "a", ConvertedAt: &converted, ConversionValue: &v10},
		{VariantID: "a", ConvertedAt: &converted, ConversionValue: &v30},
		{VariantID: "a", ConvertedAt: &converted},
		{VariantID: "a"},
		{VariantID: "ghost"},
	}

	results := experiment.Aggregate(variants, assignments)
	require.Len(t, results, 3)

	assert.Equal(t, "ctl", results[0].VariantID)
	assert.Equal(t, 2, results[0].UsersAssigned)
	assert.InDelta(t, 50, results[0].ConversionRate, 1e-9)

	assert.Equal(t, "a", results[1].VariantID)
	assert.Equal(t, 4, results[1].UsersAssigned)
	assert.Equal(t, 3, results[1].UsersConverted)
	assert.InDelta(t, 75, results[1].ConversionRate, 1e-9)
	assert.InDelta(t, 20, results[1].AvgConversionValue, 1e-9)
	assert.Less(t, results[1].CILower, 75.0)
	assert.Greater(t, results[1].CIUpper, 75.0)

	assert.Equal(t, 0, results[2].UsersAssigned)
	assert.Zero(t, results[2].ConversionRate)
}

func TestPerformance(t *testing.T) {
	pm := experiment.Performance([]experiment.VariantResult{
		{VariantID: "ctl", IsControl: true, UsersAssigned: 100, UsersConverted: 10, ConversionRate: 10},
		{VariantID: "a", UsersAssigned: 100, UsersConverted: 15, ConversionRate: 15},
		{VariantID: "b", UsersAssigned: 100, UsersConverted: 12, ConversionRate: 12},
	})

	assert.Equal(t, 300, pm.TotalUsers)
	assert.Equal(t, 37, pm.TotalConversions)
	assert.InDelta(t, 12.33, pm.OverallConversionRate, 1e-9)
	assert.InDelta(t, 0.5, pm.StatisticalSignificance, 1e-9)
	assert.InDelta(t, 4.12, pm.ConfidenceInterval.Lower, 0.01)
	assert.InDelta(t, 15.88, pm.ConfidenceInterval.Upper, 0.01)
	assert.Greater(t, pm.ZTestConfidence, 0.5)
}

func TestPerformance_NoControl(t *testing.T) {
	pm := experiment.Performance([]experiment.VariantResult{
		{VariantID: "a", UsersAssigned: 10, UsersConverted: 5, ConversionRate: 50},
	})
	assert.Zero(t, pm.StatisticalSignificance)
	assert.Equal(t, experiment.Interval{}, pm.ConfidenceInterval)
	assert.InDelta(t, 50, pm.OverallConversionRate, 1e-9)
}

func TestGetPerformanceMetrics_EndToEnd(t *testing.T) {
	svc, _, _ := setup(t, fixedHasher{"c1": 10, "c2": 20, "t1": 60, "t2": 80})
	ctx := context.Background()
	e := createActive(t, svc, fiftyFifty())

	for _, u := range []string{"c1", "c2", "t1", "t2"} {
		_, err := svc.Assign(ctx, u, e.ID)
		require.NoError(t, err)
	}
	for _, u := range []string{"t1", "t2", "c1"} {
		_, err := svc.TrackConversion(ctx, u, e.ID, nil, nil)
		require.NoError(t, err)
	}

	pm, err := svc.GetPerformanceMetrics(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, pm.TotalUsers)
	assert.Equal(t, 3, pm.TotalConversions)
	assert.InDelta(t, 75, pm.OverallConversionRate, 1e-9)
	assert.InDelta(t, 1, pm.StatisticalSignificance, 1e-9)

	_, err = svc.GetResults(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
