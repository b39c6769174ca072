package funnel_test

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
	"github.com/gkobilansky/cohort/internal/funnel"
	"github.com/gkobilansky/cohort/internal/logging"
	"github.com/gkobilansky/cohort/internal/store"
)

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*funnel.Tracker, *clock.Fake) {
	t.Helper()
	repo, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := clock.NewFake(t0)
	return funnel.NewTracker(repo, funnel.Options{Clock: clk, Logger: logging.Discard(), Timeout: time.Second}), clk
}

func progress(user string, step int) funnel.ProgressRequest {
	return funnel.ProgressRequest{UserID: user, FunnelName: "onboarding", StepNumber: step, StepName: "step"}
}

func intp(v int) *int { return &v }

func TestTrackProgressCreatesThenCompletes(t *testing.T) {
	tr, clk := setup(t)
	ctx := context.Background()

	first, err := tr.TrackProgress(ctx, progress("u1", 1))
	require.NoError(t, err)
	assert.Nil(t, first.CompletedAt)

	clk.Advance(time.Minute)
	req := progress("u1", 1)
	req.TimeSpentSeconds = intp(60)
	req.Metadata = map[string]any{"source": "email"}
	second, err := tr.TrackProgress(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.CompletedAt)
	assert.True(t, second.CompletedAt.Equal(t0.Add(time.Minute)))
	require.NotNil(t, second.TimeSpentSeconds)
	assert.Equal(t, 60, *second.TimeSpentSeconds)
	assert.Equal(t, "email", second.Metadata["source"])
}

func TestTrackProgressConcurrentFirstCalls(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.TrackProgress(ctx, progress("u1", 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := tr.Rows(ctx, store.FunnelFilter{FunnelName: "onboarding"})
	require.NoError(t, err)
	require.Len(t, rows, 1, "one row per user and step")
	assert.NotNil(t, rows[0].CompletedAt, "calls after the first complete the row")

	cs, err := tr.CompletionStats(ctx, "onboarding")
	require.NoError(t, err)
	require.Len(t, cs.Steps, 1)
	assert.Equal(t, 100.0, cs.Steps[0].CompletionRate)
}

func TestCreateStepTwiceReturnsStoredRow(t *testing.T) {
	tr, clk := setup(t)
	ctx := context.Background()

	req := funnel.CreateStepRequest{UserID: "u", FunnelName: "f", StepNumber: 1, StepName: "s"}
	first, err := tr.CreateStep(ctx, req)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	second, err := tr.CreateStep(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.CreatedAt.Equal(t0))
}

func TestConversionRequiresCompletedEndStep(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	_, err := tr.TrackProgress(ctx, progress("u1", 1))
	require.NoError(t, err)
	_, err = tr.TrackProgress(ctx, progress("u1", 2))
	require.NoError(t, err)

	rate, err := tr.ConversionRate(ctx, "onboarding", 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate, "step 2 is only entered, not completed")

	_, err = tr.TrackProgress(ctx, progress("u1", 2))
	require.NoError(t, err)

	rate, err = tr.ConversionRate(ctx, "onboarding", 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rate)
}

func TestConversionRateDistinctUsers(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	for _, u := range []string{"a", "b", "c", "d"} {
		_, err := tr.TrackProgress(ctx, progress(u, 1))
		require.NoError(t, err)
	}
	for _, u := range []string{"a", "b"} {
		for range 2 {
			_, err := tr.TrackProgress(ctx, progress(u, 3))
			require.NoError(t, err)
		}
	}

	rate, err := tr.ConversionRate(ctx, "onboarding", 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rate)

	rate, err = tr.ConversionRate(ctx, "other", 1, 3, nil)
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestConversionRateDateRange(t *testing.T) {
	tr, clk := setup(t)
	ctx := context.Background()

	_, err := tr.TrackProgress(ctx, progress("early", 1))
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	for range 2 {
		_, err = tr.TrackProgress(ctx, progress("late", 1))
		require.NoError(t, err)
	}
	for range 2 {
		_, err = tr.TrackProgress(ctx, progress("late", 2))
		require.NoError(t, err)
	}

	from := t0.Add(24 * time.Hour)
	rate, err := tr.ConversionRate(ctx, "onboarding", 1, 2, &funnel.DateRange{From: &from})
	require.NoError(t, err)
	assert.Equal(t, 100.0, rate)

	rate, err = tr.ConversionRate(ctx, "onboarding", 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rate)
}

func TestCompleteStepNotFound(t *testing.T) {
	tr, _ := setup(t)

	_, err := tr.CompleteStep(context.Background(), "missing", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "FUNNEL_STEP_NOT_FOUND", e.Code)
}

func TestCreateStepValidation(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	_, err := tr.CreateStep(ctx, funnel.CreateStepRequest{FunnelName: "f", StepNumber: 1, StepName: "s"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidConfiguration))

	_, err = tr.CreateStep(ctx, funnel.CreateStepRequest{UserID: "u", FunnelName: "f", StepNumber: 0, StepName: "s"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidConfiguration))

	_, err = tr.CompleteStep(ctx, "any", intp(-1), nil)
	assert.True(t, errors.Is(err, apperr.ErrInvalidConfiguration))
}

func TestReCompletionOverwrites(t *testing.T) {
	tr, clk := setup(t)
	ctx := context.Background()

	step, err := tr.CreateStep(ctx, funnel.CreateStepRequest{UserID: "u", FunnelName: "f", StepNumber: 1, StepName: "s"})
	require.NoError(t, err)

	_, err = tr.CompleteStep(ctx, step.ID, intp(5), nil)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	again, err := tr.CompleteStep(ctx, step.ID, nil, nil)
	require.NoError(t, err)

	require.NotNil(t, again.CompletedAt)
	assert.True(t, again.CompletedAt.Equal(t0.Add(time.Hour)))
	require.NotNil(t, again.TimeSpentSeconds, "nil time spent keeps the stored value")
	assert.Equal(t, 5, *again.TimeSpentSeconds)
}

func TestCompletionStats(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()

	for _, u := range []string{"a", "b", "c"} {
		_, err := tr.CreateStep(ctx, funnel.CreateStepRequest{UserID: u, FunnelName: "f", StepNumber: 1, StepName: "visit"})
		require.NoError(t, err)
	}
	s, err := tr.CreateStep(ctx, funnel.CreateStepRequest{UserID: "a", FunnelName: "f", StepNumber: 2, StepName: "signup"})
	require.NoError(t, err)
	_, err = tr.CompleteStep(ctx, s.ID, intp(30), nil)
	require.NoError(t, err)

	cs, err := tr.CompletionStats(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 3, cs.TotalUsers)
	assert.Equal(t, 1, cs.CompletedUsers)
	assert.Equal(t, 33.33, cs.CompletionRate)
	assert.Equal(t, 30.0, cs.AvgTimeSpentSeconds)
	require.Len(t, cs.Steps, 2)
	assert.Equal(t, "visit", cs.Steps[0].StepName)
	assert.Zero(t, cs.Steps[0].CompletionRate)
	assert.Equal(t, 2, cs.Steps[1].StepNumber)
	assert.Equal(t, 100.0, cs.Steps[1].CompletionRate)
}

func TestUserStepsOrdered(t *testing.T) {
	tr, clk := setup(t)
	ctx := context.Background()

	for _, n := range []int{3, 1, 2} {
		_, err := tr.TrackProgress(ctx, progress("u", n))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	_, err := tr.TrackProgress(ctx, funnel.ProgressRequest{UserID: "u", FunnelName: "other", StepNumber: 1, StepName: "x"})
	require.NoError(t, err)

	steps, err := tr.UserSteps(ctx, "u", "onboarding")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
	}

	all, err := tr.UserSteps(ctx, "u", "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	rows, err := tr.Rows(ctx, store.FunnelFilter{FunnelName: "onboarding"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 2, rows[0].StepNumber, "newest first")
}

func TestPureConversionRate(t *testing.T) {
	done := t0
	steps := []*store.FunnelStep{
		{UserID: "a", StepNumber: 1},
		{UserID: "a", StepNumber: 1},
		{UserID: "a", StepNumber: 2, CompletedAt: &done},
		{UserID: "b", StepNumber: 1},
		{UserID: "b", StepNumber: 2},
	}
	assert.Equal(t, 50.0, funnel.ConversionRate(steps, 1, 2))
	assert.Zero(t, funnel.ConversionRate(steps, 5, 2))
}
