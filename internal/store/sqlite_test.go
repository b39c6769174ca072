package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gkobilansky/cohort/internal/store"
)

func setupTestDB(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newExperiment(id string, traffic ...float64) *store.Experiment {
	e := &store.Experiment{
		ID:             id,
		Name:           "exp " + id,
		ExperimentType: "ab_test",
		Status:         store.StatusDraft,
		SuccessMetrics: []string{"signup"},
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	for i, pct := range traffic {
		e.Variants = append(e.Variants, store.Variant{
			ID:                id + "-v" + string(rune('a'+i)),
			Name:              string(rune('A' + i)),
			TrafficPercentage: pct,
			IsControl:         i == 0,
			CreatedAt:         t0,
		})
	}
	return e
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := setupTestDB(t)

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != 6 {
		t.Errorf("got schema version %d, want 6", version)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "cohort.db")

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.CreateExperiment(context.Background(), newExperiment("e1", 50, 50)); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	s.Close()

	s, err = store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s.Close()

	if _, err := s.GetExperiment(context.Background(), "e1"); err != nil {
		t.Fatalf("experiment lost across reopen: %v", err)
	}
}

func TestCreateExperiment_RoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	e := newExperiment("e1", 50, 30, 20)
	e.TargetAudience = map[string]any{"plan": "pro"}
	if err := s.CreateExperiment(ctx, e); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}

	got, err := s.GetExperiment(ctx, "e1")
	if err != nil {
		t.Fatalf("failed to get experiment: %v", err)
	}
	if got.Status != store.StatusDraft {
		t.Errorf("got status %s, want draft", got.Status)
	}
	if len(got.Variants) != 3 {
		t.Fatalf("got %d variants, want 3", len(got.Variants))
	}
	for i, v := range got.Variants {
		if v.Position != i {
			t.Errorf("variant %d has position %d", i, v.Position)
		}
	}
	if c := got.Control(); c == nil || c.Name != "A" {
		t.Errorf("unexpected control %+v", c)
	}
	if got.TargetAudience["plan"] != "pro" {
		t.Errorf("got audience %v", got.TargetAudience)
	}
	if len(got.SuccessMetrics) != 1 || got.SuccessMetrics[0] != "signup" {
		t.Errorf("got success metrics %v", got.SuccessMetrics)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("got created_at %v, want %v", got.CreatedAt, t0)
	}
}

func TestCreateExperiment_RollsBackOnVariantFailure(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	e := newExperiment("e1", 50, 50)
	e.Variants[1].ID = e.Variants[0].ID

	if err := s.CreateExperiment(ctx, e); err == nil {
		t.Fatal("expected error for duplicate variant id")
	}
	if _, err := s.GetExperiment(ctx, "e1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no experiment row, got %v", err)
	}
}

func TestGetExperiment_NotFound(t *testing.T) {
	s := setupTestDB(t)

	_, err := s.GetExperiment(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestListExperiments_Filter(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		if err := s.CreateExperiment(ctx, newExperiment(id, 100)); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
	}
	if err := s.UpdateExperimentStatus(ctx, "e2", store.StatusDraft, store.StatusActive, &t0, nil, t0); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	all, err := s.ListExperiments(ctx, store.ExperimentFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d experiments, want 3", len(all))
	}
	for _, e := range all {
		if len(e.Variants) != 1 {
			t.Errorf("%s: got %d variants, want 1", e.ID, len(e.Variants))
		}
	}

	active, err := s.ListExperiments(ctx, store.ExperimentFilter{Status: store.StatusActive})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(active) != 1 || active[0].ID != "e2" {
		t.Fatalf("unexpected active list %+v", active)
	}
	if active[0].StartDate == nil || !active[0].StartDate.Equal(t0) {
		t.Errorf("start date not stored: %v", active[0].StartDate)
	}
}

func TestUpdateExperimentStatus_NotFound(t *testing.T) {
	s := setupTestDB(t)

	err := s.UpdateExperimentStatus(context.Background(), "missing", store.StatusDraft, store.StatusActive, nil, nil, t0)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateExperimentStatus_RequiresExpectedStatus(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.CreateExperiment(ctx, newExperiment("e1", 100)); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	if err := s.UpdateExperimentStatus(ctx, "e1", store.StatusDraft, store.StatusCancelled, nil, &t0, t0); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	err := s.UpdateExperimentStatus(ctx, "e1", store.StatusDraft, store.StatusActive, &t0, nil, t0)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("got %v, want ErrVersionConflict", err)
	}

	e, err := s.GetExperiment(ctx, "e1")
	if err != nil {
		t.Fatalf("failed to get experiment: %v", err)
	}
	if e.Status != store.StatusCancelled {
		t.Errorf("got status %s, want cancelled", e.Status)
	}
}

func TestCreateAssignment_Sticky(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	if err := s.CreateExperiment(ctx, newExperiment("e1", 50, 50)); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}

	first, created, err := s.CreateAssignment(ctx, &store.Assignment{
		ID: "a1", UserID: "u1", ExperimentID: "e1", VariantID: "e1-va", AssignedAt: t0,
	})
	if err != nil {
		t.Fatalf("failed to create assignment: %v", err)
	}
	if !created {
		t.Error("expected first insert to create")
	}

	second, created, err := s.CreateAssignment(ctx, &store.Assignment{
		ID: "a2", UserID: "u1", ExperimentID: "e1", VariantID: "e1-vb", AssignedAt: t0.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed on duplicate assignment: %v", err)
	}
	if created {
		t.Error("expected duplicate insert not to create")
	}
	if second.ID != first.ID || second.VariantID != "e1-va" {
		t.Errorf("got %+v, want the original row", second)
	}
}

func TestRecordConversion(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	if err := s.CreateExperiment(ctx, newExperiment("e1", 100)); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	if _, _, err := s.CreateAssignment(ctx, &store.Assignment{
		ID: "a1", UserID: "u1", ExperimentID: "e1", VariantID: "e1-va", AssignedAt: t0,
	}); err != nil {
		t.Fatalf("failed to create assignment: %v", err)
	}

	value := 42.5
	a, err := s.RecordConversion(ctx, "u1", "e1", t0.Add(time.Minute), &value, map[string]any{"source": "email"})
	if err != nil {
		t.Fatalf("failed to record conversion: %v", err)
	}
	if a.ConvertedAt == nil || a.ConversionValue == nil || *a.ConversionValue != 42.5 {
		t.Errorf("conversion not stored: %+v", a)
	}
	if a.Metadata["source"] != "email" {
		t.Errorf("got metadata %v", a.Metadata)
	}

	_, err = s.RecordConversion(ctx, "u2", "e1", t0, nil, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFunnelSteps(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	step := &store.FunnelStep{
		ID: "f1", UserID: "u1", FunnelName: "onboarding", StepNumber: 1, StepName: "signup",
		CreatedAt: t0, UpdatedAt: t0,
	}
	if _, created, err := s.CreateFunnelStep(ctx, step); err != nil || !created {
		t.Fatalf("failed to create step: created=%v err=%v", created, err)
	}

	found, err := s.FindFunnelStep(ctx, "u1", "onboarding", 1)
	if err != nil {
		t.Fatalf("failed to find step: %v", err)
	}
	if found.CompletedAt != nil {
		t.Error("new step should be pending")
	}

	spent := 30
	done, err := s.CompleteFunnelStep(ctx, "f1", t0.Add(time.Minute), &spent, nil)
	if err != nil {
		t.Fatalf("failed to complete step: %v", err)
	}
	if done.CompletedAt == nil || *done.TimeSpentSeconds != 30 {
		t.Errorf("completion not stored: %+v", done)
	}

	// Re-completion overwrites completed_at and keeps time spent.
	again, err := s.CompleteFunnelStep(ctx, "f1", t0.Add(2*time.Minute), nil, nil)
	if err != nil {
		t.Fatalf("failed to re-complete step: %v", err)
	}
	if !again.CompletedAt.Equal(t0.Add(2*time.Minute)) || *again.TimeSpentSeconds != 30 {
		t.Errorf("unexpected re-completion %+v", again)
	}

	if _, err := s.CompleteFunnelStep(ctx, "missing", t0, nil, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	from := t0.Add(time.Hour)
	steps, err := s.ListFunnelSteps(ctx, store.FunnelFilter{FunnelName: "onboarding", From: &from})
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("date filter ignored, got %d steps", len(steps))
	}
}

func TestCreateFunnelStep_OneRowPerKey(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	first, created, err := s.CreateFunnelStep(ctx, &store.FunnelStep{
		ID: "f1", UserID: "u1", FunnelName: "onboarding", StepNumber: 1, StepName: "signup",
		CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil || !created {
		t.Fatalf("failed to create step: created=%v err=%v", created, err)
	}

	second, created, err := s.CreateFunnelStep(ctx, &store.FunnelStep{
		ID: "f2", UserID: "u1", FunnelName: "onboarding", StepNumber: 1, StepName: "signup",
		CreatedAt: t0.Add(time.Second), UpdatedAt: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("failed on duplicate step: %v", err)
	}
	if created {
		t.Error("duplicate step should not be inserted")
	}
	if first.ID != "f1" || second.ID != "f1" {
		t.Errorf("got ids %s and %s, want f1 twice", first.ID, second.ID)
	}

	if _, created, err := s.CreateFunnelStep(ctx, &store.FunnelStep{
		ID: "f3", UserID: "u1", FunnelName: "onboarding", StepNumber: 2, StepName: "verify",
		CreatedAt: t0, UpdatedAt: t0,
	}); err != nil || !created {
		t.Fatalf("next step should insert: created=%v err=%v", created, err)
	}

	steps, err := s.ListFunnelSteps(ctx, store.FunnelFilter{FunnelName: "onboarding"})
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Errorf("got %d rows, want 2", len(steps))
	}
}

func newProfile(id, user string) *store.BehaviorProfile {
	return &store.BehaviorProfile{
		ID: id, UserID: user, LastActivityAt: t0, CreatedAt: t0, UpdatedAt: t0,
	}
}

func TestBehaviorProfile_CreateIsIdempotent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	first, err := s.CreateBehaviorProfile(ctx, newProfile("p1", "u1"))
	if err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	second, err := s.CreateBehaviorProfile(ctx, newProfile("p2", "u1"))
	if err != nil {
		t.Fatalf("failed on duplicate profile: %v", err)
	}
	if first.ID != "p1" || second.ID != "p1" {
		t.Errorf("got ids %s and %s, want p1 twice", first.ID, second.ID)
	}

	scoped, err := s.CreateBehaviorProfile(ctx, &store.BehaviorProfile{
		ID: "p3", UserID: "u1", ClientID: "c1", LastActivityAt: t0, CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("failed to create scoped profile: %v", err)
	}
	if scoped.ID != "p3" {
		t.Errorf("client scope should get its own profile, got %s", scoped.ID)
	}
}

func TestSaveBehaviorProfile_CompareAndSwap(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	p, err := s.CreateBehaviorProfile(ctx, newProfile("p1", "u1"))
	if err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	stale, _ := s.GetBehaviorProfile(ctx, "u1", "")

	p.EngagementScore = 30
	p.PreferredChannels = []string{"email"}
	p.Patterns = []store.BehaviorPattern{{Pattern: "device_mobile", Frequency: 1, Confidence: 5, LastOccurrence: t0}}
	p.RiskFactors = []store.RiskFactor{{Factor: "support_contact", Severity: store.SeverityMedium, DetectedAt: t0}}
	if err := s.SaveBehaviorProfile(ctx, p); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("got version %d, want 1", p.Version)
	}
	if p.RiskFactors[0].ID == 0 {
		t.Error("expected risk factor id to be assigned")
	}

	stale.EngagementScore = 99
	if err := s.SaveBehaviorProfile(ctx, stale); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("got %v, want ErrVersionConflict", err)
	}

	got, err := s.GetBehaviorProfile(ctx, "u1", "")
	if err != nil {
		t.Fatalf("failed to get profile: %v", err)
	}
	if got.EngagementScore != 30 {
		t.Errorf("got score %v, want 30", got.EngagementScore)
	}
	if len(got.Patterns) != 1 || got.Patterns[0].Pattern != "device_mobile" {
		t.Errorf("got patterns %+v", got.Patterns)
	}
	if len(got.PreferredChannels) != 1 || got.PreferredChannels[0] != "email" {
		t.Errorf("got channels %v", got.PreferredChannels)
	}
	if got.UnresolvedRisk("support_contact") == nil {
		t.Error("expected open support_contact risk")
	}
}

func TestRiskFactor_OneOpenPerKey(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	p, err := s.CreateBehaviorProfile(ctx, newProfile("p1", "u1"))
	if err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	p.RiskFactors = []store.RiskFactor{{Factor: "low_engagement", Severity: store.SeverityHigh, DetectedAt: t0}}
	if err := s.SaveBehaviorProfile(ctx, p); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	// A second unsaved copy of the same open factor is dropped.
	p.RiskFactors = append(p.RiskFactors, store.RiskFactor{Factor: "low_engagement", Severity: store.SeverityHigh, DetectedAt: t0})
	if err := s.SaveBehaviorProfile(ctx, p); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	got, _ := s.GetBehaviorProfile(ctx, "u1", "")
	if len(got.RiskFactors) != 1 {
		t.Fatalf("got %d risk factors, want 1", len(got.RiskFactors))
	}

	resolved, err := s.ResolveRiskFactor(ctx, "u1", "", "low_engagement", t0.Add(time.Hour))
	if err != nil || !resolved {
		t.Fatalf("resolve: %v %v", resolved, err)
	}
	resolved, err = s.ResolveRiskFactor(ctx, "u1", "", "low_engagement", t0.Add(time.Hour))
	if err != nil || resolved {
		t.Errorf("second resolve should be a no-op: %v %v", resolved, err)
	}

	got, _ = s.GetBehaviorProfile(ctx, "u1", "")
	if got.UnresolvedRisk("low_engagement") != nil {
		t.Error("risk factor still open")
	}
	if got.Version != 3 {
		t.Errorf("got version %d, want 3", got.Version)
	}

	// Once resolved the factor may open again.
	got.RiskFactors = append(got.RiskFactors, store.RiskFactor{Factor: "low_engagement", Severity: store.SeverityHigh, DetectedAt: t0.Add(2 * time.Hour)})
	if err := s.SaveBehaviorProfile(ctx, got); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	got, _ = s.GetBehaviorProfile(ctx, "u1", "")
	if len(got.RiskFactors) != 2 || got.UnresolvedRisk("low_engagement") == nil {
		t.Errorf("got risk factors %+v", got.RiskFactors)
	}
}

func TestListBehaviorProfiles_AtRisk(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for i, score := range []float64{70, 10, 40} {
		p := newProfile("p"+string(rune('1'+i)), "u"+string(rune('1'+i)))
		p.EngagementScore = score
		if _, err := s.CreateBehaviorProfile(ctx, p); err != nil {
			t.Fatalf("failed to create profile: %v", err)
		}
	}

	threshold := 50.0
	profiles, err := s.ListBehaviorProfiles(ctx, store.ProfileFilter{MaxScore: &threshold})
	if err != nil {
		t.Fatalf("failed to list profiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	if profiles[0].EngagementScore != 10 || profiles[1].EngagementScore != 40 {
		t.Errorf("not ordered ascending: %v, %v", profiles[0].EngagementScore, profiles[1].EngagementScore)
	}
}

func TestBehaviorEvents_ListAndPurge(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.InsertBehaviorEvent(ctx, &store.BehaviorEvent{
			ID: "ev" + string(rune('0'+i)), UserID: "u1", EventType: "login",
			Data: map[string]any{"n": float64(i)}, OccurredAt: t0.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
	}

	page, err := s.ListBehaviorEvents(ctx, store.BehaviorEventFilter{UserID: "u1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(page) != 2 || page[0].ID != "ev3" {
		t.Errorf("unexpected page %+v", page)
	}

	n, err := s.DeleteBehaviorEvents(ctx, "u1", t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if n != 3 {
		t.Errorf("purged %d events, want 3", n)
	}
}

func TestTriggers_Ordering(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	triggers := []*store.PersonalizationTrigger{
		{ID: "low", Priority: 1, CreatedAt: t0},
		{ID: "high-old", Priority: 5, CreatedAt: t0},
		{ID: "high-new", Priority: 5, CreatedAt: t0.Add(time.Minute)},
		{ID: "inactive", Priority: 9, CreatedAt: t0},
	}
	for _, tr := range triggers {
		tr.Name = tr.ID
		tr.TriggerType = store.TriggerEventBased
		tr.Conditions = store.TriggerConditions{EventType: "login"}
		tr.Actions = []store.TriggerAction{{Type: "show_banner"}}
		tr.IsActive = tr.ID != "inactive"
		tr.UpdatedAt = tr.CreatedAt
		if err := s.CreateTrigger(ctx, tr); err != nil {
			t.Fatalf("failed to create trigger: %v", err)
		}
	}

	got, err := s.ListTriggers(ctx, store.TriggerFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("failed to list triggers: %v", err)
	}
	want := []string{"high-new", "high-old", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %d triggers, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}
	if got[0].Conditions.EventType != "login" || got[0].Actions[0].Type != "show_banner" {
		t.Errorf("conditions/actions not decoded: %+v", got[0])
	}

	if err := s.DeleteTrigger(ctx, "low"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := s.GetTrigger(ctx, "low"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSegmentsAndMemberships(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	seg := &store.UserSegment{
		ID: "s1", Name: "power", Criteria: map[string]any{"user.role": "admin"},
		IsActive: true, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.CreateSegment(ctx, seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}

	for _, u := range []string{"u1", "u2"} {
		if err := s.AddMembership(ctx, &store.SegmentMembership{UserID: u, SegmentID: "s1", JoinedAt: t0}); err != nil {
			t.Fatalf("failed to add membership: %v", err)
		}
	}
	// Re-adding keeps the original joined_at.
	if err := s.AddMembership(ctx, &store.SegmentMembership{UserID: "u1", SegmentID: "s1", JoinedAt: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("failed to re-add membership: %v", err)
	}
	m, err := s.GetMembership(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("failed to get membership: %v", err)
	}
	if !m.JoinedAt.Equal(t0) {
		t.Errorf("joined_at overwritten: %v", m.JoinedAt)
	}

	n, err := s.CountSegmentMembers(ctx, "s1")
	if err != nil || n != 2 {
		t.Fatalf("count: %d %v", n, err)
	}
	if err := s.SetSegmentUserCount(ctx, "s1", n, t0); err != nil {
		t.Fatalf("failed to set count: %v", err)
	}

	if err := s.RemoveMembership(ctx, "u2", "s1"); err != nil {
		t.Fatalf("failed to remove membership: %v", err)
	}
	if _, err := s.GetMembership(ctx, "u2", "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	got, err := s.GetSegment(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get segment: %v", err)
	}
	if got.UserCount != 2 || got.Criteria["user.role"] != "admin" {
		t.Errorf("unexpected segment %+v", got)
	}
}

func TestDirectory(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, &store.User{ID: "u1", Role: "admin", CreatedAt: t0}); err != nil {
		t.Fatalf("failed to upsert user: %v", err)
	}
	if err := s.UpsertUser(ctx, &store.User{ID: "u1", Role: "member", CreatedAt: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("failed to upsert user: %v", err)
	}
	u, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if u.Role != "member" || !u.CreatedAt.Equal(t0) {
		t.Errorf("unexpected user %+v", u)
	}

	for _, c := range []string{"c2", "c1", "c1"} {
		if err := s.AddClientRelationship(ctx, c, "u1"); err != nil {
			t.Fatalf("failed to add relationship: %v", err)
		}
	}
	clients, err := s.ListUserClients(ctx, "u1")
	if err != nil {
		t.Fatalf("failed to list clients: %v", err)
	}
	if len(clients) != 2 || clients[0] != "c1" {
		t.Errorf("got clients %v", clients)
	}
}

func TestOpenMemory_ConcurrentWriters(t *testing.T) {
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open memory store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.CreateExperiment(ctx, newExperiment("e1", 100)); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.CreateAssignment(ctx, &store.Assignment{
				ID: "a" + string(rune('0'+i)), UserID: "u1", ExperimentID: "e1", VariantID: "e1-va", AssignedAt: t0,
			})
			if err != nil {
				t.Errorf("assignment %d: %v", i, err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("got %d creating inserts, want 1", created)
	}
}
