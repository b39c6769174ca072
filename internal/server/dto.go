package server

import (
	"time"

	"github.com/gkobilansky/cohort/internal/store"
)

// Response shapes. Store models carry no wire tags; these do.

type ExperimentResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	ExperimentType string            `json:"experiment_type"`
	Status         string            `json:"status"`
	TargetAudience map[string]any    `json:"target_audience,omitempty"`
	SuccessMetrics []string          `json:"success_metrics"`
	Configuration  map[string]any    `json:"configuration,omitempty"`
	StartDate      *time.Time        `json:"start_date,omitempty"`
	EndDate        *time.Time        `json:"end_date,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Variants       []VariantResponse `json:"variants"`
}

type VariantResponse struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TrafficPercentage float64        `json:"traffic_percentage"`
	IsControl         bool           `json:"is_control"`
	Configuration     map[string]any `json:"configuration,omitempty"`
}

type AssignmentResponse struct {
	UserID          string         `json:"user_id"`
	ExperimentID    string         `json:"experiment_id"`
	VariantID       string         `json:"variant_id"`
	AssignedAt      time.Time      `json:"assigned_at"`
	ConvertedAt     *time.Time     `json:"converted_at,omitempty"`
	ConversionValue *float64       `json:"conversion_value,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type FunnelStepResponse struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	ClientID         string         `json:"client_id,omitempty"`
	FunnelName       string         `json:"funnel_name"`
	StepNumber       int            `json:"step_number"`
	StepName         string         `json:"step_name"`
	StepDescription  string         `json:"step_description,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	TimeSpentSeconds *int           `json:"time_spent_seconds,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type EventResponse struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	ClientID   string         `json:"client_id,omitempty"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"event_data,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type RiskFactorResponse struct {
	Factor      string     `json:"factor"`
	Severity    string     `json:"severity"`
	Description string     `json:"description"`
	DetectedAt  time.Time  `json:"detected_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type PatternResponse struct {
	Pattern        string    `json:"pattern"`
	Frequency      int       `json:"frequency"`
	Confidence     float64   `json:"confidence"`
	LastOccurrence time.Time `json:"last_occurrence"`
}

type ProfileResponse struct {
	UserID                 string               `json:"user_id"`
	ClientID               string               `json:"client_id,omitempty"`
	EngagementScore        float64              `json:"engagement_score"`
	LastActivityAt         time.Time            `json:"last_activity_at"`
	TotalSessions          int                  `json:"total_sessions"`
	AverageSessionDuration float64              `json:"average_session_duration"`
	PreferredChannels      []string             `json:"preferred_channels"`
	Patterns               []PatternResponse    `json:"behavior_patterns"`
	RiskFactors            []RiskFactorResponse `json:"risk_factors"`
	Version                int64                `json:"version"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

type TriggerResponse struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	TriggerType string                  `json:"trigger_type"`
	Conditions  store.TriggerConditions `json:"conditions"`
	Actions     []store.TriggerAction   `json:"actions"`
	Priority    int                     `json:"priority"`
	IsActive    bool                    `json:"is_active"`
	CreatedBy   string                  `json:"created_by,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

type SegmentResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Criteria    map[string]any `json:"segment_criteria"`
	UserCount   int            `json:"user_count"`
	IsActive    bool           `json:"is_active"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type MembershipResponse struct {
	SegmentID string    `json:"segment_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

func toExperiment(e *store.Experiment) ExperimentResponse {
	out := ExperimentResponse{
		ID:             e.ID,
		Name:           e.Name,
		Description:    e.Description,
		ExperimentType: e.ExperimentType,
		Status:         string(e.Status),
		TargetAudience: e.TargetAudience,
		SuccessMetrics: e.SuccessMetrics,
		Configuration:  e.Configuration,
		StartDate:      e.StartDate,
		EndDate:        e.EndDate,
		CreatedBy:      e.CreatedBy,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		Variants:       make([]VariantResponse, 0, len(e.Variants)),
	}
	if out.SuccessMetrics == nil {
		out.SuccessMetrics = []string{}
	}
	for _, v := range e.Variants {
		out.Variants = append(out.Variants, VariantResponse{
			ID:                v.ID,
			Name:              v.Name,
			Description:       v.Description,
			TrafficPercentage: v.TrafficPercentage,
			IsControl:         v.IsControl,
			Configuration:     v.Configuration,
		})
	}
	return out
}

func toAssignment(a *store.Assignment) AssignmentResponse {
	return AssignmentResponse{
		UserID:          a.UserID,
		ExperimentID:    a.ExperimentID,
		VariantID:       a.VariantID,
		AssignedAt:      a.AssignedAt,
		ConvertedAt:     a.ConvertedAt,
		ConversionValue: a.ConversionValue,
		Metadata:        a.Metadata,
	}
}

func toFunnelStep(f *store.FunnelStep) FunnelStepResponse {
	return FunnelStepResponse{
		ID:               f.ID,
		UserID:           f.UserID,
		ClientID:         f.ClientID,
		FunnelName:       f.FunnelName,
		StepNumber:       f.StepNumber,
		StepName:         f.StepName,
		StepDescription:  f.StepDescription,
		CompletedAt:      f.CompletedAt,
		TimeSpentSeconds: f.TimeSpentSeconds,
		Metadata:         f.Metadata,
		CreatedAt:        f.CreatedAt,
	}
}

func toEvent(e *store.BehaviorEvent) EventResponse {
	return EventResponse{
		ID:         e.ID,
		UserID:     e.UserID,
		ClientID:   e.ClientID,
		EventType:  e.EventType,
		Data:       e.Data,
		SessionID:  e.SessionID,
		OccurredAt: e.OccurredAt,
	}
}

func toProfile(p *store.BehaviorProfile) ProfileResponse {
	out := ProfileResponse{
		UserID:                 p.UserID,
		ClientID:               p.ClientID,
		EngagementScore:        p.EngagementScore,
		LastActivityAt:         p.LastActivityAt,
		TotalSessions:          p.TotalSessions,
		AverageSessionDuration: p.AverageSessionDuration,
		PreferredChannels:      p.PreferredChannels,
		Patterns:               make([]PatternResponse, 0, len(p.Patterns)),
		RiskFactors:            make([]RiskFactorResponse, 0, len(p.RiskFactors)),
		Version:                p.Version,
		UpdatedAt:              p.UpdatedAt,
	}
	if out.PreferredChannels == nil {
		out.PreferredChannels = []string{}
	}
	for _, pt := range p.Patterns {
		out.Patterns = append(out.Patterns, PatternResponse(pt))
	}
	for _, rf := range p.RiskFactors {
		out.RiskFactors = append(out.RiskFactors, RiskFactorResponse{
			Factor:      rf.Factor,
			Severity:    string(rf.Severity),
			Description: rf.Description,
			DetectedAt:  rf.DetectedAt,
			ResolvedAt:  rf.ResolvedAt,
		})
	}
	return out
}

func toTrigger(t *store.PersonalizationTrigger) TriggerResponse {
	out := TriggerResponse{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		TriggerType: string(t.TriggerType),
		Conditions:  t.Conditions,
		Actions:     t.Actions,
		Priority:    t.Priority,
		IsActive:    t.IsActive,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if out.Actions == nil {
		out.Actions = []store.TriggerAction{}
	}
	return out
}

func toSegment(s *store.UserSegment) SegmentResponse {
	return SegmentResponse{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Criteria:    s.Criteria,
		UserCount:   s.UserCount,
		IsActive:    s.IsActive,
		CreatedBy:   s.CreatedBy,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toMemberships(ms []*store.SegmentMembership) []MembershipResponse {
	out := make([]MembershipResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, MembershipResponse{SegmentID: m.SegmentID, JoinedAt: m.JoinedAt})
	}
	return out
}

// mapSlice converts a slice and never returns nil, so empty lists encode
// as [] rather than null.
func mapSlice[T, U any](in []T, fn func(T) U) []U {
	out := make([]U, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
