package store

import "time"

type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusActive    ExperimentStatus = "active"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
	StatusCancelled ExperimentStatus = "cancelled"
)

type Experiment struct {
	ID             string
	Name           string
	Description    string
	ExperimentType string
	Status         ExperimentStatus
	TargetAudience map[string]any
	SuccessMetrics []string
	Configuration  map[string]any
	StartDate      *time.Time
	EndDate        *time.Time
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Variants       []Variant // Ordered by position (creation order)
}

// Control returns the experiment's control variant, or nil.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

type Variant struct {
	ID                string
	ExperimentID      string
	Name              string
	Description       string
	TrafficPercentage float64
	IsControl         bool
	Configuration     map[string]any
	Position          int
	CreatedAt         time.Time
}

type Assignment struct {
	ID              string
	UserID          string
	ExperimentID    string
	VariantID       string
	AssignedAt      time.Time
	ConvertedAt     *time.Time
	ConversionValue *float64
	Metadata        map[string]any
}

type ExperimentFilter struct {
	Status         ExperimentStatus
	ExperimentType string
	CreatedBy      string
	StartedAfter   *time.Time // start_date >= StartedAfter
	EndedBefore    *time.Time // end_date <= EndedBefore
}

type FunnelStep struct {
	ID               string
	UserID           string
	ClientID         string
	FunnelName       string
	StepNumber       int
	StepName         string
	StepDescription  string
	CompletedAt      *time.Time // nil while pending
	TimeSpentSeconds *int
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type FunnelFilter struct {
	FunnelName string
	UserID     string
	ClientID   string
	From       *time.Time // created_at >= From
	To         *time.Time // created_at <= To
}

// BehaviorEvent is immutable once stored.
type BehaviorEvent struct {
	ID         string
	UserID     string
	ClientID   string
	EventType  string
	Data       map[string]any
	SessionID  string
	IPAddress  string
	UserAgent  string
	OccurredAt time.Time
}

type BehaviorEventFilter struct {
	UserID    string
	ClientID  string
	EventType string
	Limit     int
	Offset    int
}

type RiskSeverity string

const (
	SeverityLow    RiskSeverity = "low"
	SeverityMedium RiskSeverity = "medium"
	SeverityHigh   RiskSeverity = "high"
)

type RiskFactor struct {
	ID          int64 // zero until persisted
	Factor      string
	Severity    RiskSeverity
	Description string
	DetectedAt  time.Time
	ResolvedAt  *time.Time
}

type BehaviorPattern struct {
	Pattern        string
	Frequency      int
	Confidence     float64
	LastOccurrence time.Time
}

// BehaviorProfile is scoped by (UserID, ClientID); ClientID "" is the
// unscoped profile. Version is the compare-and-swap token.
type BehaviorProfile struct {
	ID                     string
	UserID                 string
	ClientID               string
	EngagementScore        float64
	LastActivityAt         time.Time
	TotalSessions          int
	AverageSessionDuration float64
	PreferredChannels      []string
	Patterns               []BehaviorPattern
	RiskFactors            []RiskFactor
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// UnresolvedRisk returns the open risk factor with the given key, or nil.
func (p *BehaviorProfile) UnresolvedRisk(factor string) *RiskFactor {
	for i := range p.RiskFactors {
		if p.RiskFactors[i].Factor == factor && p.RiskFactors[i].ResolvedAt == nil {
			return &p.RiskFactors[i]
		}
	}
	return nil
}

// Pattern returns the pattern with the given id, or nil.
func (p *BehaviorProfile) Pattern(name string) *BehaviorPattern {
	for i := range p.Patterns {
		if p.Patterns[i].Pattern == name {
			return &p.Patterns[i]
		}
	}
	return nil
}

type ProfileFilter struct {
	UserID   string
	ClientID *string // nil matches every scope
	MaxScore *float64
	Limit    int
}

type TriggerType string

const (
	TriggerEventBased   TriggerType = "event_based"
	TriggerTimeBased    TriggerType = "time_based"
	TriggerSegmentBased TriggerType = "segment_based"
	TriggerUserBehavior TriggerType = "user_behavior"
)

type TriggerConditions struct {
	EventType  string         `json:"event_type,omitempty"`
	TimeOfDay  string         `json:"time_of_day,omitempty"` // "9-17", inclusive hours
	DayOfWeek  []int          `json:"day_of_week,omitempty"` // 0 = Sunday
	SegmentIDs []string       `json:"segment_ids,omitempty"`
	Behavior   map[string]any `json:"behavior,omitempty"`
}

type TriggerAction struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

type PersonalizationTrigger struct {
	ID          string
	Name        string
	Description string
	TriggerType TriggerType
	Conditions  TriggerConditions
	Actions     []TriggerAction
	Priority    int
	IsActive    bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TriggerFilter struct {
	ActiveOnly  bool
	TriggerType TriggerType
}

type TriggerExecution struct {
	ID         int64
	TriggerID  string
	UserID     string
	EventType  string
	Fired      bool
	Outcome    map[string]any
	Error      string
	ExecutedAt time.Time
}

type UserSegment struct {
	ID          string
	Name        string
	Description string
	Criteria    map[string]any
	UserCount   int
	IsActive    bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type SegmentMembership struct {
	UserID    string
	SegmentID string
	JoinedAt  time.Time
}

// User holds the host-supplied attributes that segment predicates read.
type User struct {
	ID               string
	Role             string
	Industry         string
	CompanySize      string
	SubscriptionPlan string
	CreatedAt        time.Time
}
