package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by SaveBehaviorProfile when the
	// stored version no longer matches the one the caller read, and by
	// UpdateExperimentStatus when the stored status is no longer from.
	ErrVersionConflict = errors.New("version conflict")
)

// ExperimentStore persists experiments, variants and assignments.
type ExperimentStore interface {
	// CreateExperiment inserts the experiment and its variants atomically.
	CreateExperiment(ctx context.Context, e *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]*Experiment, error)
	// UpdateExperimentStatus moves the experiment from one status to
	// another, only if it is still in from.
	UpdateExperimentStatus(ctx context.Context, id string, from, to ExperimentStatus, startDate, endDate *time.Time, updatedAt time.Time) error

	// CreateAssignment inserts a unless (user, experiment) already has one.
	// It returns the stored row and whether this call created it.
	CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error)
	GetAssignment(ctx context.Context, userID, experimentID string) (*Assignment, error)
	ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error)
	ListUserAssignments(ctx context.Context, userID string) ([]*Assignment, error)
	RecordConversion(ctx context.Context, userID, experimentID string, at time.Time, value *float64, metadata map[string]any) (*Assignment, error)
}

// FunnelStore persists funnel steps.
type FunnelStore interface {
	// CreateFunnelStep inserts step unless (user, funnel, step number)
	// already has a row, and returns the stored row either way.
	CreateFunnelStep(ctx context.Context, step *FunnelStep) (*FunnelStep, bool, error)
	GetFunnelStep(ctx context.Context, id string) (*FunnelStep, error)
	FindFunnelStep(ctx context.Context, userID, funnelName string, stepNumber int) (*FunnelStep, error)
	CompleteFunnelStep(ctx context.Context, id string, completedAt time.Time, timeSpent *int, metadata map[string]any) (*FunnelStep, error)
	ListFunnelSteps(ctx context.Context, filter FunnelFilter) ([]*FunnelStep, error)
}

// BehaviorStore persists behavior events and profiles.
type BehaviorStore interface {
	InsertBehaviorEvent(ctx context.Context, e *BehaviorEvent) error
	ListBehaviorEvents(ctx context.Context, filter BehaviorEventFilter) ([]*BehaviorEvent, error)
	DeleteBehaviorEvents(ctx context.Context, userID string, before time.Time) (int64, error)

	GetBehaviorProfile(ctx context.Context, userID, clientID string) (*BehaviorProfile, error)
	// CreateBehaviorProfile inserts p unless a profile for the same scope
	// exists; either way it returns the stored profile.
	CreateBehaviorProfile(ctx context.Context, p *BehaviorProfile) (*BehaviorProfile, error)
	// SaveBehaviorProfile writes p if the stored version equals p.Version
	// and bumps the version; otherwise it returns ErrVersionConflict.
	SaveBehaviorProfile(ctx context.Context, p *BehaviorProfile) error
	ListBehaviorProfiles(ctx context.Context, filter ProfileFilter) ([]*BehaviorProfile, error)
	ResolveRiskFactor(ctx context.Context, userID, clientID, factor string, at time.Time) (bool, error)
}

// PersonalizationStore persists triggers, segments and memberships.
type PersonalizationStore interface {
	CreateTrigger(ctx context.Context, t *PersonalizationTrigger) error
	GetTrigger(ctx context.Context, id string) (*PersonalizationTrigger, error)
	// ListTriggers orders by priority desc, created_at desc.
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*PersonalizationTrigger, error)
	UpdateTrigger(ctx context.Context, t *PersonalizationTrigger) error
	DeleteTrigger(ctx context.Context, id string) error
	RecordTriggerExecution(ctx context.Context, x *TriggerExecution) error
	ListTriggerExecutions(ctx context.Context, userID string, limit int) ([]*TriggerExecution, error)

	CreateSegment(ctx context.Context, s *UserSegment) error
	GetSegment(ctx context.Context, id string) (*UserSegment, error)
	ListSegments(ctx context.Context, activeOnly bool) ([]*UserSegment, error)
	UpdateSegment(ctx context.Context, s *UserSegment) error
	DeleteSegment(ctx context.Context, id string) error

	GetMembership(ctx context.Context, userID, segmentID string) (*SegmentMembership, error)
	AddMembership(ctx context.Context, m *SegmentMembership) error
	RemoveMembership(ctx context.Context, userID, segmentID string) error
	ListUserMemberships(ctx context.Context, userID string) ([]*SegmentMembership, error)
	CountSegmentMembers(ctx context.Context, segmentID string) (int, error)
	SetSegmentUserCount(ctx context.Context, segmentID string, count int, at time.Time) error
}

// DirectoryStore holds host-supplied user attributes and client links.
type DirectoryStore interface {
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	AddClientRelationship(ctx context.Context, clientID, userID string) error
	ListUserClients(ctx context.Context, userID string) ([]string, error)
}

// Repository is the full storage surface the engine consumes.
type Repository interface {
	ExperimentStore
	FunnelStore
	BehaviorStore
	PersonalizationStore
	DirectoryStore

	Close() error
}
