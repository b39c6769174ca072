package store

import (
	"context"
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "experiments, variants and sticky assignments",
		SQL: `
CREATE TABLE experiments (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    experiment_type TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft', 'active', 'paused', 'completed', 'cancelled')),
    target_audience TEXT,
    success_metrics TEXT,
    configuration   TEXT,
    start_date      INTEGER,
    end_date        INTEGER,
    created_by      TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX idx_experiments_status ON experiments(status);

CREATE TABLE experiment_variants (
    id                 TEXT PRIMARY KEY,
    experiment_id      TEXT NOT NULL,
    name               TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    traffic_percentage REAL NOT NULL CHECK (traffic_percentage >= 0 AND traffic_percentage <= 100),
    is_control         INTEGER NOT NULL DEFAULT 0,
    configuration      TEXT,
    position           INTEGER NOT NULL,
    created_at         INTEGER NOT NULL,
    FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE
);

CREATE INDEX idx_variants_experiment ON experiment_variants(experiment_id, position);

CREATE TABLE experiment_assignments (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    experiment_id    TEXT NOT NULL,
    variant_id       TEXT NOT NULL,
    assigned_at      INTEGER NOT NULL,
    converted_at     INTEGER,
    conversion_value REAL,
    metadata         TEXT,
    FOREIGN KEY (experiment_id) REFERENCES experiments(id) ON DELETE CASCADE,
    FOREIGN KEY (variant_id) REFERENCES experiment_variants(id)
);

CREATE UNIQUE INDEX idx_assignments_user_experiment ON experiment_assignments(user_id, experiment_id);
CREATE INDEX idx_assignments_experiment ON experiment_assignments(experiment_id, variant_id);
`,
	},
	{
		Version:     2,
		Description: "funnel steps",
		SQL: `
CREATE TABLE funnel_steps (
    id                 TEXT PRIMARY KEY,
    user_id            TEXT NOT NULL,
    client_id          TEXT NOT NULL DEFAULT '',
    funnel_name        TEXT NOT NULL,
    step_number        INTEGER NOT NULL,
    step_name          TEXT NOT NULL,
    step_description   TEXT NOT NULL DEFAULT '',
    completed_at       INTEGER,
    time_spent_seconds INTEGER,
    metadata           TEXT,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX idx_funnel_steps_funnel ON funnel_steps(funnel_name, step_number);
CREATE INDEX idx_funnel_steps_user ON funnel_steps(user_id, funnel_name, step_number);
`,
	},
	{
		Version:     3,
		Description: "behavior events, profiles, patterns and risk factors",
		SQL: `
CREATE TABLE behavior_events (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    client_id   TEXT NOT NULL DEFAULT '',
    event_type  TEXT NOT NULL,
    data        TEXT,
    session_id  TEXT NOT NULL DEFAULT '',
    ip_address  TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT '',
    occurred_at INTEGER NOT NULL
);

CREATE INDEX idx_behavior_events_user ON behavior_events(user_id, occurred_at DESC);
CREATE INDEX idx_behavior_events_type ON behavior_events(event_type);

CREATE TABLE behavior_profiles (
    id                       TEXT PRIMARY KEY,
    user_id                  TEXT NOT NULL,
    client_id                TEXT NOT NULL DEFAULT '',
    engagement_score         REAL NOT NULL DEFAULT 0 CHECK (engagement_score >= 0 AND engagement_score <= 100),
    last_activity_at         INTEGER NOT NULL,
    total_sessions           INTEGER NOT NULL DEFAULT 0,
    average_session_duration REAL NOT NULL DEFAULT 0,
    preferred_channels       TEXT,
    version                  INTEGER NOT NULL DEFAULT 0,
    created_at               INTEGER NOT NULL,
    updated_at               INTEGER NOT NULL
);

CREATE UNIQUE INDEX idx_profiles_scope ON behavior_profiles(user_id, client_id);
CREATE INDEX idx_profiles_score ON behavior_profiles(engagement_score);

CREATE TABLE behavior_patterns (
    profile_id      TEXT NOT NULL,
    pattern         TEXT NOT NULL,
    frequency       INTEGER NOT NULL,
    confidence      REAL NOT NULL,
    last_occurrence INTEGER NOT NULL,
    position        INTEGER NOT NULL,
    PRIMARY KEY (profile_id, pattern),
    FOREIGN KEY (profile_id) REFERENCES behavior_profiles(id) ON DELETE CASCADE
);

CREATE TABLE risk_factors (
    id          INTEGER PRIMARY KEY,
    profile_id  TEXT NOT NULL,
    factor      TEXT NOT NULL,
    severity    TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high')),
    description TEXT NOT NULL DEFAULT '',
    detected_at INTEGER NOT NULL,
    resolved_at INTEGER,
    FOREIGN KEY (profile_id) REFERENCES behavior_profiles(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX idx_risk_factors_open ON risk_factors(profile_id, factor) WHERE resolved_at IS NULL;
`,
	},
	{
		Version:     4,
		Description: "personalization triggers, segments and memberships",
		SQL: `
CREATE TABLE personalization_triggers (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    trigger_type TEXT NOT NULL CHECK (trigger_type IN ('event_based', 'time_based', 'segment_based', 'user_behavior')),
    conditions   TEXT NOT NULL,
    actions      TEXT NOT NULL,
    priority     INTEGER NOT NULL DEFAULT 0,
    is_active    INTEGER NOT NULL DEFAULT 1,
    created_by   TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE INDEX idx_triggers_order ON personalization_triggers(is_active, priority DESC, created_at DESC);

CREATE TABLE trigger_executions (
    id          INTEGER PRIMARY KEY,
    trigger_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    event_type  TEXT NOT NULL DEFAULT '',
    fired       INTEGER NOT NULL,
    outcome     TEXT,
    error       TEXT NOT NULL DEFAULT '',
    executed_at INTEGER NOT NULL
);

CREATE INDEX idx_trigger_executions_user ON trigger_executions(user_id, executed_at DESC);

CREATE TABLE user_segments (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    criteria    TEXT NOT NULL,
    user_count  INTEGER NOT NULL DEFAULT 0,
    is_active   INTEGER NOT NULL DEFAULT 1,
    created_by  TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE segment_memberships (
    user_id    TEXT NOT NULL,
    segment_id TEXT NOT NULL,
    joined_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, segment_id),
    FOREIGN KEY (segment_id) REFERENCES user_segments(id) ON DELETE CASCADE
);

CREATE INDEX idx_memberships_segment ON segment_memberships(segment_id);
`,
	},
	{
		Version:     5,
		Description: "host directory: users and client relationships",
		SQL: `
CREATE TABLE users (
    id                TEXT PRIMARY KEY,
    role              TEXT NOT NULL DEFAULT '',
    industry          TEXT NOT NULL DEFAULT '',
    company_size      TEXT NOT NULL DEFAULT '',
    subscription_plan TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL
);

CREATE TABLE client_relationships (
    client_id TEXT NOT NULL,
    user_id   TEXT NOT NULL,
    PRIMARY KEY (client_id, user_id)
);

CREATE INDEX idx_client_relationships_user ON client_relationships(user_id);
`,
	},
	{
		Version:     6,
		Description: "one funnel step row per user, funnel and step number",
		SQL: `
DELETE FROM funnel_steps
WHERE rowid NOT IN (
    SELECT MIN(rowid) FROM funnel_steps
    GROUP BY user_id, funnel_name, step_number
);

DROP INDEX idx_funnel_steps_user;
CREATE UNIQUE INDEX idx_funnel_steps_user ON funnel_steps(user_id, funnel_name, step_number);
`,
	},
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
