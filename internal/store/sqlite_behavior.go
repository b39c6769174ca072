package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const behaviorEventColumns = `id, user_id, client_id, event_type, data, session_id, ip_address,
	user_agent, occurred_at`

const profileColumns = `id, user_id, client_id, engagement_score, last_activity_at, total_sessions,
	average_session_duration, preferred_channels, version, created_at, updated_at`

func (s *SQLiteStore) InsertBehaviorEvent(ctx context.Context, e *BehaviorEvent) error {
	data, err := encodeJSON(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavior_events (`+behaviorEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ClientID, e.EventType, data, e.SessionID, e.IPAddress, e.UserAgent,
		toMillis(e.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert behavior event: %w", err)
	}
	return nil
}

// ListBehaviorEvents returns events newest first.
func (s *SQLiteStore) ListBehaviorEvents(ctx context.Context, filter BehaviorEventFilter) ([]*BehaviorEvent, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}

	query := "SELECT " + behaviorEventColumns + " FROM behavior_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list behavior events: %w", err)
	}
	defer rows.Close()

	var events []*BehaviorEvent
	for rows.Next() {
		var e BehaviorEvent
		var data sql.NullString
		var occurredAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.ClientID, &e.EventType, &data, &e.SessionID,
			&e.IPAddress, &e.UserAgent, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan behavior event: %w", err)
		}
		e.OccurredAt = fromMillis(occurredAt)
		if err := decodeJSON(data, &e.Data); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// DeleteBehaviorEvents purges events older than before. An empty userID
// purges across all users. Profiles are not recomputed.
func (s *SQLiteStore) DeleteBehaviorEvents(ctx context.Context, userID string, before time.Time) (int64, error) {
	query := "DELETE FROM behavior_events WHERE occurred_at < ?"
	args := []any{toMillis(before)}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete behavior events: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) GetBehaviorProfile(ctx context.Context, userID, clientID string) (*BehaviorProfile, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM behavior_profiles WHERE user_id = ? AND client_id = ?",
		userID, clientID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get behavior profile: %w", err)
	}
	if err := s.loadProfileDetails(ctx, []*BehaviorProfile{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) CreateBehaviorProfile(ctx context.Context, p *BehaviorProfile) (*BehaviorProfile, error) {
	channels, err := encodeJSON(p.PreferredChannels)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO behavior_profiles (`+profileColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, client_id) DO NOTHING`,
			p.ID, p.UserID, p.ClientID, p.EngagementScore, toMillis(p.LastActivityAt), p.TotalSessions,
			p.AverageSessionDuration, channels, p.Version, toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert behavior profile: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}
		return saveProfileDetails(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	return s.GetBehaviorProfile(ctx, p.UserID, p.ClientID)
}

func (s *SQLiteStore) SaveBehaviorProfile(ctx context.Context, p *BehaviorProfile) error {
	channels, err := encodeJSON(p.PreferredChannels)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE behavior_profiles
			SET engagement_score = ?,
			    last_activity_at = ?,
			    total_sessions = ?,
			    average_session_duration = ?,
			    preferred_channels = ?,
			    version = version + 1,
			    updated_at = ?
			WHERE id = ? AND version = ?`,
			p.EngagementScore, toMillis(p.LastActivityAt), p.TotalSessions, p.AverageSessionDuration,
			channels, toMillis(p.UpdatedAt), p.ID, p.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update behavior profile: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
		return saveProfileDetails(ctx, tx, p)
	})
	if err != nil {
		return err
	}
	p.Version++
	return nil
}

// saveProfileDetails upserts patterns and writes new or newly resolved
// risk factors. A new risk factor that collides with an open one of the
// same key is dropped.
func saveProfileDetails(ctx context.Context, tx *sql.Tx, p *BehaviorProfile) error {
	for i, pat := range p.Patterns {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO behavior_patterns (profile_id, pattern, frequency, confidence, last_occurrence, position)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (profile_id, pattern) DO UPDATE SET
				frequency = excluded.frequency,
				confidence = excluded.confidence,
				last_occurrence = excluded.last_occurrence`,
			p.ID, pat.Pattern, pat.Frequency, pat.Confidence, toMillis(pat.LastOccurrence), i,
		)
		if err != nil {
			return fmt.Errorf("failed to save pattern %q: %w", pat.Pattern, err)
		}
	}

	for i := range p.RiskFactors {
		rf := &p.RiskFactors[i]
		if rf.ID != 0 {
			if rf.ResolvedAt == nil {
				continue
			}
			_, err := tx.ExecContext(ctx,
				"UPDATE risk_factors SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL",
				toMillis(*rf.ResolvedAt), rf.ID)
			if err != nil {
				return fmt.Errorf("failed to resolve risk factor: %w", err)
			}
			continue
		}

		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO risk_factors (profile_id, factor, severity, description, detected_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, rf.Factor, string(rf.Severity), rf.Description, toMillis(rf.DetectedAt),
			nullableMillis(rf.ResolvedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert risk factor %q: %w", rf.Factor, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			if id, err := result.LastInsertId(); err == nil {
				rf.ID = id
			}
		}
	}
	return nil
}

// ListBehaviorProfiles returns profiles ordered by engagement score
// ascending. MaxScore is exclusive.
func (s *SQLiteStore) ListBehaviorProfiles(ctx context.Context, filter ProfileFilter) ([]*BehaviorProfile, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ClientID != nil {
		where = append(where, "client_id = ?")
		args = append(args, *filter.ClientID)
	}
	if filter.MaxScore != nil {
		where = append(where, "engagement_score < ?")
		args = append(args, *filter.MaxScore)
	}

	query := "SELECT " + profileColumns + " FROM behavior_profiles"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY engagement_score ASC, user_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list behavior profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*BehaviorProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan behavior profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate behavior profiles: %w", err)
	}
	rows.Close()

	if err := s.loadProfileDetails(ctx, profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

func (s *SQLiteStore) ResolveRiskFactor(ctx context.Context, userID, clientID, factor string, at time.Time) (bool, error) {
	var resolved bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE risk_factors SET resolved_at = ?
			WHERE factor = ? AND resolved_at IS NULL
			  AND profile_id = (SELECT id FROM behavior_profiles WHERE user_id = ? AND client_id = ?)`,
			toMillis(at), factor, userID, clientID,
		)
		if err != nil {
			return fmt.Errorf("failed to resolve risk factor: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		resolved = true
		_, err = tx.ExecContext(ctx, `
			UPDATE behavior_profiles SET version = version + 1, updated_at = ?
			WHERE user_id = ? AND client_id = ?`,
			toMillis(at), userID, clientID)
		if err != nil {
			return fmt.Errorf("failed to bump profile version: %w", err)
		}
		return nil
	})
	return resolved, err
}

func (s *SQLiteStore) loadProfileDetails(ctx context.Context, profiles []*BehaviorProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	byID := make(map[string]*BehaviorProfile, len(profiles))
	args := make([]any, 0, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
		args = append(args, p.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(profiles)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, pattern, frequency, confidence, last_occurrence
		FROM behavior_patterns
		WHERE profile_id IN (`+placeholders+`)
		ORDER BY profile_id, position`, args...)
	if err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}
	for rows.Next() {
		var profileID string
		var pat BehaviorPattern
		var last int64
		if err := rows.Scan(&profileID, &pat.Pattern, &pat.Frequency, &pat.Confidence, &last); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan pattern: %w", err)
		}
		pat.LastOccurrence = fromMillis(last)
		p := byID[profileID]
		p.Patterns = append(p.Patterns, pat)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("failed to iterate patterns: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, profile_id, factor, severity, description, detected_at, resolved_at
		FROM risk_factors
		WHERE profile_id IN (`+placeholders+`)
		ORDER BY profile_id, detected_at, id`, args...)
	if err != nil {
		return fmt.Errorf("failed to load risk factors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var profileID, severity string
		var rf RiskFactor
		var detected int64
		var resolved sql.NullInt64
		if err := rows.Scan(&rf.ID, &profileID, &rf.Factor, &severity, &rf.Description, &detected, &resolved); err != nil {
			return fmt.Errorf("failed to scan risk factor: %w", err)
		}
		rf.Severity = RiskSeverity(severity)
		rf.DetectedAt = fromMillis(detected)
		rf.ResolvedAt = timePtr(resolved)
		p := byID[profileID]
		p.RiskFactors = append(p.RiskFactors, rf)
	}
	return rows.Err()
}

func scanProfile(r rowScanner) (*BehaviorProfile, error) {
	var p BehaviorProfile
	var last, createdAt, updatedAt int64
	var channels sql.NullString

	if err := r.Scan(&p.ID, &p.UserID, &p.ClientID, &p.EngagementScore, &last, &p.TotalSessions,
		&p.AverageSessionDuration, &channels, &p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.LastActivityAt = fromMillis(last)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	if err := decodeJSON(channels, &p.PreferredChannels); err != nil {
		return nil, err
	}
	return &p, nil
}
