package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const triggerColumns = `id, name, description, trigger_type, conditions, actions, priority,
	is_active, created_by, created_at, updated_at`

const segmentColumns = `id, name, description, criteria, user_count, is_active, created_by,
	created_at, updated_at`

func (s *SQLiteStore) CreateTrigger(ctx context.Context, t *PersonalizationTrigger) error {
	conditions, actions, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO personalization_triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, string(t.TriggerType), conditions, actions, t.Priority,
		boolInt(t.IsActive), t.CreatedBy, toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrigger(ctx context.Context, id string) (*PersonalizationTrigger, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+triggerColumns+" FROM personalization_triggers WHERE id = ?", id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*PersonalizationTrigger, error) {
	var where []string
	var args []any
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}

	query := "SELECT " + triggerColumns + " FROM personalization_triggers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*PersonalizationTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *SQLiteStore) UpdateTrigger(ctx context.Context, t *PersonalizationTrigger) error {
	conditions, actions, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE personalization_triggers
		SET name = ?, description = ?, trigger_type = ?, conditions = ?, actions = ?,
		    priority = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Description, string(t.TriggerType), conditions, actions, t.Priority,
		boolInt(t.IsActive), toMillis(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trigger: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) DeleteTrigger(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM personalization_triggers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) RecordTriggerExecution(ctx context.Context, x *TriggerExecution) error {
	outcome, err := encodeJSON(x.Outcome)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_executions (trigger_id, user_id, event_type, fired, outcome, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		x.TriggerID, x.UserID, x.EventType, boolInt(x.Fired), outcome, x.Error, toMillis(x.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record trigger execution: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		x.ID = id
	}
	return nil
}

// ListTriggerExecutions returns a user's executions newest first.
func (s *SQLiteStore) ListTriggerExecutions(ctx context.Context, userID string, limit int) ([]*TriggerExecution, error) {
	query := `
		SELECT id, trigger_id, user_id, event_type, fired, outcome, error, executed_at
		FROM trigger_executions
		WHERE user_id = ?
		ORDER BY executed_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger executions: %w", err)
	}
	defer rows.Close()

	var out []*TriggerExecution
	for rows.Next() {
		var x TriggerExecution
		var fired int
		var outcome sql.NullString
		var executedAt int64
		if err := rows.Scan(&x.ID, &x.TriggerID, &x.UserID, &x.EventType, &fired, &outcome, &x.Error, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger execution: %w", err)
		}
		x.Fired = fired != 0
		x.ExecutedAt = fromMillis(executedAt)
		if err := decodeJSON(outcome, &x.Outcome); err != nil {
			return nil, err
		}
		out = append(out, &x)
	}
	return out, rows.Err()
}

func encodeTrigger(t *PersonalizationTrigger) (string, string, error) {
	conditions, err := json.Marshal(t.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal trigger conditions: %w", err)
	}
	actions := t.Actions
	if actions == nil {
		actions = []TriggerAction{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal trigger actions: %w", err)
	}
	return string(conditions), string(actionsJSON), nil
}

func scanTrigger(r rowScanner) (*PersonalizationTrigger, error) {
	var t PersonalizationTrigger
	var triggerType string
	var conditions, actions sql.NullString
	var isActive int
	var createdAt, updatedAt int64

	if err := r.Scan(&t.ID, &t.Name, &t.Description, &triggerType, &conditions, &actions,
		&t.Priority, &isActive, &t.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.TriggerType = TriggerType(triggerType)
	t.IsActive = isActive != 0
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	if err := decodeJSON(conditions, &t.Conditions); err != nil {
		return nil, err
	}
	if err := decodeJSON(actions, &t.Actions); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) CreateSegment(ctx context.Context, seg *UserSegment) error {
	criteria, err := encodeCriteria(seg.Criteria)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_segments (`+segmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.Name, seg.Description, criteria, seg.UserCount, boolInt(seg.IsActive),
		seg.CreatedBy, toMillis(seg.CreatedAt), toMillis(seg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSegment(ctx context.Context, id string) (*UserSegment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+segmentColumns+" FROM user_segments WHERE id = ?", id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return seg, nil
}

func (s *SQLiteStore) ListSegments(ctx context.Context, activeOnly bool) ([]*UserSegment, error) {
	query := "SELECT " + segmentColumns + " FROM user_segments"
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*UserSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (s *SQLiteStore) UpdateSegment(ctx context.Context, seg *UserSegment) error {
	criteria, err := encodeCriteria(seg.Criteria)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_segments
		SET name = ?, description = ?, criteria = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		seg.Name, seg.Description, criteria, boolInt(seg.IsActive), toMillis(seg.UpdatedAt), seg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update segment: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) DeleteSegment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM user_segments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) GetMembership(ctx context.Context, userID, segmentID string) (*SegmentMembership, error) {
	var m SegmentMembership
	var joinedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, segment_id, joined_at FROM segment_memberships WHERE user_id = ? AND segment_id = ?",
		userID, segmentID).Scan(&m.UserID, &m.SegmentID, &joinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	m.JoinedAt = fromMillis(joinedAt)
	return &m, nil
}

// AddMembership is a no-op when the membership already exists.
func (s *SQLiteStore) AddMembership(ctx context.Context, m *SegmentMembership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segment_memberships (user_id, segment_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, segment_id) DO NOTHING`,
		m.UserID, m.SegmentID, toMillis(m.JoinedAt))
	if err != nil {
		return fmt.Errorf("failed to add membership: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveMembership(ctx context.Context, userID, segmentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM segment_memberships WHERE user_id = ? AND segment_id = ?", userID, segmentID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUserMemberships(ctx context.Context, userID string) ([]*SegmentMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, segment_id, joined_at FROM segment_memberships
		WHERE user_id = ?
		ORDER BY joined_at, segment_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []*SegmentMembership
	for rows.Next() {
		var m SegmentMembership
		var joinedAt int64
		if err := rows.Scan(&m.UserID, &m.SegmentID, &joinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m.JoinedAt = fromMillis(joinedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountSegmentMembers(ctx context.Context, segmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM segment_memberships WHERE segment_id = ?", segmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count segment members: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) SetSegmentUserCount(ctx context.Context, segmentID string, count int, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE user_segments SET user_count = ?, updated_at = ? WHERE id = ?",
		count, toMillis(at), segmentID)
	if err != nil {
		return fmt.Errorf("failed to set segment user count: %w", err)
	}
	return requireAffected(result)
}

func encodeCriteria(criteria map[string]any) (string, error) {
	if criteria == nil {
		criteria = map[string]any{}
	}
	b, err := json.Marshal(criteria)
	if err != nil {
		return "", fmt.Errorf("failed to marshal segment criteria: %w", err)
	}
	return string(b), nil
}

func scanSegment(r rowScanner) (*UserSegment, error) {
	var seg UserSegment
	var criteria sql.NullString
	var isActive int
	var createdAt, updatedAt int64

	if err := r.Scan(&seg.ID, &seg.Name, &seg.Description, &criteria, &seg.UserCount, &isActive,
		&seg.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	seg.IsActive = isActive != 0
	seg.CreatedAt = fromMillis(createdAt)
	seg.UpdatedAt = fromMillis(updatedAt)
	seg.Criteria = map[string]any{}
	if err := decodeJSON(criteria, &seg.Criteria); err != nil {
		return nil, err
	}
	return &seg, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
