package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const funnelColumns = `id, user_id, client_id, funnel_name, step_number, step_name, step_description,
	completed_at, time_spent_seconds, metadata, created_at, updated_at`

func (s *SQLiteStore) CreateFunnelStep(ctx context.Context, step *FunnelStep) (*FunnelStep, bool, error) {
	metadata, err := encodeJSON(step.Metadata)
	if err != nil {
		return nil, false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO funnel_steps (`+funnelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, funnel_name, step_number) DO NOTHING`,
		step.ID, step.UserID, step.ClientID, step.FunnelName, step.StepNumber, step.StepName,
		step.StepDescription, nullableMillis(step.CompletedAt), nullableInt(step.TimeSpentSeconds),
		metadata, toMillis(step.CreatedAt), toMillis(step.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert funnel step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := s.FindFunnelStep(ctx, step.UserID, step.FunnelName, step.StepNumber)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

func (s *SQLiteStore) GetFunnelStep(ctx context.Context, id string) (*FunnelStep, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+funnelColumns+" FROM funnel_steps WHERE id = ?", id)
	step, err := scanFunnelStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get funnel step: %w", err)
	}
	return step, nil
}

// FindFunnelStep returns the row for (user, funnel, step number).
func (s *SQLiteStore) FindFunnelStep(ctx context.Context, userID, funnelName string, stepNumber int) (*FunnelStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+funnelColumns+` FROM funnel_steps
		WHERE user_id = ? AND funnel_name = ? AND step_number = ?`,
		userID, funnelName, stepNumber)
	step, err := scanFunnelStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find funnel step: %w", err)
	}
	return step, nil
}

// CompleteFunnelStep stamps completed_at, overwriting any earlier value.
// A nil timeSpent or metadata keeps the stored one.
func (s *SQLiteStore) CompleteFunnelStep(ctx context.Context, id string, completedAt time.Time, timeSpent *int, metadata map[string]any) (*FunnelStep, error) {
	meta, err := encodeJSON(metadata)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE funnel_steps
		SET completed_at = ?,
		    time_spent_seconds = COALESCE(?, time_spent_seconds),
		    metadata = COALESCE(?, metadata),
		    updated_at = ?
		WHERE id = ?`,
		toMillis(completedAt), nullableInt(timeSpent), meta, toMillis(completedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete funnel step: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetFunnelStep(ctx, id)
}

func (s *SQLiteStore) ListFunnelSteps(ctx context.Context, filter FunnelFilter) ([]*FunnelStep, error) {
	var where []string
	var args []any
	if filter.FunnelName != "" {
		where = append(where, "funnel_name = ?")
		args = append(args, filter.FunnelName)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, toMillis(*filter.To))
	}

	query := "SELECT " + funnelColumns + " FROM funnel_steps"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY step_number, created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel steps: %w", err)
	}
	defer rows.Close()

	var steps []*FunnelStep
	for rows.Next() {
		step, err := scanFunnelStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funnel step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanFunnelStep(r rowScanner) (*FunnelStep, error) {
	var step FunnelStep
	var completedAt, timeSpent sql.NullInt64
	var metadata sql.NullString
	var createdAt, updatedAt int64

	if err := r.Scan(&step.ID, &step.UserID, &step.ClientID, &step.FunnelName, &step.StepNumber,
		&step.StepName, &step.StepDescription, &completedAt, &timeSpent, &metadata,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	step.CompletedAt = timePtr(completedAt)
	step.TimeSpentSeconds = intPtr(timeSpent)
	step.CreatedAt = fromMillis(createdAt)
	step.UpdatedAt = fromMillis(updatedAt)
	if err := decodeJSON(metadata, &step.Metadata); err != nil {
		return nil, err
	}
	return &step, nil
}
