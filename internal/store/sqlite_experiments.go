package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const experimentColumns = `id, name, description, experiment_type, status, target_audience,
	success_metrics, configuration, start_date, end_date, created_by, created_at, updated_at`

const assignmentColumns = `id, user_id, experiment_id, variant_id, assigned_at, converted_at,
	conversion_value, metadata`

func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *Experiment) error {
	audience, err := encodeJSON(e.TargetAudience)
	if err != nil {
		return err
	}
	metrics, err := encodeJSON(e.SuccessMetrics)
	if err != nil {
		return err
	}
	config, err := encodeJSON(e.Configuration)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experiments (`+experimentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Name, e.Description, e.ExperimentType, string(e.Status),
			audience, metrics, config,
			nullableMillis(e.StartDate), nullableMillis(e.EndDate),
			e.CreatedBy, toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert experiment: %w", err)
		}

		for i := range e.Variants {
			v := &e.Variants[i]
			v.ExperimentID = e.ID
			v.Position = i
			vconfig, err := encodeJSON(v.Configuration)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO experiment_variants
					(id, experiment_id, name, description, traffic_percentage, is_control, configuration, position, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				v.ID, e.ID, v.Name, v.Description, v.TrafficPercentage,
				boolInt(v.IsControl), vconfig, v.Position, toMillis(v.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert variant %q: %w", v.Name, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+experimentColumns+" FROM experiments WHERE id = ?", id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	variants, err := s.listVariants(ctx, []string{e.ID})
	if err != nil {
		return nil, err
	}
	e.Variants = variants[e.ID]
	return e, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter ExperimentFilter) ([]*Experiment, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ExperimentType != "" {
		where = append(where, "experiment_type = ?")
		args = append(args, filter.ExperimentType)
	}
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.StartedAfter != nil {
		where = append(where, "start_date >= ?")
		args = append(args, toMillis(*filter.StartedAfter))
	}
	if filter.EndedBefore != nil {
		where = append(where, "end_date <= ?")
		args = append(args, toMillis(*filter.EndedBefore))
	}

	query := "SELECT " + experimentColumns + " FROM experiments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var experiments []*Experiment
	var ids []string
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		experiments = append(experiments, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiments: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return experiments, nil
	}
	variants, err := s.listVariants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range experiments {
		e.Variants = variants[e.ID]
	}
	return experiments, nil
}

func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, id string, from, to ExperimentStatus, startDate, endDate *time.Time, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE experiments
		SET status = ?,
		    start_date = COALESCE(?, start_date),
		    end_date = COALESCE(?, end_date),
		    updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), nullableMillis(startDate), nullableMillis(endDate), toMillis(updatedAt), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiments WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check experiment: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (s *SQLiteStore) listVariants(ctx context.Context, experimentIDs []string) (map[string][]Variant, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(experimentIDs)), ",")
	args := make([]any, len(experimentIDs))
	for i, id := range experimentIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, name, description, traffic_percentage, is_control, configuration, position, created_at
		FROM experiment_variants
		WHERE experiment_id IN (`+placeholders+`)
		ORDER BY experiment_id, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Variant)
	for rows.Next() {
		var v Variant
		var isControl int
		var config sql.NullString
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Name, &v.Description, &v.TrafficPercentage,
			&isControl, &config, &v.Position, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		v.IsControl = isControl != 0
		v.CreatedAt = fromMillis(createdAt)
		if err := decodeJSON(config, &v.Configuration); err != nil {
			return nil, err
		}
		out[v.ExperimentID] = append(out[v.ExperimentID], v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(r rowScanner) (*Experiment, error) {
	var e Experiment
	var status string
	var audience, metrics, config sql.NullString
	var start, end sql.NullInt64
	var createdAt, updatedAt int64

	err := r.Scan(&e.ID, &e.Name, &e.Description, &e.ExperimentType, &status,
		&audience, &metrics, &config, &start, &end, &e.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Status = ExperimentStatus(status)
	e.StartDate = timePtr(start)
	e.EndDate = timePtr(end)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	if err := decodeJSON(audience, &e.TargetAudience); err != nil {
		return nil, err
	}
	if err := decodeJSON(metrics, &e.SuccessMetrics); err != nil {
		return nil, err
	}
	if err := decodeJSON(config, &e.Configuration); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	metadata, err := encodeJSON(a.Metadata)
	if err != nil {
		return nil, false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_assignments (id, user_id, experiment_id, variant_id, assigned_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, experiment_id) DO NOTHING`,
		a.ID, a.UserID, a.ExperimentID, a.VariantID, toMillis(a.AssignedAt), metadata,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assignment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := s.GetAssignment(ctx, a.UserID, a.ExperimentID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, userID, experimentID string) (*Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+assignmentColumns+" FROM experiment_assignments WHERE user_id = ? AND experiment_id = ?",
		userID, experimentID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, experimentID string) ([]*Assignment, error) {
	return s.queryAssignments(ctx,
		"SELECT "+assignmentColumns+" FROM experiment_assignments WHERE experiment_id = ? ORDER BY assigned_at",
		experimentID)
}

func (s *SQLiteStore) ListUserAssignments(ctx context.Context, userID string) ([]*Assignment, error) {
	return s.queryAssignments(ctx,
		"SELECT "+assignmentColumns+" FROM experiment_assignments WHERE user_id = ? ORDER BY assigned_at DESC",
		userID)
}

func (s *SQLiteStore) RecordConversion(ctx context.Context, userID, experimentID string, at time.Time, value *float64, metadata map[string]any) (*Assignment, error) {
	meta, err := encodeJSON(metadata)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE experiment_assignments
		SET converted_at = ?,
		    conversion_value = ?,
		    metadata = COALESCE(?, metadata)
		WHERE user_id = ? AND experiment_id = ?`,
		toMillis(at), nullableFloat(value), meta, userID, experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record conversion: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetAssignment(ctx, userID, experimentID)
}

func (s *SQLiteStore) queryAssignments(ctx context.Context, query string, args ...any) ([]*Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(r rowScanner) (*Assignment, error) {
	var a Assignment
	var assignedAt int64
	var convertedAt sql.NullInt64
	var value sql.NullFloat64
	var metadata sql.NullString

	if err := r.Scan(&a.ID, &a.UserID, &a.ExperimentID, &a.VariantID, &assignedAt,
		&convertedAt, &value, &metadata); err != nil {
		return nil, err
	}
	a.AssignedAt = fromMillis(assignedAt)
	a.ConvertedAt = timePtr(convertedAt)
	a.ConversionValue = floatPtr(value)
	if err := decodeJSON(metadata, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}
