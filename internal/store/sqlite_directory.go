package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *SQLiteStore) UpsertUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, role, industry, company_size, subscription_plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			role = excluded.role,
			industry = excluded.industry,
			company_size = excluded.company_size,
			subscription_plan = excluded.subscription_plan`,
		u.ID, u.Role, u.Industry, u.CompanySize, u.SubscriptionPlan, toMillis(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, role, industry, company_size, subscription_plan, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Role, &u.Industry, &u.CompanySize, &u.SubscriptionPlan, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

func (s *SQLiteStore) AddClientRelationship(ctx context.Context, clientID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO client_relationships (client_id, user_id) VALUES (?, ?)", clientID, userID)
	if err != nil {
		return fmt.Errorf("failed to add client relationship: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUserClients(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT client_id FROM client_relationships WHERE user_id = ? ORDER BY client_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user clients: %w", err)
	}
	defer rows.Close()

	var clients []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan client id: %w", err)
		}
		clients = append(clients, id)
	}
	return clients, rows.Err()
}
