package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/navitrack/fleetcore/pkg/model"
)

// UserByUsername fetches one user for authentication.
func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at
		FROM users WHERE username = $1`, username)

	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Admin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user and returns its id.
func (s *Store) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, is_admin)
		VALUES ($1, $2, $3) RETURNING id`,
		u.Username, u.PasswordHash, u.Admin).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

// CreateChannel inserts a notification channel and returns its id.
func (s *Store) CreateChannel(ctx context.Context, c *model.NotificationChannel) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO notification_channels (user_id, name, url)
		VALUES ($1, $2, $3) RETURNING id`,
		c.UserID, c.Name, c.URL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create channel: %w", err)
	}
	return id, nil
}
