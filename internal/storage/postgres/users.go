package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	gateway "github.com/sigil-ai/sigil/internal"
)

// GetUser loads one user record by principal ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*gateway.User, error) {
	u := gateway.User{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT rate_limits FROM users WHERE user_id = $1`, userID,
	).Scan(&u.RateLimits)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", gateway.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return &u, nil
}

// UpsertUser inserts or replaces a user record.
func (s *Store) UpsertUser(ctx context.Context, u *gateway.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, rate_limits) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET rate_limits = excluded.rate_limits`,
		u.UserID, u.RateLimits)
	if err != nil {
		return fmt.Errorf("postgres: upsert user: %w", err)
	}
	return nil
}
