package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// UserRepository reads the account flags the delivery pipeline depends on.
// Accounts themselves are managed elsewhere.
type UserRepository interface {
	IsActive(ctx context.Context, userID string) (bool, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
	// FilterActive keeps the ids that belong to active users, preserving
	// input order and dropping duplicates.
	FilterActive(ctx context.Context, userIDs []string) ([]string, error)
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

func (u *userRepository) IsActive(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := u.db.QueryRowContext(ctx, `SELECT is_active FROM notify.users WHERE id = $1`, userID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}
	return active, nil
}

func (u *userRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := u.db.QueryContext(ctx, `SELECT id FROM notify.users WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	return scanIDs(rows)
}

func (u *userRepository) FilterActive(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := u.db.QueryContext(ctx, `SELECT id FROM notify.users WHERE is_active AND id = ANY($1)`, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("filter active users: %w", err)
	}
	found, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}

	active := make(map[string]struct{}, len(found))
	for _, id := range found {
		active[id] = struct{}{}
	}
	out := make([]string, 0, len(found))
	for _, id := range userIDs {
		if _, ok := active[id]; ok {
			out = append(out, id)
			delete(active, id)
		}
	}
	return out, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
