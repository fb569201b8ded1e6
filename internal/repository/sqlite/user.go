package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/model"
)

const userColumns = `id, name, email, status, room_id, created_at, updated_at`

// CreateUser inserts a profile. An empty ID gets a fresh xid; a caller that
// already owns an identity passes that identity's ID so both share it.
func (q *queries) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	if user.ID == "" {
		user.ID = xid.New().String()
	}
	if user.Status == "" {
		user.Status = model.StatusHome
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := q.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, string(user.Status), user.RoomID, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.ID)
		}
		return fmt.Errorf("sqlite: inserting user %s: %w", user.ID, err)
	}
	return nil
}

func (q *queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying user %s: %w", id, err)
	}
	return user, nil
}

// UpdateUser writes every mutable profile field.
func (q *queries) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()
	result, err := q.q.ExecContext(ctx,
		`UPDATE users SET name = ?, email = ?, status = ?, room_id = ?, updated_at = ? WHERE id = ?`,
		user.Name, user.Email, string(user.Status), user.RoomID, user.UpdatedAt, user.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
	}
	return expectOneRow(result, "user", user.ID)
}

func (q *queries) DeleteUser(ctx context.Context, id string) error {
	result, err := q.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting user %s: %w", id, err)
	}
	return expectOneRow(result, "user", id)
}

func (q *queries) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return users, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var user model.User
	var status string
	if err := s.Scan(&user.ID, &user.Name, &user.Email, &status, &user.RoomID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.Status = normalizeStatus(status)
	return &user, nil
}

// normalizeStatus maps legacy "Home"/"Away" values onto the lowercase set.
// Unknown values read as home.
func normalizeStatus(s string) model.Status {
	if st, err := model.ParseStatus(s); err == nil {
		return st
	}
	return model.StatusHome
}

func expectOneRow(result sql.Result, resource, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected for %s %s: %w", resource, id, err)
	}
	if n == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
