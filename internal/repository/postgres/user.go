package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/model"
)

const userColumns = `id, name, email, status, room_id, created_at, updated_at`

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

	_, err := q.db.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Name, user.Email, string(user.Status), user.RoomID, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("user", user.ID)
		}
		return fmt.Errorf("postgres: inserting user %s: %w", user.ID, err)
	}
	return nil
}

func (q *queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`+q.forUpdate(), id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: querying user %s: %w", id, err)
	}
	return user, nil
}

func (q *queries) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()
	tag, err := q.db.Exec(ctx,
		`UPDATE users SET name = $1, email = $2, status = $3, room_id = $4, updated_at = $5 WHERE id = $6`,
		user.Name, user.Email, string(user.Status), user.RoomID, user.UpdatedAt, user.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: updating user %s: %w", user.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("user", user.ID)
	}
	return nil
}

func (q *queries) DeleteUser(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: deleting user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

func (q *queries) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := q.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`+q.forUpdate())
	if err != nil {
		return nil, fmt.Errorf("postgres: listing users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scanning user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating user rows: %w", err)
	}
	return users, nil
}

func scanUser(s rowScanner) (*model.User, error) {
	var user model.User
	var status string
	if err := s.Scan(&user.ID, &user.Name, &user.Email, &status, &user.RoomID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.Status = normalizeStatus(status)
	return &user, nil
}

func normalizeStatus(s string) model.Status {
	if st, err := model.ParseStatus(s); err == nil {
		return st
	}
	return model.StatusHome
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
