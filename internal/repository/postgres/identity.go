package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/xid"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/model"
)

const identityColumns = `id, email, password_hash, token_version, created_at, updated_at`

func (q *queries) CreateIdentity(ctx context.Context, identity *model.Identity) error {
	now := time.Now().UTC()
	if identity.ID == "" {
		identity.ID = xid.New().String()
	}
	identity.Email = normalizeEmail(identity.Email)
	identity.CreatedAt = now
	identity.UpdatedAt = now

	_, err := q.db.Exec(ctx,
		`INSERT INTO identities (`+identityColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		identity.ID, identity.Email, identity.PasswordHash, identity.TokenVersion, identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.EmailInUse(identity.Email)
		}
		return fmt.Errorf("postgres: inserting identity %s: %w", identity.ID, err)
	}
	return nil
}

func (q *queries) GetIdentity(ctx context.Context, id string) (*model.Identity, error) {
	row := q.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`+q.forUpdate(), id)
	identity, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("identity", id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: querying identity %s: %w", id, err)
	}
	return identity, nil
}

func (q *queries) GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error) {
	email = normalizeEmail(email)
	row := q.db.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email)
	identity, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFoundMessage(fmt.Sprintf("no account for %s", email))
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: querying identity by email: %w", err)
	}
	return identity, nil
}

func (q *queries) UpdateIdentity(ctx context.Context, identity *model.Identity) error {
	identity.UpdatedAt = time.Now().UTC()
	tag, err := q.db.Exec(ctx,
		`UPDATE identities SET email = $1, password_hash = $2, token_version = $3, updated_at = $4 WHERE id = $5`,
		normalizeEmail(identity.Email), identity.PasswordHash, identity.TokenVersion, identity.UpdatedAt, identity.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.EmailInUse(identity.Email)
		}
		return fmt.Errorf("postgres: updating identity %s: %w", identity.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("identity", identity.ID)
	}
	return nil
}

func (q *queries) DeleteIdentity(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: deleting identity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("identity", id)
	}
	return nil
}

func (q *queries) CreatePasswordReset(ctx context.Context, reset *model.PasswordReset) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO password_resets (token_hash, identity_id, expires_at) VALUES ($1, $2, $3)`,
		reset.TokenHash, reset.IdentityID, reset.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: inserting password reset for %s: %w", reset.IdentityID, err)
	}
	return nil
}

// ConsumePasswordReset deletes and returns the token in one statement.
func (q *queries) ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (*model.PasswordReset, error) {
	var reset model.PasswordReset
	err := q.db.QueryRow(ctx,
		`DELETE FROM password_resets WHERE token_hash = $1 RETURNING token_hash, identity_id, expires_at`, tokenHash,
	).Scan(&reset.TokenHash, &reset.IdentityID, &reset.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFoundMessage("password reset token is invalid or has expired")
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: consuming password reset: %w", err)
	}
	if !now.Before(reset.ExpiresAt) {
		return nil, apperror.NotFoundMessage("password reset token is invalid or has expired")
	}
	return &reset, nil
}

func (q *queries) RevokeSession(ctx context.Context, session *model.RevokedSession) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM revoked_sessions WHERE expires_at <= now()`); err != nil {
		return fmt.Errorf("postgres: pruning revoked sessions: %w", err)
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO revoked_sessions (id, identity_id, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		session.ID, session.IdentityID, session.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: revoking session %s: %w", session.ID, err)
	}
	return nil
}

func (q *queries) IsSessionRevoked(ctx context.Context, id string) (bool, error) {
	var revoked bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_sessions WHERE id = $1)`, id).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("postgres: querying revoked session %s: %w", id, err)
	}
	return revoked, nil
}

func scanIdentity(s rowScanner) (*model.Identity, error) {
	var identity model.Identity
	if err := s.Scan(&identity.ID, &identity.Email, &identity.PasswordHash, &identity.TokenVersion, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
		return nil, err
	}
	return &identity, nil
}
