package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

	_, err := q.q.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		identity.ID, identity.Email, identity.PasswordHash, identity.TokenVersion, identity.CreatedAt, identity.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.EmailInUse(identity.Email)
		}
		return fmt.Errorf("sqlite: inserting identity %s: %w", identity.ID, err)
	}
	return nil
}

func (q *queries) GetIdentity(ctx context.Context, id string) (*model.Identity, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("identity", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying identity %s: %w", id, err)
	}
	return identity, nil
}

func (q *queries) GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error) {
	email = normalizeEmail(email)
	row := q.q.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = ?`, email)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFoundMessage(fmt.Sprintf("no account for %s", email))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying identity by email: %w", err)
	}
	return identity, nil
}

func (q *queries) UpdateIdentity(ctx context.Context, identity *model.Identity) error {
	identity.UpdatedAt = time.Now().UTC()
	result, err := q.q.ExecContext(ctx,
		`UPDATE identities SET email = ?, password_hash = ?, token_version = ?, updated_at = ? WHERE id = ?`,
		normalizeEmail(identity.Email), identity.PasswordHash, identity.TokenVersion, identity.UpdatedAt, identity.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.EmailInUse(identity.Email)
		}
		return fmt.Errorf("sqlite: updating identity %s: %w", identity.ID, err)
	}
	return expectOneRow(result, "identity", identity.ID)
}

func (q *queries) DeleteIdentity(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM password_resets WHERE identity_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting reset tokens of %s: %w", id, err)
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE identity_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting revoked sessions of %s: %w", id, err)
	}
	result, err := q.q.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting identity %s: %w", id, err)
	}
	return expectOneRow(result, "identity", id)
}

func (q *queries) CreatePasswordReset(ctx context.Context, reset *model.PasswordReset) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO password_resets (token_hash, identity_id, expires_at) VALUES (?, ?, ?)`,
		reset.TokenHash, reset.IdentityID, reset.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting password reset for %s: %w", reset.IdentityID, err)
	}
	return nil
}

func (q *queries) ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (*model.PasswordReset, error) {
	var reset model.PasswordReset
	var expires int64
	err := q.q.QueryRowContext(ctx,
		`SELECT token_hash, identity_id, expires_at FROM password_resets WHERE token_hash = ?`, tokenHash,
	).Scan(&reset.TokenHash, &reset.IdentityID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFoundMessage("password reset token is invalid or has expired")
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying password reset: %w", err)
	}

	if _, err := q.q.ExecContext(ctx, `DELETE FROM password_resets WHERE token_hash = ?`, tokenHash); err != nil {
		return nil, fmt.Errorf("sqlite: consuming password reset: %w", err)
	}

	reset.ExpiresAt = time.Unix(expires, 0).UTC()
	if !now.Before(reset.ExpiresAt) {
		return nil, apperror.NotFoundMessage("password reset token is invalid or has expired")
	}
	return &reset, nil
}

func (q *queries) RevokeSession(ctx context.Context, session *model.RevokedSession) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE expires_at <= ?`, time.Now().Unix()); err != nil {
		return fmt.Errorf("sqlite: pruning revoked sessions: %w", err)
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_sessions (id, identity_id, expires_at) VALUES (?, ?, ?)`,
		session.ID, session.IdentityID, session.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: revoking session %s: %w", session.ID, err)
	}
	return nil
}

func (q *queries) IsSessionRevoked(ctx context.Context, id string) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM revoked_sessions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: querying revoked session %s: %w", id, err)
	}
	return n > 0, nil
}

func scanIdentity(s scanner) (*model.Identity, error) {
	var identity model.Identity
	if err := s.Scan(&identity.ID, &identity.Email, &identity.PasswordHash, &identity.TokenVersion, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
		return nil, err
	}
	return &identity, nil
}
