package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/auth"
	"github.com/sakif/roomspace/internal/mail"
	"github.com/sakif/roomspace/internal/metrics"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
	"github.com/sakif/roomspace/internal/validate"
)

// DefaultResetTTL is how long a password reset link stays valid.
const DefaultResetTTL = time.Hour

// ErrSessionRevoked is returned by VerifySession for a signed-out token or
// one issued before the identity's last password change.
var ErrSessionRevoked = errors.New("service/session: session revoked")

// SessionConfig holds the password reset settings.
type SessionConfig struct {
	// ResetURL is the page that accepts a reset token, e.g.
	// "https://app.example.com/reset". The token is appended as ?token=.
	ResetURL string
	ResetTTL time.Duration
}

// SessionGateway is the identity side of the service: accounts, sign-in,
// session tokens, passwords and account deletion.
type SessionGateway struct {
	store     repository.Store
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	events    PubSub
	mailer    mail.Sender
	logger    *slog.Logger
	metrics   *metrics.Metrics

	resetURL string
	resetTTL time.Duration
	retry    RetryPolicy
	now      func() time.Time
}

func NewSessionGateway(
	store repository.Store,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	events PubSub,
	mailer mail.Sender,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg SessionConfig,
) *SessionGateway {
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	return &SessionGateway{
		store:     store,
		tokens:    tokens,
		passwords: passwords,
		events:    events,
		mailer:    mailer,
		logger:    logger,
		metrics:   m,
		resetURL:  cfg.ResetURL,
		resetTTL:  cfg.ResetTTL,
		retry:     DefaultRetryPolicy,
		now:       time.Now,
	}
}

// AuthResult is a signed-in user with a fresh session token.
type AuthResult struct {
	User  *model.User `json:"user"`
	Token string      `json:"-"`
}

// SignUp creates an identity and its profile in one transaction. The new
// user is home and in no room.
func (g *SessionGateway) SignUp(ctx context.Context, name, email, password string) (res *AuthResult, err error) {
	defer func() { g.metrics.ObserveOp("sign_up", err) }()

	email = strings.TrimSpace(email)
	if err := validate.UserName(name); err != nil {
		return nil, err
	}
	if err := validate.Email(email); err != nil {
		return nil, err
	}
	if err := validate.Password(password); err != nil {
		return nil, err
	}

	hash, err := g.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("service/session: signing up: %w", err)
	}

	identity := &model.Identity{Email: email, PasswordHash: hash}
	var user *model.User
	err = g.store.InTx(ctx, func(q repository.Queries) error {
		if err := q.CreateIdentity(ctx, identity); err != nil {
			return err
		}
		user = &model.User{
			ID:     identity.ID,
			Name:   name,
			Email:  identity.Email,
			Status: model.StatusHome,
		}
		return q.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("service/session: signing up: %w", err)
	}

	token, err := g.tokens.Generate(user.ID, identity.TokenVersion)
	if err != nil {
		return nil, fmt.Errorf("service/session: signing up: %w", err)
	}

	g.publishUser(ctx, user.ID, realtime.KindSignedIn)
	g.logger.Info("account created", slog.String("userID", user.ID))
	return &AuthResult{User: user, Token: token}, nil
}

// SignIn checks email and password. Unknown emails and wrong passwords both
// yield InvalidCredentials.
func (g *SessionGateway) SignIn(ctx context.Context, email, password string) (res *AuthResult, err error) {
	defer func() { g.metrics.ObserveOp("sign_in", err) }()

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, apperror.InvalidCredentials()
	}

	identity, err := g.store.GetIdentityByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.InvalidCredentials()
	}
	if err != nil {
		return nil, fmt.Errorf("service/session: signing in: %w", err)
	}
	if err := g.passwords.Verify(identity.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, apperror.InvalidCredentials()
		}
		return nil, fmt.Errorf("service/session: signing in: %w", err)
	}

	if g.passwords.NeedsRehash(identity.PasswordHash) {
		g.rehash(ctx, identity, password)
	}

	user, err := g.profileFor(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("service/session: signing in: %w", err)
	}

	token, err := g.tokens.Generate(user.ID, identity.TokenVersion)
	if err != nil {
		return nil, fmt.Errorf("service/session: signing in: %w", err)
	}

	g.publishUser(ctx, user.ID, realtime.KindSignedIn)
	return &AuthResult{User: user, Token: token}, nil
}

// rehash upgrades a hash made at an old bcrypt cost. Failure only delays the
// upgrade to the next sign-in.
func (g *SessionGateway) rehash(ctx context.Context, identity *model.Identity, password string) {
	hash, err := g.passwords.Hash(password)
	if err != nil {
		g.logger.Warn("rehashing password", slog.String("userID", identity.ID), errAttr(err))
		return
	}
	identity.PasswordHash = hash
	if err := g.store.UpdateIdentity(ctx, identity); err != nil {
		g.logger.Warn("storing rehashed password", slog.String("userID", identity.ID), errAttr(err))
	}
}

// profileFor loads the identity's profile, recreating it if an earlier
// sign-up failed between the identity and the profile write.
func (g *SessionGateway) profileFor(ctx context.Context, identity *model.Identity) (*model.User, error) {
	user, err := g.store.GetUser(ctx, identity.ID)
	if !errors.Is(err, apperror.ErrNotFound) {
		return user, err
	}

	user = &model.User{
		ID:     identity.ID,
		Name:   nameFromEmail(identity.Email),
		Email:  identity.Email,
		Status: model.StatusHome,
	}
	if err := g.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	g.logger.Warn("recreated missing profile", slog.String("userID", user.ID))
	return user, nil
}

// nameFromEmail derives a display name that passes UserName from the local
// part of an address.
func nameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	var b strings.Builder
	for _, r := range local {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
		if b.Len() >= 14 {
			break
		}
	}
	if b.Len() == 0 {
		return "Member"
	}
	return b.String()
}

// SignOut revokes the one session token and ends the streams opened with
// it. The user's other sessions stay signed in. A token that no longer
// validates has nothing left to revoke and is not an error.
func (g *SessionGateway) SignOut(ctx context.Context, token string) (err error) {
	defer func() { g.metrics.ObserveOp("sign_out", err) }()

	sess, err := g.tokens.Validate(token)
	if err != nil || sess.ID == "" {
		return nil
	}

	err = g.store.RevokeSession(ctx, &model.RevokedSession{
		ID:         sess.ID,
		IdentityID: sess.UserID,
		ExpiresAt:  sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("service/session: signing out: %w", err)
	}

	g.events.Publish(ctx, realtime.Event{
		Topic:   realtime.UserTopic(sess.UserID),
		Kind:    realtime.KindSignedOut,
		Subject: sess.ID,
	})
	g.logger.Info("signed out", slog.String("userID", sess.UserID))
	return nil
}

// SessionID returns the session a token belongs to, or "" for a token that
// does not validate.
func (g *SessionGateway) SessionID(token string) string {
	sess, err := g.tokens.Validate(token)
	if err != nil {
		return ""
	}
	return sess.ID
}

// VerifySession validates a session token and returns its user ID. Signed
// out tokens and tokens from before the last password change are rejected
// with ErrSessionRevoked.
func (g *SessionGateway) VerifySession(ctx context.Context, token string) (string, error) {
	sess, err := g.tokens.Validate(token)
	if err != nil {
		return "", err
	}
	identity, err := retryRead(ctx, g.retry, func() (*model.Identity, error) {
		return g.store.GetIdentity(ctx, sess.UserID)
	})
	if err != nil {
		return "", fmt.Errorf("service/session: verifying session: %w", err)
	}
	if identity.TokenVersion != sess.Version {
		return "", ErrSessionRevoked
	}
	if sess.ID != "" {
		revoked, err := retryRead(ctx, g.retry, func() (bool, error) {
			return g.store.IsSessionRevoked(ctx, sess.ID)
		})
		if err != nil {
			return "", fmt.Errorf("service/session: verifying session: %w", err)
		}
		if revoked {
			return "", ErrSessionRevoked
		}
	}
	return sess.UserID, nil
}

// CurrentUser returns the stored profile of userID.
func (g *SessionGateway) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := retryRead(ctx, g.retry, func() (*model.User, error) {
		return g.store.GetUser(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("service/session: loading user %s: %w", userID, err)
	}
	return user, nil
}

// UpdateProfile renames the user.
func (g *SessionGateway) UpdateProfile(ctx context.Context, userID, name string) (user *model.User, err error) {
	defer func() { g.metrics.ObserveOp("update_profile", err) }()

	if err := validate.UserName(name); err != nil {
		return nil, err
	}

	err = g.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		user, err = q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		user.Name = name
		return q.UpdateUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("service/session: updating profile of %s: %w", userID, err)
	}

	var a announcer
	a.user(userID, realtime.KindUserUpdated)
	if user.InRoom() {
		a.room(user.RoomID, realtime.KindUserUpdated, userID)
	}
	a.flush(ctx, g.events)
	return user, nil
}

// ChangePassword re-authenticates with oldPassword, stores newPassword and
// returns a fresh token. Every earlier token stops validating.
func (g *SessionGateway) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) (token string, err error) {
	defer func() { g.metrics.ObserveOp("change_password", err) }()

	identity, err := g.reauthenticate(ctx, userID, oldPassword)
	if err != nil {
		return "", err
	}
	if err := validate.Password(newPassword); err != nil {
		return "", err
	}
	hash, err := g.passwords.Hash(newPassword)
	if err != nil {
		return "", fmt.Errorf("service/session: changing password: %w", err)
	}

	verifiedHash := identity.PasswordHash
	err = g.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		identity, err = q.GetIdentity(ctx, userID)
		if err != nil {
			return err
		}
		// Someone else changed it between the check and this transaction.
		if identity.PasswordHash != verifiedHash {
			return apperror.ReauthFailed()
		}
		identity.PasswordHash = hash
		identity.TokenVersion++
		return q.UpdateIdentity(ctx, identity)
	})
	if err != nil {
		return "", fmt.Errorf("service/session: changing password: %w", err)
	}

	token, err = g.tokens.Generate(userID, identity.TokenVersion)
	if err != nil {
		return "", fmt.Errorf("service/session: changing password: %w", err)
	}

	g.publishUser(ctx, userID, realtime.KindPasswordChanged)
	g.logger.Info("password changed", slog.String("userID", userID))
	return token, nil
}

// reauthenticate confirms the caller knows the current password.
func (g *SessionGateway) reauthenticate(ctx context.Context, userID, password string) (*model.Identity, error) {
	identity, err := g.store.GetIdentity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/session: reauthenticating: %w", err)
	}
	if err := g.passwords.Verify(identity.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, apperror.ReauthFailed()
		}
		return nil, fmt.Errorf("service/session: reauthenticating: %w", err)
	}
	return identity, nil
}

// SendPasswordReset mails a single-use reset link. An unknown address
// succeeds without sending anything.
func (g *SessionGateway) SendPasswordReset(ctx context.Context, email string) (err error) {
	defer func() { g.metrics.ObserveOp("send_password_reset", err) }()

	email = strings.TrimSpace(email)
	if err := validate.Email(email); err != nil {
		return err
	}

	identity, err := g.store.GetIdentityByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		g.logger.Debug("password reset for unknown email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("service/session: sending password reset: %w", err)
	}

	token, err := newResetToken()
	if err != nil {
		return fmt.Errorf("service/session: sending password reset: %w", err)
	}
	reset := &model.PasswordReset{
		TokenHash:  hashResetToken(token),
		IdentityID: identity.ID,
		ExpiresAt:  g.now().Add(g.resetTTL),
	}
	if err := g.store.CreatePasswordReset(ctx, reset); err != nil {
		return fmt.Errorf("service/session: sending password reset: %w", err)
	}

	if err := g.mailer.Send(ctx, mail.PasswordResetMessage(identity.Email, g.resetLink(token))); err != nil {
		return fmt.Errorf("service/session: sending password reset: %w", err)
	}
	g.logger.Info("password reset sent", slog.String("userID", identity.ID))
	return nil
}

func (g *SessionGateway) resetLink(token string) string {
	sep := "?"
	if strings.Contains(g.resetURL, "?") {
		sep = "&"
	}
	return g.resetURL + sep + "token=" + url.QueryEscape(token)
}

// ResetPassword consumes a reset token and sets newPassword. Unknown, used
// and expired tokens are InvalidArgument. Existing sessions are revoked.
func (g *SessionGateway) ResetPassword(ctx context.Context, token, newPassword string) (err error) {
	defer func() { g.metrics.ObserveOp("reset_password", err) }()

	if token == "" {
		return apperror.InvalidArgument("token", "a reset token is required")
	}
	if err := validate.Password(newPassword); err != nil {
		return err
	}
	hash, err := g.passwords.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("service/session: resetting password: %w", err)
	}

	var userID string
	err = g.store.InTx(ctx, func(q repository.Queries) error {
		reset, err := q.ConsumePasswordReset(ctx, hashResetToken(token), g.now())
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.InvalidArgument("token", "this reset link is invalid or has expired")
		}
		if err != nil {
			return err
		}
		identity, err := q.GetIdentity(ctx, reset.IdentityID)
		if err != nil {
			return err
		}
		identity.PasswordHash = hash
		identity.TokenVersion++
		userID = identity.ID
		return q.UpdateIdentity(ctx, identity)
	})
	if err != nil {
		return fmt.Errorf("service/session: resetting password: %w", err)
	}

	g.publishUser(ctx, userID, realtime.KindPasswordChanged)
	g.logger.Info("password reset", slog.String("userID", userID))
	return nil
}

// DeleteAccount re-authenticates, takes the user out of their room exactly
// as LeaveRoom would, then deletes profile and identity. All of it commits
// or none of it does.
func (g *SessionGateway) DeleteAccount(ctx context.Context, userID, password string) (err error) {
	defer func() { g.metrics.ObserveOp("delete_account", err) }()

	if _, err := g.reauthenticate(ctx, userID, password); err != nil {
		return err
	}

	var departure *LeaveResult
	err = g.store.InTx(ctx, func(q repository.Queries) error {
		user, err := q.GetUser(ctx, userID)
		switch {
		case errors.Is(err, apperror.ErrNotFound):
		case err != nil:
			return err
		default:
			if user.InRoom() {
				room, err := q.GetRoom(ctx, user.RoomID)
				if err != nil && !errors.Is(err, apperror.ErrNotFound) {
					return err
				}
				if room != nil && room.HasMember(userID) {
					if departure, err = departRoom(ctx, q, userID, room); err != nil {
						return err
					}
				}
			}
			if err := q.DeleteUser(ctx, userID); err != nil {
				return err
			}
		}
		return q.DeleteIdentity(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("service/session: deleting account %s: %w", userID, err)
	}

	var a announcer
	if departure != nil {
		announceDeparture(&a, userID, departure)
	}
	a.user(userID, realtime.KindUserDeleted)
	a.flush(ctx, g.events)

	g.logger.Info("account deleted", slog.String("userID", userID))
	return nil
}

func (g *SessionGateway) publishUser(ctx context.Context, userID string, kind realtime.Kind) {
	var a announcer
	a.user(userID, kind)
	a.flush(ctx, g.events)
}

func newResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
