// Package auth issues and checks session credentials: HS256 session tokens
// and bcrypt password hashes. Account records themselves live in the
// repository layer; the session gateway service ties the two together.
//
// SESSION TOKEN CLAIMS:
//
//	sub  identity/user ID
//	jti  session ID, unique per sign-in
//	ver  identity token version at issue time
//	iss  "roomspace"
//	exp  issue time + TTL
//
// A token is only accepted while its "ver" equals the identity's current
// TokenVersion. Changing or resetting a password bumps the version, which
// retires every token issued before it. Signing out revokes a single token
// by its jti; the session gateway keeps those until they would have expired.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
)

const issuer = "roomspace"

// DefaultTokenTTL applies when NewTokenService is given a zero TTL.
const DefaultTokenTTL = 24 * time.Hour

// ErrTokenExpired is returned by Validate for a well-formed but expired token.
var ErrTokenExpired = errors.New("auth: token expired")

// TokenService signs and verifies session tokens with one HMAC secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. The secret must be at least 16
// characters; generate one with `openssl rand -hex 32`.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL is the lifetime of tokens from Generate. Handlers use it as the cookie
// Max-Age.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

type claims struct {
	Version int `json:"ver"`
	jwt.RegisteredClaims
}

// Session is what a valid token says about its bearer.
type Session struct {
	ID        string
	UserID    string
	Version   int
	ExpiresAt time.Time
}

// Generate signs a token for userID at the given identity token version.
func (s *TokenService) Generate(userID string, version int) (string, error) {
	return s.GenerateWithDuration(userID, version, s.ttl)
}

// GenerateWithDuration is Generate with an explicit lifetime. Tests use a
// negative duration to produce an already-expired token.
func (s *TokenService) GenerateWithDuration(userID string, version int, d time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        xid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature, issuer, algorithm and expiry, and returns the
// session the token describes. It does not check the token version against
// storage; that is the session gateway's job.
func (s *TokenService) Validate(tokenStr string) (*Session, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		// Pinning the method list blocks "alg: none" and RS/HS confusion.
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	if c.Subject == "" {
		return nil, errors.New("auth: token has no subject")
	}
	sess := &Session{ID: c.ID, UserID: c.Subject, Version: c.Version}
	if c.ExpiresAt != nil {
		sess.ExpiresAt = c.ExpiresAt.Time
	}
	return sess, nil
}
