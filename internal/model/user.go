// Package model defines the data structures used throughout the application.
package model

import "time"

// User is the profile document for one account.
//
// The JSON field names (name, email, status, roomId) are the persisted wire
// names shared with existing clients; keep them stable.
//
// RoomID is empty when the user belongs to no room. When non-empty, the room
// it names must list this user among its members, and vice versa. The
// membership services keep both sides in step inside one transaction.
type User struct {
	ID        string    `json:"id"        db:"id"`
	Name      string    `json:"name"      db:"name"`
	Email     string    `json:"email"     db:"email"`
	Status    Status    `json:"status"    db:"status"`
	RoomID    string    `json:"roomId"    db:"room_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// InRoom reports whether the user currently references a room.
func (u *User) InRoom() bool {
	return u.RoomID != ""
}

// Identity is the credential record owned by the identity provider.
// Its ID is shared with the matching User document.
//
// TokenVersion is embedded in every issued session token; bumping it
// (password change or reset) invalidates all earlier tokens.
type Identity struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	TokenVersion int       `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PasswordReset is a pending single-use reset token. Only the SHA-256 hash
// of the token is stored.
type PasswordReset struct {
	TokenHash  string
	IdentityID string
	ExpiresAt  time.Time
}

// RevokedSession is a signed-out session token, kept until the token would
// have expired anyway.
type RevokedSession struct {
	ID         string
	IdentityID string
	ExpiresAt  time.Time
}
