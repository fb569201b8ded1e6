// Package repository declares the storage contracts the services depend on.
//
// The services never see SQL. They receive a Store and run every multi-record
// mutation through Store.InTx, so the two sides of a membership change
// (the user's roomId and the room's member list) commit or roll back
// together. Implementations live in the sqlite and postgres subpackages.
package repository

import (
	"context"
	"time"

	"github.com/sakif/roomspace/internal/model"
)

// UserRepository reads and writes user profile documents.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	// GetUser returns apperror.ErrNotFound when no profile exists.
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]model.User, error)
}

// RoomRepository reads and writes rooms and their ordered member lists.
type RoomRepository interface {
	// CreateRoom inserts the room and its initial members. A room code that
	// is already taken yields apperror.ErrDuplicateCode.
	CreateRoom(ctx context.Context, room *model.Room) error
	// GetRoom returns apperror.ErrNotFound when the room does not exist.
	// Inside a transaction the room is locked until commit.
	GetRoom(ctx context.Context, id string) (*model.Room, error)
	FindRoomByCode(ctx context.Context, code string) (*model.Room, error)
	RoomCodeExists(ctx context.Context, code string) (bool, error)
	// UpdateRoom writes name, desc, roomCode and creatorId. Members are
	// changed only through AddMember and RemoveMember.
	UpdateRoom(ctx context.Context, room *model.Room) error
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	DeleteRoom(ctx context.Context, id string) error
	ListRooms(ctx context.Context) ([]model.Room, error)
	// ListMemberViews returns the profiles of the room's members in join
	// order. Members without a profile are skipped.
	ListMemberViews(ctx context.Context, roomID string) ([]model.MemberView, error)
}

// IdentityRepository stores credentials, password reset tokens and revoked
// sessions.
type IdentityRepository interface {
	// CreateIdentity yields apperror.ErrEmailInUse for a taken email.
	CreateIdentity(ctx context.Context, identity *model.Identity) error
	GetIdentity(ctx context.Context, id string) (*model.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error)
	UpdateIdentity(ctx context.Context, identity *model.Identity) error
	DeleteIdentity(ctx context.Context, id string) error

	CreatePasswordReset(ctx context.Context, reset *model.PasswordReset) error
	// ConsumePasswordReset deletes the token and returns it. Unknown or
	// expired tokens yield apperror.ErrNotFound.
	ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (*model.PasswordReset, error)

	// RevokeSession records a signed-out session. Revoking twice is not an
	// error. Rows past their expiry are pruned on the way.
	RevokeSession(ctx context.Context, session *model.RevokedSession) error
	IsSessionRevoked(ctx context.Context, id string) (bool, error)
}

// Queries is everything readable and writable inside or outside a transaction.
type Queries interface {
	UserRepository
	RoomRepository
	IdentityRepository
}

// Store is a Queries bound to the database plus transaction control.
type Store interface {
	Queries
	// InTx runs fn inside a single transaction. fn must use only the
	// Queries it is handed; the transaction commits when fn returns nil
	// and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}
