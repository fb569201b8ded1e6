package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/repository"
)

// newTestDB opens a fresh in-memory database that is closed when the test ends.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, db *DB, name string) *model.User {
	t.Helper()
	u := &model.User{Name: name, Email: name + "@example.com"}
	require.NoError(t, db.CreateUser(context.Background(), u))
	return u
}

// =========================================================================
// USERS
// =========================================================================

func TestCreateAndGetUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	u := createUser(t, db, "ada")
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, model.StatusHome, u.Status)
	assert.False(t, u.CreatedAt.IsZero())

	got, err := db.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Name)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.Equal(t, "", got.RoomID)
}

func TestGetUserNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestUpdateUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createUser(t, db, "ada")

	u.Status = model.StatusAway
	u.RoomID = "room1"
	require.NoError(t, db.UpdateUser(ctx, u))

	got, err := db.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAway, got.Status)
	assert.Equal(t, "room1", got.RoomID)

	err = db.UpdateUser(ctx, &model.User{ID: "ghost", Name: "x"})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestLegacyStatusReadsLowercase(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createUser(t, db, "ada")

	_, err := db.conn.ExecContext(ctx, `UPDATE users SET status = 'Away' WHERE id = ?`, u.ID)
	require.NoError(t, err)

	got, err := db.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAway, got.Status)
}

func TestDeleteUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createUser(t, db, "ada")

	require.NoError(t, db.DeleteUser(ctx, u.ID))
	_, err := db.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.ErrorIs(t, db.DeleteUser(ctx, u.ID), apperror.ErrNotFound)
}

// =========================================================================
// ROOMS
// =========================================================================

func TestCreateRoomKeepsMemberOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	room := &model.Room{Name: "Team", RoomCode: "TEAM-0001", CreatorID: "a", Members: []string{"a"}}
	require.NoError(t, db.CreateRoom(ctx, room))
	require.NoError(t, db.AddMember(ctx, room.ID, "c"))
	require.NoError(t, db.AddMember(ctx, room.ID, "b"))
	// re-adding keeps the original position
	require.NoError(t, db.AddMember(ctx, room.ID, "a"))

	got, err := db.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, got.Members)
	assert.Equal(t, "TEAM-0001", got.RoomCode)
}

func TestCreateRoomDuplicateCode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateRoom(ctx, &model.Room{Name: "One", RoomCode: "GAME-1234", CreatorID: "a", Members: []string{"a"}}))
	err := db.CreateRoom(ctx, &model.Room{Name: "Two", RoomCode: "GAME-1234", CreatorID: "b", Members: []string{"b"}})
	assert.ErrorIs(t, err, apperror.ErrDuplicateCode)

	exists, err := db.RoomCodeExists(ctx, "GAME-1234")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = db.RoomCodeExists(ctx, "GAME-9999")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateRoomCodeCollision(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := &model.Room{Name: "A", RoomCode: "ROOM-0001", CreatorID: "a", Members: []string{"a"}}
	b := &model.Room{Name: "B", RoomCode: "ROOM-0002", CreatorID: "b", Members: []string{"b"}}
	require.NoError(t, db.CreateRoom(ctx, a))
	require.NoError(t, db.CreateRoom(ctx, b))

	b.RoomCode = "ROOM-0001"
	assert.ErrorIs(t, db.UpdateRoom(ctx, b), apperror.ErrDuplicateCode)
}

func TestFindRoomByCode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	room := &model.Room{Name: "Chat", RoomCode: "CHAT-4242", CreatorID: "a", Members: []string{"a"}}
	require.NoError(t, db.CreateRoom(ctx, room))

	got, err := db.FindRoomByCode(ctx, "CHAT-4242")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, []string{"a"}, got.Members)

	_, err = db.FindRoomByCode(ctx, "CHAT-0000")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestDeleteRoomRemovesMembers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	room := &model.Room{Name: "Zone", RoomCode: "ZONE-0001", CreatorID: "a", Members: []string{"a", "b"}}
	require.NoError(t, db.CreateRoom(ctx, room))
	require.NoError(t, db.DeleteRoom(ctx, room.ID))

	_, err := db.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	var n int
	require.NoError(t, db.conn.QueryRow(`SELECT COUNT(*) FROM room_members`).Scan(&n))
	assert.Zero(t, n)
}

func TestListRoomsAndMemberViews(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ada := createUser(t, db, "ada")
	bob := createUser(t, db, "bob")

	r1 := &model.Room{Name: "One", RoomCode: "LIVE-0001", CreatorID: ada.ID, Members: []string{ada.ID, bob.ID, "ghost"}}
	r2 := &model.Room{Name: "Two", RoomCode: "LIVE-0002", CreatorID: bob.ID, Members: []string{bob.ID}}
	require.NoError(t, db.CreateRoom(ctx, r1))
	require.NoError(t, db.CreateRoom(ctx, r2))

	rooms, err := db.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	byID := map[string]model.Room{rooms[0].ID: rooms[0], rooms[1].ID: rooms[1]}
	assert.Equal(t, []string{ada.ID, bob.ID, "ghost"}, byID[r1.ID].Members)
	assert.Equal(t, []string{bob.ID}, byID[r2.ID].Members)

	views, err := db.ListMemberViews(ctx, r1.ID)
	require.NoError(t, err)
	require.Len(t, views, 2, "members without a profile are skipped")
	assert.Equal(t, "ada", views[0].Name)
	assert.Equal(t, "bob", views[1].Name)
}

// =========================================================================
// TRANSACTIONS
// =========================================================================

func TestInTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createUser(t, db, "ada")

	boom := errors.New("boom")
	err := db.InTx(ctx, func(q repository.Queries) error {
		room := &model.Room{Name: "Team", RoomCode: "TEAM-0002", CreatorID: u.ID, Members: []string{u.ID}}
		if err := q.CreateRoom(ctx, room); err != nil {
			return err
		}
		u.RoomID = room.ID
		if err := q.UpdateUser(ctx, u); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := db.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RoomID, "user update must roll back")

	exists, err := db.RoomCodeExists(ctx, "TEAM-0002")
	require.NoError(t, err)
	assert.False(t, exists, "room insert must roll back")
}

func TestInTxCommits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createUser(t, db, "ada")

	err := db.InTx(ctx, func(q repository.Queries) error {
		user, err := q.GetUser(ctx, u.ID)
		if err != nil {
			return err
		}
		user.Status = model.StatusAway
		return q.UpdateUser(ctx, user)
	})
	require.NoError(t, err)

	got, err := db.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAway, got.Status)
}

// =========================================================================
// IDENTITIES
// =========================================================================

func TestIdentityEmailUniqueCaseInsensitive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := &model.Identity{Email: "Ada@Example.com", PasswordHash: "h"}
	require.NoError(t, db.CreateIdentity(ctx, id))
	assert.Equal(t, "ada@example.com", id.Email)

	err := db.CreateIdentity(ctx, &model.Identity{Email: "ADA@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, apperror.ErrEmailInUse)

	got, err := db.GetIdentityByEmail(ctx, "ada@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, id.ID, got.ID)
}

func TestIdentityTokenVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := &model.Identity{Email: "ada@example.com", PasswordHash: "h1"}
	require.NoError(t, db.CreateIdentity(ctx, id))

	id.PasswordHash = "h2"
	id.TokenVersion++
	require.NoError(t, db.UpdateIdentity(ctx, id))

	got, err := db.GetIdentity(ctx, id.ID)
	require.NoError(t, err)
	assert.Equal(t, "h2", got.PasswordHash)
	assert.Equal(t, 1, got.TokenVersion)

	require.NoError(t, db.DeleteIdentity(ctx, id.ID))
	_, err = db.GetIdentity(ctx, id.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestPasswordResetIsSingleUse(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	id := &model.Identity{Email: "ada@example.com", PasswordHash: "h"}
	require.NoError(t, db.CreateIdentity(ctx, id))
	require.NoError(t, db.CreatePasswordReset(ctx, &model.PasswordReset{
		TokenHash: "abc", IdentityID: id.ID, ExpiresAt: now.Add(time.Hour),
	}))

	reset, err := db.ConsumePasswordReset(ctx, "abc", now)
	require.NoError(t, err)
	assert.Equal(t, id.ID, reset.IdentityID)

	_, err = db.ConsumePasswordReset(ctx, "abc", now)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestPasswordResetExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	id := &model.Identity{Email: "ada@example.com", PasswordHash: "h"}
	require.NoError(t, db.CreateIdentity(ctx, id))
	require.NoError(t, db.CreatePasswordReset(ctx, &model.PasswordReset{
		TokenHash: "old", IdentityID: id.ID, ExpiresAt: now.Add(-time.Minute),
	}))

	_, err := db.ConsumePasswordReset(ctx, "old", now)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestRevokeSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := &model.Identity{Email: "ada@example.com", PasswordHash: "h"}
	require.NoError(t, db.CreateIdentity(ctx, id))

	revoked, err := db.IsSessionRevoked(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	s := &model.RevokedSession{ID: "sess-1", IdentityID: id.ID, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, db.RevokeSession(ctx, s))
	require.NoError(t, db.RevokeSession(ctx, s), "revoking twice is not an error")

	revoked, err = db.IsSessionRevoked(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = db.IsSessionRevoked(ctx, "sess-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeSessionPrunesExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := &model.Identity{Email: "ada@example.com", PasswordHash: "h"}
	require.NoError(t, db.CreateIdentity(ctx, id))

	require.NoError(t, db.RevokeSession(ctx, &model.RevokedSession{
		ID: "stale", IdentityID: id.ID, ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, db.RevokeSession(ctx, &model.RevokedSession{
		ID: "fresh", IdentityID: id.ID, ExpiresAt: time.Now().Add(time.Hour),
	}))

	revoked, err := db.IsSessionRevoked(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestDeleteIdentityDropsRevokedSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := &model.Identity{Email: "ada@example.com", PasswordHash: "h"}
	require.NoError(t, db.CreateIdentity(ctx, id))
	require.NoError(t, db.RevokeSession(ctx, &model.RevokedSession{
		ID: "sess-1", IdentityID: id.ID, ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, db.DeleteIdentity(ctx, id.ID))
	revoked, err := db.IsSessionRevoked(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
