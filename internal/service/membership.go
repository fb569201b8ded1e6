package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/metrics"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
	"github.com/sakif/roomspace/internal/validate"
)

// MembershipCoordinator moves users in and out of rooms. Each operation
// updates the room's member list and the user's roomId in one transaction.
type MembershipCoordinator struct {
	store   repository.Store
	events  Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewMembershipCoordinator(store repository.Store, events Publisher, logger *slog.Logger, m *metrics.Metrics) *MembershipCoordinator {
	return &MembershipCoordinator{store: store, events: events, logger: logger, metrics: m}
}

// JoinRoom adds userID to the room with the given name and code and returns
// the updated user. Name and code together identify the room; a code whose
// room has a different name is reported as NotFound.
//
// Joining the room the user is already in is a no-op. Joining while in
// another room is a Conflict.
func (c *MembershipCoordinator) JoinRoom(ctx context.Context, userID, name, code string) (user *model.User, err error) {
	defer func() { c.metrics.ObserveOp("join_room", err) }()

	name = strings.TrimSpace(name)
	code = strings.ToUpper(strings.TrimSpace(code))
	if userID == "" {
		return nil, apperror.InvalidArgument("userId", "a user is required to join a room")
	}
	if name == "" {
		return nil, apperror.ValidationFailed("name", "Room name is required")
	}
	if err := validate.RoomCode(code); err != nil {
		return nil, err
	}

	var room *model.Room
	joined := false
	err = c.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		user, err = q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		room, err = q.FindRoomByCode(ctx, code)
		if err != nil {
			return err
		}
		if room.Name != name {
			return apperror.NotFoundMessage(fmt.Sprintf("no room named %q with code %s", name, code))
		}

		if user.RoomID == room.ID && room.HasMember(userID) {
			return nil
		}
		if err := ensureRoomless(ctx, q, user); err != nil {
			return err
		}
		if err := q.AddMember(ctx, room.ID, userID); err != nil {
			return err
		}
		user.RoomID = room.ID
		joined = true
		return q.UpdateUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("service/membership: joining room %s: %w", code, err)
	}
	if !joined {
		return user, nil
	}

	var a announcer
	a.room(room.ID, realtime.KindMemberJoined, userID)
	a.user(userID, realtime.KindUserUpdated)
	a.flush(ctx, c.events)

	c.logger.Info("user joined room", slog.String("userID", userID), slog.String("roomID", room.ID))
	return user, nil
}

// LeaveResult describes what a departure did to the room.
type LeaveResult struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
	// RoomDeleted is set when the leaver was the last member.
	RoomDeleted bool `json:"roomDeleted"`
	// NewCreatorID is the promoted member when the creator left a room that
	// still has members.
	NewCreatorID string `json:"newCreatorId,omitempty"`
}

// Message is the status line shown to the user who left.
func (r *LeaveResult) Message() string {
	switch {
	case r.RoomDeleted:
		return fmt.Sprintf("You left %s. The room was deleted because no members remain.", r.RoomName)
	case r.NewCreatorID != "":
		return fmt.Sprintf("You left %s. Ownership passed to the longest-standing member.", r.RoomName)
	default:
		return fmt.Sprintf("You left %s.", r.RoomName)
	}
}

// LeaveRoom removes userID from roomID. When the creator leaves, the
// earliest-joined remaining member becomes creator; when the last member
// leaves, the room is deleted.
//
// A roomId pointing at a deleted room, or at a room that no longer lists the
// user, is cleared and NotFound is returned.
func (c *MembershipCoordinator) LeaveRoom(ctx context.Context, userID, roomID string) (res *LeaveResult, err error) {
	defer func() { c.metrics.ObserveOp("leave_room", err) }()

	if userID == "" {
		return nil, apperror.InvalidArgument("userId", "a user is required to leave a room")
	}
	if roomID == "" {
		return nil, apperror.InvalidArgument("roomId", "a room id is required")
	}

	var missing error
	repaired := false
	err = c.store.InTx(ctx, func(q repository.Queries) error {
		room, err := q.GetRoom(ctx, roomID)
		if errors.Is(err, apperror.ErrNotFound) {
			missing = err
			repaired, err = clearStaleReference(ctx, q, userID, roomID)
			return err
		}
		if err != nil {
			return err
		}
		if !room.HasMember(userID) {
			missing = apperror.NotFoundMessage(fmt.Sprintf("not a member of room %s", roomID))
			repaired, err = clearStaleReference(ctx, q, userID, roomID)
			return err
		}

		res, err = departRoom(ctx, q, userID, room)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("service/membership: leaving room %s: %w", roomID, err)
	}

	if missing != nil {
		if repaired {
			var a announcer
			a.user(userID, realtime.KindUserUpdated)
			a.flush(ctx, c.events)
			c.logger.Warn("cleared stale room reference", slog.String("userID", userID), slog.String("roomID", roomID))
		}
		return nil, fmt.Errorf("service/membership: leaving room %s: %w", roomID, missing)
	}

	var a announcer
	announceDeparture(&a, userID, res)
	a.flush(ctx, c.events)

	c.logger.Info("user left room",
		slog.String("userID", userID),
		slog.String("roomID", roomID),
		slog.Bool("roomDeleted", res.RoomDeleted),
		slog.String("newCreatorID", res.NewCreatorID),
	)
	return res, nil
}

// RemoveUserFromRoom removes targetID from roomID. Only the creator may
// remove members, and never themselves.
func (c *MembershipCoordinator) RemoveUserFromRoom(ctx context.Context, actorID, roomID, targetID string) (err error) {
	defer func() { c.metrics.ObserveOp("remove_member", err) }()

	if actorID == "" || targetID == "" {
		return apperror.InvalidArgument("userId", "both the acting and the removed user are required")
	}
	if roomID == "" {
		return apperror.InvalidArgument("roomId", "a room id is required")
	}
	if actorID == targetID {
		return apperror.Forbidden("the creator cannot remove themselves; leave the room instead")
	}

	err = c.store.InTx(ctx, func(q repository.Queries) error {
		room, err := q.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if !room.IsCreator(actorID) {
			return apperror.Forbidden("only the room creator can remove members")
		}
		if !room.HasMember(targetID) {
			return apperror.NotFoundMessage(fmt.Sprintf("user %s is not a member of this room", targetID))
		}
		if err := q.RemoveMember(ctx, roomID, targetID); err != nil {
			return err
		}
		_, err = clearStaleReference(ctx, q, targetID, roomID)
		return err
	})
	if err != nil {
		return fmt.Errorf("service/membership: removing %s from room %s: %w", targetID, roomID, err)
	}

	var a announcer
	a.room(roomID, realtime.KindMemberLeft, targetID)
	a.user(targetID, realtime.KindUserUpdated)
	a.flush(ctx, c.events)

	c.logger.Info("member removed",
		slog.String("roomID", roomID),
		slog.String("actorID", actorID),
		slog.String("userID", targetID),
	)
	return nil
}

// departRoom takes userID out of room inside q's transaction: the member row
// goes, the room is deleted if it is now empty or handed to the earliest
// remaining member if userID created it, and the user's roomId is cleared.
// A missing user profile is tolerated.
func departRoom(ctx context.Context, q repository.Queries, userID string, room *model.Room) (*LeaveResult, error) {
	res := &LeaveResult{RoomID: room.ID, RoomName: room.Name}

	if err := q.RemoveMember(ctx, room.ID, userID); err != nil {
		return nil, err
	}

	successor := room.EarliestMemberExcept(userID)
	switch {
	case successor == "":
		if err := q.DeleteRoom(ctx, room.ID); err != nil {
			return nil, err
		}
		res.RoomDeleted = true
	case room.IsCreator(userID):
		room.CreatorID = successor
		if err := q.UpdateRoom(ctx, room); err != nil {
			return nil, err
		}
		res.NewCreatorID = successor
	}

	if _, err := clearStaleReference(ctx, q, userID, room.ID); err != nil {
		return nil, err
	}
	return res, nil
}

// clearStaleReference empties userID's roomId if it still names roomID. It
// reports whether a write happened. A missing profile is not an error.
func clearStaleReference(ctx context.Context, q repository.Queries, userID, roomID string) (bool, error) {
	user, err := q.GetUser(ctx, userID)
	if errors.Is(err, apperror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if user.RoomID != roomID {
		return false, nil
	}
	user.RoomID = ""
	if err := q.UpdateUser(ctx, user); err != nil {
		return false, err
	}
	return true, nil
}

func announceDeparture(a *announcer, userID string, res *LeaveResult) {
	if res.RoomDeleted {
		a.room(res.RoomID, realtime.KindRoomDeleted, userID)
	} else {
		a.room(res.RoomID, realtime.KindMemberLeft, userID)
	}
	a.user(userID, realtime.KindUserUpdated)
}
