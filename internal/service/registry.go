package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/sakif/roomspace/internal/apperror"
	"github.com/sakif/roomspace/internal/metrics"
	"github.com/sakif/roomspace/internal/model"
	"github.com/sakif/roomspace/internal/realtime"
	"github.com/sakif/roomspace/internal/repository"
	"github.com/sakif/roomspace/internal/validate"
)

// codePrefixes is the fixed vocabulary for room codes: a code is one of
// these, a dash and four digits, e.g. "GAME-0427".
var codePrefixes = [...]string{
	"ROOM", "GAME", "CHAT", "MEET", "TEST", "LIVE", "CODE", "TEAM", "PLAY", "JOIN",
	"SAFE", "ZONE", "HOST", "PEER", "SYNC", "MOVE", "LINK", "WORK", "PAIR", "HOME",
}

// createRoomAttempts bounds how often CreateRoom draws a new generated code
// after losing a race for the previous one.
const createRoomAttempts = 3

// ErrCodeSpaceExhausted is returned when GenerateRoomCode gives up after
// its configured maximum number of candidates.
var ErrCodeSpaceExhausted = errors.New("service/rooms: no free room code found")

// CodeSource draws one candidate room code.
type CodeSource func() string

// RandomCode draws uniformly from the 20 × 10,000 code space.
func RandomCode() string {
	return fmt.Sprintf("%s-%04d", codePrefixes[rand.IntN(len(codePrefixes))], rand.IntN(10000))
}

// RoomRegistry owns room codes and the room lifecycle: creation, edits,
// code regeneration and deletion.
type RoomRegistry struct {
	store   repository.Store
	events  Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics

	codes       CodeSource
	maxAttempts int
	retry       RetryPolicy
}

// RegistryOption customises a RoomRegistry.
type RegistryOption func(*RoomRegistry)

// WithCodeSource replaces RandomCode, e.g. with a scripted sequence in tests.
func WithCodeSource(src CodeSource) RegistryOption {
	return func(r *RoomRegistry) { r.codes = src }
}

// WithMaxCodeAttempts caps the candidates GenerateRoomCode draws. Zero means
// no cap: generation then stops only when its context is done.
func WithMaxCodeAttempts(n int) RegistryOption {
	return func(r *RoomRegistry) { r.maxAttempts = n }
}

func WithRetryPolicy(p RetryPolicy) RegistryOption {
	return func(r *RoomRegistry) { r.retry = p }
}

func NewRoomRegistry(store repository.Store, events Publisher, logger *slog.Logger, m *metrics.Metrics, opts ...RegistryOption) *RoomRegistry {
	r := &RoomRegistry{
		store:   store,
		events:  events,
		logger:  logger,
		metrics: m,
		codes:   RandomCode,
		retry:   DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateRoomCode draws candidates until one is not in use. Each existence
// probe is retried with backoff on transient store errors. Generation stops
// with the context's error once ctx is done.
//
// A free code is not reserved: CreateRoom re-checks inside its transaction
// and reports DuplicateCode if another room took it in between.
func (r *RoomRegistry) GenerateRoomCode(ctx context.Context) (string, error) {
	for attempts := 1; ; attempts++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("service/rooms: generating room code: %w", err)
		}
		if r.maxAttempts > 0 && attempts > r.maxAttempts {
			return "", ErrCodeSpaceExhausted
		}

		code := r.codes()
		taken, err := retryRead(ctx, r.retry, func() (bool, error) {
			return r.store.RoomCodeExists(ctx, code)
		})
		if err != nil {
			return "", fmt.Errorf("service/rooms: probing room code %s: %w", code, err)
		}
		if !taken {
			r.metrics.ObserveCodeAttempts(attempts)
			return code, nil
		}
		r.logger.Debug("room code taken, drawing again", slog.String("code", code), slog.Int("attempt", attempts))
	}
}

// CreateRoom creates a room owned by ownerID, with ownerID as its only
// member and creator, and points the owner's roomId at it. It returns the
// room and the updated owner record. An empty code is replaced by a
// generated one.
//
// The owner must not already belong to a live room (Conflict). A given code
// that is taken yields DuplicateCode; a generated one is redrawn.
func (r *RoomRegistry) CreateRoom(ctx context.Context, ownerID, name, code string) (room *model.Room, owner *model.User, err error) {
	defer func() { r.metrics.ObserveOp("create_room", err) }()

	if ownerID == "" {
		return nil, nil, apperror.InvalidArgument("ownerId", "an owner is required to create a room")
	}
	if err := validate.RoomName(name); err != nil {
		return nil, nil, err
	}

	if code != "" {
		if err := validate.RoomCode(code); err != nil {
			return nil, nil, err
		}
		return r.createRoom(ctx, ownerID, name, code)
	}

	for i := 0; i < createRoomAttempts; i++ {
		var generated string
		generated, err = r.GenerateRoomCode(ctx)
		if err != nil {
			return nil, nil, err
		}
		room, owner, err = r.createRoom(ctx, ownerID, name, generated)
		if !errors.Is(err, apperror.ErrDuplicateCode) {
			return room, owner, err
		}
		r.logger.Info("generated room code lost a race, retrying", slog.String("code", generated))
	}
	return nil, nil, fmt.Errorf("service/rooms: creating room: %w", ErrCodeSpaceExhausted)
}

func (r *RoomRegistry) createRoom(ctx context.Context, ownerID, name, code string) (*model.Room, *model.User, error) {
	room := &model.Room{
		Name:      name,
		Desc:      model.DefaultRoomDescription,
		RoomCode:  code,
		CreatorID: ownerID,
		Members:   []string{ownerID},
	}

	var owner *model.User
	err := r.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		owner, err = q.GetUser(ctx, ownerID)
		if err != nil {
			return err
		}
		if err := ensureRoomless(ctx, q, owner); err != nil {
			return err
		}
		if err := q.CreateRoom(ctx, room); err != nil {
			return err
		}
		owner.RoomID = room.ID
		return q.UpdateUser(ctx, owner)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("service/rooms: creating room %q: %w", name, err)
	}

	var a announcer
	a.room(room.ID, realtime.KindRoomUpdated, ownerID)
	a.user(ownerID, realtime.KindUserUpdated)
	a.flush(ctx, r.events)

	r.logger.Info("room created",
		slog.String("roomID", room.ID),
		slog.String("code", room.RoomCode),
		slog.String("creatorID", ownerID),
	)
	return room, owner, nil
}

// ensureRoomless fails with Conflict when user belongs to a live room. A
// roomId pointing at a missing room, or at a room that does not list the
// user, is stale and does not count.
func ensureRoomless(ctx context.Context, q repository.Queries, user *model.User) error {
	if !user.InRoom() {
		return nil
	}
	current, err := q.GetRoom(ctx, user.RoomID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.HasMember(user.ID) {
		return apperror.ConflictMessage(fmt.Sprintf("already a member of room %q; leave it first", current.Name))
	}
	return nil
}

// DeleteRoom deletes roomID and clears the roomId of every member in the
// same transaction. Only the creator may delete. Cancelling ctx before
// commit rolls the whole deletion back.
func (r *RoomRegistry) DeleteRoom(ctx context.Context, actorID, roomID string) (err error) {
	defer func() { r.metrics.ObserveOp("delete_room", err) }()

	if roomID == "" {
		return apperror.InvalidArgument("roomId", "a room id is required")
	}

	var members []string
	err = r.store.InTx(ctx, func(q repository.Queries) error {
		room, err := q.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if !room.IsCreator(actorID) {
			return apperror.Forbidden("only the room creator can delete the room")
		}
		members = room.Members

		for _, memberID := range room.Members {
			if err := ctx.Err(); err != nil {
				return err
			}
			user, err := q.GetUser(ctx, memberID)
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if user.RoomID != roomID {
				continue
			}
			user.RoomID = ""
			if err := q.UpdateUser(ctx, user); err != nil {
				return err
			}
		}
		return q.DeleteRoom(ctx, roomID)
	})
	if err != nil {
		return fmt.Errorf("service/rooms: deleting room %s: %w", roomID, err)
	}

	var a announcer
	a.room(roomID, realtime.KindRoomDeleted, actorID)
	for _, memberID := range members {
		a.user(memberID, realtime.KindUserUpdated)
	}
	a.flush(ctx, r.events)

	r.logger.Info("room deleted",
		slog.String("roomID", roomID),
		slog.String("actorID", actorID),
		slog.Int("members", len(members)),
	)
	return nil
}

// RoomUpdate carries the editable room fields. Nil fields are left alone.
type RoomUpdate struct {
	Name *string `json:"name"`
	Desc *string `json:"desc"`
}

// UpdateRoom edits name and description. Creator only.
func (r *RoomRegistry) UpdateRoom(ctx context.Context, actorID, roomID string, upd RoomUpdate) (room *model.Room, err error) {
	defer func() { r.metrics.ObserveOp("update_room", err) }()

	if roomID == "" {
		return nil, apperror.InvalidArgument("roomId", "a room id is required")
	}
	if upd.Name != nil {
		if err := validate.RoomName(*upd.Name); err != nil {
			return nil, err
		}
	}
	if upd.Desc != nil {
		if err := validate.Description(*upd.Desc); err != nil {
			return nil, err
		}
	}

	err = r.store.InTx(ctx, func(q repository.Queries) error {
		var err error
		room, err = q.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if !room.IsCreator(actorID) {
			return apperror.Forbidden("only the room creator can edit the room")
		}
		if upd.Name != nil {
			room.Name = *upd.Name
		}
		if upd.Desc != nil {
			room.Desc = *upd.Desc
		}
		return q.UpdateRoom(ctx, room)
	})
	if err != nil {
		return nil, fmt.Errorf("service/rooms: updating room %s: %w", roomID, err)
	}

	var a announcer
	a.room(roomID, realtime.KindRoomUpdated, actorID)
	a.flush(ctx, r.events)
	return room, nil
}

// RegenerateRoomCode gives the room a fresh code. Creator only. The old code
// stops working immediately.
func (r *RoomRegistry) RegenerateRoomCode(ctx context.Context, actorID, roomID string) (code string, err error) {
	defer func() { r.metrics.ObserveOp("regenerate_code", err) }()

	if roomID == "" {
		return "", apperror.InvalidArgument("roomId", "a room id is required")
	}

	// Check permission before spending probes on a code.
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("service/rooms: regenerating code for %s: %w", roomID, err)
	}
	if !room.IsCreator(actorID) {
		return "", apperror.Forbidden("only the room creator can change the room code")
	}

	for i := 0; i < createRoomAttempts; i++ {
		code, err = r.GenerateRoomCode(ctx)
		if err != nil {
			return "", err
		}
		err = r.store.InTx(ctx, func(q repository.Queries) error {
			room, err := q.GetRoom(ctx, roomID)
			if err != nil {
				return err
			}
			if !room.IsCreator(actorID) {
				return apperror.Forbidden("only the room creator can change the room code")
			}
			taken, err := q.RoomCodeExists(ctx, code)
			if err != nil {
				return err
			}
			if taken {
				return apperror.DuplicateCode(code)
			}
			room.RoomCode = code
			return q.UpdateRoom(ctx, room)
		})
		if errors.Is(err, apperror.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("service/rooms: regenerating code for %s: %w", roomID, err)
		}

		var a announcer
		a.room(roomID, realtime.KindRoomUpdated, actorID)
		a.flush(ctx, r.events)
		r.logger.Info("room code regenerated", slog.String("roomID", roomID), slog.String("code", code))
		return code, nil
	}
	return "", fmt.Errorf("service/rooms: regenerating code for %s: %w", roomID, ErrCodeSpaceExhausted)
}

// GetRoom returns the room and its members' profiles. Only members may look.
func (r *RoomRegistry) GetRoom(ctx context.Context, actorID, roomID string) (*model.RoomSnapshot, error) {
	if roomID == "" {
		return nil, apperror.InvalidArgument("roomId", "a room id is required")
	}
	snap, err := loadSnapshot(ctx, r.store, r.retry, roomID)
	if err != nil {
		return nil, fmt.Errorf("service/rooms: loading room %s: %w", roomID, err)
	}
	if !snap.Room.HasMember(actorID) {
		return nil, apperror.Forbidden("only members can view this room")
	}
	return snap, nil
}

// loadSnapshot reads a room and its member profiles, retrying transient
// store errors.
func loadSnapshot(ctx context.Context, store repository.Store, p RetryPolicy, roomID string) (*model.RoomSnapshot, error) {
	return retryRead(ctx, p, func() (*model.RoomSnapshot, error) {
		room, err := store.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		views, err := store.ListMemberViews(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return &model.RoomSnapshot{Room: *room, Members: views}, nil
	})
}
