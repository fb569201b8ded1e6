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

const roomColumns = `id, name, description, room_code, creator_id, created_at, updated_at`

// CreateRoom inserts the room row and one member row per entry in
// room.Members, in order.
func (q *queries) CreateRoom(ctx context.Context, room *model.Room) error {
	exists, err := q.RoomCodeExists(ctx, room.RoomCode)
	if err != nil {
		return err
	}
	if exists {
		return apperror.DuplicateCode(room.RoomCode)
	}

	now := time.Now().UTC()
	if room.ID == "" {
		room.ID = xid.New().String()
	}
	room.CreatedAt = now
	room.UpdatedAt = now

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO rooms (`+roomColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Name, room.Desc, room.RoomCode, room.CreatorID, room.CreatedAt, room.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.DuplicateCode(room.RoomCode)
		}
		return fmt.Errorf("sqlite: inserting room %s: %w", room.ID, err)
	}

	for _, userID := range room.Members {
		if err := q.AddMember(ctx, room.ID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("room", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying room %s: %w", id, err)
	}
	if err := q.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (q *queries) FindRoomByCode(ctx context.Context, code string) (*model.Room, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE room_code = ?`, code)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFoundMessage(fmt.Sprintf("no room with code %s", code))
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying room by code %s: %w", code, err)
	}
	if err := q.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (q *queries) RoomCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms WHERE room_code = ?`, code).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: probing room code %s: %w", code, err)
	}
	return n > 0, nil
}

func (q *queries) UpdateRoom(ctx context.Context, room *model.Room) error {
	room.UpdatedAt = time.Now().UTC()
	result, err := q.q.ExecContext(ctx,
		`UPDATE rooms SET name = ?, description = ?, room_code = ?, creator_id = ?, updated_at = ? WHERE id = ?`,
		room.Name, room.Desc, room.RoomCode, room.CreatorID, room.UpdatedAt, room.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.DuplicateCode(room.RoomCode)
		}
		return fmt.Errorf("sqlite: updating room %s: %w", room.ID, err)
	}
	return expectOneRow(result, "room", room.ID)
}

// AddMember appends userID to the member list. Adding an existing member is
// a no-op and keeps the original join position.
func (q *queries) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES (?, ?) ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: adding member %s to room %s: %w", userID, roomID, err)
	}
	return nil
}

// RemoveMember drops userID from the member list. Removing a non-member is a
// no-op.
func (q *queries) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: removing member %s from room %s: %w", userID, roomID, err)
	}
	return nil
}

func (q *queries) DeleteRoom(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting members of room %s: %w", id, err)
	}
	result, err := q.q.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting room %s: %w", id, err)
	}
	return expectOneRow(result, "room", id)
}

// ListRooms returns every room with its members. Rows are drained before
// the member query runs: the pool has a single connection.
func (q *queries) ListRooms(ctx context.Context) ([]model.Room, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing rooms: %w", err)
	}
	rooms := []model.Room{}
	index := map[string]int{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scanning room row: %w", err)
		}
		room.Members = []string{}
		index[room.ID] = len(rooms)
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite: iterating room rows: %w", err)
	}
	rows.Close()

	mrows, err := q.q.QueryContext(ctx, `SELECT room_id, user_id FROM room_members ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing room members: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var roomID, userID string
		if err := mrows.Scan(&roomID, &userID); err != nil {
			return nil, fmt.Errorf("sqlite: scanning member row: %w", err)
		}
		if i, ok := index[roomID]; ok {
			rooms[i].Members = append(rooms[i].Members, userID)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating member rows: %w", err)
	}
	return rooms, nil
}

func (q *queries) ListMemberViews(ctx context.Context, roomID string) ([]model.MemberView, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT u.id, u.name, u.status
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY m.seq`, roomID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing member views for room %s: %w", roomID, err)
	}
	defer rows.Close()

	views := []model.MemberView{}
	for rows.Next() {
		var v model.MemberView
		var status string
		if err := rows.Scan(&v.ID, &v.Name, &status); err != nil {
			return nil, fmt.Errorf("sqlite: scanning member view: %w", err)
		}
		v.Status = normalizeStatus(status)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating member views: %w", err)
	}
	return views, nil
}

func (q *queries) loadMembers(ctx context.Context, room *model.Room) error {
	rows, err := q.q.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY seq`, room.ID)
	if err != nil {
		return fmt.Errorf("sqlite: loading members of room %s: %w", room.ID, err)
	}
	defer rows.Close()

	room.Members = []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return fmt.Errorf("sqlite: scanning member of room %s: %w", room.ID, err)
		}
		room.Members = append(room.Members, userID)
	}
	return rows.Err()
}

func scanRoom(s scanner) (*model.Room, error) {
	var room model.Room
	if err := s.Scan(&room.ID, &room.Name, &room.Desc, &room.RoomCode, &room.CreatorID, &room.CreatedAt, &room.UpdatedAt); err != nil {
		return nil, err
	}
	return &room, nil
}
