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

const roomColumns = `id, name, description, room_code, creator_id, created_at, updated_at`

func (q *queries) CreateRoom(ctx context.Context, room *model.Room) error {
	now := time.Now().UTC()
	if room.ID == "" {
		room.ID = xid.New().String()
	}
	room.CreatedAt = now
	room.UpdatedAt = now

	_, err := q.db.Exec(ctx,
		`INSERT INTO rooms (`+roomColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		room.ID, room.Name, room.Desc, room.RoomCode, room.CreatorID, room.CreatedAt, room.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.DuplicateCode(room.RoomCode)
		}
		return fmt.Errorf("postgres: inserting room %s: %w", room.ID, err)
	}

	for _, userID := range room.Members {
		if err := q.AddMember(ctx, room.ID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	row := q.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`+q.forUpdate(), id)
	return q.finishRoom(ctx, row, apperror.NotFound("room", id))
}

func (q *queries) FindRoomByCode(ctx context.Context, code string) (*model.Room, error) {
	row := q.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE room_code = $1`+q.forUpdate(), code)
	return q.finishRoom(ctx, row, apperror.NotFoundMessage(fmt.Sprintf("no room with code %s", code)))
}

func (q *queries) finishRoom(ctx context.Context, row pgx.Row, notFound error) (*model.Room, error) {
	room, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: querying room: %w", err)
	}
	if err := q.loadMembers(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

func (q *queries) RoomCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE room_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: probing room code %s: %w", code, err)
	}
	return exists, nil
}

func (q *queries) UpdateRoom(ctx context.Context, room *model.Room) error {
	room.UpdatedAt = time.Now().UTC()
	tag, err := q.db.Exec(ctx,
		`UPDATE rooms SET name = $1, description = $2, room_code = $3, creator_id = $4, updated_at = $5 WHERE id = $6`,
		room.Name, room.Desc, room.RoomCode, room.CreatorID, room.UpdatedAt, room.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.DuplicateCode(room.RoomCode)
		}
		return fmt.Errorf("postgres: updating room %s: %w", room.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("room", room.ID)
	}
	return nil
}

func (q *queries) AddMember(ctx context.Context, roomID, userID string) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID,
	)
	if err != nil {
		return fmt.Errorf("postgres: adding member %s to room %s: %w", userID, roomID, err)
	}
	return nil
}

func (q *queries) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("postgres: removing member %s from room %s: %w", userID, roomID, err)
	}
	return nil
}

func (q *queries) DeleteRoom(ctx context.Context, id string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM room_members WHERE room_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: deleting members of room %s: %w", id, err)
	}
	tag, err := q.db.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: deleting room %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("room", id)
	}
	return nil
}

func (q *queries) ListRooms(ctx context.Context) ([]model.Room, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY created_at, id`+q.forUpdate())
	if err != nil {
		return nil, fmt.Errorf("postgres: listing rooms: %w", err)
	}
	rooms := []model.Room{}
	index := map[string]int{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scanning room row: %w", err)
		}
		room.Members = []string{}
		index[room.ID] = len(rooms)
		rooms = append(rooms, *room)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating room rows: %w", err)
	}

	mrows, err := q.db.Query(ctx, `SELECT room_id, user_id FROM room_members ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing room members: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var roomID, userID string
		if err := mrows.Scan(&roomID, &userID); err != nil {
			return nil, fmt.Errorf("postgres: scanning member row: %w", err)
		}
		if i, ok := index[roomID]; ok {
			rooms[i].Members = append(rooms[i].Members, userID)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating member rows: %w", err)
	}
	return rooms, nil
}

func (q *queries) ListMemberViews(ctx context.Context, roomID string) ([]model.MemberView, error) {
	rows, err := q.db.Query(ctx, `
		SELECT u.id, u.name, u.status
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		ORDER BY m.seq`, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing member views for room %s: %w", roomID, err)
	}
	defer rows.Close()

	views := []model.MemberView{}
	for rows.Next() {
		var v model.MemberView
		var status string
		if err := rows.Scan(&v.ID, &v.Name, &status); err != nil {
			return nil, fmt.Errorf("postgres: scanning member view: %w", err)
		}
		v.Status = normalizeStatus(status)
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating member views: %w", err)
	}
	return views, nil
}

func (q *queries) loadMembers(ctx context.Context, room *model.Room) error {
	rows, err := q.db.Query(ctx, `SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY seq`, room.ID)
	if err != nil {
		return fmt.Errorf("postgres: loading members of room %s: %w", room.ID, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("postgres: scanning members of room %s: %w", room.ID, err)
	}
	room.Members = members
	return nil
}

func scanRoom(s rowScanner) (*model.Room, error) {
	var room model.Room
	if err := s.Scan(&room.ID, &room.Name, &room.Desc, &room.RoomCode, &room.CreatorID, &room.CreatedAt, &room.UpdatedAt); err != nil {
		return nil, err
	}
	return &room, nil
}
