package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Room is the rooms table row
type Room struct {
	ID           string
	HostID       string
	CreatedAt    time.Time
	LastActivity time.Time
	IsActive     bool
}

// Participant is the room_participants table row
type Participant struct {
	RoomID    string
	UserID    string
	UserName  string
	UserColor string
	IsHost    bool
	LastSeen  time.Time
}

// Queries provides data access against Postgres
type Queries struct {
	pool *pgxpool.Pool
}

// New creates a Queries instance backed by the given pool
func New(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

type CreateRoomParams struct {
	ID        string
	HostID    string
	CreatedAt time.Time
}

const createRoom = `
INSERT INTO rooms (id, host_id, created_at, last_activity, is_active)
VALUES ($1, $2, $3, $3, true)
RETURNING id, host_id, created_at, last_activity, is_active`

func (q *Queries) CreateRoom(ctx context.Context, arg CreateRoomParams) (Room, error) {
	row := q.pool.QueryRow(ctx, createRoom, arg.ID, arg.HostID, arg.CreatedAt)
	var r Room
	err := row.Scan(&r.ID, &r.HostID, &r.CreatedAt, &r.LastActivity, &r.IsActive)
	return r, err
}

const getRoom = `
SELECT id, host_id, created_at, last_activity, is_active
FROM rooms
WHERE id = $1`

func (q *Queries) GetRoom(ctx context.Context, id string) (Room, error) {
	row := q.pool.QueryRow(ctx, getRoom, id)
	var r Room
	err := row.Scan(&r.ID, &r.HostID, &r.CreatedAt, &r.LastActivity, &r.IsActive)
	return r, err
}

const touchRoom = `
UPDATE rooms SET last_activity = $2 WHERE id = $1`

func (q *Queries) TouchRoom(ctx context.Context, id string, at time.Time) error {
	_, err := q.pool.Exec(ctx, touchRoom, id, at)
	return err
}

const setRoomActive = `
UPDATE rooms SET is_active = $2, last_activity = $3 WHERE id = $1`

func (q *Queries) SetRoomActive(ctx context.Context, id string, active bool, at time.Time) error {
	_, err := q.pool.Exec(ctx, setRoomActive, id, active, at)
	return err
}

type UpsertParticipantParams struct {
	RoomID    string
	UserID    string
	UserName  string
	UserColor string
	IsHost    bool
	LastSeen  time.Time
}

const upsertParticipant = `
INSERT INTO room_participants (room_id, user_id, user_name, user_color, is_host, last_seen)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (room_id, user_id) DO UPDATE
SET user_name = EXCLUDED.user_name,
    user_color = EXCLUDED.user_color,
    last_seen = EXCLUDED.last_seen`

func (q *Queries) UpsertParticipant(ctx context.Context, arg UpsertParticipantParams) error {
	_, err := q.pool.Exec(ctx, upsertParticipant,
		arg.RoomID, arg.UserID, arg.UserName, arg.UserColor, arg.IsHost, arg.LastSeen)
	return err
}

const removeParticipant = `
DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`

func (q *Queries) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	_, err := q.pool.Exec(ctx, removeParticipant, roomID, userID)
	return err
}

const listParticipants = `
SELECT room_id, user_id, user_name, user_color, is_host, last_seen
FROM room_participants
WHERE room_id = $1
ORDER BY is_host DESC, user_name`

func (q *Queries) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	rows, err := q.pool.Query(ctx, listParticipants, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.RoomID, &p.UserID, &p.UserName, &p.UserColor, &p.IsHost, &p.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err is the driver's no-rows error
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
