package room

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/room/db"
)

// Querier defines what the repository needs from the database layer
type Querier interface {
	CreateRoom(ctx context.Context, arg db.CreateRoomParams) (db.Room, error)
	GetRoom(ctx context.Context, id string) (db.Room, error)
	TouchRoom(ctx context.Context, id string, at time.Time) error
	SetRoomActive(ctx context.Context, id string, active bool, at time.Time) error
	UpsertParticipant(ctx context.Context, arg db.UpsertParticipantParams) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	ListParticipants(ctx context.Context, roomID string) ([]db.Participant, error)
}

// Repository implements room data access operations
type Repository struct {
	queries Querier
}

// NewRepository creates a new room repository
func NewRepository(querier Querier) *Repository {
	return &Repository{queries: querier}
}

// CreateRoom inserts a new active room record
func (r *Repository) CreateRoom(ctx context.Context, roomID, hostID string, at time.Time) (models.Room, error) {
	dbRoom, err := r.queries.CreateRoom(ctx, db.CreateRoomParams{
		ID:        roomID,
		HostID:    hostID,
		CreatedAt: at,
	})
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to create room: %w", err)
	}
	return dbRoomToModel(dbRoom), nil
}

// GetRoom retrieves a room by id
func (r *Repository) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	dbRoom, err := r.queries.GetRoom(ctx, roomID)
	if db.IsNotFound(err) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to get room: %w", err)
	}
	return dbRoomToModel(dbRoom), nil
}

// TouchRoom bumps a room's last-activity timestamp
func (r *Repository) TouchRoom(ctx context.Context, roomID string, at time.Time) error {
	if err := r.queries.TouchRoom(ctx, roomID, at); err != nil {
		return fmt.Errorf("failed to touch room: %w", err)
	}
	return nil
}

// CloseRoom marks a room inactive
func (r *Repository) CloseRoom(ctx context.Context, roomID string, at time.Time) error {
	if err := r.queries.SetRoomActive(ctx, roomID, false, at); err != nil {
		return fmt.Errorf("failed to close room: %w", err)
	}
	return nil
}

// UpsertParticipant inserts or refreshes a participant record
func (r *Repository) UpsertParticipant(ctx context.Context, roomID string, p models.Participant) error {
	err := r.queries.UpsertParticipant(ctx, db.UpsertParticipantParams{
		RoomID:    roomID,
		UserID:    p.UserID,
		UserName:  p.UserName,
		UserColor: p.Color,
		IsHost:    p.IsHost,
		LastSeen:  p.LastSeen,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// RemoveParticipant deletes a participant record
func (r *Repository) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	if err := r.queries.RemoveParticipant(ctx, roomID, userID); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

// ListParticipants returns all participant records for a room
func (r *Repository) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	dbParts, err := r.queries.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	out := make([]models.Participant, 0, len(dbParts))
	for _, p := range dbParts {
		out = append(out, models.Participant{
			UserID:   p.UserID,
			UserName: p.UserName,
			Color:    p.UserColor,
			IsHost:   p.IsHost,
			LastSeen: p.LastSeen,
		})
	}
	return out, nil
}

func dbRoomToModel(r db.Room) models.Room {
	return models.Room{
		ID:           r.ID,
		HostID:       r.HostID,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		IsActive:     r.IsActive,
	}
}
