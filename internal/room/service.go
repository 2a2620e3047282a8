package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/models"
)

var (
	// ErrRoomNotFound is returned when joining an unknown room id
	ErrRoomNotFound = errors.New("room: not found")
	// ErrRoomClosed is returned when joining a room whose host has left
	ErrRoomClosed = errors.New("room: closed")
)

// Repo defines what the service needs from room persistence
type Repo interface {
	CreateRoom(ctx context.Context, roomID, hostID string, at time.Time) (models.Room, error)
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	TouchRoom(ctx context.Context, roomID string, at time.Time) error
	CloseRoom(ctx context.Context, roomID string, at time.Time) error
	UpsertParticipant(ctx context.Context, roomID string, p models.Participant) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
}

// PresenceTracker defines what the service needs from heartbeat storage
type PresenceTracker interface {
	Heartbeat(ctx context.Context, roomID, userID string, at time.Time) error
	Clear(ctx context.Context, roomID, userID string) error
	LastHeartbeats(ctx context.Context, roomID string) (map[string]time.Time, error)
}

// Service implements room membership semantics. Create and join commit
// nothing when the remote write fails; leave always completes local
// cleanup no matter what the transport does.
type Service struct {
	repo              Repo
	presence          PresenceTracker
	clock             clockwork.Clock
	heartbeatInterval time.Duration
	offlineAfter      time.Duration
}

// NewService creates a room service
func NewService(repo Repo, presence PresenceTracker, clock clockwork.Clock, heartbeatInterval, offlineAfter time.Duration) *Service {
	return &Service{
		repo:              repo,
		presence:          presence,
		clock:             clock,
		heartbeatInterval: heartbeatInterval,
		offlineAfter:      offlineAfter,
	}
}

// CreateRoom creates a room with the caller as host and returns the
// host session. On any failure no session exists and the room is not
// joinable.
func (s *Service) CreateRoom(ctx context.Context, userID, userName, color string) (models.RoomSession, error) {
	roomID := newRoomCode()
	now := s.clock.Now()

	if _, err := s.repo.CreateRoom(ctx, roomID, userID, now); err != nil {
		return models.RoomSession{}, fmt.Errorf("create room: %w", err)
	}

	host := models.Participant{
		UserID:   userID,
		UserName: userName,
		Color:    color,
		IsHost:   true,
		LastSeen: now,
	}
	if err := s.repo.UpsertParticipant(ctx, roomID, host); err != nil {
		// Roll the half-created room back so nobody can join it.
		if closeErr := s.repo.CloseRoom(ctx, roomID, now); closeErr != nil {
			log.Error().Err(closeErr).Str("room_id", roomID).Msg("failed to close half-created room")
		}
		return models.RoomSession{}, fmt.Errorf("create room: %w", err)
	}

	if err := s.presence.Heartbeat(ctx, roomID, userID, now); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("initial heartbeat failed")
	}

	log.Info().Str("room_id", roomID).Str("host_id", userID).Msg("room created")
	return models.RoomSession{
		RoomID:   roomID,
		Role:     models.RoleHost,
		UserID:   userID,
		UserName: userName,
		Color:    color,
	}, nil
}

// JoinRoom adds the caller to an existing active room. A failed join
// leaves no partial membership behind.
func (s *Service) JoinRoom(ctx context.Context, roomID, userID, userName, color string) (models.RoomSession, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return models.RoomSession{}, err
	}
	if !room.IsActive {
		return models.RoomSession{}, ErrRoomClosed
	}

	now := s.clock.Now()
	role := models.RoleMember
	if room.HostID == userID {
		role = models.RoleHost
	}

	member := models.Participant{
		UserID:   userID,
		UserName: userName,
		Color:    color,
		IsHost:   role == models.RoleHost,
		LastSeen: now,
	}
	if err := s.repo.UpsertParticipant(ctx, roomID, member); err != nil {
		return models.RoomSession{}, fmt.Errorf("join room: %w", err)
	}

	if err := s.presence.Heartbeat(ctx, roomID, userID, now); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("initial heartbeat failed")
	}
	if err := s.repo.TouchRoom(ctx, roomID, now); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to bump room activity")
	}

	log.Info().Str("room_id", roomID).Str("user_id", userID).Str("role", string(role)).Msg("joined room")
	return models.RoomSession{
		RoomID:   roomID,
		Role:     role,
		UserID:   userID,
		UserName: userName,
		Color:    color,
	}, nil
}

// LeaveRoom removes the caller from the room. Transport errors are
// logged, never returned: the caller's local session is gone regardless
// of whether the remote cleanup succeeded. Returns true when the
// departing member was the host, which closes the room.
func (s *Service) LeaveRoom(ctx context.Context, session models.RoomSession) (closed bool) {
	now := s.clock.Now()

	if err := s.presence.Clear(ctx, session.RoomID, session.UserID); err != nil {
		log.Warn().Err(err).Str("room_id", session.RoomID).Str("user_id", session.UserID).Msg("failed to clear heartbeat on leave")
	}
	if err := s.repo.RemoveParticipant(ctx, session.RoomID, session.UserID); err != nil {
		log.Warn().Err(err).Str("room_id", session.RoomID).Str("user_id", session.UserID).Msg("failed to remove participant on leave")
	}

	if session.Role == models.RoleHost {
		if err := s.repo.CloseRoom(ctx, session.RoomID, now); err != nil {
			log.Warn().Err(err).Str("room_id", session.RoomID).Msg("failed to close room on host departure")
		}
		log.Info().Str("room_id", session.RoomID).Msg("host left, room closed")
		return true
	}

	if err := s.repo.TouchRoom(ctx, session.RoomID, now); err != nil {
		log.Warn().Err(err).Str("room_id", session.RoomID).Msg("failed to bump room activity on leave")
	}
	log.Info().Str("room_id", session.RoomID).Str("user_id", session.UserID).Msg("left room")
	return false
}

// Participants lists a room's members with presence-derived online
// flags. A presence read failure degrades everyone to offline rather
// than failing the listing.
func (s *Service) Participants(ctx context.Context, roomID string) ([]models.Participant, error) {
	list, err := s.repo.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}

	heartbeats, err := s.presence.LastHeartbeats(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to read heartbeats, reporting all members offline")
		heartbeats = nil
	}

	now := s.clock.Now()
	for i := range list {
		if hb, ok := heartbeats[list[i].UserID]; ok {
			list[i].LastSeen = hb
			list[i].IsOnline = now.Sub(hb) <= s.offlineAfter
		}
	}
	return list, nil
}

// RunHeartbeat writes a heartbeat for one member at the configured
// interval until ctx is cancelled. Runs for the lifetime of a member's
// connection.
func (s *Service) RunHeartbeat(ctx context.Context, roomID, userID string) {
	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.presence.Heartbeat(ctx, roomID, userID, s.clock.Now()); err != nil {
				log.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("heartbeat write failed")
			}
		}
	}
}

// newRoomCode returns a short shareable room identifier
func newRoomCode() string {
	return uuid.New().String()[:8]
}
