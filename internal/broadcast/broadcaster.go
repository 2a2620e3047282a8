package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/line"
	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/wire"
)

// RoomSender fans an encoded message out to a room's local connections
type RoomSender interface {
	BroadcastToRoom(roomID string, data []byte)
}

// RelayPublisher forwards a change to collaborating server instances
type RelayPublisher interface {
	PublishChange(ctx context.Context, roomID string, change models.Change) error
}

// Broadcaster fans accepted line transitions out to room members and,
// for changes that entered on this instance, to the cross-instance
// relay. Relay-delivered changes are re-broadcast to local members only;
// never back to the relay. That asymmetry is the loop prevention.
type Broadcaster struct {
	hub RoomSender

	mu    sync.RWMutex
	relay RelayPublisher
}

// New creates a broadcaster. relay may be nil for single-instance
// deployments; line changes then fan out to local members only.
func New(hub RoomSender, relay RelayPublisher) *Broadcaster {
	return &Broadcaster{hub: hub, relay: relay}
}

// SetRelay attaches the cross-instance relay. The relay's apply path
// needs the room registry, which in turn needs this broadcaster, so the
// relay is wired in after construction.
func (b *Broadcaster) SetRelay(relay RelayPublisher) {
	b.mu.Lock()
	b.relay = relay
	b.mu.Unlock()
}

// ChangeHandler returns the engine onChange callback for one room
func (b *Broadcaster) ChangeHandler(ctx context.Context, roomID string) func(models.Change) {
	return func(change models.Change) {
		b.Publish(ctx, roomID, change)
	}
}

// Publish sends one accepted transition to all collaborators
func (b *Broadcaster) Publish(ctx context.Context, roomID string, change models.Change) {
	data, err := wire.Encode(wire.TypeLineStateChanged, change.SentAt, wire.ChangeToWire(change))
	if err != nil {
		log.Error().Err(err).Int("line", change.LineID).Msg("failed to encode line change")
		return
	}
	b.hub.BroadcastToRoom(roomID, data)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay == nil || change.Origin != models.OriginLocal {
		return
	}
	if err := relay.PublishChange(ctx, roomID, change); err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Int("line", change.LineID).
			Msg("failed to publish change to relay")
	}
}

// TickHandler returns the scheduler onTick callback for one room,
// fanning countdown display updates out to local members. A room with
// no connected members is a no-op at the hub, never an error.
func (b *Broadcaster) TickHandler(roomID string) func(lineID int, remaining time.Duration) {
	return func(lineID int, remaining time.Duration) {
		tick := wire.TimerTick{
			LineNumber:   lineID,
			RemainingSec: int(remaining.Round(time.Second).Seconds()),
			Display:      line.FormatRemaining(remaining),
		}
		data, err := wire.Encode(wire.TypeTimerTick, time.Now(), tick)
		if err != nil {
			log.Error().Err(err).Int("line", lineID).Msg("failed to encode timer tick")
			return
		}
		b.hub.BroadcastToRoom(roomID, data)
	}
}
