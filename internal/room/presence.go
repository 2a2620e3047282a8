package room

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Presence tracks member liveness in Redis. Heartbeats are volatile by
// nature, so they live in a per-room hash with a TTL instead of
// hammering the rooms database every interval.
type Presence struct {
	client       *redis.Client
	offlineAfter time.Duration
}

// NewPresence creates a Redis-backed presence tracker. A member is
// considered offline once its heartbeat is older than offlineAfter.
func NewPresence(client *redis.Client, offlineAfter time.Duration) *Presence {
	return &Presence{client: client, offlineAfter: offlineAfter}
}

func heartbeatKey(roomID string) string {
	return "linewatch:room:" + roomID + ":heartbeats"
}

// Heartbeat records a liveness timestamp for one member
func (p *Presence) Heartbeat(ctx context.Context, roomID, userID string, at time.Time) error {
	key := heartbeatKey(roomID)
	if err := p.client.HSet(ctx, key, userID, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	// Refresh the hash TTL so abandoned rooms clean themselves up.
	if err := p.client.Expire(ctx, key, p.offlineAfter*4).Err(); err != nil {
		return fmt.Errorf("failed to refresh heartbeat ttl: %w", err)
	}
	return nil
}

// Clear removes a member's heartbeat on leave
func (p *Presence) Clear(ctx context.Context, roomID, userID string) error {
	if err := p.client.HDel(ctx, heartbeatKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("failed to clear heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeats returns the most recent heartbeat per member
func (p *Presence) LastHeartbeats(ctx context.Context, roomID string) (map[string]time.Time, error) {
	raw, err := p.client.HGetAll(ctx, heartbeatKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}

	out := make(map[string]time.Time, len(raw))
	for userID, val := range raw {
		millis, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			log.Warn().Str("user_id", userID).Str("value", val).Msg("skipping unparseable heartbeat")
			continue
		}
		out[userID] = time.UnixMilli(millis)
	}
	return out, nil
}
