package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rooms an event can be addressed to.
const (
	RoomGlobal = "global"
	RoomAgents = "agents"
	RoomHealth = "health"
)

// RoomInstance returns the per-instance room name.
func RoomInstance(instanceID string) string { return "instance:" + instanceID }

// Event is a fire-and-forget notification for UI consumers.
type Event struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Broadcaster delivers events to a room. Delivery is best-effort; publish
// failures are logged, never propagated into the orchestration path.
type Broadcaster interface {
	Publish(ctx context.Context, room string, ev Event)
}

// NoopBroadcaster is substituted when the event feed is not configured.
type NoopBroadcaster struct{}

func (NoopBroadcaster) Publish(context.Context, string, Event) {}

const channelPrefix = "tooldock:events:"

// RedisBroadcaster fans events out over Redis pub/sub channels, one channel
// per room.
type RedisBroadcaster struct {
	rdb *redis.Client
}

func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, room string, ev Event) {
	if b.rdb == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("failed to encode event")
		return
	}
	if err := b.rdb.Publish(ctx, channelPrefix+room, data).Err(); err != nil {
		log.Warn().Err(err).Str("room", room).Str("type", ev.Type).Msg("event publish failed")
	}
}
