package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/kernel/common/redis"
)

// RedisSink publishes events to a per-user Redis channel so external
// fanout services can stream them to frontends.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink creates a sink on an established Redis client
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// channelPrefix namespaces the per-user event channels
const channelPrefix = "workflow:events:"

// Channel returns the pub/sub channel carrying one user's events
func Channel(userID string) string {
	return channelPrefix + userID
}

// ChannelPattern matches every user's event channel
func ChannelPattern() string {
	return channelPrefix + "*"
}

// UserFromChannel extracts the user id from an event channel name.
// Empty means the channel is not an event channel.
func UserFromChannel(channel string) string {
	if len(channel) <= len(channelPrefix) || channel[:len(channelPrefix)] != channelPrefix {
		return ""
	}
	return channel[len(channelPrefix):]
}

// Publish serializes the event and publishes it to the owner's channel
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.PublishEvent(ctx, Channel(ev.UserID), string(raw))
}
