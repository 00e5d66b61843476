package main

import (
	"context"

	"github.com/lyzr/kernel/cmd/kernel/events"
	"github.com/lyzr/kernel/common/logger"
	"github.com/lyzr/kernel/common/redis"
)

// subscriber bridges the kernel's per-user Redis event channels into
// the hub.
type subscriber struct {
	client *redis.Client
	hub    *hub
	log    *logger.Logger
}

func newSubscriber(client *redis.Client, h *hub, log *logger.Logger) *subscriber {
	return &subscriber{client: client, hub: h, log: log}
}

// start blocks on the pattern subscription until ctx is cancelled
func (s *subscriber) start(ctx context.Context) error {
	pubsub := s.client.PSubscribe(ctx, events.ChannelPattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("subscribed to event channels", "pattern", events.ChannelPattern())

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			userID := events.UserFromChannel(msg.Channel)
			if userID == "" {
				s.log.Warn("unexpected channel", "channel", msg.Channel)
				continue
			}
			s.hub.broadcast <- message{userID: userID, data: []byte(msg.Payload)}
		}
	}
}
