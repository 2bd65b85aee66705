package redis

import (
	"context"
	"encoding/json"

	"github.com/flashbots/sandwich-searcher/sandwich"
	"github.com/redis/go-redis/v9"
)

var _ sandwich.EventPublisher = (*EventPublisher)(nil)

// EventPublisher publishes bundle status changes as JSON on a pub/sub channel.
type EventPublisher struct {
	client     *redis.Client
	pubChannel string
}

func NewEventPublisher(client *redis.Client, pubChannel string) *EventPublisher {
	return &EventPublisher{
		client:     client,
		pubChannel: pubChannel,
	}
}

func (p *EventPublisher) Publish(ctx context.Context, event *sandwich.BundleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.pubChannel, data).Err()
}
