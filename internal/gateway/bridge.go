package gateway

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tlgselvi/dese-backbone/pkg/redis"
)

// FanInChannel is the Redis pub/sub channel carrying broadcasts published by
// other processes. Every gateway process subscribes and routes what it
// receives to its local connections.
const FanInChannel = "dese:gateway:broadcast"

// Broadcast is the cross-process broadcast envelope.
type Broadcast struct {
	Kind    string                 `json:"kind"` // "event" or "context_update"
	Module  string                 `json:"module"`
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload"`
}

// Publisher pushes broadcasts into the fan-in channel. Producers that run
// outside the gateway process (a ledger worker, a bus consumer) use it in
// place of a local Registry.
type Publisher struct {
	pubsub *redis.TypedPubSub[Broadcast]
}

func NewPublisher(client goredis.UniversalClient) *Publisher {
	return &Publisher{pubsub: redis.NewTypedPubSub[Broadcast](client)}
}

func (p *Publisher) PushEvent(ctx context.Context, module, topic string, payload map[string]interface{}) error {
	return p.pubsub.Publish(ctx, FanInChannel, Broadcast{
		Kind:    "event",
		Module:  module,
		Topic:   topic,
		Payload: payload,
	})
}

func (p *Publisher) PushContextUpdate(ctx context.Context, module, topic string, context map[string]interface{}) error {
	return p.pubsub.Publish(ctx, FanInChannel, Broadcast{
		Kind:    "context_update",
		Module:  module,
		Topic:   topic,
		Payload: context,
	})
}

// RunBridge consumes the fan-in channel and routes received broadcasts
// through the local registry. Blocks until the context is cancelled.
func (r *Registry) RunBridge(ctx context.Context, client goredis.UniversalClient) error {
	pubsub := redis.NewTypedPubSub[Broadcast](client)
	return pubsub.Subscribe(ctx, FanInChannel, func(b Broadcast) {
		switch b.Kind {
		case "context_update":
			r.PushContextUpdate(b.Module, b.Topic, b.Payload)
		default:
			r.PushEvent(b.Module, b.Topic, b.Payload)
		}
	})
}
