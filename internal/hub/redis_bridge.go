package hub

import (
	"context"
	"encoding/json"
	"log"

	"flowhost/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const eventsChannel = "flowhost:events:instance"

// envelope tags each event with the publishing host so a bridge can skip
// its own messages when they come back around.
type envelope struct {
	HostID string       `json:"host_id"`
	Event  domain.Event `json:"event"`
}

// RedisBridge fans engine events out over redis pub/sub so observers
// connected to other host processes still see them. It implements
// ports.EventSink on the publish side and pumps remote events into the
// local hub on the subscribe side.
type RedisBridge struct {
	client *redis.Client
	local  *Hub
	hostID string
}

func NewRedisBridge(client *redis.Client, local *Hub) *RedisBridge {
	return &RedisBridge{
		client: client,
		local:  local,
		hostID: uuid.New().String(),
	}
}

// NewRedisClient connects and pings, failing fast on a bad address.
func NewRedisClient(address string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		PoolSize: 100,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// Publish delivers locally and broadcasts to the other hosts. Broadcast
// failures are logged and dropped; notification delivery is best-effort.
func (b *RedisBridge) Publish(event domain.Event) {
	b.local.Publish(event)

	payload, err := json.Marshal(envelope{HostID: b.hostID, Event: event})
	if err != nil {
		log.Printf("hub: marshal event: %v", err)
		return
	}
	if err := b.client.Publish(context.Background(), eventsChannel, payload).Err(); err != nil {
		log.Printf("hub: redis publish: %v", err)
	}
}

// Listen forwards remote events into the local hub until ctx is done.
// Run it in a goroutine from main.
func (b *RedisBridge) Listen(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("hub: bad event payload: %v", err)
				continue
			}
			if env.HostID == b.hostID {
				continue // our own broadcast
			}
			b.local.Publish(env.Event)
		}
	}
}
