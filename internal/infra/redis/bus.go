package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
)

// DefaultChannel carries invalidation events between instances.
const DefaultChannel = "tournament:events"

const subscriberBuffer = 64

// Bus publishes invalidation events over Redis pub/sub so every instance's
// websocket clients and reconcilers hear writes made elsewhere.
type Bus struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
}

func NewBus(client *redis.Client, channel string, logger logrus.FieldLogger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{client: client, channel: channel, log: logging.OrDiscard(logger)}
}

func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Subscribe returns decoded events until cancel is called or ctx is done.
// When the local buffer is full the oldest pending event is dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	out := make(chan domain.Event, subscriberBuffer)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.WithError(err).Warn("dropping malformed event")
					continue
				}
				select {
				case out <- ev:
				default:
					select {
					case <-out:
					default:
					}
					out <- ev
				}
			}
		}
	}()
	return out, cancel, nil
}
