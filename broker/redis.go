package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const subscriptionBuffer = 256

// RedisBroker implements MessageBroker over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[*redis.PubSub]struct{}
}

// NewRedisBroker wraps an existing client. Close does not close the client.
func NewRedisBroker(client *redis.Client, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		log:    log,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBroker) Type() string { return "redis" }

func (b *RedisBroker) Publish(ctx context.Context, channel string, evt Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()

	// Wait for the subscription confirmation so errors surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.release(pubsub)
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	events := make(chan Event, subscriptionBuffer)
	done := make(chan struct{})

	// Reads block on the socket and ignore ctx; closing the pubsub unblocks them.
	go func() {
		select {
		case <-ctx.Done():
			b.release(pubsub)
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer b.release(pubsub)

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.log.Warn().Err(err).Str("channel", channel).Msg("redis subscription lost")
				}
				return
			}

			evt, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed event")
				continue
			}

			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

// Ping checks the underlying connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close ends every subscription. The shared client stays open.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for pubsub := range subs {
		pubsub.Close()
	}
	return nil
}

func (b *RedisBroker) release(pubsub *redis.PubSub) {
	b.mu.Lock()
	delete(b.subs, pubsub)
	b.mu.Unlock()
	pubsub.Close()
}
