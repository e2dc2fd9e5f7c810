package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NatsBroker implements MessageBroker over core NATS subjects.
type NatsBroker struct {
	conn   *nats.Conn
	closed chan struct{}
	log    zerolog.Logger
}

// NewNatsBroker connects to url. The client retries on its own for a few
// attempts; once it gives up, every subscription channel is closed.
func NewNatsBroker(url, name string, log zerolog.Logger) (*NatsBroker, error) {
	closed := make(chan struct{})
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NatsBroker{conn: conn, closed: closed, log: log}, nil
}

func (b *NatsBroker) Type() string { return "nats" }

func (b *NatsBroker) Publish(_ context.Context, channel string, evt Event) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", channel, err)
	}
	return nil
}

func (b *NatsBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	msgs := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := b.conn.ChanSubscribe(channel, msgs)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe to %s: %w", channel, err)
	}

	events := make(chan Event, subscriptionBuffer)
	go func() {
		defer close(events)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				b.log.Warn().Str("channel", channel).Msg("nats connection closed")
				return
			case msg := <-msgs:
				evt, err := DecodeEvent(msg.Data)
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
		}
	}()

	return events, nil
}

func (b *NatsBroker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	b.conn.Close()
	return nil
}
