package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/codecast/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
	kafkaReadyTimeout   = 10 * time.Second
)

// KafkaBroker implements MessageBroker using Apache Kafka topics as channels.
// Each subscription joins its own consumer group, named after the instance, so
// every instance receives every event.
type KafkaBroker struct {
	brokers []string
	groupID string
	config  *sarama.Config
	log     zerolog.Logger

	producer sarama.SyncProducer

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool
}

// NewKafkaBroker creates a producer and remembers how to build consumer groups.
// groupID should be unique per server instance.
func NewKafkaBroker(brokers []string, groupID string, log zerolog.Logger) (*KafkaBroker, error) {
	cfg := newKafkaConfig()
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	return &KafkaBroker{
		brokers:  brokers,
		groupID:  groupID,
		config:   cfg,
		log:      log,
		producer: producer,
	}, nil
}

func newKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = kafkaMaxRetries
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 500 * time.Millisecond

	// Late instances only see codes published after they joined.
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Group.Session.Timeout = 10 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	return cfg
}

func (b *KafkaBroker) Type() string { return "kafka" }

// Publish sends evt keyed by its code, retrying transient failures.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, evt Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     channel,
		Key:       sarama.StringEncoder(evt.Code),
		Value:     sarama.ByteEncoder(data),
		Headers:   []sarama.RecordHeader{{Key: []byte(KeyOriginServerID), Value: []byte(evt.OriginServerID)}},
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if evt.Timestamp == 0 {
		msg.Timestamp = time.Now()
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(kafkaInitialBackoff),
			backoff.WithMaxInterval(kafkaMaxBackoff),
		), kafkaMaxRetries), ctx)

	send := func() error {
		_, _, err := b.producer.SendMessage(msg)
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		b.log.Warn().Err(err).Str("code", evt.Code).Dur("next_attempt", wait).Msg("retrying kafka publish")
	}
	if err := backoff.RetryNotify(send, retry, onRetry); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe joins a consumer group for the topic and streams its events.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	group, err := sarama.NewConsumerGroup(b.brokers, b.groupID+"."+channel, b.config)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("kafka consumer group for %s: %w", channel, err)
	}
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	events := make(chan Event, subscriptionBuffer)
	handler := &consumerGroupHandler{
		events: events,
		ready:  make(chan struct{}),
		log:    b.log.With().Str("topic", channel).Logger(),
	}

	go func() {
		defer close(events)

		for {
			// Consume returns on every rebalance and must be called again.
			if err := group.Consume(ctx, []string{channel}, handler); err != nil {
				if ctx.Err() == nil {
					b.log.Warn().Err(err).Str("topic", channel).Msg("kafka consumer group stopped")
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			b.log.Warn().Err(err).Str("topic", channel).Msg("kafka consumer group error")
		}
	}()

	select {
	case <-handler.ready:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(kafkaReadyTimeout):
		return nil, fmt.Errorf("timeout waiting for kafka consumer on %s", channel)
	}
}

// Close stops the producer and every consumer group. Safe to call twice.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	errs := []error{b.producer.Close()}
	for _, group := range b.groups {
		errs = append(errs, group.Close())
	}
	b.groups = nil
	return errors.Join(errs...)
}

// consumerGroupHandler turns claimed records into Events.
type consumerGroupHandler struct {
	events chan<- Event
	ready  chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() {
		close(h.ready)
	})
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	done := session.Context().Done()
	for {
		var record *sarama.ConsumerMessage
		select {
		case <-done:
			return nil
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			record = m
		}

		evt, err := DecodeEvent(record.Value)
		if err != nil {
			// Marked anyway so a poison record is not redelivered.
			h.log.Warn().Err(err).Int64("offset", record.Offset).Msg("dropping malformed event")
			session.MarkMessage(record, "")
			continue
		}
		select {
		case h.events <- evt:
			session.MarkMessage(record, "")
		case <-done:
			return nil
		}
	}
}
