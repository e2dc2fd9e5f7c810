package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/codecast/metrics"
)

const (
	DefaultQueueSize        = 1024
	DefaultPublishTimeout   = 5 * time.Second
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
)

var errSubscriptionEnded = errors.New("subscription ended")

// Dialer opens a fresh connection to the transport. The Bus calls it at Connect
// and again for every reconnect attempt.
type Dialer func(ctx context.Context) (MessageBroker, error)

// Handler receives events from a subscribed channel. Calls for one channel are sequential.
type Handler func(ctx context.Context, evt Event)

type BusOptions struct {
	// ServerID is stamped on published events that carry no origin.
	ServerID         string
	QueueSize        int
	PublishTimeout   time.Duration
	Reconnect        bool
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

type outbound struct {
	channel string
	evt     Event
}

// Bus fans events out across server instances. When the transport is unreachable it
// runs degraded: publishes are dropped, subscriptions wait for the next reconnect, and
// Healthy reports false. Nothing on the Bus fails its caller because of the transport.
type Bus struct {
	dial Dialer
	opts BusOptions
	log  zerolog.Logger

	mu         sync.RWMutex
	broker     MessageBroker
	genCancel  context.CancelFunc
	healthy    bool
	closed     bool
	handlers   map[string]Handler
	reconnects atomic.Bool

	queue   chan outbound
	stopPub chan struct{}
	pubDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewBus(dial Dialer, opts BusOptions, log zerolog.Logger) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		dial:     dial,
		opts:     opts,
		log:      log,
		handlers: make(map[string]Handler),
		queue:    make(chan outbound, opts.QueueSize),
		stopPub:  make(chan struct{}),
		pubDone:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	metrics.BrokerHealthy.Set(0)
	go b.publishLoop()
	return b
}

// Connect dials the transport. On failure the Bus stays usable in degraded mode and,
// when reconnect is enabled, keeps retrying in the background.
func (b *Bus) Connect(ctx context.Context) error {
	mb, err := b.dial(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("fanout bus unavailable, running single-instance")
		b.startReconnect()
		return fmt.Errorf("connect bus: %w", err)
	}
	if err := b.attach(mb); err != nil {
		b.log.Warn().Err(err).Msg("fanout bus subscription failed, running single-instance")
		b.startReconnect()
		return fmt.Errorf("connect bus: %w", err)
	}
	b.log.Info().Str("broker_type", mb.Type()).Msg("fanout bus connected")
	return nil
}

// Subscribe registers handler for channel. The subscription is (re)established on
// every successful connection; an error only reports the immediate attempt.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.handlers[channel] = handler
	mb := b.broker
	if mb == nil {
		b.mu.Unlock()
		return nil
	}
	gen := b.genContextLocked()
	b.mu.Unlock()

	if err := b.listen(gen, mb, channel, handler); err != nil {
		b.fail(mb, err)
		return err
	}
	return nil
}

// Publish queues evt for delivery to every instance. It never blocks on the
// transport and never fails; events are dropped while degraded or when the queue is full.
func (b *Bus) Publish(ctx context.Context, channel string, evt Event) {
	if ctx.Err() != nil {
		return
	}
	if evt.OriginServerID == "" {
		evt.OriginServerID = b.opts.ServerID
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	closed, healthy := b.closed, b.healthy
	b.mu.RUnlock()

	switch {
	case closed:
		metrics.BrokerPublishDropped.WithLabelValues("closed").Inc()
		return
	case !healthy:
		metrics.BrokerPublishDropped.WithLabelValues("degraded").Inc()
		b.log.Debug().Str("channel", channel).Str("code", evt.Code).Msg("bus degraded, publish dropped")
		return
	}

	select {
	case b.queue <- outbound{channel: channel, evt: evt}:
	default:
		metrics.BrokerPublishDropped.WithLabelValues("queue_full").Inc()
		b.log.Warn().Str("channel", channel).Str("code", evt.Code).Msg("publish queue full, event dropped")
	}
}

// Healthy reports whether cross-instance fanout is currently available.
func (b *Bus) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// Type returns the connected transport's name, or "none".
func (b *Bus) Type() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.broker == nil {
		return "none"
	}
	return b.broker.Type()
}

// Close flushes queued publishes, stops every subscription and closes the transport.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stopPub)
		<-b.pubDone

		b.cancel()
		b.wg.Wait()

		b.mu.Lock()
		mb := b.broker
		b.broker = nil
		b.healthy = false
		b.mu.Unlock()
		metrics.BrokerHealthy.Set(0)

		if mb != nil {
			err = mb.Close()
		}
	})
	return err
}

func (b *Bus) publishLoop() {
	defer close(b.pubDone)
	for {
		select {
		case item := <-b.queue:
			b.send(item)
		case <-b.stopPub:
			for {
				select {
				case item := <-b.queue:
					b.send(item)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) send(item outbound) {
	b.mu.RLock()
	mb := b.broker
	b.mu.RUnlock()
	if mb == nil {
		metrics.BrokerPublishDropped.WithLabelValues("degraded").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.PublishTimeout)
	defer cancel()

	if err := mb.Publish(ctx, item.channel, item.evt); err != nil {
		metrics.BrokerPublishDropped.WithLabelValues("error").Inc()
		b.log.Warn().Err(err).Str("channel", item.channel).Str("code", item.evt.Code).Msg("bus publish failed")
		return
	}
	metrics.BrokerMessagesPublished.WithLabelValues(mb.Type()).Inc()
}

// attach installs mb as the live transport and subscribes every registered channel.
func (b *Bus) attach(mb MessageBroker) error {
	gen, cancel := context.WithCancel(b.ctx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		mb.Close()
		return ErrClosed
	}
	b.broker = mb
	b.genCancel = cancel
	handlers := make(map[string]Handler, len(b.handlers))
	for ch, h := range b.handlers {
		handlers[ch] = h
	}
	b.mu.Unlock()

	for channel, h := range handlers {
		if err := b.listen(gen, mb, channel, h); err != nil {
			b.fail(mb, err)
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broker != mb {
		return errSubscriptionEnded
	}
	b.healthy = true
	metrics.BrokerHealthy.Set(1)
	return nil
}

func (b *Bus) listen(gen context.Context, mb MessageBroker, channel string, h Handler) error {
	events, err := mb.Subscribe(gen, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for evt := range events {
			h(b.ctx, evt)
		}
		if gen.Err() == nil {
			b.fail(mb, fmt.Errorf("%w: %s", errSubscriptionEnded, channel))
		}
	}()
	return nil
}

// fail drops mb if it is still the live transport and enters degraded mode.
func (b *Bus) fail(mb MessageBroker, err error) {
	b.mu.Lock()
	if b.broker != mb || b.closed {
		b.mu.Unlock()
		return
	}
	b.broker = nil
	b.healthy = false
	if b.genCancel != nil {
		b.genCancel()
		b.genCancel = nil
	}
	b.mu.Unlock()

	metrics.BrokerHealthy.Set(0)
	b.log.Warn().Err(err).Str("broker_type", mb.Type()).Msg("fanout bus lost, running single-instance")
	if cerr := mb.Close(); cerr != nil {
		b.log.Debug().Err(cerr).Msg("closing failed broker")
	}
	b.startReconnect()
}

func (b *Bus) startReconnect() {
	if !b.opts.Reconnect || b.ctx.Err() != nil {
		return
	}
	if !b.reconnects.CompareAndSwap(false, true) {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		policy := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(b.opts.ReconnectInitial),
			backoff.WithMaxInterval(b.opts.ReconnectMax),
			backoff.WithMaxElapsedTime(0),
		)

		operation := func() error {
			mb, err := b.dial(b.ctx)
			if err != nil {
				return err
			}
			return b.attach(mb)
		}

		err := backoff.RetryNotify(operation, backoff.WithContext(policy, b.ctx), func(err error, d time.Duration) {
			b.log.Debug().Err(err).Dur("next_attempt", d).Msg("bus reconnect failed")
		})
		b.reconnects.Store(false)
		if err != nil {
			return
		}
		b.log.Info().Str("broker_type", b.Type()).Msg("fanout bus reconnected")
		// A failure between attach and clearing the flag would otherwise go unnoticed.
		if !b.Healthy() {
			b.startReconnect()
		}
	}()
}

// genContextLocked returns a context tied to the live transport generation.
func (b *Bus) genContextLocked() context.Context {
	gen, cancel := context.WithCancel(b.ctx)
	prev := b.genCancel
	if prev == nil {
		prev = func() {}
	}
	b.genCancel = func() {
		cancel()
		prev()
	}
	return gen
}
