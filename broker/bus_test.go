package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Code)
	}
	return out
}

func staticDialer(mb MessageBroker) Dialer {
	return func(context.Context) (MessageBroker, error) { return mb, nil }
}

func fastOptions(serverID string) BusOptions {
	return BusOptions{
		ServerID:         serverID,
		Reconnect:        true,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	}
}

func TestBus_FanoutAcrossInstances(t *testing.T) {
	shared := NewMemoryBroker()

	// Instances share the transport, so the bus must not close it per instance.
	dial := staticDialer(nopCloser{shared})
	a := NewBus(dial, fastOptions("a"), zerolog.Nop())
	b := NewBus(dial, fastOptions("b"), zerolog.Nop())
	defer a.Close()
	defer b.Close()

	var gotA, gotB collector
	require.NoError(t, a.Subscribe(context.Background(), "bonus_codes", gotA.handle))
	require.NoError(t, b.Subscribe(context.Background(), "bonus_codes", gotB.handle))
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	require.True(t, a.Healthy())

	a.Publish(context.Background(), "bonus_codes", Event{Code: "ONE"})
	a.Publish(context.Background(), "bonus_codes", Event{Code: "TWO"})

	for _, c := range []*collector{&gotA, &gotB} {
		require.Eventually(t, func() bool { return len(c.codes()) == 2 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"ONE", "TWO"}, c.codes())
	}

	gotB.mu.Lock()
	assert.Equal(t, "a", gotB.events[0].OriginServerID)
	assert.NotZero(t, gotB.events[0].Timestamp)
	gotB.mu.Unlock()
}

func TestBus_DegradedWhenUnreachable(t *testing.T) {
	dial := func(context.Context) (MessageBroker, error) { return nil, errors.New("connection refused") }
	bus := NewBus(dial, BusOptions{ServerID: "solo"}, zerolog.Nop())
	defer bus.Close()

	err := bus.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, bus.Healthy())
	assert.Equal(t, "none", bus.Type())

	var got collector
	require.NoError(t, bus.Subscribe(context.Background(), "bonus_codes", got.handle))
	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), "bonus_codes", Event{Code: "LOST"})
	})
	assert.Empty(t, got.codes())
}

func TestBus_ReconnectsAfterStartupFailure(t *testing.T) {
	mb := NewMemoryBroker()
	var attempts atomic.Int32
	dial := func(context.Context) (MessageBroker, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return mb, nil
	}

	bus := NewBus(dial, fastOptions("s1"), zerolog.Nop())
	defer bus.Close()

	var got collector
	require.NoError(t, bus.Subscribe(context.Background(), "bonus_codes", got.handle))
	require.Error(t, bus.Connect(context.Background()))

	require.Eventually(t, bus.Healthy, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "memory", bus.Type())

	bus.Publish(context.Background(), "bonus_codes", Event{Code: "BACK"})
	require.Eventually(t, func() bool { return len(got.codes()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBus_DegradesAndRecoversWhenTransportDrops(t *testing.T) {
	shared := NewMemoryBroker()
	// While failed, the broker's Subscribe errors, so reconnect attempts keep failing.
	bus := NewBus(staticDialer(nopCloser{shared}), fastOptions("s1"), zerolog.Nop())
	defer bus.Close()

	var got collector
	require.NoError(t, bus.Subscribe(context.Background(), "bonus_codes", got.handle))
	require.NoError(t, bus.Connect(context.Background()))
	require.True(t, bus.Healthy())

	shared.Fail(errors.New("connection reset"))
	require.Eventually(t, func() bool { return !bus.Healthy() }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(context.Background(), "bonus_codes", Event{Code: "DROPPED"})

	shared.Recover()
	require.Eventually(t, bus.Healthy, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return shared.Subscribers("bonus_codes") == 1 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(context.Background(), "bonus_codes", Event{Code: "AFTER"})
	require.Eventually(t, func() bool { return len(got.codes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"AFTER"}, got.codes())
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	mb := NewMemoryBroker()
	bus := NewBus(staticDialer(mb), BusOptions{}, zerolog.Nop())
	require.NoError(t, bus.Connect(context.Background()))
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.False(t, bus.Healthy())
	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), "bonus_codes", Event{Code: "LATE"})
	})
	assert.ErrorIs(t, bus.Subscribe(context.Background(), "bonus_codes", func(context.Context, Event) {}), ErrClosed)
}

// nopCloser shares one MemoryBroker between several buses.
type nopCloser struct {
	*MemoryBroker
}

func (nopCloser) Close() error { return nil }
