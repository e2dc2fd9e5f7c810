package broker

import (
	"context"
	"sync"
)

type memorySub struct {
	ch     chan Event
	ctx    context.Context
	closed bool
}

// MemoryBroker is an in-process MessageBroker. Several Bus instances may share one
// to simulate a multi-instance deployment in a single process.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	closed bool
	fail   error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySub)}
}

func (b *MemoryBroker) Type() string { return "memory" }

func (b *MemoryBroker) Publish(ctx context.Context, channel string, evt Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.fail != nil {
		err := b.fail
		b.mu.Unlock()
		return err
	}
	subs := append([]*memorySub(nil), b.subs[channel]...)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(ctx, s, evt)
	}
	return nil
}

func (b *MemoryBroker) deliver(ctx context.Context, s *memorySub, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	case <-s.ctx.Done():
	case <-ctx.Done():
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.fail != nil {
		return nil, b.fail
	}

	s := &memorySub{ch: make(chan Event, subscriptionBuffer), ctx: ctx}
	b.subs[channel] = append(b.subs[channel], s)

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(channel, s)
	}()
	return s.ch, nil
}

// Fail simulates losing the transport: every subscription is closed and later
// calls return err until Recover.
func (b *MemoryBroker) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
	b.closeAllLocked()
}

// Recover clears a failure set by Fail.
func (b *MemoryBroker) Recover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.closeAllLocked()
	return nil
}

func (b *MemoryBroker) closeAllLocked() {
	for channel, subs := range b.subs {
		for _, s := range subs {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		delete(b.subs, channel)
	}
}

func (b *MemoryBroker) removeLocked(channel string, s *memorySub) {
	subs := b.subs[channel]
	for i, cur := range subs {
		if cur == s {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
