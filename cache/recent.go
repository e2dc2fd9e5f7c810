package cache

import "sync"

// DefaultRecentSize is the number of items kept when no capacity is configured.
const DefaultRecentSize = 10

// Recent is a fixed-capacity ring of the most recently appended items.
// When full, appending overwrites the oldest item.
type Recent[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int // index of the oldest item
	count int
}

// NewRecent creates a ring holding at most capacity items.
func NewRecent[T any](capacity int) *Recent[T] {
	if capacity < 1 {
		capacity = DefaultRecentSize
	}
	return &Recent[T]{buf: make([]T, capacity)}
}

// Append adds an item, evicting the oldest one if the ring is full.
func (r *Recent[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = item
		r.count++
		return
	}

	r.buf[r.head] = item
	r.head = (r.head + 1) % len(r.buf)
}

// Recent returns up to n of the newest items ordered oldest to newest.
// n <= 0 returns everything held.
func (r *Recent[T]) Recent(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}

	out := make([]T, n)
	start := r.head + (r.count - n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of items held.
func (r *Recent[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Recent[T]) Cap() int {
	return len(r.buf)
}
