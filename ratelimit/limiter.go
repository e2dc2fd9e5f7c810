package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Category selects which limit applies to a key.
type Category string

const (
	// CategoryConnection limits connection admissions per remote address.
	CategoryConnection Category = "connection"
	// CategoryMessage limits client events per identity.
	CategoryMessage Category = "message"
)

const (
	DefaultWindow         = 60 * time.Second
	DefaultConnectionRate = 5
	DefaultMessageRate    = 10
	DefaultMaxWindows     = 100000
)

type windowKey struct {
	key      string
	category Category
}

// window is a fixed counting bucket. count is only meaningful while now <= resetAt.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter per (key, category).
type Limiter struct {
	mu         sync.Mutex
	window     time.Duration
	limits     map[Category]int
	windows    map[windowKey]*window
	maxWindows int
	now        func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMaxWindows sets the window count above which Allow sweeps expired windows.
func WithMaxWindows(n int) Option {
	return func(l *Limiter) { l.maxWindows = n }
}

// New creates a limiter. A category with no limit (or a limit <= 0) is never limited.
func New(windowSize time.Duration, limits map[Category]int, opts ...Option) *Limiter {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	l := &Limiter{
		window:     windowSize,
		limits:     make(map[Category]int, len(limits)),
		windows:    make(map[windowKey]*window),
		maxWindows: DefaultMaxWindows,
		now:        time.Now,
	}
	for c, n := range limits {
		l.limits[c] = n
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether one more event for key in category fits the current window.
// Rejected calls do not consume budget.
func (l *Limiter) Allow(key string, category Category) bool {
	limit := l.limits[category]
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := windowKey{key: key, category: category}

	w, ok := l.windows[k]
	if !ok {
		if l.maxWindows > 0 && len(l.windows) >= l.maxWindows {
			l.sweepLocked(now)
		}
		l.windows[k] = &window{count: 1, resetAt: now.Add(l.window)}
		return true
	}

	if now.After(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(l.window)
		return true
	}

	if w.count >= limit {
		return false
	}

	w.count++
	return true
}

// Limit returns the configured limit for a category.
func (l *Limiter) Limit(category Category) int {
	return l.limits[category]
}

// Window returns the window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep drops every expired window and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *Limiter) sweepLocked(now time.Time) int {
	removed := 0
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Run sweeps expired windows every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * l.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}
