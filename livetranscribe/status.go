package livetranscribe

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// StatusThrottler rate limits periodic status lines.
type StatusThrottler struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewStatusThrottler allows at most one message per interval.
func NewStatusThrottler(interval time.Duration) *StatusThrottler {
	return &StatusThrottler{interval: interval, now: time.Now}
}

// Allow reports whether a throttled message may be sent now and, if so,
// starts a new interval.
func (t *StatusThrottler) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// guardedCall invokes fn with arg and turns a panic into a log line.
func guardedCall(log *slog.Logger, name string, fn func(string), arg string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked", "callback", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(arg)
}
