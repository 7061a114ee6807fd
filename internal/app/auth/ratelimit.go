package auth

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// AttemptLimiter keeps a rolling window of admission attempts per source.
// Every attempt counts, whatever its outcome. The table is bounded; the
// least recently seen sources are forgotten first.
type AttemptLimiter struct {
	mu       sync.Mutex
	history  *lru.Cache[string, []time.Time]
	limit    int
	interval time.Duration
	clock    clock.Clock
}

func NewAttemptLimiter(limit int, interval time.Duration, size int, clk clock.Clock) *AttemptLimiter {
	if size <= 0 {
		size = 1 << 16
	}
	cache, err := lru.New[string, []time.Time](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &AttemptLimiter{
		history:  cache,
		limit:    limit,
		interval: interval,
		clock:    clk,
	}
}

// Hit records an attempt from source and reports whether it fits in the window.
// A rejected attempt is recorded too.
func (rl *AttemptLimiter) Hit(source string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	fresh := rl.freshLocked(source, now)
	allowed := len(fresh) < rl.limit
	rl.history.Add(source, append(fresh, now))
	return allowed
}

// Attempts returns how many attempts from source are inside the window.
func (rl *AttemptLimiter) Attempts(source string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.freshLocked(source, rl.clock.Now()))
}

func (rl *AttemptLimiter) freshLocked(source string, now time.Time) []time.Time {
	windowStart := now.Add(-rl.interval)
	attempts, _ := rl.history.Peek(source)
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// Sweep drops sources whose attempts all fell out of the window.
func (rl *AttemptLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	removed := 0
	for _, source := range rl.history.Keys() {
		fresh := rl.freshLocked(source, now)
		if len(fresh) == 0 {
			rl.history.Remove(source)
			removed++
			continue
		}
		rl.history.Add(source, fresh)
	}
	return removed
}

func (rl *AttemptLimiter) Len() int {
	return rl.history.Len()
}
