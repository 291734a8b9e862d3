package streaming

import (
	"sync"
	"time"
)

// Circuit breaker limits for automatic transcoder restarts
const (
	maxRestarts     = 5
	resetWindow     = 5 * time.Minute
	circuitCooldown = 2 * time.Minute
)

// breaker counts automatic restarts and refuses more than maxRestarts
// within resetWindow until circuitCooldown has passed.
type breaker struct {
	mu          sync.Mutex
	count       int
	lastRestart time.Time
	open        bool
	now         func() time.Time
}

func (b *breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// allow records a restart attempt and reports whether it may proceed
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	since := now.Sub(b.lastRestart)

	if since > resetWindow {
		b.count = 0
		b.open = false
	}
	if b.open {
		if since <= circuitCooldown {
			return false
		}
		b.open = false
		b.count = 0
	}

	b.count++
	b.lastRestart = now
	if b.count > maxRestarts {
		b.open = true
		return false
	}
	return true
}

// restarts returns the restart count in the current window
func (b *breaker) restarts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *breaker) reset() {
	b.mu.Lock()
	b.count = 0
	b.open = false
	b.mu.Unlock()
}
