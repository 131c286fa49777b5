// Package gametimer implements the room's countdown: one callback, once, after the
// game length, unless cancelled first.
package gametimer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Countdown is safe for concurrent use. Stale expirations from a cancelled or
// restarted run are discarded.
type Countdown struct {
	clock   clockwork.Clock
	backend Backend

	mu        sync.Mutex
	base      time.Duration // default game length
	length    time.Duration // length of the current run
	startedAt time.Time
	running   bool
	gen       uint64
	handle    Stopper
	onExpire  func()
}

// New creates a countdown with the default game length base.
func New(base time.Duration, clock clockwork.Clock, backend Backend) *Countdown {
	return &Countdown{
		clock:   clock,
		backend: backend,
		base:    base,
	}
}

// SetCallback sets the function invoked when a run expires.
func (c *Countdown) SetCallback(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = fn
}

// Start runs the countdown for the default length. It does nothing when already running.
func (c *Countdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(c.base)
}

// StartFor runs the countdown for d. It does nothing when already running.
func (c *Countdown) StartFor(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(d)
}

func (c *Countdown) startLocked(d time.Duration) {
	if c.running {
		return
	}
	c.gen++
	gen := c.gen
	c.running = true
	c.length = d
	c.startedAt = c.clock.Now()
	c.handle = c.backend.AfterFunc(d, func() { c.expire(gen) })

	log.Debug().Dur("length", d).Msg("countdown started")
}

// Cancel stops the current run. Calling it when not running is a no-op.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

func (c *Countdown) cancelLocked() {
	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
	if c.running {
		log.Debug().Msg("countdown cancelled")
	}
	c.running = false
	c.gen++
}

// Extend adds extra to the running countdown. The remaining time is recomputed from the
// elapsed wall-clock time, so repeated extensions accumulate exactly. It reports false
// when the countdown is not running.
func (c *Countdown) Extend(extra time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return false
	}
	elapsed := c.clock.Since(c.startedAt)
	remaining := c.length - elapsed + extra
	c.cancelLocked()
	c.startLocked(remaining)

	log.Info().
		Dur("elapsed", elapsed).
		Dur("extra", extra).
		Dur("remaining", remaining).
		Msg("countdown extended")
	return true
}

// SetDefault changes the default length. A running countdown restarts with the full new
// length.
func (c *Countdown) SetDefault(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.base = d
	if c.running {
		c.cancelLocked()
		c.startLocked(d)
	}
}

// Default returns the default game length.
func (c *Countdown) Default() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

// Running reports whether a run is in progress.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Remaining returns the time left in the current run, zero when not running.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return 0
	}
	left := c.length - c.clock.Since(c.startedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (c *Countdown) expire(gen uint64) {
	c.mu.Lock()
	if !c.running || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.handle = nil
	fn := c.onExpire
	c.mu.Unlock()

	log.Info().Msg("countdown expired")
	if fn != nil {
		fn()
	}
}
