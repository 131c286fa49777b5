package gametimer

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Stopper cancels an armed callback. Stop reports whether the call prevented the
// callback from running.
type Stopper interface {
	Stop() bool
}

// Backend arms one-shot delayed callbacks.
type Backend interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

// Loop is a cooperative host event loop. Post queues fn to run on the loop's own goroutine.
type Loop interface {
	Post(fn func())
}

// NewClockBackend returns a backend that runs each callback on its own timer goroutine.
func NewClockBackend(clock clockwork.Clock) Backend {
	return clockBackend{clock: clock}
}

type clockBackend struct {
	clock clockwork.Clock
}

func (b clockBackend) AfterFunc(d time.Duration, f func()) Stopper {
	return b.clock.AfterFunc(d, f)
}

// NewLoopBackend returns a backend that hands expired callbacks to loop instead of
// running them on the timer goroutine. Use it when a host loop already drives the process.
func NewLoopBackend(clock clockwork.Clock, loop Loop) Backend {
	return loopBackend{clock: clock, loop: loop}
}

type loopBackend struct {
	clock clockwork.Clock
	loop  Loop
}

func (b loopBackend) AfterFunc(d time.Duration, f func()) Stopper {
	h := &loopHandle{}
	h.timer = b.clock.AfterFunc(d, func() {
		if !h.posted.CompareAndSwap(false, true) {
			return
		}
		b.loop.Post(func() {
			if h.cancelled.Load() {
				return
			}
			f()
		})
	})
	return h
}

// loopHandle cancels a callback whether it is still on the clock or already queued
// on the loop.
type loopHandle struct {
	timer     clockwork.Timer
	posted    atomic.Bool
	cancelled atomic.Bool
}

func (h *loopHandle) Stop() bool {
	stopped := h.timer.Stop()
	wasCancelled := h.cancelled.Swap(true)
	if stopped {
		return true
	}
	// Already handed to the loop: it will see the flag and skip f.
	return h.posted.Load() && !wasCancelled
}
