package gametimer

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestCountdown(t *testing.T, base time.Duration) (*Countdown, *clockwork.FakeClock, chan struct{}) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := New(base, clock, NewClockBackend(clock))
	fired := make(chan struct{}, 4)
	c.SetCallback(func() { fired <- struct{}{} })
	return c, clock, fired
}

func expectFired(t *testing.T, fired <-chan struct{}) {
	t.Helper()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("countdown did not fire")
	}
}

func expectNotFired(t *testing.T, fired <-chan struct{}) {
	t.Helper()
	select {
	case <-fired:
		t.Fatal("countdown fired unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownFiresAfterLength(t *testing.T) {
	c, clock, fired := newTestCountdown(t, 300*time.Second)
	c.Start()

	clock.Advance(299 * time.Second)
	expectNotFired(t, fired)
	clock.Advance(time.Second)
	expectFired(t, fired)

	if c.Running() {
		t.Fatal("countdown still running after expiry")
	}
}

func TestExtendUsesElapsedWallClock(t *testing.T) {
	c, clock, fired := newTestCountdown(t, 100*time.Second)
	c.Start()

	clock.Advance(60 * time.Second)
	if !c.Extend(20 * time.Second) {
		t.Fatal("extend on a running countdown returned false")
	}
	if got := c.Remaining(); got != 60*time.Second {
		t.Fatalf("remaining after extend = %v, want 60s", got)
	}

	// +80s from the extend call would be t=140s; the original start plus 120s is t=120s.
	clock.Advance(59 * time.Second)
	expectNotFired(t, fired)
	clock.Advance(time.Second)
	expectFired(t, fired)
}

func TestRepeatedExtendsAccumulate(t *testing.T) {
	c, clock, fired := newTestCountdown(t, 100*time.Second)
	c.Start()

	clock.Advance(30 * time.Second)
	c.Extend(10 * time.Second)
	clock.Advance(30 * time.Second)
	c.Extend(10 * time.Second)

	// 100 + 10 + 10 from the original start: 60s already elapsed, 60s to go.
	clock.Advance(59 * time.Second)
	expectNotFired(t, fired)
	clock.Advance(time.Second)
	expectFired(t, fired)
}

func TestExtendWhenStoppedIsRejected(t *testing.T) {
	c, _, _ := newTestCountdown(t, time.Minute)
	if c.Extend(time.Second) {
		t.Fatal("extend on a stopped countdown returned true")
	}
}

func TestCancelPreventsExpiry(t *testing.T) {
	c, clock, fired := newTestCountdown(t, 10*time.Second)
	c.Cancel() // not running: no-op
	c.Start()
	c.Cancel()
	c.Cancel()

	clock.Advance(time.Minute)
	expectNotFired(t, fired)
}

func TestStartWhileRunningKeepsCurrentRun(t *testing.T) {
	c, clock, fired := newTestCountdown(t, 10*time.Second)
	c.Start()
	clock.Advance(5 * time.Second)
	c.StartFor(time.Hour)

	clock.Advance(5 * time.Second)
	expectFired(t, fired)
}

func TestSetDefaultRestartsWithFullLength(t *testing.T) {
	c, clock, fired := newTestCountdown(t, 100*time.Second)
	c.Start()
	clock.Advance(50 * time.Second)

	c.SetDefault(200 * time.Second)
	if c.Default() != 200*time.Second {
		t.Fatalf("default = %v", c.Default())
	}

	clock.Advance(199 * time.Second)
	expectNotFired(t, fired)
	clock.Advance(time.Second)
	expectFired(t, fired)
}

func TestSetDefaultWhenStoppedDoesNotStart(t *testing.T) {
	c, _, _ := newTestCountdown(t, 100*time.Second)
	c.SetDefault(time.Second)
	if c.Running() {
		t.Fatal("SetDefault started a stopped countdown")
	}
}

type queueLoop struct {
	fns chan func()
}

func (l *queueLoop) Post(fn func()) { l.fns <- fn }

func TestLoopBackendRunsCallbackOnLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := &queueLoop{fns: make(chan func(), 4)}
	c := New(10*time.Second, clock, NewLoopBackend(clock, loop))
	fired := make(chan struct{}, 1)
	c.SetCallback(func() { fired <- struct{}{} })

	c.Start()
	clock.Advance(10 * time.Second)

	var fn func()
	select {
	case fn = <-loop.fns:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry was not posted to the loop")
	}
	expectNotFired(t, fired)
	fn()
	expectFired(t, fired)
}

func TestLoopBackendCancelAfterPostSkipsCallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := &queueLoop{fns: make(chan func(), 4)}
	c := New(10*time.Second, clock, NewLoopBackend(clock, loop))
	fired := make(chan struct{}, 1)
	c.SetCallback(func() { fired <- struct{}{} })

	c.Start()
	clock.Advance(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var fn func()
	select {
	case fn = <-loop.fns:
	case <-ctx.Done():
		t.Fatal("expiry was not posted to the loop")
	}

	c.Cancel()
	fn()
	expectNotFired(t, fired)
}
