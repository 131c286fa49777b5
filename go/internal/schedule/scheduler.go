// Package schedule runs named, interval-based background jobs on a shared clock.
//
// At most one job per name is live at a time: scheduling a name again replaces the
// previous job, and a replaced or cancelled job never runs again once its current
// execution (if any) returns.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Interval is a period with symmetric random jitter: each wait is drawn from
// [Period-Jitter, Period+Jitter]. A zero Period means the job does not repeat.
type Interval struct {
	Period time.Duration
	Jitter time.Duration
}

// backOff turns the interval into a constant-mean randomized backoff.
func (i Interval) backOff() backoff.BackOff {
	if i.Period <= 0 {
		return &backoff.StopBackOff{}
	}
	factor := 0.0
	if i.Jitter > 0 {
		factor = float64(i.Jitter) / float64(i.Period)
		if factor > 1 {
			factor = 1
		}
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     i.Period,
		RandomizationFactor: factor,
		Multiplier:          1,
		MaxInterval:         i.Period,
	}
	b.Reset()
	return b
}

// Draw returns a single randomized wait from the interval.
func (i Interval) Draw() time.Duration {
	if i.Period <= 0 {
		return 0
	}
	return i.backOff().NextBackOff()
}

// Func is the body of a job. ctx is cancelled when the job is cancelled or replaced.
type Func func(ctx context.Context)

type job struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	policy backoff.BackOff
	fn     Func
}

// Scheduler owns the background jobs of one component.
type Scheduler struct {
	clock clockwork.Clock

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler driven by clock.
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		jobs:  make(map[string]*job),
	}
}

// Every schedules fn under name, replacing any live job with the same name. When
// immediate is set the first run happens right away instead of after one interval.
func (s *Scheduler) Every(name string, interval Interval, immediate bool, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		log.Debug().Str("job", name).Msg("scheduler stopped, not scheduling job")
		return
	}

	if existing, ok := s.jobs[name]; ok {
		existing.cancel()
		log.Debug().Str("job", name).Msg("replaced existing job")
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		policy: interval.backOff(),
		fn:     fn,
	}
	s.jobs[name] = j

	s.wg.Add(1)
	go s.run(j, immediate)
}

// Cancel stops the job with the given name. It is safe to call from inside the job
// itself and for names that are not scheduled. It reports whether a job was removed.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	j.cancel()
	delete(s.jobs, name)
	log.Debug().Str("job", name).Msg("cancelled job")
	return true
}

// CancelIf stops the job registered under name only while its context is ctx. A job
// uses it to stop itself without touching a newer job that replaced it.
func (s *Scheduler) CancelIf(ctx context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok || j.ctx != ctx {
		return false
	}
	j.cancel()
	delete(s.jobs, name)
	log.Debug().Str("job", name).Msg("cancelled job")
	return true
}

// Active reports whether a job with the given name is scheduled.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Stop cancels every job and waits for running executions to return.
// It must not be called from inside a job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for name, j := range s.jobs {
		j.cancel()
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run(j *job, immediate bool) {
	defer s.wg.Done()
	defer s.forget(j)

	if immediate && j.ctx.Err() == nil {
		j.fn(j.ctx)
	}

	for {
		if j.ctx.Err() != nil {
			return
		}

		wait := j.policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := s.clock.NewTimer(wait)
		select {
		case <-j.ctx.Done():
			stopAndDrainTimer(timer)
			return
		case <-timer.Chan():
		}

		// A cancel that raced with the timer wins.
		if j.ctx.Err() != nil {
			return
		}
		j.fn(j.ctx)
	}
}

// forget removes j from the table if it is still the registered job for its name.
func (s *Scheduler) forget(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.jobs[j.name]; ok && current == j {
		delete(s.jobs, j.name)
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
