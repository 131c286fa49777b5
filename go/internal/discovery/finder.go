// Package discovery locates the coordination server on the local network.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roomnode/go/internal/metrics"
)

const (
	DefaultService         = "_team._tcp"
	DefaultDomain          = "local."
	DefaultFallbackAddress = "192.168.1.200"
	DefaultFallbackPort    = 51000
	DefaultMaxAttempts     = 5
	DefaultRetryDelay      = 500 * time.Millisecond
	DefaultBrowseTimeout   = 6 * time.Second
)

// Browser performs one multicast browse for a service type. found may be called from
// any goroutine, once per resolved instance, until ctx is done.
type Browser interface {
	Browse(ctx context.Context, service, domain string, found func(addr string, port int)) error
}

// Options configures a Finder.
type Options struct {
	Service         string
	Domain          string
	FallbackAddress string
	FallbackPort    int
	MaxAttempts     int           // browses before falling back
	RetryDelay      time.Duration // wait when the network is not up yet
	BrowseTimeout   time.Duration // upper bound for a single browse
}

// DefaultOptions returns the production discovery settings.
func DefaultOptions() Options {
	return Options{
		Service:         DefaultService,
		Domain:          DefaultDomain,
		FallbackAddress: DefaultFallbackAddress,
		FallbackPort:    DefaultFallbackPort,
		MaxAttempts:     DefaultMaxAttempts,
		RetryDelay:      DefaultRetryDelay,
		BrowseTimeout:   DefaultBrowseTimeout,
	}
}

// Result is the memoized outcome of discovery.
type Result struct {
	Found              bool
	Address            string
	Port               int
	AttemptsSinceForce int
}

// Finder searches for the server and remembers the last instance it found.
type Finder struct {
	opts    Options
	clock   clockwork.Clock
	browser Browser
	ready   func() bool
	metrics metrics.Recorder
	logger  zerolog.Logger

	mu       sync.Mutex
	onFound  func(addr string, port int)
	result   Result
	attempts int
	gen      uint64
	stopScan context.CancelFunc
	retry    clockwork.Timer
}

// NewFinder creates a finder. ready reports whether the local network has an address.
func NewFinder(opts Options, browser Browser, ready func() bool, clock clockwork.Clock, rec metrics.Recorder) *Finder {
	if rec == nil {
		rec = metrics.NoOp{}
	}
	return &Finder{
		opts:    opts,
		clock:   clock,
		browser: browser,
		ready:   ready,
		metrics: rec,
		logger:  log.With().Str("component", "discovery").Logger(),
	}
}

// SetListener sets the callback invoked with every found (or fallback) address.
func (f *Finder) SetListener(fn func(addr string, port int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFound = fn
}

// Result returns a copy of the memoized result.
func (f *Finder) Result() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Search reports the server address through the listener. A cached result is reported
// straight away unless forced is set, in which case the cache is dropped and the network
// is browsed again. After MaxAttempts browses without an answer the fallback address is
// reported and the attempt counter starts over.
func (f *Finder) Search(forced bool) {
	f.mu.Lock()
	f.stopLocked()

	if forced {
		f.result = Result{AttemptsSinceForce: f.attempts}
	}

	if f.result.Found {
		addr, port, notify := f.result.Address, f.result.Port, f.onFound
		f.mu.Unlock()
		f.logger.Debug().Str("addr", addr).Int("port", port).Msg("using cached server address")
		notify(addr, port)
		return
	}

	if !f.ready() {
		gen := f.gen
		f.retry = f.clock.AfterFunc(f.opts.RetryDelay, func() { f.retrySearch(gen) })
		f.mu.Unlock()
		f.logger.Info().Dur("retry_in", f.opts.RetryDelay).Msg("network not ready, retrying search")
		return
	}

	if f.attempts < f.opts.MaxAttempts {
		f.attempts++
		f.result.AttemptsSinceForce = f.attempts
		ctx, cancel := clockwork.WithTimeout(context.Background(), f.clock, f.opts.BrowseTimeout)
		f.stopScan = cancel
		gen, attempt := f.gen, f.attempts
		f.mu.Unlock()

		f.metrics.RecordBrowse()
		f.logger.Info().Int("attempt", attempt).Str("service", f.opts.Service).Msg("browsing for server")
		go f.browse(ctx, gen)
		return
	}

	f.attempts = 0
	f.result.AttemptsSinceForce = 0
	addr, port, notify := f.opts.FallbackAddress, f.opts.FallbackPort, f.onFound
	f.mu.Unlock()

	f.metrics.RecordFallback()
	f.logger.Warn().Str("addr", addr).Int("port", port).Msg("server not discovered, using fallback address")
	notify(addr, port)
}

// Cleanup stops any browse or pending retry and forgets the cached result.
func (f *Finder) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
	f.result = Result{}
}

// stopLocked invalidates the in-flight browse and retry. The caller must hold f.mu.
func (f *Finder) stopLocked() {
	f.gen++
	if f.stopScan != nil {
		f.stopScan()
		f.stopScan = nil
	}
	if f.retry != nil {
		f.retry.Stop()
		f.retry = nil
	}
}

func (f *Finder) retrySearch(gen uint64) {
	f.mu.Lock()
	stale := gen != f.gen
	f.mu.Unlock()
	if stale {
		return
	}
	f.Search(false)
}

func (f *Finder) browse(ctx context.Context, gen uint64) {
	err := f.browser.Browse(ctx, f.opts.Service, f.opts.Domain, func(addr string, port int) {
		f.found(gen, addr, port)
	})
	if err != nil {
		f.logger.Warn().Err(err).Msg("browse failed")
	}
}

func (f *Finder) found(gen uint64, addr string, port int) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.result = Result{Found: true, Address: addr, Port: port, AttemptsSinceForce: f.attempts}
	notify := f.onFound
	f.mu.Unlock()

	f.logger.Info().Str("addr", addr).Int("port", port).Msg("server discovered")
	notify(addr, port)
}
