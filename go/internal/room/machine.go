// Package room implements the lifecycle state machine of a room node.
//
// Every mutation of machine state happens on the goroutine running Run. Collaborators
// call in from their own goroutines through Fire and the listener methods, which only
// enqueue work. Triggers raised while a transition is in progress are queued behind it
// and processed once its entry action has returned.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roomnode/go/internal/audio"
	"github.com/mcdev12/roomnode/go/internal/gametimer"
	"github.com/mcdev12/roomnode/go/internal/metrics"
	"github.com/mcdev12/roomnode/go/internal/protocol"
	"github.com/mcdev12/roomnode/go/internal/schedule"
)

var (
	ErrLevelOutOfRange = errors.New("win level outside configured points")
	ErrNoConfig        = errors.New("room has no configuration")
)

// Communicator is the server connection as seen by the state machine.
type Communicator interface {
	Connect(addr string, port int)
	StopConnecting()
	IsConnected() bool
	SendConfigRequest()
	SendRoomStatus(status protocol.RoomStatus, level *int) error
	SendResult(status protocol.RoomStatus, level *int, msgID string) error
}

// Finder locates the server and reports it through Machine.ServerFound.
type Finder interface {
	Search(forced bool)
}

// Audio plays the room's sounds.
type Audio interface {
	PlayWinning(withVoice bool, points int, tier audio.Tier)
	PlayLosing(withVoice, closeCall bool)
	PlayNag(volume float64, final bool)
	StopAll()
	PlayBackground()
}

// Hooks are the application's callbacks. All of them are optional and run on the
// state machine goroutine, so they must not block for long.
type Hooks struct {
	OnIdle           func()
	OnStarting       func(members int, lang protocol.Language)
	OnStarted        func()
	OnBadEvent       func(reason protocol.BadEvent)
	OnConnectionLost func()
	OnDoorOpening    func()
	OnDoorClosed     func()
	// OnMaxTime replaces the default handling of an expired countdown (report
	// MaxTimeReached and lose the game).
	OnMaxTime     func()
	OnShutdown    func()
	OnReboot      func()
	OnPairedEvent func(ev protocol.PairedEvent)
	OnError       func(err error)
}

// Transition is passed to observers after each state change.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
	At      time.Time
}

const (
	TimerBackendClock = "clock"
	TimerBackendLoop  = "loop"
)

// Timeouts holds the timeout of each timed state.
type Timeouts struct {
	FindServer schedule.Interval
	Connecting schedule.Interval
	GetConfig  schedule.Interval
}

// DefaultTimeouts desynchronizes rooms that restart together.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		FindServer: schedule.Interval{Period: 8 * time.Second, Jitter: 2 * time.Second},
		Connecting: schedule.Interval{Period: 15 * time.Second, Jitter: 2 * time.Second},
		// 5s, one second early up to three seconds late
		GetConfig: schedule.Interval{Period: 6 * time.Second, Jitter: 2 * time.Second},
	}
}

// Options configures a Machine.
type Options struct {
	GameLength         time.Duration
	Debug              bool // synthesize server and door events instead of waiting for them
	AutoPlayBackground bool
	TimerBackend       string
	NagThreshold       int
	Timeouts           Timeouts
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		GameLength:         300 * time.Second,
		AutoPlayBackground: true,
		TimerBackend:       TimerBackendClock,
		NagThreshold:       4,
		Timeouts:           DefaultTimeouts(),
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.GameLength <= 0 {
		o.GameLength = def.GameLength
	}
	if o.TimerBackend == "" {
		o.TimerBackend = def.TimerBackend
	}
	if o.NagThreshold <= 0 {
		o.NagThreshold = def.NagThreshold
	}
	if o.Timeouts.FindServer.Period <= 0 {
		o.Timeouts.FindServer = def.Timeouts.FindServer
	}
	if o.Timeouts.Connecting.Period <= 0 {
		o.Timeouts.Connecting = def.Timeouts.Connecting
	}
	if o.Timeouts.GetConfig.Period <= 0 {
		o.Timeouts.GetConfig = def.Timeouts.GetConfig
	}
	return o
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Comm    Communicator
	Finder  Finder
	Audio   Audio
	Clock   clockwork.Clock
	Metrics metrics.Recorder
}

// Event is a trigger plus the arguments its entry action may use.
type Event struct {
	Trigger      Trigger
	Reason       protocol.BadEvent
	Level        int
	Members      int
	Language     protocol.Language
	CloseCall    bool
	WithFeedback bool
	SendToServer bool
	FinalSendoff bool
	Addr         string
	Port         int
}

// Machine is the room lifecycle state machine.
type Machine struct {
	opts      Options
	clock     clockwork.Clock
	comm      Communicator
	finder    Finder
	audio     Audio
	hooks     Hooks
	metrics   metrics.Recorder
	timer     *gametimer.Countdown
	observers []func(Transition)
	logger    zerolog.Logger

	qmu    sync.Mutex
	queue  []func()
	wakeCh chan struct{}

	current atomic.Int32

	cfgMu sync.RWMutex
	cfg   *protocol.RoomConfig

	// Owned by the Run goroutine.
	state       State
	dispatching bool
	followUps   []Event
	active      bool
	nag         int
	episode     string
	reported    map[protocol.BadEvent]bool
	resultSent  bool
	entryGen    uint64
	stateTimer  clockwork.Timer
	debugTimer  clockwork.Timer
}

// New creates a machine in StateInit. Nothing happens until Run and Start are called.
// Zero fields of opts take their DefaultOptions values.
func New(opts Options, deps Deps, hooks Hooks) *Machine {
	opts = opts.withDefaults()
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOp{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	m := &Machine{
		opts:     opts,
		clock:    deps.Clock,
		comm:     deps.Comm,
		finder:   deps.Finder,
		audio:    deps.Audio,
		hooks:    hooks,
		metrics:  deps.Metrics,
		logger:   log.With().Str("component", "room").Logger(),
		wakeCh:   make(chan struct{}, 1),
		state:    StateInit,
		episode:  uuid.New().String(),
		reported: make(map[protocol.BadEvent]bool),
	}

	var backend gametimer.Backend
	switch opts.TimerBackend {
	case TimerBackendLoop:
		backend = gametimer.NewLoopBackend(m.clock, m)
	default:
		backend = gametimer.NewClockBackend(m.clock)
	}
	m.timer = gametimer.New(opts.GameLength, m.clock, backend)
	m.timer.SetCallback(func() { m.Post(m.maxTimeReached) })

	return m
}

// AddObserver registers fn to be called after every transition. It must be called
// before Run.
func (m *Machine) AddObserver(fn func(Transition)) {
	m.observers = append(m.observers, fn)
}

// Run processes queued work until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	m.logger.Info().Bool("debug", m.opts.Debug).Str("timer_backend", m.opts.TimerBackend).Msg("state machine started")
	defer m.teardown()

	for {
		if fn := m.next(); fn != nil {
			fn()
			continue
		}
		select {
		case <-ctx.Done():
			m.logger.Info().Str("state", m.state.String()).Msg("state machine shutdown requested")
			return nil
		case <-m.wakeCh:
		}
	}
}

// Post queues fn to run on the state machine goroutine.
func (m *Machine) Post(fn func()) {
	m.qmu.Lock()
	m.queue = append(m.queue, fn)
	m.qmu.Unlock()

	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Machine) next() func() {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	fn := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return fn
}

func (m *Machine) teardown() {
	m.disarmTimeout()
	if m.debugTimer != nil {
		m.debugTimer.Stop()
		m.debugTimer = nil
	}
	m.timer.Cancel()
}

// Start leaves StateInit and begins looking for the server.
func (m *Machine) Start() {
	m.Post(func() {
		if m.opts.Debug {
			m.afterDebug(500*time.Millisecond, func() {
				m.trigger(Event{Trigger: TriggerServerFound})
			})
		}
		m.trigger(Event{Trigger: TriggerStartLogic})
	})
}

// Fire queues ev. Triggers that do not apply to the state current when ev is
// processed are ignored.
func (m *Machine) Fire(ev Event) {
	m.Post(func() { m.trigger(ev) })
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.current.Load())
}

// Config returns the configuration from the last handshake, or nil while there is none.
func (m *Machine) Config() *protocol.RoomConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Machine) setConfig(cfg *protocol.RoomConfig) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = cfg
}

// RoomWon reports that the team won at level (1-based). A level outside the configured
// points is rejected without any state change.
func (m *Machine) RoomWon(level int) error {
	if err := validateLevel(m.Config(), level); err != nil {
		return err
	}
	m.logger.Info().Int("level", level).Msg("room won")
	m.Fire(Event{Trigger: TriggerGameWon, Level: level})
	return nil
}

// RoomLost reports that the team lost. closeCall selects the near-miss announcement;
// withFeedback plays the spoken feedback after the losing sound.
func (m *Machine) RoomLost(closeCall, withFeedback bool) {
	m.logger.Info().Bool("close_call", closeCall).Msg("room lost")
	m.Fire(Event{Trigger: TriggerGameLost, CloseCall: closeCall, WithFeedback: withFeedback})
}

// RoomReset resets a room that noticed by itself that nobody is playing, and tells
// the server.
func (m *Machine) RoomReset() {
	m.Fire(Event{Trigger: TriggerGameReset, SendToServer: true})
}

// SetGameLength changes the default game length. A running countdown restarts with
// the new length.
func (m *Machine) SetGameLength(d time.Duration) {
	m.timer.SetDefault(d)
}

// AddGameLength extends the running countdown. It reports false when no game is running.
func (m *Machine) AddGameLength(d time.Duration) bool {
	ok := m.timer.Extend(d)
	if ok {
		m.metrics.RecordCountdown("extended")
	}
	return ok
}

// GameLength returns the default game length.
func (m *Machine) GameLength() time.Duration {
	return m.timer.Default()
}

// SetMaxTimeHandler replaces the OnMaxTime hook. nil restores the default handling.
func (m *Machine) SetMaxTimeHandler(fn func()) {
	m.Post(func() { m.hooks.OnMaxTime = fn })
}

func validateLevel(cfg *protocol.RoomConfig, level int) error {
	if cfg == nil {
		return ErrNoConfig
	}
	if level < 1 || level > len(cfg.Points) {
		return fmt.Errorf("%w: level %d with %d levels", ErrLevelOutOfRange, level, len(cfg.Points))
	}
	return nil
}

// trigger applies ev. Called while a transition is in progress it queues ev behind it.
func (m *Machine) trigger(ev Event) {
	if m.dispatching {
		m.followUps = append(m.followUps, ev)
		return
	}

	m.dispatching = true
	defer func() { m.dispatching = false }()

	m.dispatch(ev)
	for len(m.followUps) > 0 {
		next := m.followUps[0]
		m.followUps = m.followUps[1:]
		m.dispatch(next)
	}
}

func (m *Machine) dispatch(ev Event) {
	to, ok := resolve(ev.Trigger, m.state, m.holds)
	if !ok {
		m.logger.Debug().Str("state", m.state.String()).Str("trigger", string(ev.Trigger)).Msg("trigger ignored")
		m.metrics.RecordTriggerIgnored(m.state.String(), string(ev.Trigger))
		return
	}

	if ev.Trigger == TriggerGameWon {
		if err := validateLevel(m.Config(), ev.Level); err != nil {
			m.logger.Error().Err(err).Int("level", ev.Level).Msg("win rejected")
			if m.hooks.OnError != nil {
				m.hooks.OnError(err)
			}
			return
		}
	}

	from := m.state
	m.disarmTimeout()
	m.state = to
	m.current.Store(int32(to))

	m.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("trigger", string(ev.Trigger)).
		Msg("state transition")
	m.metrics.RecordTransition(from.String(), to.String(), string(ev.Trigger))

	tr := Transition{From: from, To: to, Trigger: ev.Trigger, At: m.clock.Now()}
	for _, fn := range m.observers {
		fn(tr)
	}

	if trig, ok := timeoutTriggers[to]; ok {
		m.armTimeout(to, trig)
	}
	m.enter(to, ev)
}

func (m *Machine) holds(g guard) bool {
	switch g {
	case gameIsActive:
		return m.active
	default:
		return true
	}
}

func (m *Machine) timeoutFor(s State) schedule.Interval {
	switch s {
	case StateFindServer:
		return m.opts.Timeouts.FindServer
	case StateConnectingToServer:
		return m.opts.Timeouts.Connecting
	default:
		return m.opts.Timeouts.GetConfig
	}
}

// armTimeout fires trig unless the machine leaves s first.
func (m *Machine) armTimeout(s State, trig Trigger) {
	d := m.timeoutFor(s).Draw()
	if d <= 0 {
		return
	}
	gen := m.entryGen
	m.stateTimer = m.clock.AfterFunc(d, func() {
		m.Post(func() {
			if gen != m.entryGen {
				return
			}
			m.logger.Info().Str("state", s.String()).Dur("after", d).Msg("state timed out")
			m.trigger(Event{Trigger: trig})
		})
	})
}

func (m *Machine) disarmTimeout() {
	m.entryGen++
	if m.stateTimer != nil {
		m.stateTimer.Stop()
		m.stateTimer = nil
	}
}

// afterDebug runs fn on the state machine goroutine after d. Only one debug step is
// pending at a time.
func (m *Machine) afterDebug(d time.Duration, fn func()) {
	if m.debugTimer != nil {
		m.debugTimer.Stop()
	}
	m.debugTimer = m.clock.AfterFunc(d, func() { m.Post(fn) })
}

func (m *Machine) maxTimeReached() {
	m.metrics.RecordCountdown("expired")
	if !m.active {
		m.logger.Debug().Msg("stale countdown expiry ignored")
		return
	}

	m.logger.Info().Str("state", m.state.String()).Msg("max time reached")
	if m.hooks.OnMaxTime != nil {
		m.hooks.OnMaxTime()
		return
	}
	m.report(protocol.BadEventMaxTimeReached)
	m.trigger(Event{Trigger: TriggerGameLost, WithFeedback: true})
}

// report hands reason to the application once per episode.
func (m *Machine) report(reason protocol.BadEvent) {
	if reason == protocol.BadEventNone {
		return
	}
	if m.reported[reason] {
		m.logger.Debug().Stringer("reason", reason).Msg("bad event already reported this episode")
		return
	}
	m.reported[reason] = true
	m.metrics.RecordBadEvent(reason.String())
	m.logger.Warn().Stringer("reason", reason).Msg("bad event")
	if m.hooks.OnBadEvent != nil {
		m.hooks.OnBadEvent(reason)
	}
}

// newEpisode starts the bookkeeping for the next game.
func (m *Machine) newEpisode() {
	m.episode = uuid.New().String()
	m.reported = make(map[protocol.BadEvent]bool)
	m.resultSent = false
}

func (m *Machine) sendStatus(status protocol.RoomStatus) {
	if m.opts.Debug {
		return
	}
	if err := m.comm.SendRoomStatus(status, nil); err != nil {
		m.logger.Warn().Err(err).Str("status", string(status)).Msg("send room status failed")
	}
}

// sendResult publishes won or lost, at most once per episode.
func (m *Machine) sendResult(status protocol.RoomStatus, level *int) {
	if m.opts.Debug {
		return
	}
	if m.resultSent {
		m.logger.Debug().Str("status", string(status)).Msg("result already sent this episode")
		return
	}
	msgID := m.episode + "-" + string(status)
	if err := m.comm.SendResult(status, level, msgID); err != nil {
		m.logger.Warn().Err(err).Str("status", string(status)).Msg("send result failed")
		return
	}
	m.resultSent = true
}
