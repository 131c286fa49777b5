// Package comms keeps the room node connected to the coordination server.
//
// It owns its background jobs on a shared scheduler: the connect job retries until a
// connection is up, the config job re-sends the config request until the server
// answers, and the ping job sends the heartbeat. Room statuses and results that fail to
// publish get their own retry jobs. Inbound messages are routed by subject to either
// the room's own handler or the paired room handler.
package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roomnode/go/internal/metrics"
	"github.com/mcdev12/roomnode/go/internal/protocol"
	"github.com/mcdev12/roomnode/go/internal/schedule"
)

const (
	jobConnect = "connect"
	jobConfig  = "config"
	jobPing    = "ping"
	jobStatus  = "status"
	jobResult  = "result-"

	nodeType = "room"
)

// Listener receives connection lifecycle events and inbound messages.
// Calls may arrive from any goroutine.
type Listener interface {
	ServerConnected()
	ServerLost()
	// ConfigReceived is called once per handshake answer. err is protocol.ErrRoomRemoved
	// when the server no longer knows this room.
	ConfigReceived(cfg *protocol.RoomConfig, err error)
	RoomMessage(msg protocol.Message)
	PairedRoomMessage(msg protocol.Message)
}

// Host describes the local machine in outbound payloads.
type Host interface {
	IPv4() string
	Hostname() string
}

// Options configures a Communicator.
type Options struct {
	MAC             string
	Spy             bool
	ConnectInterval schedule.Interval
	ConfigInterval  schedule.Interval
	PingInterval    schedule.Interval
	PublishTimeout  time.Duration
	// RetryInterval paces re-sends of a room status or result that failed to publish.
	// Retries stop once RetryWindow has passed since the first attempt.
	RetryInterval schedule.Interval
	RetryWindow   time.Duration
}

// DefaultOptions returns the production retry and heartbeat intervals.
func DefaultOptions(mac string) Options {
	return Options{
		MAC:             mac,
		ConnectInterval: schedule.Interval{Period: 5 * time.Second, Jitter: 2 * time.Second},
		ConfigInterval:  schedule.Interval{Period: 4 * time.Second, Jitter: 2 * time.Second},
		PingInterval:    schedule.Interval{Period: 60 * time.Second, Jitter: 15 * time.Second},
		PublishTimeout:  5 * time.Second,
		RetryInterval:   schedule.Interval{Period: 3 * time.Second, Jitter: time.Second},
		RetryWindow:     10 * time.Minute,
	}
}

// link is one established connection. quiet suppresses the lost callback when the
// connection is closed on purpose.
type link struct {
	conn  Conn
	quiet bool
}

// Communicator wraps the server connection.
type Communicator struct {
	opts     Options
	dialer   Dialer
	host     Host
	listener Listener
	clock    clockwork.Clock
	sched    *schedule.Scheduler
	metrics  metrics.Recorder
	logger   zerolog.Logger

	mu          sync.Mutex
	link        *link
	configAcked bool
	room        string
	paired      string
	roomSubs    []Subscription
}

// New creates a communicator. Nothing happens until Connect is called.
func New(opts Options, dialer Dialer, host Host, clock clockwork.Clock, rec metrics.Recorder) *Communicator {
	if rec == nil {
		rec = metrics.NoOp{}
	}
	return &Communicator{
		opts:    opts,
		dialer:  dialer,
		host:    host,
		clock:   clock,
		sched:   schedule.New(clock),
		metrics: rec,
		logger:  log.With().Str("component", "comms").Str("mac", opts.MAC).Logger(),
	}
}

// SetListener sets the receiver of connection events and messages. It must be called
// before Connect.
func (c *Communicator) SetListener(l Listener) {
	c.listener = l
}

// Connect starts the connect job for addr:port, replacing any previous one. The first
// attempt happens right away; failures are retried on the connect interval until an
// attempt succeeds or StopConnecting is called.
func (c *Communicator) Connect(addr string, port int) {
	c.logger.Info().Str("addr", addr).Int("port", port).Msg("connecting to server")
	c.sched.Every(jobConnect, c.opts.ConnectInterval, true, func(ctx context.Context) {
		c.tryConnect(ctx, addr, port)
	})
}

// StopConnecting cancels a pending connect job.
func (c *Communicator) StopConnecting() {
	c.sched.Cancel(jobConnect)
}

func (c *Communicator) tryConnect(ctx context.Context, addr string, port int) {
	c.Disconnect(true)

	l := &link{}
	conn, err := c.dialer.Dial(ctx, addr, port, func() { c.onClosed(l) })
	if err != nil {
		c.metrics.RecordConnectAttempt(false)
		c.logger.Warn().Err(err).Str("addr", addr).Int("port", port).Msg("connect attempt failed")
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		// Cancelled while dialing; nobody wants this connection any more.
		l.quiet = true
		c.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	c.link = l
	c.mu.Unlock()

	if _, err := conn.Subscribe(protocol.ConfigReceiveSubject(c.opts.MAC), c.onConfig); err != nil {
		c.metrics.RecordConnectAttempt(false)
		c.logger.Warn().Err(err).Msg("subscribe to config subject failed")
		c.drop(l)
		return
	}

	if !c.sched.CancelIf(ctx, jobConnect) {
		// Replaced or stopped while subscribing; a newer attempt owns the link now.
		c.logger.Debug().Str("addr", addr).Int("port", port).Msg("connect attempt superseded")
		c.drop(l)
		return
	}
	c.metrics.RecordConnectAttempt(true)
	c.logger.Info().Str("addr", addr).Int("port", port).Msg("connected to server")
	c.listener.ServerConnected()
}

// drop quietly closes l without touching a link that replaced it.
func (c *Communicator) drop(l *link) {
	c.mu.Lock()
	l.quiet = true
	if c.link == l {
		c.link = nil
		c.roomSubs = nil
	}
	c.mu.Unlock()
	l.conn.Close()
}

// onClosed handles the end of an established connection.
func (c *Communicator) onClosed(l *link) {
	c.mu.Lock()
	if l.quiet || c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.roomSubs = nil
	c.mu.Unlock()

	c.sched.Cancel(jobConfig)
	c.sched.Cancel(jobPing)

	c.logger.Warn().Msg("server connection lost")
	c.listener.ServerLost()
}

// IsConnected reports whether a server connection is up.
func (c *Communicator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil && c.link.conn.IsConnected()
}

// Disconnect closes the current connection, if any. With avoidCallback the listener is
// not told about it, which is what a self-initiated teardown wants. Calling it without
// a connection does nothing.
func (c *Communicator) Disconnect(avoidCallback bool) {
	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return
	}
	l.quiet = true
	c.link = nil
	c.roomSubs = nil
	c.mu.Unlock()

	c.sched.Cancel(jobConfig)
	c.sched.Cancel(jobPing)
	l.conn.Close()

	c.logger.Info().Bool("quiet", avoidCallback).Msg("disconnected from server")
	if !avoidCallback {
		c.listener.ServerLost()
	}
}

// Close disconnects quietly and stops every background job.
func (c *Communicator) Close() {
	c.Disconnect(true)
	c.sched.Stop()
}

// SendConfigRequest publishes a config request now and keeps re-sending it on the
// config interval until an answer arrives.
func (c *Communicator) SendConfigRequest() {
	c.mu.Lock()
	c.configAcked = false
	c.mu.Unlock()

	c.sched.Every(jobConfig, c.opts.ConfigInterval, true, func(ctx context.Context) {
		c.configTick()
	})
}

func (c *Communicator) configTick() {
	c.mu.Lock()
	acked := c.configAcked
	c.mu.Unlock()
	if acked {
		c.sched.Cancel(jobConfig)
		return
	}

	req := protocol.ConfigRequest{
		MAC:      c.opts.MAC,
		Type:     nodeType,
		IP:       c.host.IPv4(),
		Hostname: c.host.Hostname(),
		Spy:      c.opts.Spy,
	}
	c.metrics.RecordConfigRequest()
	if err := c.publishJSON(protocol.ConfigRequestSubject(c.opts.MAC), req); err != nil {
		c.logger.Warn().Err(err).Msg("send config request failed")
		return
	}
	c.logger.Debug().Msg("config request sent")
}

func (c *Communicator) onConfig(subject string, data []byte) {
	c.sched.Cancel(jobConfig)
	c.mu.Lock()
	c.configAcked = true
	c.mu.Unlock()

	cfg, err := protocol.DecodeConfig(data)
	if err != nil {
		if errors.Is(err, protocol.ErrRoomRemoved) {
			c.logger.Warn().Msg("room removed from server configuration")
		} else {
			c.logger.Warn().Err(err).Msg("invalid config received")
		}
		c.listener.ConfigReceived(nil, err)
		return
	}

	if err := c.subscribeRoom(cfg); err != nil {
		c.logger.Warn().Err(err).Str("room", cfg.RoomID).Msg("subscribe to room subjects failed")
		c.listener.ConfigReceived(nil, err)
		return
	}

	c.sched.Every(jobPing, c.opts.PingInterval, true, func(ctx context.Context) {
		c.sendHeartbeat()
	})

	ev := c.logger.Info().Str("room", cfg.RoomID).Ints("points", cfg.Points)
	if cfg.Paired() {
		ev = ev.Str("room_type", string(cfg.RoomType)).Str("paired_room", cfg.PairedRoomID)
	}
	ev.Msg("config received")

	c.listener.ConfigReceived(cfg, nil)
}

// subscribeRoom drops the subscriptions of a previous handshake and subscribes to the
// subjects of the configured room and, for paired rooms, the partner's status subjects.
func (c *Communicator) subscribeRoom(cfg *protocol.RoomConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.roomSubs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	c.roomSubs = nil
	c.room = cfg.RoomID
	c.paired = ""

	if c.link == nil {
		return ErrNotConnected
	}

	subjects := []string{
		protocol.SetStatusSubject(cfg.RoomID),
		protocol.DoorStatusSubject(cfg.RoomID),
		protocol.TagScanSubject(cfg.RoomID),
	}
	if cfg.Paired() {
		c.paired = cfg.PairedRoomID
		subjects = append(subjects,
			protocol.RoomStatusSubject(cfg.PairedRoomID),
			protocol.DoorStatusSubject(cfg.PairedRoomID),
		)
	}

	for _, subject := range subjects {
		sub, err := c.link.conn.Subscribe(subject, c.dispatch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.roomSubs = append(c.roomSubs, sub)
	}
	return nil
}

// dispatch routes an inbound message. Messages about the paired room never reach the
// room's own handler.
func (c *Communicator) dispatch(subject string, data []byte) {
	channel, id := protocol.ParseSubject(subject)

	c.mu.Lock()
	own, paired := c.room, c.paired
	c.mu.Unlock()

	var deliver func(protocol.Message)
	switch {
	case paired != "" && id == paired && (channel == protocol.ChannelRoomStatus || channel == protocol.ChannelDoorStatus):
		deliver = c.listener.PairedRoomMessage
	case id == own && (channel == protocol.ChannelSetStatus || channel == protocol.ChannelDoorStatus || channel == protocol.ChannelTagScan):
		deliver = c.listener.RoomMessage
	default:
		c.logger.Debug().Str("subject", subject).Msg("dropping message on unknown subject")
		return
	}

	msg, err := protocol.DecodeMessage(channel, id, data)
	if err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("dropping undecodable message")
		return
	}
	deliver(msg)
}

func (c *Communicator) sendHeartbeat() {
	hb := protocol.Heartbeat{MAC: c.opts.MAC, IP: c.host.IPv4(), Type: nodeType}
	err := c.publishJSON(protocol.AliveSubject, hb)
	c.metrics.RecordHeartbeat()
	if err != nil {
		c.logger.Warn().Err(err).Msg("send heartbeat failed")
	}
}

// Room returns the room id from the last handshake.
func (c *Communicator) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// SendRoomStatus publishes a status for this room. level is only set for wins. A
// failed publish is retried in the background, and a newer status replaces a pending
// retry. The returned error means nothing was sent or queued.
func (c *Communicator) SendRoomStatus(status protocol.RoomStatus, level *int) error {
	subject, data, err := c.roomStatus(status, level)
	if err != nil {
		return err
	}
	c.deliver(jobStatus, status, func(context.Context) error {
		return c.publish(subject, data)
	})
	return nil
}

// SendResult publishes a won or lost status. msgID identifies the result so that a
// durable transport stores it once however often it is sent. A failed publish is
// retried in the background under msgID; the returned error means nothing was sent or
// queued.
func (c *Communicator) SendResult(status protocol.RoomStatus, level *int, msgID string) error {
	subject, data, err := c.roomStatus(status, level)
	if err != nil {
		return err
	}
	c.deliver(jobResult+msgID, status, func(ctx context.Context) error {
		c.mu.Lock()
		l := c.link
		c.mu.Unlock()
		if l == nil {
			return ErrNotConnected
		}
		ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
		defer cancel()
		return l.conn.PublishDurable(ctx, subject, data, msgID)
	})
	return nil
}

// deliver runs send once and, when it fails, keeps retrying it under job until a send
// succeeds or the retry window closes.
func (c *Communicator) deliver(job string, status protocol.RoomStatus, send func(ctx context.Context) error) {
	err := send(context.Background())
	c.metrics.RecordPublish(string(status), err == nil)
	if err == nil {
		c.sched.Cancel(job)
		return
	}
	c.logger.Warn().Err(err).Str("status", string(status)).Msg("publish failed, retrying")

	deadline := c.clock.Now().Add(c.opts.RetryWindow)
	c.sched.Every(job, c.opts.RetryInterval, false, func(ctx context.Context) {
		err := send(ctx)
		if ctx.Err() != nil {
			return
		}
		c.metrics.RecordPublish(string(status), err == nil)
		switch {
		case err == nil:
			c.sched.CancelIf(ctx, job)
			c.logger.Info().Str("status", string(status)).Msg("publish delivered on retry")
		case !c.clock.Now().Before(deadline):
			c.sched.CancelIf(ctx, job)
			c.logger.Error().Err(err).Str("status", string(status)).Msg("publish retries exhausted")
		default:
			c.logger.Debug().Err(err).Str("status", string(status)).Msg("publish retry failed")
		}
	})
}

func (c *Communicator) roomStatus(status protocol.RoomStatus, level *int) (string, []byte, error) {
	room := c.Room()
	if room == "" {
		return "", nil, ErrNoRoom
	}
	data, err := json.Marshal(protocol.RoomStatusReport{
		Status: status,
		MAC:    c.opts.MAC,
		Room:   room,
		Level:  level,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal room status: %w", err)
	}
	return protocol.RoomStatusSubject(room), data, nil
}

func (c *Communicator) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return c.publish(subject, data)
}

func (c *Communicator) publish(subject string, data []byte) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return l.conn.Publish(subject, data)
}
