package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/roomnode/go/internal/audio"
	"github.com/mcdev12/roomnode/go/internal/comms"
	"github.com/mcdev12/roomnode/go/internal/config"
	"github.com/mcdev12/roomnode/go/internal/discovery"
	"github.com/mcdev12/roomnode/go/internal/hostinfo"
	"github.com/mcdev12/roomnode/go/internal/metrics"
	"github.com/mcdev12/roomnode/go/internal/protocol"
	"github.com/mcdev12/roomnode/go/internal/room"
	"github.com/mcdev12/roomnode/go/internal/statusfeed"
	"github.com/mcdev12/roomnode/go/internal/system"
)

type hostAction string

const (
	hostShutdown hostAction = "shutdown"
	hostReboot   hostAction = "reboot"
)

// node holds the wired components of a running room.
type node struct {
	mac         string
	machine     *room.Machine
	comm        *comms.Communicator
	finder      *discovery.Finder
	hub         *statusfeed.Hub
	metrics     *metrics.Prometheus
	power       *system.Power
	hostActions chan hostAction
}

func setupNode(cfg config.Config) (*node, error) {
	// Wire up dependency injection chain
	// Host → Metrics → Transport/Discovery → State machine → Status feed

	host := hostinfo.New(cfg.Interfaces)
	mac, err := host.MAC()
	if err != nil {
		if !cfg.Debug {
			return nil, fmt.Errorf("identify room: %w", err)
		}
		mac = "00:00:00:00:00:00"
		log.Warn().Err(err).Msg("no mac address, using a placeholder in debug mode")
	}

	clock := clockwork.NewRealClock()
	rec := metrics.NewPrometheus()

	// Communicator
	commOpts := comms.DefaultOptions(mac)
	commOpts.Spy = cfg.Spy
	dialer := comms.NATSDialer{
		Scheme:        cfg.NATSURLScheme,
		User:          cfg.NATSUser,
		Password:      cfg.NATSPassword,
		ClientName:    comms.ClientName(mac),
		Timeout:       5 * time.Second,
		ResultsStream: cfg.ResultsStream,
	}
	comm := comms.New(commOpts, dialer, host, clock, rec)

	// Server discovery
	findOpts := discovery.DefaultOptions()
	findOpts.Service = cfg.ServiceType
	findOpts.Domain = cfg.ServiceDomain
	findOpts.FallbackAddress = cfg.FallbackAddress
	findOpts.FallbackPort = cfg.FallbackPort
	finder := discovery.NewFinder(findOpts, discovery.ZeroconfBrowser{}, host.NetworkReady, clock, rec)

	n := &node{
		mac:         mac,
		comm:        comm,
		finder:      finder,
		hub:         statusfeed.NewHub(statusfeed.DefaultConfig()),
		metrics:     rec,
		power:       system.NewPower(cfg.ShutdownCommand, cfg.RebootCommand, 30*time.Second, nil),
		hostActions: make(chan hostAction, 1),
	}

	// State machine
	opts := room.DefaultOptions()
	opts.GameLength = cfg.GameLength
	opts.Debug = cfg.Debug
	opts.AutoPlayBackground = cfg.AutoPlayBackground
	opts.TimerBackend = cfg.TimerBackend
	n.machine = room.New(opts, room.Deps{
		Comm:    comm,
		Finder:  finder,
		Audio:   audio.NewLogPlayer(),
		Clock:   clock,
		Metrics: rec,
	}, n.hooks())

	comm.SetListener(n.machine)
	finder.SetListener(n.machine.ServerFound)
	n.machine.AddObserver(n.publishSnapshot)

	return n, nil
}

// hooks logs the room's notable moments and turns terminal states into host actions.
func (n *node) hooks() room.Hooks {
	logger := log.With().Str("component", "node").Logger()
	return room.Hooks{
		OnStarting: func(members int, lang protocol.Language) {
			logger.Info().Int("members", members).Str("language", string(lang)).Msg("team checked in")
		},
		OnStarted: func() { logger.Info().Msg("game started") },
		OnBadEvent: func(reason protocol.BadEvent) {
			logger.Warn().Stringer("reason", reason).Msg("bad event")
		},
		OnConnectionLost: func() { logger.Warn().Msg("server connection lost") },
		OnPairedEvent: func(ev protocol.PairedEvent) {
			logger.Info().Stringer("event", ev).Msg("paired room decided the game")
		},
		OnError:    func(err error) { logger.Error().Err(err).Msg("room error") },
		OnShutdown: func() { n.requestHostAction(hostShutdown) },
		OnReboot:   func() { n.requestHostAction(hostReboot) },
	}
}

func (n *node) requestHostAction(action hostAction) {
	select {
	case n.hostActions <- action:
	default:
	}
}

func (n *node) publishSnapshot(tr room.Transition) {
	s := statusfeed.Snapshot{
		State:    tr.To.String(),
		Previous: tr.From.String(),
		Trigger:  string(tr.Trigger),
		At:       tr.At,
	}
	if cfg := n.machine.Config(); cfg != nil {
		s.Room = cfg.RoomID
	}
	n.hub.Publish(s)
}

// close stops discovery and drops the server connection without reporting it lost.
func (n *node) close() {
	n.finder.Cleanup()
	n.comm.Close()
}

func (n *node) runHostAction(ctx context.Context, action hostAction) error {
	switch action {
	case hostShutdown:
		return n.power.Shutdown(ctx)
	case hostReboot:
		return n.power.Reboot(ctx)
	default:
		return nil
	}
}
