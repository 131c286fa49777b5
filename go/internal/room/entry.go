package room

import (
	"time"

	"github.com/mcdev12/roomnode/go/internal/audio"
	"github.com/mcdev12/roomnode/go/internal/protocol"
)

// debugConfig is used instead of a server handshake in debug mode.
var debugConfig = &protocol.RoomConfig{RoomID: "debug", Points: []int{100, 200, 300}}

func (m *Machine) enter(s State, ev Event) {
	switch s {
	case StateFindServer:
		m.enterFindServer(ev)
	case StateConnectingToServer:
		m.enterConnecting(ev)
	case StateGetConfig:
		m.enterGetConfig()
	case StateIdle:
		m.enterIdle(ev)
	case StateTagScanned:
		if m.hooks.OnStarting != nil {
			m.hooks.OnStarting(ev.Members, ev.Language)
		}
	case StateDoorOpen:
		m.enterDoorOpen()
	case StateActive:
		m.enterActive()
	case StateEnded:
		m.enterEnded(ev)
	case StateEndedFeedback:
		m.report(protocol.BadEventGameEnded)
	case StateShuttingDown:
		m.timer.Cancel()
		m.audio.StopAll()
		if m.hooks.OnShutdown != nil {
			m.hooks.OnShutdown()
		}
	case StateRebooting:
		m.timer.Cancel()
		m.audio.StopAll()
		m.report(protocol.BadEventRebooting)
		if m.hooks.OnReboot != nil {
			m.hooks.OnReboot()
		}
	}
}

func (m *Machine) enterFindServer(ev Event) {
	if m.opts.Debug {
		// Start armed a timer that plays the finder's part.
		return
	}
	if m.comm.IsConnected() {
		m.trigger(Event{Trigger: TriggerServerIsConnected})
		return
	}
	m.comm.StopConnecting()
	// A failed connection may mean the server moved, so skip the cached address.
	m.finder.Search(ev.Trigger == TriggerServerConnFailed)
}

func (m *Machine) enterConnecting(ev Event) {
	if m.opts.Debug {
		m.afterDebug(1500*time.Millisecond, func() {
			m.trigger(Event{Trigger: TriggerServerConnected})
		})
		return
	}
	m.logger.Info().Str("addr", ev.Addr).Int("port", ev.Port).Msg("connecting to discovered server")
	m.comm.Connect(ev.Addr, ev.Port)
}

func (m *Machine) enterGetConfig() {
	m.setConfig(nil)
	if m.opts.Debug {
		m.setConfig(debugConfig)
		m.trigger(Event{Trigger: TriggerConfigReceived})
		return
	}
	m.comm.SendConfigRequest()
}

func (m *Machine) enterIdle(ev Event) {
	m.audio.StopAll()
	m.nag = 0

	if ev.Trigger == TriggerGameReset && ev.SendToServer {
		// The room reset itself; the server has to hear about it.
		m.sendStatus(protocol.RoomStatusReset)
		if ev.FinalSendoff {
			m.audio.PlayNag(0.8, true)
			m.report(protocol.BadEventThrowOutGroup)
		}
	}
	m.newEpisode()

	m.sendStatus(protocol.RoomStatusReady)
	if m.hooks.OnIdle != nil {
		m.hooks.OnIdle()
	}

	if m.opts.Debug {
		m.trigger(Event{Trigger: TriggerAccessGranted, Members: 4, Language: protocol.LanguageSwedish})
		m.afterDebug(time.Second, func() {
			m.interpret(protocol.Message{Channel: protocol.ChannelDoorStatus, Info: protocol.DoorOpeningStarting})
		})
	}
}

func (m *Machine) enterDoorOpen() {
	if m.hooks.OnDoorOpening != nil {
		m.hooks.OnDoorOpening()
	}
	if m.opts.Debug {
		m.afterDebug(time.Second, func() {
			m.interpret(protocol.Message{Channel: protocol.ChannelDoorStatus, Info: protocol.DoorClosedStarting})
		})
	}
}

func (m *Machine) enterActive() {
	if !m.timer.Running() {
		m.metrics.RecordCountdown("started")
	}
	m.timer.Start()
	if m.opts.AutoPlayBackground {
		m.audio.PlayBackground()
	}
	if m.hooks.OnStarted != nil {
		m.hooks.OnStarted()
	}
	m.active = true
}

func (m *Machine) enterEnded(ev Event) {
	m.active = false
	m.timer.Cancel()

	switch ev.Trigger {
	case TriggerDoorFailed:
		m.audio.PlayLosing(true, false)
		m.report(protocol.BadEventDoorOpened)

	case TriggerGameEnded:
		if ev.Reason == protocol.BadEventGameEnded {
			m.trigger(Event{Trigger: TriggerGetFeedback})
			return
		}
		m.audio.PlayLosing(true, false)
		m.report(ev.Reason)

	case TriggerGameWon:
		// dispatch already checked the level against this config
		points := m.Config().Points
		level := ev.Level
		m.sendResult(protocol.RoomStatusWon, &level)
		tier := audio.TierPositive
		if level == len(points) {
			tier = audio.TierMaxReached
		}
		m.audio.PlayWinning(true, points[level-1], tier)

	case TriggerGameLost:
		m.audio.PlayLosing(ev.WithFeedback, ev.CloseCall)
		m.sendResult(protocol.RoomStatusLost, nil)
	}
}
