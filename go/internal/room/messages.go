package room

import (
	"time"

	"github.com/mcdev12/roomnode/go/internal/protocol"
)

// ServerFound is the discovery callback.
func (m *Machine) ServerFound(addr string, port int) {
	m.Fire(Event{Trigger: TriggerServerFound, Addr: addr, Port: port})
}

// ServerConnected is called by the communicator once a connection is up.
func (m *Machine) ServerConnected() {
	m.Fire(Event{Trigger: TriggerServerConnected})
}

// ServerLost is called by the communicator when the connection dropped.
func (m *Machine) ServerLost() {
	m.Post(func() {
		if m.hooks.OnConnectionLost != nil {
			m.hooks.OnConnectionLost()
		}
		m.trigger(Event{Trigger: TriggerServerLost})
	})
}

// ConfigReceived is called with the result of each config handshake.
func (m *Machine) ConfigReceived(cfg *protocol.RoomConfig, err error) {
	m.Post(func() {
		if err != nil {
			m.logger.Warn().Err(err).Msg("config handshake failed, requesting again")
			m.trigger(Event{Trigger: TriggerConfigFailed})
			return
		}
		m.setConfig(cfg)
		m.trigger(Event{Trigger: TriggerConfigReceived})
	})
}

// RoomMessage delivers a message addressed to this room.
func (m *Machine) RoomMessage(msg protocol.Message) {
	m.Post(func() { m.interpret(msg) })
}

// PairedRoomMessage delivers a status message of the paired room.
func (m *Machine) PairedRoomMessage(msg protocol.Message) {
	m.Post(func() { m.interpretPaired(msg) })
}

// interpret turns a message about this room into triggers.
func (m *Machine) interpret(msg protocol.Message) {
	switch msg.Channel {
	case protocol.ChannelSetStatus:
		m.interpretSetStatus(msg)
	case protocol.ChannelDoorStatus:
		m.interpretDoor(msg)
	case protocol.ChannelTagScan:
		if protocol.Access(msg.Access) == protocol.AccessSuccess {
			m.trigger(Event{Trigger: TriggerAccessGranted, Members: msg.Members, Language: msg.Language})
		}
	default:
		m.logger.Debug().Stringer("channel", msg.Channel).Msg("message on unexpected channel dropped")
	}
}

func (m *Machine) interpretSetStatus(msg protocol.Message) {
	switch protocol.RoomStatus(msg.Access) {
	case protocol.RoomStatusStop:
		m.trigger(Event{Trigger: TriggerGameEnded, Reason: msg.Reason})
	case protocol.RoomStatusReset:
		m.trigger(Event{Trigger: TriggerGameReset})
	case protocol.RoomStatusReboot:
		m.trigger(Event{Trigger: TriggerReboot})
	case protocol.RoomStatusShutdown:
		m.trigger(Event{Trigger: TriggerShutdown})
	case protocol.RoomStatusGameEnded:
		m.trigger(Event{Trigger: TriggerGameEnded, Reason: protocol.BadEventGameEnded})
	default:
		m.logger.Debug().Str("status", msg.Access).Msg("unhandled set_status command")
	}
}

func (m *Machine) interpretDoor(msg protocol.Message) {
	switch msg.Info {
	case protocol.DoorIdle:
		if m.state == StateIdle || m.Config() == nil {
			return
		}
		if m.state == StateEnded {
			// The team left and the door went back to idle.
			m.trigger(Event{Trigger: TriggerGameEnded})
		} else {
			// Door opened for a team that never came in.
			m.trigger(Event{Trigger: TriggerGameReset})
		}

	case protocol.DoorOpeningStarting:
		m.trigger(Event{Trigger: TriggerGameStarting})

	case protocol.DoorClosedStarting:
		if m.hooks.OnDoorClosed != nil {
			m.hooks.OnDoorClosed()
		}
		if m.opts.Debug {
			m.afterDebug(500*time.Millisecond, func() {
				m.interpret(protocol.Message{Channel: protocol.ChannelDoorStatus, Info: protocol.DoorGameActive})
			})
		}

	case protocol.DoorGameActive:
		m.trigger(Event{Trigger: TriggerGameActive})

	case protocol.DoorOpenedFailed:
		m.trigger(Event{Trigger: TriggerDoorFailed})

	case protocol.DoorTeamStillInRoom:
		m.nag++
		if m.nag >= m.opts.NagThreshold {
			m.nag = 0
			if _, ok := resolve(TriggerGameReset, m.state, m.holds); !ok {
				// Nothing to reset; the team still gets the final announcement.
				m.audio.PlayNag(0.8, true)
				return
			}
			m.logger.Info().Msg("team will not leave, forcing reset")
			m.trigger(Event{Trigger: TriggerGameReset, SendToServer: true, FinalSendoff: true})
			return
		}
		m.audio.PlayNag(0.5, false)

	default:
		m.logger.Debug().Str("info", string(msg.Info)).Msg("unhandled door status")
	}
}

// interpretPaired maps the paired room's status onto this room. The paired room's
// result means the opposite for a competitive pairing and the same for a cooperative one.
func (m *Machine) interpretPaired(msg protocol.Message) {
	cfg := m.Config()
	if !cfg.Paired() {
		m.logger.Debug().Str("room", msg.Room).Msg("paired room message without pairing dropped")
		return
	}
	competitive := cfg.RoomType == protocol.RoomTypeCompetition
	active := m.state == StateActive

	outcome := func(otherWon bool) protocol.PairedEvent {
		if otherWon == competitive {
			return protocol.PairedTeamLost
		}
		return protocol.PairedTeamWon
	}

	switch msg.Channel {
	case protocol.ChannelRoomStatus:
		switch msg.Status {
		case protocol.RoomStatusLost:
			if active {
				m.pairedEvent(outcome(false))
			}
		case protocol.RoomStatusWon:
			if active {
				m.pairedEvent(outcome(true))
			}
		case protocol.RoomStatusReset:
			if competitive {
				if active {
					m.pairedEvent(protocol.PairedTeamWon)
				}
			} else {
				m.trigger(Event{Trigger: TriggerGameReset})
			}
		}

	case protocol.ChannelDoorStatus:
		switch msg.Info {
		case protocol.DoorOpenedFailed:
			if active {
				m.pairedEvent(outcome(false))
			}
		case protocol.DoorTeamStillInRoom:
			if m.state == StateEnded {
				// This room is already sending its own team out.
				return
			}
			m.nag++
			if m.nag >= m.opts.NagThreshold {
				m.nag = 0
				m.audio.PlayNag(0.8, true)
				return
			}
			m.audio.PlayNag(0.5, false)
		}
	}
}

func (m *Machine) pairedEvent(ev protocol.PairedEvent) {
	if m.hooks.OnPairedEvent == nil {
		m.logger.Warn().Stringer("event", ev).Msg("no paired room listener, event dropped")
		return
	}
	m.logger.Info().Stringer("event", ev).Msg("paired room event")
	m.hooks.OnPairedEvent(ev)
}
