package protocol

import (
	"errors"
	"fmt"
)

// Wire values shared between the room node and the coordination server.

// ErrRoomRemoved is reported when the server answers a config request with a removed room.
var ErrRoomRemoved = errors.New("room removed from server configuration")

// RoomStatus is sent on room_status and received on set_status.
type RoomStatus string

const (
	RoomStatusPlay      RoomStatus = "play"
	RoomStatusStop      RoomStatus = "stop"
	RoomStatusReset     RoomStatus = "reset"
	RoomStatusClose     RoomStatus = "close"
	RoomStatusOpen      RoomStatus = "open"
	RoomStatusWon       RoomStatus = "won"
	RoomStatusLost      RoomStatus = "lost"
	RoomStatusReboot    RoomStatus = "reboot"
	RoomStatusShutdown  RoomStatus = "shutdown"
	RoomStatusReady     RoomStatus = "ready"
	RoomStatusGameEnded RoomStatus = "game ended"
)

// IsResult reports whether the status is a game result (won or lost).
func (s RoomStatus) IsResult() bool {
	return s == RoomStatusWon || s == RoomStatusLost
}

// DoorStatus is the extended info published by the door controller.
type DoorStatus string

const (
	DoorOpeningStarting DoorStatus = "Door Opening (Starting)"
	DoorClosedStarting  DoorStatus = "Door Closed (Starting)"
	DoorGameActive      DoorStatus = "Game active"
	DoorOpenedFailed    DoorStatus = "Door Opened (Failed)"
	DoorTeamStillInRoom DoorStatus = "Team loitering"
	DoorClosed          DoorStatus = "Closed"
	DoorServiceMode     DoorStatus = "Service mode"
	DoorIdle            DoorStatus = "Idle"
)

// BadEvent describes something that went wrong during an episode.
type BadEvent int

const (
	BadEventNone BadEvent = iota
	BadEventDoorOpened
	BadEventThrowOutGroup
	BadEventTeamStillInRoom
	BadEventRebooting
	BadEventGameEnded
	BadEventMaxTimeReached
)

func (e BadEvent) String() string {
	switch e {
	case BadEventNone:
		return "None"
	case BadEventDoorOpened:
		return "DoorOpened"
	case BadEventThrowOutGroup:
		return "ThrowOutGroup"
	case BadEventTeamStillInRoom:
		return "TeamStillInRoom"
	case BadEventRebooting:
		return "Rebooting"
	case BadEventGameEnded:
		return "GameEnded"
	case BadEventMaxTimeReached:
		return "MaxTimeReached"
	default:
		return fmt.Sprintf("BadEvent(%d)", int(e))
	}
}

// Access is the result of a tag scan.
type Access string

const (
	AccessSuccess Access = "success"
	AccessDenied  Access = "denied"
	AccessAdmin   Access = "admin"
)

// Language the team wants to play in.
type Language string

const (
	LanguageSwedish Language = "Swedish"
	LanguageEnglish Language = "English"
)

// RoomType is set when the room is one half of a paired room.
type RoomType string

const (
	RoomTypeCompetition RoomType = "competitive"
	RoomTypeCooperative RoomType = "cooperative"
)

// Valid reports whether t is a known paired room type.
func (t RoomType) Valid() bool {
	return t == RoomTypeCompetition || t == RoomTypeCooperative
}

// PairedEvent is what a paired room's status means for this room's team.
type PairedEvent int

const (
	PairedTeamWon PairedEvent = iota + 1
	PairedTeamLost
)

func (e PairedEvent) String() string {
	switch e {
	case PairedTeamWon:
		return "TeamWon"
	case PairedTeamLost:
		return "TeamLost"
	default:
		return fmt.Sprintf("PairedEvent(%d)", int(e))
	}
}
