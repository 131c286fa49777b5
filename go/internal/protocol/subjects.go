package protocol

import "strings"

// AliveSubject carries heartbeats from every room node.
const AliveSubject = "alive"

// Channel identifies which kind of subject a message arrived on.
type Channel int

const (
	ChannelUnknown Channel = iota
	ChannelSetStatus
	ChannelDoorStatus
	ChannelTagScan
	ChannelRoomStatus
	ChannelConfig
)

func (c Channel) String() string {
	switch c {
	case ChannelSetStatus:
		return "set_status"
	case ChannelDoorStatus:
		return "door_status"
	case ChannelTagScan:
		return "tag_scan_result"
	case ChannelRoomStatus:
		return "room_status"
	case ChannelConfig:
		return "config"
	default:
		return "unknown"
	}
}

func SetStatusSubject(room string) string  { return "room." + room + ".set_status" }
func DoorStatusSubject(room string) string { return "door." + room + ".door_status" }
func TagScanSubject(room string) string    { return "door." + room + ".tag_scan_result" }
func RoomStatusSubject(room string) string { return "room." + room + ".room_status" }

func ConfigRequestSubject(mac string) string { return "config." + mac + ".request" }
func ConfigReceiveSubject(mac string) string { return "config." + mac + ".receive" }

// ParseSubject splits a subject into its channel and the room (or mac, for config) token.
// Subjects that do not follow the namespace layout return ChannelUnknown.
func ParseSubject(subject string) (Channel, string) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[1] == "" {
		return ChannelUnknown, ""
	}
	id := parts[1]
	switch parts[0] + "/" + parts[2] {
	case "room/set_status":
		return ChannelSetStatus, id
	case "door/door_status":
		return ChannelDoorStatus, id
	case "door/tag_scan_result":
		return ChannelTagScan, id
	case "room/room_status":
		return ChannelRoomStatus, id
	case "config/receive":
		return ChannelConfig, id
	default:
		return ChannelUnknown, ""
	}
}
