package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ConfigRequest is published on config.<mac>.request until the server answers.
type ConfigRequest struct {
	MAC      string `json:"mac"`
	Type     string `json:"type"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Spy      bool   `json:"spy"`
}

// Heartbeat is published on the alive subject.
type Heartbeat struct {
	MAC  string `json:"mac"`
	IP   string `json:"ip"`
	Type string `json:"type"`
}

// RoomStatusReport is published on room.<id>.room_status.
type RoomStatusReport struct {
	Status RoomStatus `json:"status"`
	MAC    string     `json:"mac"`
	Room   string     `json:"room"`
	Level  *int       `json:"level,omitempty"`
}

// RoomConfig is the result of a successful handshake.
type RoomConfig struct {
	Points       []int
	RoomID       string
	RoomType     RoomType // empty unless paired
	PairedRoomID string
}

// Paired reports whether the room is half of a paired room.
func (c *RoomConfig) Paired() bool {
	return c != nil && c.RoomType != "" && c.PairedRoomID != ""
}

// configPayload is the server's answer on config.<mac>.receive.
type configPayload struct {
	Room         flexString `json:"room"`
	Points       []int      `json:"points"`
	RoomType     string     `json:"roomType"`
	OtherRoomNbr flexString `json:"otherRoomNbr"`
}

// DecodeConfig parses a config answer. A room value of "removed" yields ErrRoomRemoved.
func DecodeConfig(data []byte) (*RoomConfig, error) {
	var p configPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if p.Room == "removed" {
		return nil, ErrRoomRemoved
	}
	if p.Room == "" {
		return nil, fmt.Errorf("decode config: missing room")
	}
	cfg := &RoomConfig{
		Points: p.Points,
		RoomID: string(p.Room),
	}
	if p.RoomType != "" {
		rt := RoomType(p.RoomType)
		if !rt.Valid() {
			return nil, fmt.Errorf("decode config: unknown room type %q", p.RoomType)
		}
		if p.OtherRoomNbr == "" {
			return nil, fmt.Errorf("decode config: room type %q without paired room", p.RoomType)
		}
		cfg.RoomType = rt
		cfg.PairedRoomID = string(p.OtherRoomNbr)
	}
	return cfg, nil
}

// Message is an inbound control message, decoded loosely: which fields are set depends on
// the channel it arrived on.
type Message struct {
	Channel  Channel
	Room     string
	Access   string // set_status command or tag scan access result
	Reason   BadEvent
	Info     DoorStatus
	Status   RoomStatus
	Members  int
	Language Language
}

type inboundPayload struct {
	Access  string `json:"access"`
	Reason  int    `json:"reason"`
	Info    string `json:"info"`
	Status  string `json:"status"`
	Members int    `json:"members"`
	Lang    string `json:"lang"`
}

// DecodeMessage decodes a control message received on one of the room subjects.
func DecodeMessage(channel Channel, room string, data []byte) (Message, error) {
	var p inboundPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, fmt.Errorf("decode %s message: %w", channel, err)
	}
	return Message{
		Channel:  channel,
		Room:     room,
		Access:   p.Access,
		Reason:   BadEvent(p.Reason),
		Info:     DoorStatus(p.Info),
		Status:   RoomStatus(p.Status),
		Members:  p.Members,
		Language: Language(p.Lang),
	}, nil
}

// flexString accepts both JSON strings and numbers; room numbers arrive as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
