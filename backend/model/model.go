package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
)

// Event types. Membership notifications (user, user_join, user_leave, room)
// are owned by the server and never accepted from clients.
const (
	EventTypeMIDI      = "midi"
	EventTypePing      = "ping"
	EventTypePong      = "pong"
	EventTypeSync      = "sync"
	EventTypeMute      = "mute"
	EventTypeUnmute    = "unmute"
	EventTypeUser      = "user"
	EventTypeUserJoin  = "user_join"
	EventTypeUserLeave = "user_leave"
	EventTypeRoom      = "room"
)

const (
	midiEventLen      = 3
	midiMaxByte       = 0xFF
	midiStatusMinByte = 0x80
)

var (
	ErrMalformed   = errors.New("malformed event")
	ErrUnknownType = errors.New("unknown event type")
	ErrInvalid     = errors.New("invalid event")
)

// Emojis mirrors the set the browser client renders for peers.
var Emojis = []string{
	"😎", "🧐", "🤡", "👻", "😷", "🤗", "😏", "👽", "👨‍🚀", "🐺", "🐯", "🦁", "🐶", "🐼", "🙈",
}

type User struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
	Mute  bool   `json:"mute"`
}

// NewUser creates a user with a fresh random identity.
// Users are muted by default.
func NewUser() User {
	return User{
		ID:    uuid.NewString(),
		Emoji: Emojis[rand.IntN(len(Emojis))],
		Mute:  true,
	}
}

type RoomInfo struct {
	Name   string `json:"name"`
	Users  []User `json:"users"`
	Online int    `json:"online"`
}

type Stats struct {
	Online int        `json:"online"`
	Rooms  []RoomInfo `json:"rooms"`
}

type Event struct {
	Type       string          `json:"type"`
	UserID     string          `json:"userId,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	MIDI       []int64         `json:"midi,omitempty"`
	Value      *int64          `json:"value,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	User       *User           `json:"user,omitempty"`
	Room       *RoomInfo       `json:"room,omitempty"`
}

// DecodeEvent parses and validates an inbound client event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, errors.Join(ErrMalformed, err)
	}
	switch ev.Type {
	case EventTypeMIDI:
		if err := validateMIDI(ev.MIDI); err != nil {
			return ev, err
		}
	case EventTypePing, EventTypePong:
		if ev.Value == nil {
			return ev, fmt.Errorf("%w: %s without value", ErrInvalid, ev.Type)
		}
	case EventTypeSync:
		if len(bytes.TrimSpace(ev.State)) == 0 {
			return ev, fmt.Errorf("%w: sync without state", ErrInvalid)
		}
	case EventTypeMute, EventTypeUnmute:
	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	return ev, nil
}

func validateMIDI(midi []int64) error {
	if len(midi) != midiEventLen {
		return fmt.Errorf("%w: midi must have %d values, got %d", ErrInvalid, midiEventLen, len(midi))
	}
	for _, b := range midi {
		if b < 0 || b > midiMaxByte {
			return fmt.Errorf("%w: midi value %d out of range", ErrInvalid, b)
		}
	}
	if midi[0] < midiStatusMinByte {
		return fmt.Errorf("%w: midi status byte %#x", ErrInvalid, midi[0])
	}
	return nil
}

func (ev *Event) Encode() ([]byte, error) {
	return json.Marshal(ev)
}

func NewPingEvent(userID string, ms int64) Event {
	if ms < 0 {
		ms = 0
	}
	return Event{Type: EventTypePing, UserID: userID, Value: &ms}
}

func NewUserEvent(typ string, user User) Event {
	return Event{Type: typ, User: &user}
}

func NewRoomEvent(info RoomInfo) Event {
	return Event{Type: EventTypeRoom, Room: &info}
}
