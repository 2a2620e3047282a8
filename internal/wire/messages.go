package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/linewatch/internal/models"
)

// MessageType tags every room message. Line-state changes and room
// membership events are deliberately separate kinds: a participant
// leaving never touches line attribution.
type MessageType string

const (
	TypeLineStateChanged MessageType = "line_state_changed"
	TypeSyncState        MessageType = "sync_state"
	TypeUserCursor       MessageType = "user_cursor"
	TypeUserJoined       MessageType = "user_joined"
	TypeUserLeft         MessageType = "user_left"
	TypeTimerTick        MessageType = "timer_tick"
	TypeRoomClosed       MessageType = "room_closed"
	TypeResetAll         MessageType = "reset_all"
	TypeError            MessageType = "error"
)

// Envelope is the outer frame of every room message
type Envelope struct {
	Type   MessageType     `json:"type"`
	SentAt int64           `json:"sentAt,omitempty"` // epoch millis
	Data   json.RawMessage `json:"data,omitempty"`
}

// LineStateChanged carries one line transition
type LineStateChanged struct {
	LineNumber int    `json:"lineNumber"`
	State      string `json:"state"`
	KillTime   *int64 `json:"killTime,omitempty"` // epoch millis
	UserID     string `json:"userId"`
	UserName   string `json:"userName,omitempty"`
	Timestamp  int64  `json:"timestamp"` // epoch millis
}

// LineStateEntry is one line inside a full-state snapshot
type LineStateEntry struct {
	State    string `json:"state"`
	KillTime *int64 `json:"killTime,omitempty"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// GameState is the line-state portion of a snapshot
type GameState struct {
	LineStates map[string]LineStateEntry `json:"lineStates"`
}

// SyncState is the full snapshot sent to a member on join
type SyncState struct {
	GameState GameState            `json:"gameState"`
	RoomUsers []models.Participant `json:"roomUsers"`
}

// UserCursor is a cosmetic position update, relayed but never persisted
type UserCursor struct {
	UserID   string  `json:"userId"`
	UserName string  `json:"userName,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// UserJoined announces a new participant
type UserJoined struct {
	User models.Participant `json:"user"`
}

// UserLeft announces a departed participant
type UserLeft struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// TimerTick is a per-second countdown display update
type TimerTick struct {
	LineNumber   int    `json:"lineNumber"`
	RemainingSec int    `json:"remainingSec"`
	Display      string `json:"display"`
}

// RoomClosed announces host departure closing the room
type RoomClosed struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// ResetAll requests every line back to available
type ResetAll struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ErrorMessage reports a rejected request back to one client
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode frames a payload into an envelope and marshals it
func Encode(msgType MessageType, sentAt time.Time, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	env := Envelope{
		Type:   msgType,
		SentAt: sentAt.UnixMilli(),
		Data:   data,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses an envelope and validates its payload against the known
// message kinds. Unknown types and malformed payloads are rejected here,
// before anything reaches the line engine or room service.
func Decode(data []byte) (Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	payload, err := ParsePayload(env)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, payload, nil
}

// ParsePayload decodes the payload variant for an envelope's type
func ParsePayload(env Envelope) (any, error) {
	switch env.Type {
	case TypeLineStateChanged:
		var p LineStateChanged
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal line_state_changed: %w", err)
		}
		if !models.LineState(p.State).Valid() {
			return nil, fmt.Errorf("unknown line state %q", p.State)
		}
		if p.LineNumber < 1 {
			return nil, fmt.Errorf("invalid line number %d", p.LineNumber)
		}
		return p, nil

	case TypeSyncState:
		var p SyncState
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync_state: %w", err)
		}
		for id, entry := range p.GameState.LineStates {
			if !models.LineState(entry.State).Valid() {
				return nil, fmt.Errorf("unknown line state %q for line %s", entry.State, id)
			}
		}
		return p, nil

	case TypeUserCursor:
		var p UserCursor
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user_cursor: %w", err)
		}
		return p, nil

	case TypeUserJoined:
		var p UserJoined
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user_joined: %w", err)
		}
		return p, nil

	case TypeUserLeft:
		var p UserLeft
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user_left: %w", err)
		}
		return p, nil

	case TypeTimerTick:
		var p TimerTick
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal timer_tick: %w", err)
		}
		return p, nil

	case TypeRoomClosed:
		var p RoomClosed
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal room_closed: %w", err)
		}
		return p, nil

	case TypeResetAll:
		var p ResetAll
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reset_all: %w", err)
		}
		return p, nil

	case TypeError:
		var p ErrorMessage
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// ChangeToWire converts an engine change event to its wire form
func ChangeToWire(c models.Change) LineStateChanged {
	msg := LineStateChanged{
		LineNumber: c.LineID,
		State:      string(c.NewState),
		UserID:     c.ActorID,
		UserName:   c.ActorName,
		Timestamp:  c.SentAt.UnixMilli(),
	}
	if c.KilledAt != nil {
		kt := c.KilledAt.UnixMilli()
		msg.KillTime = &kt
	}
	return msg
}

// ChangeFromWire converts a wire line_state_changed back to a change
// event. Origin is supplied by the receiving transport.
func ChangeFromWire(msg LineStateChanged, origin models.ChangeOrigin) models.Change {
	c := models.Change{
		LineID:    msg.LineNumber,
		NewState:  models.LineState(msg.State),
		ActorID:   msg.UserID,
		ActorName: msg.UserName,
		SentAt:    time.UnixMilli(msg.Timestamp),
		Origin:    origin,
	}
	if msg.KillTime != nil {
		kt := time.UnixMilli(*msg.KillTime)
		c.KilledAt = &kt
	}
	return c
}
