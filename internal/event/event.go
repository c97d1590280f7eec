// ABOUTME: ChatEvent tagged variant delivered to room subscribers and agent workers
// ABOUTME: Defines Message and System events, mentions, EnterRoom tuples and the JSON wire form

package event

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Kind identifies which variant a ChatEvent carries.
type Kind string

const (
	KindMessage Kind = "message"
	KindSystem  Kind = "system"
)

// System event codes.
const (
	SystemJoined  = "joined"
	SystemLeft    = "left"
	SystemInvited = "invited"
)

// Mention references a participant by user id, with a display label.
type Mention struct {
	UserID string `json:"user_id" bson:"user_id"`
	Label  string `json:"label,omitempty" bson:"label,omitempty"`
}

// Message is the payload of a message event.
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	SenderUsername string
	Content        string
	CreatedAt      time.Time
	mentions       []Mention
}

// Mentions returns a copy of the mention list.
func (m Message) Mentions() []Mention {
	return slices.Clone(m.mentions)
}

// Mentioned reports whether userID appears in the mention list.
func (m Message) Mentioned(userID string) bool {
	for _, mention := range m.mentions {
		if mention.UserID == userID {
			return true
		}
	}
	return false
}

// System is the payload of a system event (joins, invites).
type System struct {
	RoomID    string
	Code      string
	Text      string
	UserID    string
	CreatedAt time.Time
}

// ChatEvent is either a Message or a System event. Exactly one of the
// payload pointers is set. Events are not modified after construction.
type ChatEvent struct {
	kind    Kind
	message *Message
	system  *System
}

// NewMessage builds a message event. The mention slice is copied.
func NewMessage(m Message, mentions []Mention) *ChatEvent {
	msg := m
	msg.mentions = slices.Clone(mentions)
	return &ChatEvent{kind: KindMessage, message: &msg}
}

// NewSystem builds a system event.
func NewSystem(s System) *ChatEvent {
	sys := s
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = time.Now().UTC()
	}
	return &ChatEvent{kind: KindSystem, system: &sys}
}

// Kind returns the event variant.
func (e *ChatEvent) Kind() Kind { return e.kind }

// Message returns a copy of the message payload. The zero Message is
// returned for system events.
func (e *ChatEvent) Message() Message {
	if e.message == nil {
		return Message{}
	}
	return *e.message
}

// System returns a copy of the system payload. The zero System is returned
// for message events.
func (e *ChatEvent) System() System {
	if e.system == nil {
		return System{}
	}
	return *e.system
}

// RoomID returns the room the event belongs to.
func (e *ChatEvent) RoomID() string {
	if e.message != nil {
		return e.message.RoomID
	}
	if e.system != nil {
		return e.system.RoomID
	}
	return ""
}

// ID returns the message id, or the system code for system events.
func (e *ChatEvent) ID() string {
	if e.message != nil {
		return e.message.ID
	}
	if e.system != nil {
		return e.system.Code
	}
	return ""
}

type messageData struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	CreatedAt      string    `json:"created_at"`
	Mentions       []Mention `json:"mentions"`
	RoomID         string    `json:"room_id"`
}

type systemData struct {
	Code      string `json:"code"`
	Content   string `json:"content"`
	UserID    string `json:"user_id,omitempty"`
	CreatedAt string `json:"created_at"`
	RoomID    string `json:"room_id"`
}

type wire struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON renders {"type": ..., "data": {...}}.
func (e *ChatEvent) MarshalJSON() ([]byte, error) {
	var data any
	switch e.kind {
	case KindMessage:
		mentions := e.message.mentions
		if mentions == nil {
			mentions = []Mention{}
		}
		data = messageData{
			ID:             e.message.ID,
			Content:        e.message.Content,
			SenderID:       e.message.SenderID,
			SenderUsername: e.message.SenderUsername,
			CreatedAt:      e.message.CreatedAt.UTC().Format(time.RFC3339Nano),
			Mentions:       mentions,
			RoomID:         e.message.RoomID,
		}
	case KindSystem:
		data = systemData{
			Code:      e.system.Code,
			Content:   e.system.Text,
			UserID:    e.system.UserID,
			CreatedAt: e.system.CreatedAt.UTC().Format(time.RFC3339Nano),
			RoomID:    e.system.RoomID,
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.kind)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire{Type: e.kind, Data: raw})
}

// UnmarshalJSON parses the wire form. Used by clients and tests.
func (e *ChatEvent) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	switch w.Type {
	case KindMessage:
		var d messageData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("decoding message data: %w", err)
		}
		created, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("parsing created_at: %w", err)
		}
		*e = *NewMessage(Message{
			ID:             d.ID,
			RoomID:         d.RoomID,
			SenderID:       d.SenderID,
			SenderUsername: d.SenderUsername,
			Content:        d.Content,
			CreatedAt:      created,
		}, d.Mentions)
	case KindSystem:
		var d systemData
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return fmt.Errorf("decoding system data: %w", err)
		}
		created, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("parsing created_at: %w", err)
		}
		*e = *NewSystem(System{
			RoomID:    d.RoomID,
			Code:      d.Code,
			Text:      d.Content,
			UserID:    d.UserID,
			CreatedAt: created,
		})
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}

// EnterRoom records that a user newly attached to a room's event stream.
type EnterRoom struct {
	UserID string
	RoomID string
}
