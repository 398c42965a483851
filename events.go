package chatsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Event Types
// ============================================================================

// Event is a decoded live channel frame. The set of implementations is
// closed; consumers switch on the concrete type and ignore UnknownEvent.
type Event interface {
	EventType() string
	isEvent()
}

const (
	EventReady           = "ready"
	EventMessageCreated  = "message.created"
	EventMessageUpdated  = "message.updated"
	EventMessageDeleted  = "message.deleted"
	EventReactionUpdated = "reaction.updated"
	EventTyping          = "typing"
	EventPinUpdated      = "pin.updated"
	EventRoomUpdated     = "room.updated"
)

// ReadyEvent announces the viewer's membership in the room.
type ReadyEvent struct {
	RoomID       string
	MembershipID string
	UserID       string
}

// MessageCreatedEvent carries a newly created message.
type MessageCreatedEvent struct {
	Message *Message
}

// MessageUpdatedEvent carries the full current state of an edited message.
type MessageUpdatedEvent struct {
	Message *Message
}

// MessageDeletedEvent marks a message soft-deleted.
type MessageDeletedEvent struct {
	RoomID    string
	MessageID string
}

// ReactionUpdatedEvent replaces a message's reactions.
type ReactionUpdatedEvent struct {
	RoomID    string
	MessageID string
	Reactions []Reaction
}

// TypingEvent reports a remote participant starting or stopping to type.
// An empty Name with IsTyping false clears the whole room.
type TypingEvent struct {
	RoomID       string
	MembershipID string
	UserID       string
	Name         string
	IsTyping     bool
}

// PinUpdatedEvent sets (or clears, when Message is nil) the room's pinned
// message.
type PinUpdatedEvent struct {
	RoomID  string
	Message *Message
}

// RoomUpdatedEvent carries fresh room metadata.
type RoomUpdatedEvent struct {
	Room *Room
	// HasUnread is false when the payload omitted unread_count.
	HasUnread bool
}

// UnknownEvent is any frame whose type is not recognized.
type UnknownEvent struct {
	Type string
}

func (ReadyEvent) EventType() string           { return EventReady }
func (MessageCreatedEvent) EventType() string  { return EventMessageCreated }
func (MessageUpdatedEvent) EventType() string  { return EventMessageUpdated }
func (MessageDeletedEvent) EventType() string  { return EventMessageDeleted }
func (ReactionUpdatedEvent) EventType() string { return EventReactionUpdated }
func (TypingEvent) EventType() string          { return EventTyping }
func (PinUpdatedEvent) EventType() string      { return EventPinUpdated }
func (RoomUpdatedEvent) EventType() string     { return EventRoomUpdated }
func (e UnknownEvent) EventType() string       { return e.Type }

func (ReadyEvent) isEvent()           {}
func (MessageCreatedEvent) isEvent()  {}
func (MessageUpdatedEvent) isEvent()  {}
func (MessageDeletedEvent) isEvent()  {}
func (ReactionUpdatedEvent) isEvent() {}
func (TypingEvent) isEvent()          {}
func (PinUpdatedEvent) isEvent()      {}
func (RoomUpdatedEvent) isEvent()     {}
func (UnknownEvent) isEvent()         {}

// ============================================================================
// Decoding
// ============================================================================

// frame is the wire envelope. Fields not used by a given type are absent.
type frame struct {
	Type          string          `json:"type"`
	RoomID        flexID          `json:"room_id"`
	MembershipID  flexID          `json:"membership_id"`
	UserID        flexID          `json:"user_id"`
	Name          string          `json:"name"`
	IsTyping      bool            `json:"is_typing"`
	MessageID     flexID          `json:"message_id"`
	Message       json.RawMessage `json:"message"`
	PinnedMessage json.RawMessage `json:"pinned_message"`
	Reactions     []wireReaction  `json:"reactions"`
	Room          json.RawMessage `json:"room"`
}

// DecodeEvent parses one frame. roomID is the socket's room and fills in
// events that omit room_id.
func DecodeEvent(data []byte, roomID string) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	room := string(f.RoomID)
	if room == "" {
		room = roomID
	}

	switch f.Type {
	case EventReady:
		return ReadyEvent{RoomID: room, MembershipID: string(f.MembershipID), UserID: string(f.UserID)}, nil

	case EventMessageCreated, EventMessageUpdated:
		m, err := decodeMessage(f.Message, room)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("decode %s: missing message", f.Type)
		}
		if f.Type == EventMessageCreated {
			return MessageCreatedEvent{Message: m}, nil
		}
		return MessageUpdatedEvent{Message: m}, nil

	case EventMessageDeleted:
		id := string(f.MessageID)
		if id == "" {
			if m, err := decodeMessage(f.Message, room); err == nil && m != nil {
				id = m.ID
			}
		}
		if id == "" {
			return nil, fmt.Errorf("decode %s: missing message_id", f.Type)
		}
		return MessageDeletedEvent{RoomID: room, MessageID: id}, nil

	case EventReactionUpdated:
		id := string(f.MessageID)
		if id == "" {
			return nil, fmt.Errorf("decode %s: missing message_id", f.Type)
		}
		return ReactionUpdatedEvent{RoomID: room, MessageID: id, Reactions: toReactions(f.Reactions)}, nil

	case EventTyping:
		return TypingEvent{
			RoomID:       room,
			MembershipID: string(f.MembershipID),
			UserID:       string(f.UserID),
			Name:         f.Name,
			IsTyping:     f.IsTyping,
		}, nil

	case EventPinUpdated:
		m, err := decodeMessage(f.PinnedMessage, room)
		if err != nil {
			return nil, err
		}
		return PinUpdatedEvent{RoomID: room, Message: m}, nil

	case EventRoomUpdated:
		if len(f.Room) == 0 || string(f.Room) == "null" {
			return nil, fmt.Errorf("decode %s: missing room", f.Type)
		}
		var w wireRoom
		if err := json.Unmarshal(f.Room, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Type, err)
		}
		if w.ID == "" {
			w.ID = flexID(room)
		}
		return RoomUpdatedEvent{Room: w.toRoom(), HasUnread: w.UnreadCount != nil}, nil
	}
	return UnknownEvent{Type: f.Type}, nil
}

func decodeMessage(raw json.RawMessage, roomID string) (*Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("decode message: missing id")
	}
	m := w.toMessage()
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	return m, nil
}

// OutboundTyping is the only frame the client writes.
type OutboundTyping struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}
