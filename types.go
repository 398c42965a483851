package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNoCredential = errors.New("chatsync: no auth token")
	ErrNotConnected = errors.New("chatsync: live channel not connected")
	ErrNoActiveRoom = errors.New("chatsync: no active room")
	ErrEmptyMessage = errors.New("chatsync: message has no body or attachment")
)

// APIError is returned for non-2xx backend responses.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// ============================================================================
// View models
// ============================================================================

// RoomKind distinguishes group conversations from direct ones.
type RoomKind string

const (
	RoomGroup  RoomKind = "GROUP"
	RoomDirect RoomKind = "DIRECT"
)

// Identity is the display identity of a membership.
type Identity struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email,omitempty"`
	AvatarURL      string `json:"avatar,omitempty"`
	Role           string `json:"role,omitempty"`
	EmploymentType string `json:"employment_type,omitempty"`
}

// DisplayName joins the name parts, falling back to the email.
func (id Identity) DisplayName() string {
	name := strings.TrimSpace(id.FirstName + " " + id.LastName)
	if name == "" {
		return id.Email
	}
	return name
}

// Sender is a message author: the membership plus the snapshot embedded
// by the server at send time.
type Sender struct {
	MembershipID string
	Identity     Identity
}

// Attachment is a server-side file reference.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// UnmarshalJSON accepts either a bare path string or an object.
func (a *Attachment) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Attachment{URL: s}
		return nil
	}
	type plain Attachment
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = Attachment(p)
	return nil
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

// Message is one chat message.
type Message struct {
	ID           string
	RoomID       string
	Sender       Sender
	Body         *string
	Attachment   *Attachment
	CreatedAt    time.Time
	Deleted      bool
	Edited       bool
	OriginalBody *string
	Pinned       bool
	Reactions    []Reaction
}

// Text returns the body, or "" when the message is attachment-only or deleted.
func (m *Message) Text() string {
	if m.Deleted || m.Body == nil {
		return ""
	}
	return *m.Body
}

func (m *Message) clone() *Message {
	c := *m
	if m.Body != nil {
		b := *m.Body
		c.Body = &b
	}
	if m.OriginalBody != nil {
		b := *m.OriginalBody
		c.OriginalBody = &b
	}
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	return &c
}

// MessageSummary is the last-message preview shown in the room list.
type MessageSummary struct {
	ID           string
	Body         string
	CreatedAt    time.Time
	SenderMember string
}

// Room is a conversation summary.
type Room struct {
	ID             string
	Kind           RoomKind
	Title          string
	PharmacyID     string
	Participants   []string
	Pinned         bool
	PinnedMessage  *Message
	LastReadAt     time.Time
	LastMessage    *MessageSummary
	UnreadCount    int
	LastActivityAt time.Time
}

func (r *Room) clone() *Room {
	c := *r
	c.Participants = append([]string(nil), r.Participants...)
	if r.PinnedMessage != nil {
		c.PinnedMessage = r.PinnedMessage.clone()
	}
	if r.LastMessage != nil {
		lm := *r.LastMessage
		c.LastMessage = &lm
	}
	return &c
}

// Page is one page of history as returned by the backend (newest-first).
type Page struct {
	Messages   []*Message
	NextCursor string
}

// ============================================================================
// Wire types (snake_case payloads)
// ============================================================================

// flexID accepts ids encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func flexIDs(in []flexID) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

type wireReaction struct {
	Emoji  string `json:"emoji"`
	UserID flexID `json:"user_id"`
}

func toReactions(in []wireReaction) []Reaction {
	out := make([]Reaction, 0, len(in))
	for _, r := range in {
		out = append(out, Reaction{Emoji: r.Emoji, UserID: string(r.UserID)})
	}
	return out
}

type wireSender struct {
	MembershipID flexID `json:"membership_id"`
	Identity
}

type wireMessage struct {
	ID           flexID         `json:"id"`
	RoomID       flexID         `json:"room"`
	Sender       wireSender     `json:"sender"`
	Body         *string        `json:"body"`
	Attachment   *Attachment    `json:"attachment"`
	CreatedAt    time.Time      `json:"created_at"`
	IsDeleted    bool           `json:"is_deleted"`
	IsEdited     bool           `json:"is_edited"`
	OriginalBody *string        `json:"original_body"`
	IsPinned     bool           `json:"is_pinned"`
	Reactions    []wireReaction `json:"reactions"`
}

func (w *wireMessage) toMessage() *Message {
	att := w.Attachment
	if att != nil && att.URL == "" {
		att = nil
	}
	return &Message{
		ID:           string(w.ID),
		RoomID:       string(w.RoomID),
		Sender:       Sender{MembershipID: string(w.Sender.MembershipID), Identity: w.Sender.Identity},
		Body:         w.Body,
		Attachment:   att,
		CreatedAt:    w.CreatedAt,
		Deleted:      w.IsDeleted,
		Edited:       w.IsEdited,
		OriginalBody: w.OriginalBody,
		Pinned:       w.IsPinned,
		Reactions:    toReactions(w.Reactions),
	}
}

type wireLastMessage struct {
	ID           flexID    `json:"id"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
	SenderMember flexID    `json:"sender"`
}

type wireRoom struct {
	ID             flexID           `json:"id"`
	Type           RoomKind         `json:"type"`
	Title          string           `json:"title"`
	Pharmacy       flexID           `json:"pharmacy"`
	Participants   []flexID         `json:"participant_ids"`
	IsPinned       bool             `json:"is_pinned"`
	PinnedMessage  *wireMessage     `json:"pinned_message"`
	MyLastReadAt   *time.Time       `json:"my_last_read_at"`
	LastMessage    *wireLastMessage `json:"last_message"`
	UnreadCount    *int             `json:"unread_count"`
	UpdatedAt      time.Time        `json:"updated_at"`
	LastActivityAt *time.Time       `json:"last_message_at"`
}

func (w *wireRoom) toRoom() *Room {
	r := &Room{
		ID:           string(w.ID),
		Kind:         w.Type,
		Title:        w.Title,
		PharmacyID:   string(w.Pharmacy),
		Participants: flexIDs(w.Participants),
		Pinned:       w.IsPinned,
	}
	if r.Kind == "" {
		r.Kind = RoomGroup
	}
	if w.PinnedMessage != nil {
		r.PinnedMessage = w.PinnedMessage.toMessage()
	}
	if w.MyLastReadAt != nil {
		r.LastReadAt = *w.MyLastReadAt
	}
	if w.UnreadCount != nil && *w.UnreadCount > 0 {
		r.UnreadCount = *w.UnreadCount
	}
	if w.LastMessage != nil {
		r.LastMessage = &MessageSummary{
			ID:           string(w.LastMessage.ID),
			Body:         w.LastMessage.Body,
			CreatedAt:    w.LastMessage.CreatedAt,
			SenderMember: string(w.LastMessage.SenderMember),
		}
	}
	switch {
	case w.LastActivityAt != nil:
		r.LastActivityAt = *w.LastActivityAt
	case r.LastMessage != nil:
		r.LastActivityAt = r.LastMessage.CreatedAt
	default:
		r.LastActivityAt = w.UpdatedAt
	}
	return r
}

type wirePage struct {
	Results []wireMessage `json:"results"`
	Next    *string       `json:"next"`
}

func (w *wirePage) toPage() *Page {
	p := &Page{Messages: make([]*Message, 0, len(w.Results))}
	for i := range w.Results {
		p.Messages = append(p.Messages, w.Results[i].toMessage())
	}
	if w.Next != nil {
		p.NextCursor = *w.Next
	}
	return p
}

type wireMember struct {
	MembershipID flexID `json:"membership_id"`
	Identity
}

// decodeList accepts either a bare JSON array or a paginated {"results": [...]}.
func decodeList[T any](data []byte) ([]T, error) {
	var list []T
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var paged struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(data, &paged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return paged.Results, nil
}
