package chatsync

import (
	"context"
	"strings"
	"sync"
)

// ============================================================================
// Composer
// ============================================================================

// Composer holds the unsent draft of the active room: a body and the
// already-uploaded attachment paths staged for the next send.
type Composer struct {
	mu     sync.Mutex
	body   string
	staged []string
}

func (c *Composer) SetBody(body string) {
	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
}

func (c *Composer) Body() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

// Stage queues an uploaded attachment path for the next send.
func (c *Composer) Stage(path string) {
	if path == "" {
		return
	}
	c.mu.Lock()
	c.staged = append(c.staged, path)
	c.mu.Unlock()
}

// Unstage removes a staged attachment.
func (c *Composer) Unstage(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.staged {
		if p == path {
			c.staged = append(c.staged[:i], c.staged[i+1:]...)
			return
		}
	}
}

func (c *Composer) Staged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.staged...)
}

// Clear empties the draft.
func (c *Composer) Clear() {
	c.mu.Lock()
	c.body = ""
	c.staged = nil
	c.mu.Unlock()
}

// outgoing splits the draft into backend sends: one message per
// attachment, the body riding on the first one.
func (c *Composer) outgoing() []OutgoingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	body := strings.TrimSpace(c.body)
	if len(c.staged) == 0 {
		if body == "" {
			return nil
		}
		return []OutgoingMessage{{Body: body}}
	}
	out := make([]OutgoingMessage, len(c.staged))
	for i, p := range c.staged {
		out[i] = OutgoingMessage{Attachment: p}
	}
	out[0].Body = body
	return out
}

// consume drops the sends that were accepted by the backend.
func (c *Composer) consume(sent []OutgoingMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range sent {
		if m.Body != "" {
			c.body = ""
		}
		if m.Attachment == "" {
			continue
		}
		for i, p := range c.staged {
			if p == m.Attachment {
				c.staged = append(c.staged[:i], c.staged[i+1:]...)
				break
			}
		}
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

// ActionBackend is the slice of the REST client the dispatcher writes to.
type ActionBackend interface {
	SendRoomMessage(ctx context.Context, roomID string, msg OutgoingMessage) error
	UpdateMessage(ctx context.Context, messageID, body string) error
	DeleteMessage(ctx context.Context, messageID string) error
	ReactToMessage(ctx context.Context, messageID, emoji string) error
	TogglePin(ctx context.Context, roomID string, target PinTarget, messageID string) (*PinResult, error)
}

// Dispatcher issues user actions. Nothing is applied optimistically: a sent
// message shows up through its message.created echo. Failures are reported
// and returned, and leave every store untouched.
type Dispatcher struct {
	backend  ActionBackend
	rooms    *RoomStore
	messages *MessageStore
	composer *Composer

	// stopTyping is invoked after a successful send.
	stopTyping func()
	// report receives every failed action.
	report func(action string, err error)
}

func NewDispatcher(backend ActionBackend, rooms *RoomStore, messages *MessageStore, composer *Composer) *Dispatcher {
	return &Dispatcher{
		backend:    backend,
		rooms:      rooms,
		messages:   messages,
		composer:   composer,
		stopTyping: func() {},
		report:     func(string, error) {},
	}
}

// finish records the outcome of action and reports a failure.
func (d *Dispatcher) finish(action string, err error) error {
	observeAction(action, err)
	if err != nil {
		d.report(action, err)
	}
	return err
}

// Send posts the composer draft to roomID. The draft is cleared and the
// typing indicator stopped only once every part was accepted; on a partial
// failure the accepted parts are removed from the draft so a retry does not
// duplicate them.
func (d *Dispatcher) Send(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrNoActiveRoom
	}
	parts := d.composer.outgoing()
	if len(parts) == 0 {
		return ErrEmptyMessage
	}
	for i, msg := range parts {
		if err := d.backend.SendRoomMessage(ctx, roomID, msg); err != nil {
			d.composer.consume(parts[:i])
			return d.finish("send", err)
		}
	}
	d.composer.Clear()
	d.stopTyping()
	return d.finish("send", nil)
}

// SendText posts a single text message without touching the composer.
func (d *Dispatcher) SendText(ctx context.Context, roomID, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}
	return d.finish("send", d.backend.SendRoomMessage(ctx, roomID, OutgoingMessage{Body: body}))
}

func (d *Dispatcher) Edit(ctx context.Context, messageID, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}
	return d.finish("edit", d.backend.UpdateMessage(ctx, messageID, body))
}

func (d *Dispatcher) Delete(ctx context.Context, messageID string) error {
	return d.finish("delete", d.backend.DeleteMessage(ctx, messageID))
}

func (d *Dispatcher) React(ctx context.Context, messageID, emoji string) error {
	return d.finish("react", d.backend.ReactToMessage(ctx, messageID, emoji))
}

// TogglePin flips the room pin or a message pin. The room-level flag is
// per viewer and never broadcast, so it is taken from the response.
func (d *Dispatcher) TogglePin(ctx context.Context, roomID string, target PinTarget, messageID string) (*PinResult, error) {
	res, err := d.backend.TogglePin(ctx, roomID, target, messageID)
	if err != nil {
		return nil, d.finish("toggle_pin", err)
	}
	observeAction("toggle_pin", nil)

	switch target {
	case PinConversation:
		d.rooms.SetPinned(roomID, res.IsPinned)
	case PinMessage:
		var pinned *Message
		if res.PinnedMessageID != "" {
			pinned, _ = d.messages.Find(res.PinnedMessageID)
		}
		applyPinnedMessage(d.rooms, d.messages, roomID, res.PinnedMessageID, pinned)
	}
	return res, nil
}

// applyPinnedMessage records pinnedID as the room's only pinned message
// ("" clears it) and flips the Pinned flag on loaded messages.
func applyPinnedMessage(rooms *RoomStore, messages *MessageStore, roomID, pinnedID string, pinned *Message) {
	messages.PatchRoom(roomID, func(m *Message) {
		m.Pinned = pinnedID != "" && m.ID == pinnedID
	})
	if pinnedID == "" {
		rooms.SetPinnedMessage(roomID, nil)
		return
	}
	if pinned == nil {
		pinned, _ = messages.Find(pinnedID)
	}
	if pinned != nil {
		pinned.Pinned = true
		rooms.SetPinnedMessage(roomID, pinned)
	}
}
