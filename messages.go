package chatsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PageFetcher loads history pages. Pages arrive newest-first.
type PageFetcher interface {
	FetchRoomMessages(ctx context.Context, roomID string) (*Page, error)
	FetchRoomMessagesByCursor(ctx context.Context, cursor string) (*Page, error)
}

// Buffer is a read-only snapshot of one room's loaded messages in
// chronological order.
type Buffer struct {
	RoomID   string
	Messages []*Message
	HasMore  bool
	Loaded   bool
}

type roomBuffer struct {
	messages     []*Message
	cursor       string
	hasMore      bool
	loaded       bool
	loadingOlder bool
}

func (b *roomBuffer) snapshot(roomID string) Buffer {
	out := Buffer{RoomID: roomID, HasMore: b.hasMore, Loaded: b.loaded}
	out.Messages = make([]*Message, len(b.messages))
	for i, m := range b.messages {
		out.Messages[i] = m.clone()
	}
	return out
}

// MessageStore keeps one buffer per room. Every insertion path is keyed by
// message id, so redelivered events and overlapping pages are idempotent.
type MessageStore struct {
	mu      sync.Mutex
	fetch   PageFetcher
	buffers map[string]*roomBuffer
	index   map[string]string // message id -> room id
	first   singleflight.Group
	log     *zap.Logger

	normalize func(*Message)
}

func NewMessageStore(fetch PageFetcher, log *zap.Logger) *MessageStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageStore{
		fetch:   fetch,
		buffers: make(map[string]*roomBuffer),
		index:   make(map[string]string),
		log:     log,
	}
}

// SetNormalizer installs fn to rewrite every message as it enters the store
// from a history page or the live channel. fn runs under the store lock and
// must not call back into it.
func (s *MessageStore) SetNormalizer(fn func(*Message)) {
	s.mu.Lock()
	s.normalize = fn
	s.mu.Unlock()
}

// Normalize applies the installed normalizer to m in place.
func (s *MessageStore) Normalize(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.normalizeLocked(m)
}

func (s *MessageStore) normalizeLocked(m *Message) {
	if m != nil && s.normalize != nil {
		s.normalize(m)
	}
}

// EnsureLoaded returns the room's buffer, fetching the first page only if it
// was never loaded. Concurrent callers for the same room share one fetch.
func (s *MessageStore) EnsureLoaded(ctx context.Context, roomID string) (Buffer, error) {
	s.mu.Lock()
	if b := s.buffers[roomID]; b != nil && b.loaded {
		snap := b.snapshot(roomID)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	v, err, _ := s.first.Do(roomID, func() (interface{}, error) {
		page, err := s.fetch.FetchRoomMessages(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("load room %s: %w", roomID, err)
		}
		return s.mergeFirstPage(roomID, page), nil
	})
	if err != nil {
		return Buffer{}, err
	}
	return v.(Buffer), nil
}

func (s *MessageStore) mergeFirstPage(roomID string, page *Page) Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buffers[roomID]
	if b == nil {
		b = &roomBuffer{}
		s.buffers[roomID] = b
	}
	if b.loaded {
		return b.snapshot(roomID)
	}

	// Live messages that raced ahead of the first page keep their (newer)
	// state but take the page's position when the page also holds them.
	tail := make(map[string]*Message, len(b.messages))
	for _, m := range b.messages {
		tail[m.ID] = m
	}
	merged := make([]*Message, 0, len(page.Messages)+len(b.messages))
	inPage := make(map[string]bool, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if inPage[m.ID] {
			continue
		}
		if owner, ok := s.index[m.ID]; ok && owner != roomID {
			continue
		}
		inPage[m.ID] = true
		if live, ok := tail[m.ID]; ok {
			m = live
		} else {
			s.normalizeLocked(m)
		}
		m.RoomID = roomID
		merged = append(merged, m)
		s.index[m.ID] = roomID
	}
	for _, m := range b.messages {
		if !inPage[m.ID] {
			merged = append(merged, m)
		}
	}
	b.messages = merged
	b.cursor = page.NextCursor
	b.hasMore = page.NextCursor != ""
	b.loaded = true
	s.log.Debug("room history loaded", zap.String("room_id", roomID), zap.Int("messages", len(merged)), zap.Bool("has_more", b.hasMore))
	return b.snapshot(roomID)
}

// LoadOlder prepends the next backward page. It reports whether a page was
// applied; it is a no-op while a load for the same room is pending, when the
// room has no more history, or when the room was never loaded.
func (s *MessageStore) LoadOlder(ctx context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	b := s.buffers[roomID]
	if b == nil || !b.loaded || !b.hasMore || b.loadingOlder {
		s.mu.Unlock()
		return false, nil
	}
	b.loadingOlder = true
	cursor := b.cursor
	s.mu.Unlock()

	page, err := s.fetch.FetchRoomMessagesByCursor(ctx, cursor)

	s.mu.Lock()
	defer s.mu.Unlock()
	b.loadingOlder = false
	if err != nil {
		return false, fmt.Errorf("load older messages for room %s: %w", roomID, err)
	}
	if s.buffers[roomID] != b {
		// Dropped while the request was in flight.
		return false, nil
	}

	older := make([]*Message, 0, len(page.Messages))
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		m.RoomID = roomID
		s.normalizeLocked(m)
		s.index[m.ID] = roomID
		older = append(older, m)
	}
	b.messages = append(older, b.messages...)
	b.cursor = page.NextCursor
	b.hasMore = page.NextCursor != ""
	return true, nil
}

// AppendLive appends a message delivered by the live channel. Duplicates are
// ignored. A room that was never opened gets an unloaded buffer holding the
// live tail, merged later by EnsureLoaded. An accepted m is normalized in
// place before the store keeps its own copy.
func (s *MessageStore) AppendLive(m *Message) bool {
	if m == nil || m.ID == "" || m.RoomID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	b := s.buffers[m.RoomID]
	if b == nil {
		b = &roomBuffer{}
		s.buffers[m.RoomID] = b
	}
	s.normalizeLocked(m)
	b.messages = append(b.messages, m.clone())
	s.index[m.ID] = m.RoomID
	return true
}

// Patch applies fn to the stored message with the given id. Unknown ids are
// a no-op; Patch never creates a buffer.
func (s *MessageStore) Patch(messageID string, fn func(*Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookup(messageID)
	if m == nil {
		return false
	}
	fn(m)
	return true
}

// PatchRoom applies fn to every stored message of the room and returns how
// many messages were visited.
func (s *MessageStore) PatchRoom(roomID string, fn func(*Message)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buffers[roomID]
	if b == nil {
		return 0
	}
	for _, m := range b.messages {
		fn(m)
	}
	return len(b.messages)
}

func (s *MessageStore) lookup(messageID string) *Message {
	roomID, ok := s.index[messageID]
	if !ok {
		return nil
	}
	b := s.buffers[roomID]
	if b == nil {
		return nil
	}
	for _, m := range b.messages {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// Find returns a copy of the message.
func (s *MessageStore) Find(messageID string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookup(messageID)
	if m == nil {
		return nil, false
	}
	return m.clone(), true
}

// Buffer returns a snapshot of the room's buffer.
func (s *MessageStore) Buffer(roomID string) (Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buffers[roomID]
	if b == nil {
		return Buffer{RoomID: roomID}, false
	}
	return b.snapshot(roomID), true
}

// Messages returns copies of the room's messages in chronological order.
func (s *MessageStore) Messages(roomID string) []*Message {
	buf, _ := s.Buffer(roomID)
	return buf.Messages
}

// Drop discards a room's buffer.
func (s *MessageStore) Drop(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buffers[roomID]
	if b == nil {
		return
	}
	for _, m := range b.messages {
		delete(s.index, m.ID)
	}
	delete(s.buffers, roomID)
}

// each walks a room's messages under the lock until fn returns false. fn
// must not call back into the store.
func (s *MessageStore) each(roomID string, fn func(*Message) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buffers[roomID]
	if b == nil {
		return
	}
	for _, m := range b.messages {
		if !fn(m) {
			return
		}
	}
}

// Reset discards every buffer.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[string]*roomBuffer)
	s.index = make(map[string]string)
}
