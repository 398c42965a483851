package chatsync

import (
	"sort"
	"sync"
	"time"
)

// RoomStore is the sorted index of rooms visible to the viewer. Order is
// last activity descending; ties keep first-insertion order. Unknown ids are
// always a no-op.
type RoomStore struct {
	mu     sync.Mutex
	rooms  []*Room
	byID   map[string]*Room
	seq    map[string]uint64
	next   uint64
	active string
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		byID: make(map[string]*Room),
		seq:  make(map[string]uint64),
	}
}

// LoadInitial replaces the store wholesale. The active selection survives.
func (s *RoomStore) LoadInitial(rooms []*Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = s.rooms[:0]
	s.byID = make(map[string]*Room, len(rooms))
	s.seq = make(map[string]uint64, len(rooms))
	for _, r := range rooms {
		if r == nil || r.ID == "" {
			continue
		}
		s.put(r.clone())
	}
	s.sort()
}

// Upsert inserts a new room or replaces an existing one.
func (s *RoomStore) Upsert(r *Room) {
	if r == nil || r.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(r.clone())
	s.sort()
}

func (s *RoomStore) put(r *Room) {
	if r.UnreadCount < 0 {
		r.UnreadCount = 0
	}
	if r.ID == s.active {
		r.UnreadCount = 0
	}
	if old, ok := s.byID[r.ID]; ok {
		for i, x := range s.rooms {
			if x == old {
				s.rooms[i] = r
				break
			}
		}
	} else {
		s.seq[r.ID] = s.next
		s.next++
		s.rooms = append(s.rooms, r)
	}
	s.byID[r.ID] = r
}

func (s *RoomStore) sort() {
	sort.SliceStable(s.rooms, func(i, j int) bool {
		a, b := s.rooms[i], s.rooms[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return s.seq[a.ID] < s.seq[b.ID]
	})
}

// ApplyIncomingMessage folds a live message into its room's summary. It
// reports whether the room is known. The active room never accrues unread.
func (s *RoomStore) ApplyIncomingMessage(m *Message) bool {
	if m == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[m.RoomID]
	if !ok {
		return false
	}
	if r.LastMessage != nil && r.LastMessage.ID == m.ID {
		return true
	}
	if r.LastMessage == nil || !m.CreatedAt.Before(r.LastMessage.CreatedAt) {
		r.LastMessage = &MessageSummary{
			ID:           m.ID,
			Body:         m.Text(),
			CreatedAt:    m.CreatedAt,
			SenderMember: m.Sender.MembershipID,
		}
		if m.CreatedAt.After(r.LastActivityAt) {
			r.LastActivityAt = m.CreatedAt
		}
	}
	if r.ID == s.active {
		r.UnreadCount = 0
	} else {
		r.UnreadCount++
	}
	s.sort()
	return true
}

// MarkRead zeroes unread and records the read time.
func (s *RoomStore) MarkRead(roomID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[roomID]; ok {
		r.UnreadCount = 0
		if at.After(r.LastReadAt) {
			r.LastReadAt = at
		}
	}
}

// SetPinned toggles the room's pin flag. Pinning is a display grouping and
// does not affect order.
func (s *RoomStore) SetPinned(roomID string, pinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[roomID]; ok {
		r.Pinned = pinned
	}
}

// SetPinnedMessage sets or clears (nil) the room's pinned message.
func (s *RoomStore) SetPinnedMessage(roomID string, m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[roomID]; ok {
		if m == nil {
			r.PinnedMessage = nil
		} else {
			r.PinnedMessage = m.clone()
		}
	}
}

// Remove deletes a room and reports whether it was the active one. The
// caller is responsible for clearing the selection.
func (s *RoomStore) Remove(roomID string) (wasActive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[roomID]
	if !ok {
		return false
	}
	for i, x := range s.rooms {
		if x == r {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			break
		}
	}
	delete(s.byID, roomID)
	delete(s.seq, roomID)
	return roomID == s.active
}

// SetActive records the currently open room ("" for none).
func (s *RoomStore) SetActive(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = roomID
}

func (s *RoomStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Get returns a copy of the room.
func (s *RoomStore) Get(roomID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[roomID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Rooms returns copies of every room in display order.
func (s *RoomStore) Rooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, len(s.rooms))
	for i, r := range s.rooms {
		out[i] = r.clone()
	}
	return out
}

// TotalUnread sums unread counts across rooms.
func (s *RoomStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rooms {
		n += r.UnreadCount
	}
	return n
}

func (s *RoomStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
