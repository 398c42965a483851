package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// SnapshotStore persists the room list between sessions so a client can
// render rooms before the first server fetch completes. The server list
// always wins: SaveRooms evicts rooms that are not in it.
type SnapshotStore interface {
	LoadRooms() ([]*Room, error)
	SaveRooms(rooms []*Room) error
	PutRoom(room *Room) error
	DeleteRoom(roomID string) error
	Close() error
}

// ============================================================================
// Stored representation
// ============================================================================

// StoredRoom is the persisted form of a Room.
type StoredRoom struct {
	ID             string          `json:"id"`
	Kind           RoomKind        `json:"kind"`
	Title          string          `json:"title,omitempty"`
	PharmacyID     string          `json:"pharmacyId,omitempty"`
	Participants   []string        `json:"participants,omitempty"`
	Pinned         bool            `json:"pinned,omitempty"`
	LastReadAt     time.Time       `json:"lastReadAt"`
	LastMessage    *MessageSummary `json:"lastMessage,omitempty"`
	UnreadCount    int             `json:"unreadCount"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
}

func toStoredRoom(r *Room) *StoredRoom {
	s := &StoredRoom{
		ID:             r.ID,
		Kind:           r.Kind,
		Title:          r.Title,
		PharmacyID:     r.PharmacyID,
		Participants:   append([]string(nil), r.Participants...),
		Pinned:         r.Pinned,
		LastReadAt:     r.LastReadAt,
		UnreadCount:    r.UnreadCount,
		LastActivityAt: r.LastActivityAt,
	}
	if r.LastMessage != nil {
		lm := *r.LastMessage
		s.LastMessage = &lm
	}
	return s
}

func (s *StoredRoom) toRoom() *Room {
	r := &Room{
		ID:             s.ID,
		Kind:           s.Kind,
		Title:          s.Title,
		PharmacyID:     s.PharmacyID,
		Participants:   append([]string(nil), s.Participants...),
		Pinned:         s.Pinned,
		LastReadAt:     s.LastReadAt,
		UnreadCount:    s.UnreadCount,
		LastActivityAt: s.LastActivityAt,
	}
	if s.LastMessage != nil {
		lm := *s.LastMessage
		r.LastMessage = &lm
	}
	return r
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory SnapshotStore.
type MemoryStorage struct {
	mu    sync.RWMutex
	rooms map[string]*StoredRoom
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{rooms: make(map[string]*StoredRoom)}
}

func (s *MemoryStorage) LoadRooms() ([]*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.toRoom())
	}
	sortStored(out)
	return out, nil
}

func (s *MemoryStorage) SaveRooms(rooms []*Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]*StoredRoom, len(rooms))
	for _, r := range rooms {
		s.rooms[r.ID] = toStoredRoom(r)
	}
	return nil
}

func (s *MemoryStorage) PutRoom(room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = toStoredRoom(room)
	return nil
}

func (s *MemoryStorage) DeleteRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// PebbleStorage
// ============================================================================

const roomKeyPrefix = "room:"

// PebbleStorage keeps the room snapshot in a local pebble database.
type PebbleStorage struct {
	db *pebble.DB
}

// OpenPebbleStorage opens (creating if needed) the database at dir.
func OpenPebbleStorage(dir string) (*PebbleStorage, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open room snapshot %s: %w", dir, err)
	}
	return &PebbleStorage{db: db}, nil
}

func roomKey(id string) []byte { return []byte(roomKeyPrefix + id) }

func (s *PebbleStorage) LoadRooms() ([]*Room, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(roomKeyPrefix),
		UpperBound: prefixUpperBound([]byte(roomKeyPrefix)),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*Room
	for ok := it.First(); ok; ok = it.Next() {
		var sr StoredRoom
		if err := json.Unmarshal(it.Value(), &sr); err != nil {
			return nil, fmt.Errorf("decode stored room %q: %w", bytes.TrimPrefix(it.Key(), []byte(roomKeyPrefix)), err)
		}
		out = append(out, sr.toRoom())
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortStored(out)
	return out, nil
}

// SaveRooms replaces the snapshot in one batch.
func (s *PebbleStorage) SaveRooms(rooms []*Room) error {
	keep := make(map[string]bool, len(rooms))
	b := s.db.NewBatch()
	defer b.Close()
	for _, r := range rooms {
		data, err := json.Marshal(toStoredRoom(r))
		if err != nil {
			return fmt.Errorf("encode room %s: %w", r.ID, err)
		}
		if err := b.Set(roomKey(r.ID), data, nil); err != nil {
			return err
		}
		keep[r.ID] = true
	}

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(roomKeyPrefix),
		UpperBound: prefixUpperBound([]byte(roomKeyPrefix)),
	})
	if err != nil {
		return err
	}
	for ok := it.First(); ok; ok = it.Next() {
		id := string(bytes.TrimPrefix(it.Key(), []byte(roomKeyPrefix)))
		if !keep[id] {
			if err := b.Delete(roomKey(id), nil); err != nil {
				it.Close()
				return err
			}
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStorage) PutRoom(room *Room) error {
	data, err := json.Marshal(toStoredRoom(room))
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}
	return s.db.Set(roomKey(room.ID), data, pebble.Sync)
}

func (s *PebbleStorage) DeleteRoom(roomID string) error {
	err := s.db.Delete(roomKey(roomID), pebble.Sync)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func sortStored(rooms []*Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].LastActivityAt.After(rooms[j].LastActivityAt)
	})
}
