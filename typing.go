package chatsync

import (
	"sort"
	"sync"
	"time"
)

const (
	// TypingIdle is how long the composer may sit idle before the outbound
	// indicator is switched off.
	TypingIdle = 2 * time.Second
	// RemoteTypingTTL bounds how long a remote name stays listed without a
	// refresh or an explicit stop.
	RemoteTypingTTL = 5 * time.Second
)

// ============================================================================
// Remote typing state
// ============================================================================

type typingEntry struct {
	timer Timer
}

// TypingStore holds the names currently typing in each room. Every entry
// expires on its own after the TTL.
type TypingStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sched    Scheduler
	rooms    map[string]map[string]*typingEntry
	onChange func(roomID string)
}

func NewTypingStore(sched Scheduler, ttl time.Duration) *TypingStore {
	if sched == nil {
		sched = RealScheduler
	}
	if ttl <= 0 {
		ttl = RemoteTypingTTL
	}
	return &TypingStore{
		ttl:   ttl,
		sched: sched,
		rooms: make(map[string]map[string]*typingEntry),
	}
}

// OnChange registers a callback invoked (outside the lock) whenever a room's
// set changes, including expiry.
func (s *TypingStore) OnChange(f func(roomID string)) {
	s.mu.Lock()
	s.onChange = f
	s.mu.Unlock()
}

// Set adds or removes name for roomID. Adding an already-present name
// refreshes its expiry.
func (s *TypingStore) Set(roomID, name string, isTyping bool) {
	if name == "" {
		if !isTyping {
			s.ClearRoom(roomID)
		}
		return
	}
	s.mu.Lock()
	changed := false
	names := s.rooms[roomID]
	if isTyping {
		if names == nil {
			names = make(map[string]*typingEntry)
			s.rooms[roomID] = names
		}
		if prev, ok := names[name]; ok {
			prev.timer.Stop()
		} else {
			changed = true
		}
		e := &typingEntry{}
		e.timer = s.sched.AfterFunc(s.ttl, func() { s.expire(roomID, name, e) })
		names[name] = e
	} else if e, ok := names[name]; ok {
		e.timer.Stop()
		delete(names, name)
		if len(names) == 0 {
			delete(s.rooms, roomID)
		}
		changed = true
	}
	cb := s.onChange
	s.mu.Unlock()
	if changed && cb != nil {
		cb(roomID)
	}
}

func (s *TypingStore) expire(roomID, name string, e *typingEntry) {
	s.mu.Lock()
	names := s.rooms[roomID]
	if names == nil || names[name] != e {
		s.mu.Unlock()
		return
	}
	delete(names, name)
	if len(names) == 0 {
		delete(s.rooms, roomID)
	}
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb(roomID)
	}
}

// ClearRoom drops every typing name for the room.
func (s *TypingStore) ClearRoom(roomID string) {
	s.mu.Lock()
	names, ok := s.rooms[roomID]
	for _, e := range names {
		e.timer.Stop()
	}
	delete(s.rooms, roomID)
	cb := s.onChange
	s.mu.Unlock()
	if ok && cb != nil {
		cb(roomID)
	}
}

// Names returns the sorted names typing in the room.
func (s *TypingStore) Names(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.rooms[roomID]
	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Reset stops every expiry timer and empties the store.
func (s *TypingStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, names := range s.rooms {
		for _, e := range names {
			e.timer.Stop()
		}
	}
	s.rooms = make(map[string]map[string]*typingEntry)
}

// ============================================================================
// Outbound typing indicator
// ============================================================================

// TypingIndicator drives the viewer's own typing signal. It only emits on
// edges: true on the first keystroke, false on Stop or after TypingIdle of
// inactivity.
type TypingIndicator struct {
	mu     sync.Mutex
	sched  Scheduler
	idle   time.Duration
	send   func(isTyping bool)
	typing bool
	timer  Timer
	gen    uint64
}

func NewTypingIndicator(sched Scheduler, idle time.Duration, send func(isTyping bool)) *TypingIndicator {
	if sched == nil {
		sched = RealScheduler
	}
	if idle <= 0 {
		idle = TypingIdle
	}
	return &TypingIndicator{sched: sched, idle: idle, send: send}
}

// Keystroke records composer activity and rearms the auto-stop.
func (t *TypingIndicator) Keystroke() {
	t.mu.Lock()
	edge := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.sched.AfterFunc(t.idle, func() { t.autoStop(gen) })
	t.mu.Unlock()
	if edge {
		t.send(true)
	}
}

func (t *TypingIndicator) autoStop(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()
	t.send(false)
}

// Stop switches the indicator off immediately (send, blur, unmount).
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	was := t.typing
	t.typing = false
	t.mu.Unlock()
	if was {
		t.send(false)
	}
}

func (t *TypingIndicator) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}
