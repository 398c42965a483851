package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func mkMessage(id, room string, min int, body string) *Message {
	return &Message{
		ID:        id,
		RoomID:    room,
		Sender:    Sender{MembershipID: "m-" + id, Identity: Identity{FirstName: "Sender", LastName: id}},
		Body:      strp(body),
		CreatedAt: at(min),
		Reactions: []Reaction{},
	}
}

func mkRoom(id string, min int, unread int) *Room {
	return &Room{
		ID:             id,
		Kind:           RoomGroup,
		Title:          "Room " + id,
		UnreadCount:    unread,
		LastActivityAt: at(min),
	}
}

func roomIDs(rooms []*Room) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}

func messageIDs(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// ============================================================================
// Manual scheduler
// ============================================================================

type manualTimer struct {
	s       *manualScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// manualScheduler runs timers only when Advance moves its clock past them.
type manualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	for {
		var due []*manualTimer
		for _, t := range s.timers {
			if !t.fired && !t.stopped && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.f()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// ============================================================================
// Recording notifier
// ============================================================================

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	errors        []string
	unread        []int
}

func (n *recordingNotifier) Notify(x Notification) {
	n.mu.Lock()
	n.notifications = append(n.notifications, x)
	n.mu.Unlock()
}

func (n *recordingNotifier) Error(action string, err error) {
	n.mu.Lock()
	n.errors = append(n.errors, action)
	n.mu.Unlock()
}

func (n *recordingNotifier) UnreadChanged(total int) {
	n.mu.Lock()
	n.unread = append(n.unread, total)
	n.mu.Unlock()
}

func (n *recordingNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}

func (n *recordingNotifier) Errors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.errors...)
}

// ============================================================================
// Fake backend
// ============================================================================

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]interface{}
	Header http.Header
}

// fakeBackend serves the chat REST API and room sockets from memory.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	rooms    []map[string]interface{}
	pages    map[string]map[string]interface{} // request path (with query) -> page body
	members  map[string][]map[string]interface{}
	requests []recordedRequest
	status   map[string]int // "METHOD path" -> forced status
	pin      map[string]interface{}
	ready    string
	sockets  chan *serverSocket
}

type serverSocket struct {
	roomID string
	conn   *websocket.Conn
	frames chan []byte
}

func (s *serverSocket) send(t *testing.T, frame interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (s *serverSocket) sendRaw(t *testing.T, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:       t,
		pages:   make(map[string]map[string]interface{}),
		members: make(map[string][]map[string]interface{}),
		status:  make(map[string]int),
		sockets: make(chan *serverSocket, 8),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) client(opts ...ClientOption) *Client {
	return NewClient("test-token", append([]ClientOption{WithBaseURL(b.srv.URL)}, opts...)...)
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/ws/chat/rooms/") {
		b.serveSocket(w, r)
		return
	}

	var body map[string]interface{}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	b.mu.Lock()
	b.requests = append(b.requests, recordedRequest{Method: r.Method, Path: path, Body: body, Header: r.Header.Clone()})
	forced := b.status[r.Method+" "+r.URL.Path]
	b.mu.Unlock()

	if forced != 0 {
		w.WriteHeader(forced)
		json.NewEncoder(w).Encode(map[string]string{"detail": "forced failure"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/chat/rooms/":
		writeJSON(w, b.rooms)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages/"):
		page, ok := b.pages[path]
		if !ok {
			page = map[string]interface{}{"results": []interface{}{}, "next": nil}
		}
		writeJSON(w, page)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/read/"):
		writeJSON(w, map[string]string{"last_read_at": t0.Add(time.Hour).Format(time.RFC3339)})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/toggle-pin/"):
		writeJSON(w, b.pin)
	case r.Method == http.MethodGet && r.URL.Path == "/api/chat/participants/":
		writeJSON(w, b.members["*"])
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/chat/pharmacies/"):
		id := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/chat/pharmacies/"), "/")[0]
		writeJSON(w, b.members[id])
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/chat/rooms/"):
		id := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/chat/rooms/"), "/")[0]
		for _, room := range b.rooms {
			if room["id"] == id {
				writeJSON(w, room)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func (b *fakeBackend) serveSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	roomID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/chat/rooms/"), "/")
	sock := &serverSocket{roomID: roomID, conn: conn, frames: make(chan []byte, 16)}

	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	if ready != "" {
		data, _ := json.Marshal(map[string]interface{}{"type": "ready", "room_id": roomID, "membership_id": ready})
		if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}
	}
	b.sockets <- sock

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			close(sock.frames)
			return
		}
		select {
		case sock.frames <- data:
		default:
		}
	}
}

func (b *fakeBackend) nextSocket(t *testing.T) *serverSocket {
	t.Helper()
	select {
	case s := <-b.sockets:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no socket connected")
		return nil
	}
}

func (b *fakeBackend) count(method, pathPrefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			n++
		}
	}
	return n
}

func (b *fakeBackend) last(method, pathPrefix string) (recordedRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.requests) - 1; i >= 0; i-- {
		r := b.requests[i]
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			return r, true
		}
	}
	return recordedRequest{}, false
}

func (b *fakeBackend) setStatus(method, path string, status int) {
	b.mu.Lock()
	b.status[method+" "+path] = status
	b.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func wireMsg(id, room string, min int, body string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"room":       room,
		"sender":     map[string]interface{}{"membership_id": "m-" + id, "first_name": "Sender", "last_name": id},
		"body":       body,
		"created_at": at(min).Format(time.RFC3339),
		"reactions":  []interface{}{},
	}
}

func wireRoomJSON(id string, min int, unread int) map[string]interface{} {
	return map[string]interface{}{
		"id":              id,
		"type":            "GROUP",
		"title":           "Room " + id,
		"unread_count":    unread,
		"last_message_at": at(min).Format(time.RFC3339),
	}
}
