package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	b        *fakeBackend
	e        *Engine
	sched    *manualScheduler
	notifier *recordingNotifier
	storage  *MemoryStorage
}

func newEngineFixture(t *testing.T, opts ...EngineOption) *engineFixture {
	f := &engineFixture{
		b:        newFakeBackend(t),
		sched:    &manualScheduler{},
		notifier: &recordingNotifier{},
		storage:  NewMemoryStorage(),
	}
	base := []EngineOption{
		WithScheduler(f.sched),
		WithNotifier(f.notifier),
		WithStorage(f.storage),
		WithRetryPolicy(func() backoff.BackOff { return &backoff.StopBackOff{} }),
		WithChannelConfig(ChannelConfig{HeartbeatInterval: -1}),
	}
	f.e = NewEngine(f.b.client(), append(base, opts...)...)
	t.Cleanup(func() { f.e.Dispose() })
	return f
}

// loadRooms starts the engine on the given server rooms.
func (f *engineFixture) loadRooms(t *testing.T, rooms ...map[string]interface{}) {
	t.Helper()
	f.b.mu.Lock()
	f.b.rooms = rooms
	f.b.mu.Unlock()
	require.NoError(t, f.e.Start(context.Background()))
}

func created(m *Message) MessageCreatedEvent { return MessageCreatedEvent{Message: m} }

func TestEngineStart(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0), wireRoomJSON("2", 5, 3))

	assert.Equal(t, []string{"2", "1"}, roomIDs(f.e.Rooms()))
	stored, err := f.storage.LoadRooms()
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, roomIDs(stored))
	assert.Equal(t, []int{3}, f.notifier.unread)
}

func TestEngineStartKeepsSnapshotOnFailure(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.storage.SaveRooms([]*Room{mkRoom("cached", 1, 2)}))
	f.b.setStatus(http.MethodGet, "/api/chat/rooms/", http.StatusForbidden)

	err := f.e.Start(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, 1, f.b.count(http.MethodGet, "/api/chat/rooms/"), "client errors are not retried")
	assert.Equal(t, []string{"cached"}, roomIDs(f.e.Rooms()))
}

func TestEngineStartRetriesServerErrors(t *testing.T) {
	f := newEngineFixture(t, WithRetryPolicy(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}))
	f.b.setStatus(http.MethodGet, "/api/chat/rooms/", http.StatusServiceUnavailable)

	require.Error(t, f.e.Start(context.Background()))
	assert.Equal(t, 3, f.b.count(http.MethodGet, "/api/chat/rooms/"))
}

func TestEngineSelectRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.b.ready = "me"
	withFile := wireMsg("1", "1", 1, "first")
	withFile["attachment"] = "/media/chat/a.pdf"
	f.b.pages["/api/chat/rooms/1/messages/"] = map[string]interface{}{
		"results": []interface{}{wireMsg("2", "1", 2, "second"), withFile},
		"next":    nil,
	}
	f.loadRooms(t, wireRoomJSON("1", 2, 4), wireRoomJSON("2", 1, 0))

	buf, err := f.e.SelectRoom(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, messageIDs(buf.Messages))
	require.NotNil(t, buf.Messages[0].Attachment)
	assert.Equal(t, f.b.srv.URL+"/media/chat/a.pdf", buf.Messages[0].Attachment.URL, "history attachments are absolute")
	assert.Equal(t, StateOpen, f.e.State())
	sock := f.b.nextSocket(t)
	assert.Equal(t, "1", sock.roomID)

	// Opening the socket marks the room read.
	require.Eventually(t, func() bool {
		r, _ := f.e.ActiveRoom()
		return r != nil && r.UnreadCount == 0 && f.b.count(http.MethodPost, "/api/chat/rooms/1/read/") == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		id, ok := f.e.MyMembership("1")
		return ok && id == "me"
	}, 2*time.Second, 5*time.Millisecond)

	// A live message over the socket lands in the active buffer.
	live := wireMsg("3", "1", 3, "third")
	live["attachment"] = "/media/chat/b.pdf"
	sock.send(t, map[string]interface{}{"type": "message.created", "message": live})
	require.Eventually(t, func() bool { return len(f.e.ActiveMessages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.notifier.Notifications(), "active room messages do not notify")
	msgs := f.e.ActiveMessages()
	assert.Equal(t, f.b.srv.URL+"/media/chat/a.pdf", msgs[0].Attachment.URL)
	assert.Equal(t, f.b.srv.URL+"/media/chat/b.pdf", msgs[2].Attachment.URL)

	// Deselecting closes the channel.
	_, err = f.e.SelectRoom(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, f.e.State())
	assert.Nil(t, f.e.ActiveMessages())
}

func TestEngineReadyIsSetOnce(t *testing.T) {
	f := newEngineFixture(t)
	f.e.apply(ReadyEvent{RoomID: "1", MembershipID: "a"})
	f.e.apply(ReadyEvent{RoomID: "1", MembershipID: "b"})
	f.e.apply(ReadyEvent{RoomID: "2"})

	id, ok := f.e.MyMembership("1")
	require.True(t, ok)
	assert.Equal(t, "a", id)
	_, ok = f.e.MyMembership("2")
	assert.False(t, ok)
}

func TestEngineIncomingMessages(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0), wireRoomJSON("2", 2, 0))
	f.e.rooms.SetActive("1")
	f.e.apply(ReadyEvent{RoomID: "2", MembershipID: "me"})

	t.Run("inactive room accrues unread and notifies", func(t *testing.T) {
		m := mkMessage("100", "2", 10, "are you free tonight?")
		m.Attachment = &Attachment{URL: "/media/shift.pdf"}
		f.e.apply(created(m))
		f.e.apply(created(m))

		r, _ := f.e.rooms.Get("2")
		assert.Equal(t, 1, r.UnreadCount, "redelivery is deduplicated")
		notes := f.notifier.Notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, "2", notes[0].RoomID)
		assert.Equal(t, "Room 2", notes[0].RoomTitle)
		assert.Equal(t, "Sender 100", notes[0].Sender)
		assert.Equal(t, "are you free tonight?", notes[0].Body)

		stored, ok := f.e.messages.Find("100")
		require.True(t, ok)
		assert.Equal(t, f.b.srv.URL+"/media/shift.pdf", stored.Attachment.URL)
	})

	t.Run("own message does not notify", func(t *testing.T) {
		m := mkMessage("101", "2", 11, "mine")
		m.Sender.MembershipID = "me"
		f.e.apply(created(m))
		assert.Len(t, f.notifier.Notifications(), 1)
	})

	t.Run("unknown room is buffered but not counted", func(t *testing.T) {
		f.e.apply(created(mkMessage("102", "ghost", 12, "?")))
		assert.Equal(t, 2, f.e.rooms.Len())
		_, ok := f.e.messages.Find("102")
		assert.True(t, ok)
		assert.Len(t, f.notifier.Notifications(), 1)
	})

	t.Run("message clears its sender's typing name", func(t *testing.T) {
		f.e.apply(TypingEvent{RoomID: "1", MembershipID: "m-103", Name: "Sender 103", IsTyping: true})
		require.Equal(t, []string{"Sender 103"}, f.e.TypingNames())
		f.e.apply(created(mkMessage("103", "1", 13, "done typing")))
		assert.Empty(t, f.e.TypingNames())
	})
}

func TestEngineMessageMutations(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0))
	f.e.rooms.SetActive("1")
	f.e.apply(created(mkMessage("1", "1", 1, "hello")))

	t.Run("update replaces mutable fields", func(t *testing.T) {
		next := mkMessage("1", "1", 1, "hello, edited")
		next.Edited = true
		next.OriginalBody = strp("hello")
		f.e.apply(MessageUpdatedEvent{Message: next})

		m, _ := f.e.messages.Find("1")
		assert.Equal(t, "hello, edited", m.Text())
		assert.True(t, m.Edited)
		assert.True(t, m.CreatedAt.Equal(at(1)))
	})

	t.Run("reactions are replaced", func(t *testing.T) {
		f.e.apply(ReactionUpdatedEvent{RoomID: "1", MessageID: "1", Reactions: []Reaction{{Emoji: "👍", UserID: "u"}}})
		f.e.apply(ReactionUpdatedEvent{RoomID: "1", MessageID: "1", Reactions: []Reaction{{Emoji: "🎉", UserID: "v"}}})
		m, _ := f.e.messages.Find("1")
		assert.Equal(t, []Reaction{{Emoji: "🎉", UserID: "v"}}, m.Reactions)
	})

	t.Run("events for unknown messages create nothing", func(t *testing.T) {
		f.e.apply(ReactionUpdatedEvent{RoomID: "9", MessageID: "nope", Reactions: []Reaction{{Emoji: "x"}}})
		f.e.apply(MessageDeletedEvent{RoomID: "9", MessageID: "nope"})
		f.e.apply(MessageUpdatedEvent{Message: mkMessage("nope", "9", 1, "x")})
		_, ok := f.e.messages.Buffer("9")
		assert.False(t, ok)
	})

	t.Run("delete is soft", func(t *testing.T) {
		f.e.apply(MessageDeletedEvent{RoomID: "1", MessageID: "1"})
		m, _ := f.e.messages.Find("1")
		assert.True(t, m.Deleted)
		assert.Equal(t, "", m.Text())
		require.NotNil(t, m.Body)
		assert.Equal(t, "hello, edited", *m.Body)
		assert.Len(t, f.e.ActiveMessages(), 1)
	})

	t.Run("pin updates move the flag", func(t *testing.T) {
		f.e.apply(created(mkMessage("2", "1", 2, "pin me")))
		f.e.apply(PinUpdatedEvent{RoomID: "1", Message: mkMessage("2", "1", 2, "pin me")})
		r, _ := f.e.rooms.Get("1")
		require.NotNil(t, r.PinnedMessage)
		assert.Equal(t, "2", r.PinnedMessage.ID)
		m, _ := f.e.messages.Find("2")
		assert.True(t, m.Pinned)

		f.e.apply(PinUpdatedEvent{RoomID: "1"})
		r, _ = f.e.rooms.Get("1")
		assert.Nil(t, r.PinnedMessage)
		m, _ = f.e.messages.Find("2")
		assert.False(t, m.Pinned)
	})
}

func TestEngineRoomUpdated(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 10, 4))

	renamed := mkRoom("1", 3, 0)
	renamed.Title = "Renamed"
	f.e.apply(RoomUpdatedEvent{Room: renamed, HasUnread: false})

	r, _ := f.e.rooms.Get("1")
	assert.Equal(t, "Renamed", r.Title)
	assert.Equal(t, 4, r.UnreadCount, "unread kept when omitted")
	assert.True(t, r.LastActivityAt.Equal(at(10)), "activity never moves backwards")

	f.e.apply(RoomUpdatedEvent{Room: mkRoom("1", 11, 1), HasUnread: true})
	r, _ = f.e.rooms.Get("1")
	assert.Equal(t, 1, r.UnreadCount)

	f.e.apply(RoomUpdatedEvent{Room: mkRoom("new", 20, 2), HasUnread: true})
	assert.Equal(t, []string{"new", "1"}, roomIDs(f.e.Rooms()))
	stored, _ := f.storage.LoadRooms()
	assert.Equal(t, []string{"new", "1"}, roomIDs(stored))
}

func TestEngineTyping(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0))
	f.e.rooms.SetActive("1")
	f.e.apply(ReadyEvent{RoomID: "1", MembershipID: "me"})
	f.e.participants.Merge(map[string]Identity{"m7": {FirstName: "Gale", LastName: "Ortiz"}})

	f.e.apply(TypingEvent{RoomID: "1", MembershipID: "me", Name: "Me", IsTyping: true})
	assert.Empty(t, f.e.TypingNames(), "own typing is ignored")

	f.e.apply(TypingEvent{RoomID: "1", MembershipID: "m7", IsTyping: true})
	f.e.apply(TypingEvent{RoomID: "1", MembershipID: "m8", Name: "Hal", IsTyping: true})
	assert.Equal(t, []string{"Gale Ortiz", "Hal"}, f.e.TypingNames())

	f.sched.Advance(RemoteTypingTTL)
	assert.Empty(t, f.e.TypingNames(), "names expire without a stop")

	f.e.apply(TypingEvent{RoomID: "1", Name: "Hal", IsTyping: true})
	f.e.apply(TypingEvent{RoomID: "1", IsTyping: false})
	assert.Empty(t, f.e.TypingNames())
}

func TestEngineIgnoresOwnTypingByUserID(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0), wireRoomJSON("2", 2, 0))
	f.e.rooms.SetActive("1")
	f.e.apply(ReadyEvent{RoomID: "1", MembershipID: "m1", UserID: "u1"})
	f.e.apply(ReadyEvent{RoomID: "1", UserID: "u-late"})

	f.e.apply(TypingEvent{RoomID: "1", UserID: "u1", Name: "Me Myself", IsTyping: true})
	assert.Empty(t, f.e.TypingNames(), "user id alone identifies the viewer")
	f.e.apply(TypingEvent{RoomID: "1", UserID: "u-late", Name: "Late", IsTyping: true})
	assert.Equal(t, []string{"Late"}, f.e.TypingNames(), "the first ready wins")

	// Ids from another room's ready do not apply here.
	f.e.apply(ReadyEvent{RoomID: "2", UserID: "u2"})
	f.e.apply(TypingEvent{RoomID: "1", UserID: "u2", Name: "Other", IsTyping: true})
	assert.Equal(t, []string{"Late", "Other"}, f.e.TypingNames())
}

func TestEngineOutboundTyping(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0))
	_, err := f.e.SelectRoom(context.Background(), "1")
	require.NoError(t, err)
	sock := f.b.nextSocket(t)

	readTyping := func() bool {
		t.Helper()
		select {
		case data := <-sock.frames:
			var got OutboundTyping
			require.NoError(t, json.Unmarshal(data, &got))
			require.Equal(t, "typing", got.Type)
			return got.IsTyping
		case <-time.After(2 * time.Second):
			t.Fatal("no typing frame")
			return false
		}
	}

	f.e.Keystroke()
	f.e.Keystroke()
	assert.True(t, readTyping())
	f.sched.Advance(TypingIdle)
	assert.False(t, readTyping())

	f.e.Keystroke()
	assert.True(t, readTyping())
	f.e.Composer().SetBody("on my way")
	require.NoError(t, f.e.Send(context.Background()))
	assert.False(t, readTyping(), "send stops typing")
	assert.Empty(t, f.e.Composer().Body())

	req, ok := f.b.last(http.MethodPost, "/api/chat/rooms/1/messages/")
	require.True(t, ok)
	assert.Equal(t, "on my way", req.Body["body"])
}

func TestEngineSendFailureReportsAndKeepsDraft(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0))
	f.e.rooms.SetActive("1")
	f.b.setStatus(http.MethodPost, "/api/chat/rooms/1/messages/", http.StatusBadRequest)

	f.e.Composer().SetBody("draft")
	require.Error(t, f.e.Send(context.Background()))
	assert.Equal(t, "draft", f.e.Composer().Body())
	assert.Equal(t, []string{"send"}, f.notifier.Errors())
}

func TestEngineSwitchRoomResetsDraftAndTyping(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0), wireRoomJSON("2", 2, 0))
	_, err := f.e.SelectRoom(context.Background(), "1")
	require.NoError(t, err)
	f.b.nextSocket(t)

	f.e.apply(TypingEvent{RoomID: "1", Name: "Hal", IsTyping: true})
	f.e.Composer().SetBody("half written")
	_, err = f.e.SelectRoom(context.Background(), "2")
	require.NoError(t, err)
	f.b.nextSocket(t)

	assert.Empty(t, f.e.Composer().Body())
	assert.Empty(t, f.e.typing.Names("1"))
	r, _ := f.e.ActiveRoom()
	assert.Equal(t, "2", r.ID)
}

func TestEngineTogglePinAndDeleteRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0), wireRoomJSON("2", 2, 3))

	_, err := f.e.TogglePin(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoActiveRoom)

	f.e.rooms.SetActive("2")
	f.b.pin = map[string]interface{}{"is_pinned": true}
	res, err := f.e.TogglePin(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, res.IsPinned)
	r, _ := f.e.rooms.Get("2")
	assert.True(t, r.Pinned)

	require.NoError(t, f.e.DeleteRoom(context.Background(), "2"))
	assert.Equal(t, []string{"1"}, roomIDs(f.e.Rooms()))
	_, ok := f.e.ActiveRoom()
	assert.False(t, ok, "deleting the active room clears the selection")
	stored, _ := f.storage.LoadRooms()
	assert.Equal(t, []string{"1"}, roomIDs(stored))
}

func TestEnginePrefetchMembers(t *testing.T) {
	f := newEngineFixture(t)
	phRoom := wireRoomJSON("1", 1, 0)
	phRoom["pharmacy"] = "ph1"
	phRoom["type"] = "DIRECT"
	phRoom["participant_ids"] = []string{"me", "m5"}
	f.b.members["*"] = []map[string]interface{}{{"membership_id": "m4", "first_name": "Ivy"}}
	f.b.members["ph1"] = []map[string]interface{}{{"membership_id": "m5", "first_name": "Jo", "last_name": "Park"}}
	f.loadRooms(t, phRoom)
	f.e.apply(ReadyEvent{RoomID: "1", MembershipID: "me"})

	f.e.PrefetchMembers(context.Background())
	f.e.PrefetchMembers(context.Background())

	rec, ok := f.e.Resolver().Resolve("m4")
	require.True(t, ok)
	assert.Equal(t, "Ivy", rec.FirstName)
	assert.Equal(t, "Jo Park", f.e.RoomTitle("1"))
	assert.Equal(t, 1, f.b.count(http.MethodGet, "/api/chat/pharmacies/ph1/"), "pharmacy members are cached")
}

func TestEngineHookPanicIsRecovered(t *testing.T) {
	f := newEngineFixture(t, WithEventHook(func(Event) { panic("hook bug") }))
	f.loadRooms(t, wireRoomJSON("1", 1, 0))
	assert.NotPanics(t, func() { f.e.apply(created(mkMessage("1", "1", 2, "x"))) })
	_, ok := f.e.messages.Find("1")
	assert.True(t, ok)
}

func TestEngineDuplicateCreatedSkipsHook(t *testing.T) {
	var seen []Event
	f := newEngineFixture(t, WithEventHook(func(ev Event) { seen = append(seen, ev) }))
	f.loadRooms(t, wireRoomJSON("1", 1, 0))
	f.e.rooms.SetActive("1")

	ev := created(mkMessage("1", "1", 2, "once"))
	f.e.apply(ev)
	f.e.apply(ev)
	f.e.apply(created(mkMessage("1", "1", 2, "once")))

	assert.Len(t, seen, 1)
	assert.Len(t, f.e.ActiveMessages(), 1)
}

// removingNotifier drops a room from the store whenever the unread total
// changes, the window in which a concurrent DeleteRoom can land.
type removingNotifier struct {
	recordingNotifier
	remove func()
}

func (n *removingNotifier) UnreadChanged(total int) {
	if n.remove != nil {
		n.remove()
	}
	n.recordingNotifier.UnreadChanged(total)
}

func TestEngineNotifySkipsRoomDeletedMidway(t *testing.T) {
	n := &removingNotifier{}
	f := newEngineFixture(t, WithNotifier(n))
	f.loadRooms(t, wireRoomJSON("1", 1, 0), wireRoomJSON("2", 2, 0))
	f.e.rooms.SetActive("1")
	n.remove = func() { f.e.rooms.Remove("2") }

	require.NotPanics(t, func() { f.e.apply(created(mkMessage("9", "2", 3, "late"))) })
	assert.Empty(t, n.Notifications())
	_, ok := f.e.rooms.Get("2")
	assert.False(t, ok)
}

func TestEngineDisposeIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.e.Dispose())
	require.NoError(t, f.e.Dispose())
	assert.Equal(t, StateDisconnected, f.e.State())
}

func TestEngineSendTextAndRefreshRoom(t *testing.T) {
	f := newEngineFixture(t)
	f.loadRooms(t, wireRoomJSON("1", 1, 0), wireRoomJSON("2", 2, 0))

	require.NoError(t, f.e.SendText(context.Background(), "2", "  quick note "))
	req, ok := f.b.last(http.MethodPost, "/api/chat/rooms/2/messages/")
	require.True(t, ok)
	assert.Equal(t, "quick note", req.Body["body"])
	assert.ErrorIs(t, f.e.SendText(context.Background(), "2", " "), ErrEmptyMessage)

	f.b.mu.Lock()
	f.b.rooms[0] = wireRoomJSON("1", 30, 6)
	f.b.mu.Unlock()
	require.NoError(t, f.e.RefreshRoom(context.Background(), "1"))
	assert.Equal(t, []string{"1", "2"}, roomIDs(f.e.Rooms()))
	r, _ := f.e.rooms.Get("1")
	assert.Equal(t, 6, r.UnreadCount)

	assert.Error(t, f.e.RefreshRoom(context.Background(), "ghost"))
}

func TestEngineLoadOlderAndBlur(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.e.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveRoom)

	next := f.b.srv.URL + "/api/chat/rooms/1/messages/?cursor=2"
	f.b.pages["/api/chat/rooms/1/messages/"] = map[string]interface{}{
		"results": []interface{}{wireMsg("5", "1", 5, "new")},
		"next":    next,
	}
	f.b.pages["/api/chat/rooms/1/messages/?cursor=2"] = map[string]interface{}{
		"results": []interface{}{wireMsg("4", "1", 4, "old")},
		"next":    nil,
	}
	f.loadRooms(t, wireRoomJSON("1", 5, 0))
	_, err = f.e.SelectRoom(context.Background(), "1")
	require.NoError(t, err)
	sock := f.b.nextSocket(t)

	ok, err := f.e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"4", "5"}, messageIDs(f.e.ActiveMessages()))
	ok, err = f.e.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	f.e.Keystroke()
	f.e.Blur()
	var got []bool
	for len(got) < 2 {
		select {
		case data := <-sock.frames:
			var frame OutboundTyping
			require.NoError(t, json.Unmarshal(data, &frame))
			got = append(got, frame.IsTyping)
		case <-time.After(2 * time.Second):
			t.Fatalf("typing frames = %v", got)
		}
	}
	assert.Equal(t, []bool{true, false}, got)
}
