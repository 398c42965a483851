package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ============================================================================
// Notifier
// ============================================================================

// Notification is raised for a message arriving in a room the viewer is not
// looking at.
type Notification struct {
	RoomID    string
	RoomTitle string
	Sender    string
	Body      string
	Message   *Message
}

// Notifier receives the engine's user-facing signals. Calls are made from
// engine goroutines; a panicking notifier is recovered and logged.
type Notifier interface {
	Notify(n Notification)
	// Error reports a failed user action, typically as a transient toast.
	Error(action string, err error)
	// UnreadChanged reports the new total unread count.
	UnreadChanged(total int)
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}
func (NopNotifier) Error(string, error) {}
func (NopNotifier) UnreadChanged(int)   {}

// ============================================================================
// Options
// ============================================================================

type EngineOption func(*Engine)

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithScheduler replaces the timer source used by typing expiry.
func WithScheduler(s Scheduler) EngineOption {
	return func(e *Engine) { e.sched = s }
}

// WithStorage sets where the room snapshot is persisted.
func WithStorage(s SnapshotStore) EngineOption {
	return func(e *Engine) { e.storage = s }
}

func WithRemoteTypingTTL(d time.Duration) EngineOption {
	return func(e *Engine) { e.typingTTL = d }
}

// WithRetryPolicy sets the backoff used by background loads (room list,
// member directories). Each load gets a fresh policy from newPolicy.
func WithRetryPolicy(newPolicy func() backoff.BackOff) EngineOption {
	return func(e *Engine) { e.retry = newPolicy }
}

// WithChannelConfig tunes the live channel.
func WithChannelConfig(cfg ChannelConfig) EngineOption {
	return func(e *Engine) { e.channelCfg = cfg }
}

// WithEventHook registers a callback invoked after each live event has been
// applied to the stores.
func WithEventHook(h func(Event)) EngineOption {
	return func(e *Engine) { e.hook = h }
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns every store and the live channel, and wires events and user
// actions between them. Construct one per signed-in viewer and Dispose it.
type Engine struct {
	client     *Client
	log        *zap.Logger
	notifier   Notifier
	sched      Scheduler
	storage    SnapshotStore
	typingTTL  time.Duration
	retry      func() backoff.BackOff
	channelCfg ChannelConfig
	hook       func(Event)

	rooms        *RoomStore
	messages     *MessageStore
	typing       *TypingStore
	participants *ParticipantCache
	pharmacies   *PharmacyCaches
	resolver     *Resolver
	channel      *LiveChannel
	composer     *Composer
	indicator    *TypingIndicator
	dispatcher   *Dispatcher

	mu         sync.Mutex
	membership map[string]string // room id -> viewer membership id
	users      map[string]string // room id -> viewer user id
	disposed   bool
	bg         sync.WaitGroup
	bgCtx      context.Context
	bgCancel   context.CancelFunc
}

func NewEngine(client *Client, opts ...EngineOption) *Engine {
	e := &Engine{
		client:     client,
		log:        zap.NewNop(),
		notifier:   NopNotifier{},
		sched:      RealScheduler,
		typingTTL:  RemoteTypingTTL,
		membership: make(map[string]string),
		users:      make(map[string]string),
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 5)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.storage == nil {
		e.storage = NewMemoryStorage()
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())

	e.rooms = NewRoomStore()
	e.messages = NewMessageStore(client, e.log)
	e.messages.SetNormalizer(e.absolutize)
	e.typing = NewTypingStore(e.sched, e.typingTTL)
	e.participants = NewParticipantCache()
	e.pharmacies = NewPharmacyCaches()
	e.resolver = NewResolver(
		e.participants,
		e.pharmacies,
		MessageSnapshots{messages: e.messages, active: e.rooms.Active},
	)

	cfg := e.channelCfg
	if cfg.Logger == nil {
		cfg.Logger = e.log
	}
	e.channel = NewLiveChannel(client, &cfg)
	e.channel.OnEvent(e.apply)
	e.channel.OnOpen(e.markRead)

	e.composer = &Composer{}
	e.indicator = NewTypingIndicator(e.sched, TypingIdle, e.sendTyping)
	e.dispatcher = NewDispatcher(client, e.rooms, e.messages, e.composer)
	e.dispatcher.stopTyping = e.indicator.Stop
	e.dispatcher.report = func(action string, err error) {
		e.log.Warn("chat action failed", zap.String("action", action), zap.Error(err))
		safeCall(e.log, "notifier", func() { e.notifier.Error(action, err) })
	}
	return e
}

// Start warms the room list from the snapshot, then replaces it with the
// server list. A failed fetch keeps the snapshot and is only logged; the
// error is returned for callers that want it.
func (e *Engine) Start(ctx context.Context) error {
	if snap, err := e.storage.LoadRooms(); err != nil {
		e.log.Warn("load room snapshot", zap.Error(err))
	} else if len(snap) > 0 && e.rooms.Len() == 0 {
		e.rooms.LoadInitial(snap)
		e.unreadChanged()
	}

	var rooms []*Room
	err := e.withRetry(ctx, func() error {
		var err error
		rooms, err = e.client.FetchRooms(ctx)
		return err
	})
	if err != nil {
		e.log.Warn("fetch rooms", zap.Error(err))
		return err
	}
	e.rooms.LoadInitial(rooms)
	if err := e.storage.SaveRooms(e.rooms.Rooms()); err != nil {
		e.log.Warn("save room snapshot", zap.Error(err))
	}
	e.unreadChanged()
	e.log.Info("rooms loaded", zap.Int("rooms", len(rooms)))
	return nil
}

// withRetry retries op under the engine's backoff policy. Client errors
// (4xx) are not retried.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(e.retry(), ctx))
}

// SelectRoom makes roomID the active room: outbound typing for the old room
// is stopped, the live channel is switched and the history buffer loaded.
// An empty id closes the channel.
func (e *Engine) SelectRoom(ctx context.Context, roomID string) (Buffer, error) {
	prev := e.rooms.Active()
	if prev != "" && prev != roomID {
		e.indicator.Stop()
		e.typing.ClearRoom(prev)
		e.composer.Clear()
	}
	e.rooms.SetActive(roomID)
	if roomID == "" {
		e.channel.Disconnect()
		return Buffer{}, nil
	}

	if err := e.channel.Connect(ctx, roomID); err != nil {
		e.log.Warn("connect live channel", zap.String("room_id", roomID), zap.Error(err))
	}
	if r, ok := e.rooms.Get(roomID); ok && r.PharmacyID != "" {
		e.background(func(ctx context.Context) { e.prefetchPharmacy(ctx, r.PharmacyID) })
	}

	buf, err := e.messages.EnsureLoaded(ctx, roomID)
	if err != nil {
		e.log.Warn("load room history", zap.String("room_id", roomID), zap.Error(err))
		return Buffer{RoomID: roomID}, err
	}
	return buf, nil
}

// LoadOlder extends the active room's history backwards.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	roomID := e.rooms.Active()
	if roomID == "" {
		return false, ErrNoActiveRoom
	}
	ok, err := e.messages.LoadOlder(ctx, roomID)
	if err != nil {
		e.log.Warn("load older messages", zap.String("room_id", roomID), zap.Error(err))
	}
	return ok, err
}

// Composer returns the active room's draft.
func (e *Engine) Composer() *Composer { return e.composer }

// Send posts the composer draft to the active room.
func (e *Engine) Send(ctx context.Context) error {
	return e.dispatcher.Send(ctx, e.rooms.Active())
}

// SendText posts body to roomID, which need not be active.
func (e *Engine) SendText(ctx context.Context, roomID, body string) error {
	return e.dispatcher.SendText(ctx, roomID, body)
}

func (e *Engine) Edit(ctx context.Context, messageID, body string) error {
	return e.dispatcher.Edit(ctx, messageID, body)
}

func (e *Engine) Delete(ctx context.Context, messageID string) error {
	return e.dispatcher.Delete(ctx, messageID)
}

func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	return e.dispatcher.React(ctx, messageID, emoji)
}

// TogglePin flips the pin of the active room (messageID "") or of one of its
// messages.
func (e *Engine) TogglePin(ctx context.Context, messageID string) (*PinResult, error) {
	roomID := e.rooms.Active()
	if roomID == "" {
		return nil, ErrNoActiveRoom
	}
	target := PinConversation
	if messageID != "" {
		target = PinMessage
	}
	return e.dispatcher.TogglePin(ctx, roomID, target, messageID)
}

// Keystroke records composer activity in the active room.
func (e *Engine) Keystroke() {
	if e.rooms.Active() == "" {
		return
	}
	e.indicator.Keystroke()
}

// Blur stops the outbound typing indicator.
func (e *Engine) Blur() { e.indicator.Stop() }

// RefreshRoom refetches one room's metadata.
func (e *Engine) RefreshRoom(ctx context.Context, roomID string) error {
	r, err := e.client.FetchRoom(ctx, roomID)
	if err != nil {
		e.log.Warn("refresh room", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	e.rooms.Upsert(r)
	if r, ok := e.rooms.Get(roomID); ok {
		e.persist(r)
	}
	e.unreadChanged()
	return nil
}

// DeleteRoom deletes a room server-side and forgets it locally. Deleting
// the active room clears the selection.
func (e *Engine) DeleteRoom(ctx context.Context, roomID string) error {
	err := e.client.DeleteRoom(ctx, roomID)
	observeAction("delete_room", err)
	if err != nil {
		e.dispatcher.report("delete_room", err)
		return err
	}
	if e.rooms.Remove(roomID) {
		e.SelectRoom(ctx, "")
	}
	e.messages.Drop(roomID)
	e.typing.ClearRoom(roomID)
	e.mu.Lock()
	delete(e.membership, roomID)
	delete(e.users, roomID)
	e.mu.Unlock()
	if err := e.storage.DeleteRoom(roomID); err != nil {
		e.log.Warn("delete room snapshot", zap.String("room_id", roomID), zap.Error(err))
	}
	e.unreadChanged()
	return nil
}

// PrefetchMembers loads the global participant directory and the member
// list of every pharmacy referenced by a known room. Failures are logged.
func (e *Engine) PrefetchMembers(ctx context.Context) {
	err := e.withRetry(ctx, func() error {
		recs, err := e.client.FetchParticipants(ctx)
		if err != nil {
			return err
		}
		e.participants.Merge(recs)
		return nil
	})
	if err != nil {
		e.log.Warn("prefetch participants", zap.Error(err))
	}

	seen := make(map[string]bool)
	for _, r := range e.rooms.Rooms() {
		if r.PharmacyID == "" || seen[r.PharmacyID] {
			continue
		}
		seen[r.PharmacyID] = true
		e.prefetchPharmacy(ctx, r.PharmacyID)
	}
}

func (e *Engine) prefetchPharmacy(ctx context.Context, pharmacyID string) {
	if e.pharmacies.Has(pharmacyID) {
		return
	}
	err := e.withRetry(ctx, func() error {
		recs, err := e.client.FetchPharmacyMembers(ctx, pharmacyID)
		if err != nil {
			return err
		}
		e.pharmacies.Put(pharmacyID, recs)
		return nil
	})
	if err != nil {
		e.log.Warn("prefetch pharmacy members", zap.String("pharmacy_id", pharmacyID), zap.Error(err))
	}
}

// ============================================================================
// Reads
// ============================================================================

func (e *Engine) Rooms() []*Room { return e.rooms.Rooms() }

// ActiveRoom returns the open room, if any.
func (e *Engine) ActiveRoom() (*Room, bool) {
	id := e.rooms.Active()
	if id == "" {
		return nil, false
	}
	return e.rooms.Get(id)
}

func (e *Engine) ActiveMessages() []*Message {
	id := e.rooms.Active()
	if id == "" {
		return nil
	}
	return e.messages.Messages(id)
}

// TypingNames lists who is typing in the active room.
func (e *Engine) TypingNames() []string {
	id := e.rooms.Active()
	if id == "" {
		return nil
	}
	return e.typing.Names(id)
}

// MyMembership returns the viewer's membership id in roomID as announced by
// the room's ready event.
func (e *Engine) MyMembership(roomID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.membership[roomID]
	return id, ok
}

// isViewer reports whether either id names the viewer in roomID.
func (e *Engine) isViewer(roomID, membershipID, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if me, ok := e.membership[roomID]; ok && membershipID != "" && me == membershipID {
		return true
	}
	if me, ok := e.users[roomID]; ok && userID != "" && me == userID {
		return true
	}
	return false
}

func (e *Engine) State() ChannelState { return e.channel.State() }

func (e *Engine) Resolver() *Resolver { return e.resolver }

// RoomTitle is the display title of roomID for the viewer.
func (e *Engine) RoomTitle(roomID string) string {
	r, ok := e.rooms.Get(roomID)
	if !ok {
		return placeholderGroup
	}
	me, _ := e.MyMembership(roomID)
	return e.resolver.RoomTitle(r, me)
}

// Dispose closes the live channel, cancels timers and background loads,
// and closes the snapshot store. The engine must not be used afterwards.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()

	e.indicator.Stop()
	e.channel.Disconnect()
	e.bgCancel()
	e.bg.Wait()
	e.typing.Reset()
	e.messages.Reset()
	return e.storage.Close()
}

// ============================================================================
// Event application
// ============================================================================

func (e *Engine) apply(ev Event) {
	switch ev := ev.(type) {
	case ReadyEvent:
		e.mu.Lock()
		if _, ok := e.membership[ev.RoomID]; !ok && ev.MembershipID != "" {
			e.membership[ev.RoomID] = ev.MembershipID
		}
		if _, ok := e.users[ev.RoomID]; !ok && ev.UserID != "" {
			e.users[ev.RoomID] = ev.UserID
		}
		e.mu.Unlock()

	case MessageCreatedEvent:
		if !e.applyCreated(ev.Message) {
			liveFramesDroppedTotal.WithLabelValues(dropDuplicate).Inc()
			return
		}

	case MessageUpdatedEvent:
		m := ev.Message
		e.messages.Normalize(m)
		e.messages.Patch(m.ID, func(cur *Message) {
			next := m.clone()
			cur.Body = next.Body
			cur.Attachment = next.Attachment
			cur.Edited = next.Edited
			cur.OriginalBody = next.OriginalBody
			cur.Pinned = next.Pinned
			cur.Reactions = next.Reactions
			cur.Deleted = next.Deleted
		})

	case MessageDeletedEvent:
		e.messages.Patch(ev.MessageID, func(cur *Message) { cur.Deleted = true })

	case ReactionUpdatedEvent:
		reactions := append([]Reaction{}, ev.Reactions...)
		e.messages.Patch(ev.MessageID, func(cur *Message) { cur.Reactions = reactions })

	case TypingEvent:
		e.applyTyping(ev)

	case PinUpdatedEvent:
		if ev.Message == nil {
			applyPinnedMessage(e.rooms, e.messages, ev.RoomID, "", nil)
			break
		}
		e.messages.Normalize(ev.Message)
		applyPinnedMessage(e.rooms, e.messages, ev.RoomID, ev.Message.ID, ev.Message)

	case RoomUpdatedEvent:
		r := ev.Room
		if old, ok := e.rooms.Get(r.ID); ok {
			if !ev.HasUnread {
				r.UnreadCount = old.UnreadCount
			}
			if r.LastMessage == nil {
				r.LastMessage = old.LastMessage
			}
			if r.LastActivityAt.Before(old.LastActivityAt) {
				r.LastActivityAt = old.LastActivityAt
			}
		}
		e.rooms.Upsert(r)
		if stored, ok := e.rooms.Get(r.ID); ok {
			e.persist(stored)
		}
		e.unreadChanged()
	}

	liveEventsTotal.WithLabelValues(ev.EventType()).Inc()
	if e.hook != nil {
		safeCall(e.log, "event hook", func() { e.hook(ev) })
	}
}

// applyCreated reports false when m was already buffered.
func (e *Engine) applyCreated(m *Message) bool {
	if !e.messages.AppendLive(m) {
		return false
	}
	known := e.rooms.ApplyIncomingMessage(m)

	for _, name := range e.senderNames(m) {
		e.typing.Set(m.RoomID, name, false)
	}
	if !known {
		return true
	}
	e.unreadChanged()

	me, _ := e.MyMembership(m.RoomID)
	if m.RoomID == e.rooms.Active() || (me != "" && m.Sender.MembershipID == me) {
		return true
	}
	r, ok := e.rooms.Get(m.RoomID)
	if !ok {
		// Deleted concurrently.
		return true
	}
	n := Notification{
		RoomID:    m.RoomID,
		RoomTitle: e.resolver.RoomTitle(r, me),
		Sender:    e.resolver.Display(m.Sender.MembershipID, r.Kind).DisplayName(),
		Body:      m.Text(),
		Message:   m.clone(),
	}
	if snap := m.Sender.Identity.DisplayName(); snap != "" {
		if _, ok := e.resolver.Resolve(m.Sender.MembershipID); !ok {
			n.Sender = snap
		}
	}
	safeCall(e.log, "notifier", func() { e.notifier.Notify(n) })
	return true
}

// senderNames are the names a sender may be listed under in the typing set.
func (e *Engine) senderNames(m *Message) []string {
	var names []string
	if rec, ok := e.resolver.Resolve(m.Sender.MembershipID); ok {
		if n := rec.DisplayName(); n != "" {
			names = append(names, n)
		}
	}
	if n := m.Sender.Identity.DisplayName(); n != "" && (len(names) == 0 || names[0] != n) {
		names = append(names, n)
	}
	return names
}

func (e *Engine) applyTyping(ev TypingEvent) {
	if e.isViewer(ev.RoomID, ev.MembershipID, ev.UserID) {
		return
	}
	name := ev.Name
	if name == "" && ev.MembershipID != "" {
		if rec, ok := e.resolver.Resolve(ev.MembershipID); ok {
			name = rec.DisplayName()
		}
	}
	e.typing.Set(ev.RoomID, name, ev.IsTyping)
}

func (e *Engine) absolutize(m *Message) {
	if m != nil && m.Attachment != nil {
		m.Attachment.URL = e.client.AbsoluteURL(m.Attachment.URL)
	}
}

func (e *Engine) markRead(roomID string) {
	ctx, cancel := context.WithTimeout(e.bgCtx, 15*time.Second)
	defer cancel()
	at, err := e.client.MarkRoomRead(ctx, roomID)
	if err != nil {
		e.log.Warn("mark room read", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	e.rooms.MarkRead(roomID, at)
	e.unreadChanged()
}

func (e *Engine) sendTyping(isTyping bool) {
	ctx, cancel := context.WithTimeout(e.bgCtx, 5*time.Second)
	defer cancel()
	if err := e.channel.SendTyping(ctx, isTyping); err != nil && !errors.Is(err, ErrNotConnected) {
		e.log.Debug("send typing", zap.Bool("is_typing", isTyping), zap.Error(err))
	}
}

func (e *Engine) unreadChanged() {
	total := e.rooms.TotalUnread()
	roomsUnread.Set(float64(total))
	safeCall(e.log, "notifier", func() { e.notifier.UnreadChanged(total) })
}

func (e *Engine) persist(r *Room) {
	if err := e.storage.PutRoom(r); err != nil {
		e.log.Warn("persist room", zap.String("room_id", r.ID), zap.Error(err))
	}
}

func (e *Engine) background(f func(ctx context.Context)) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.bg.Done()
		f(e.bgCtx)
	}()
}

func (e *Engine) String() string {
	return fmt.Sprintf("chatsync.Engine{rooms: %d, active: %q, state: %s}", e.rooms.Len(), e.rooms.Active(), e.channel.State())
}
