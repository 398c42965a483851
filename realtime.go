package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelState is the live channel connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateOpen         ChannelState = "open"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	defaultReadLimit         = 1 << 20
)

// SocketEndpoint supplies the per-room socket URL and the credential the
// channel requires before dialing. *Client implements it.
type SocketEndpoint interface {
	RoomSocketURL(roomID string) string
	Token() string
}

// ChannelConfig configures a LiveChannel.
type ChannelConfig struct {
	// HeartbeatInterval between websocket pings. Negative disables pings.
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

func (c *ChannelConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// LiveChannel
// ============================================================================

// LiveChannel holds at most one room socket. Every Connect closes the
// previous socket and starts a new generation; frames read by a superseded
// socket are discarded. There is no automatic reconnection.
type LiveChannel struct {
	endpoint SocketEndpoint
	config   ChannelConfig
	log      *zap.Logger

	mu     sync.Mutex
	state  ChannelState
	roomID string
	conn   *websocket.Conn
	cancel context.CancelFunc
	gen    uint64

	// fmu is read-held while a frame is handed to onEvent and write-held
	// while the generation advances, so a superseded socket cannot deliver
	// once Connect or Disconnect returns. Event handlers must not call
	// Connect or Disconnect.
	fmu sync.RWMutex

	hmu     sync.RWMutex
	onEvent func(Event)
	onOpen  func(roomID string)
	onState func(ChannelState)
}

func NewLiveChannel(endpoint SocketEndpoint, config *ChannelConfig) *LiveChannel {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &LiveChannel{
		endpoint: endpoint,
		config:   cfg,
		log:      cfg.Logger,
		state:    StateDisconnected,
	}
}

// OnEvent registers the handler for decoded frames. Frames of one socket are
// delivered sequentially on its read goroutine.
func (ch *LiveChannel) OnEvent(h func(Event)) {
	ch.hmu.Lock()
	ch.onEvent = h
	ch.hmu.Unlock()
}

// OnOpen registers a handler invoked after a socket for roomID opens.
func (ch *LiveChannel) OnOpen(h func(roomID string)) {
	ch.hmu.Lock()
	ch.onOpen = h
	ch.hmu.Unlock()
}

// OnStateChange registers a handler for state transitions.
func (ch *LiveChannel) OnStateChange(h func(ChannelState)) {
	ch.hmu.Lock()
	ch.onState = h
	ch.hmu.Unlock()
}

// State returns the current connection state.
func (ch *LiveChannel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// RoomID returns the room of the current socket, "" when disconnected.
func (ch *LiveChannel) RoomID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.roomID
}

// Connect opens a socket for roomID. Any previous socket is closed first,
// even when it belongs to the same room. Without a token the channel stays
// disconnected and ErrNoCredential is returned.
func (ch *LiveChannel) Connect(ctx context.Context, roomID string) error {
	ch.fmu.Lock()
	ch.mu.Lock()
	old, oldCancel := ch.detachLocked()
	ch.gen++
	gen := ch.gen
	ch.mu.Unlock()
	ch.fmu.Unlock()
	if old != nil {
		closeSocket(old, oldCancel, "switching room")
		liveChannelOpen.Set(0)
	}

	if ch.endpoint.Token() == "" {
		ch.setState(gen, StateDisconnected, "")
		return ErrNoCredential
	}
	ch.setState(gen, StateConnecting, roomID)

	var opts *websocket.DialOptions
	if ch.config.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: ch.config.HTTPClient}
	}
	conn, _, err := websocket.Dial(ctx, ch.endpoint.RoomSocketURL(roomID), opts)
	if err != nil {
		ch.setState(gen, StateDisconnected, "")
		return fmt.Errorf("websocket dial room %s: %w", roomID, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch.mu.Lock()
	if ch.gen != gen {
		// Superseded while dialing.
		ch.mu.Unlock()
		closeSocket(conn, cancel, "superseded")
		return nil
	}
	ch.conn = conn
	ch.cancel = cancel
	ch.state = StateOpen
	ch.roomID = roomID
	ch.mu.Unlock()

	liveChannelOpen.Set(1)
	ch.log.Debug("live channel open", zap.String("room_id", roomID), zap.Uint64("generation", gen))
	ch.emitState(StateOpen)

	go ch.readLoop(connCtx, conn, gen, roomID)
	if ch.config.HeartbeatInterval > 0 {
		go ch.heartbeatLoop(connCtx, conn, gen)
	}

	ch.hmu.RLock()
	onOpen := ch.onOpen
	ch.hmu.RUnlock()
	if onOpen != nil {
		go safeCall(ch.log, "open handler", func() { onOpen(roomID) })
	}
	return nil
}

// Disconnect closes the current socket, if any.
func (ch *LiveChannel) Disconnect() {
	ch.fmu.Lock()
	ch.mu.Lock()
	old, cancel := ch.detachLocked()
	ch.gen++
	wasOpen := ch.state != StateDisconnected
	ch.state = StateDisconnected
	ch.roomID = ""
	ch.mu.Unlock()
	ch.fmu.Unlock()

	closeSocket(old, cancel, "client disconnect")
	if wasOpen {
		liveChannelOpen.Set(0)
		ch.emitState(StateDisconnected)
	}
}

// SendTyping writes the viewer's typing flag to the open socket.
func (ch *LiveChannel) SendTyping(ctx context.Context, isTyping bool) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(OutboundTyping{Type: EventTyping, IsTyping: isTyping})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ch *LiveChannel) detachLocked() (*websocket.Conn, context.CancelFunc) {
	conn, cancel := ch.conn, ch.cancel
	ch.conn, ch.cancel = nil, nil
	return conn, cancel
}

func closeSocket(conn *websocket.Conn, cancel context.CancelFunc, reason string) {
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}
	if cancel != nil {
		cancel()
	}
}

// setState applies a transition only if gen is still current.
func (ch *LiveChannel) setState(gen uint64, s ChannelState, roomID string) {
	ch.mu.Lock()
	if ch.gen != gen || ch.state == s {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	ch.roomID = roomID
	ch.mu.Unlock()
	ch.emitState(s)
}

func (ch *LiveChannel) current(gen uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.gen == gen
}

func (ch *LiveChannel) emitState(s ChannelState) {
	ch.hmu.RLock()
	h := ch.onState
	ch.hmu.RUnlock()
	if h != nil {
		safeCall(ch.log, "state handler", func() { h(s) })
	}
}

func (ch *LiveChannel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, roomID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			mine := ch.gen == gen
			var cancel context.CancelFunc
			if mine {
				ch.state = StateDisconnected
				ch.roomID = ""
				_, cancel = ch.detachLocked()
				ch.gen++
			}
			ch.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if mine {
				ch.log.Debug("live channel closed", zap.String("room_id", roomID), zap.Error(err))
				liveChannelOpen.Set(0)
				ch.emitState(StateDisconnected)
			}
			return
		}

		ev, err := DecodeEvent(data, roomID)
		if err != nil {
			liveFramesDroppedTotal.WithLabelValues(dropMalformed).Inc()
			ch.log.Warn("malformed live frame", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		if u, ok := ev.(UnknownEvent); ok {
			liveFramesDroppedTotal.WithLabelValues(dropUnknown).Inc()
			ch.log.Debug("ignoring live frame", zap.String("type", u.Type))
			continue
		}
		ch.deliver(gen, ev)
	}
}

// deliver hands ev to the event handler unless gen has been superseded.
func (ch *LiveChannel) deliver(gen uint64, ev Event) bool {
	ch.fmu.RLock()
	defer ch.fmu.RUnlock()
	if !ch.current(gen) {
		liveFramesDroppedTotal.WithLabelValues(dropStale).Inc()
		return false
	}
	ch.hmu.RLock()
	h := ch.onEvent
	ch.hmu.RUnlock()
	if h != nil {
		safeCall(ch.log, "event handler", func() { h(ev) })
	}
	return true
}

func (ch *LiveChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ch.current(gen) {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed; the read loop observes the close.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// safeCall runs a user callback, logging instead of propagating a panic.
func safeCall(log *zap.Logger, what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in "+what, zap.Any("panic", r))
		}
	}()
	f()
}
