// Package chatsync is the client-side chat synchronization engine for the
// PharmaShift marketplace: rooms, paginated message buffers, typing
// indicators and participant resolution kept in sync with the REST backend
// and the per-room live event socket.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.pharmashift.example"))
//	engine := chatsync.NewEngine(client, chatsync.WithNotifier(toasts))
//	defer engine.Dispose()
//
//	engine.Start(ctx)
//	engine.SelectRoom(ctx, "42")
//	engine.Composer().SetBody("Shift still open?")
//	engine.Send(ctx)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://api.pharmashift.app"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the chat REST backend.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	mediaURL   string
	wsURL      string
	httpClient *http.Client
	breaker    gobreaker.Settings
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMediaURL sets the origin used to absolutize relative attachment paths.
// Defaults to the base URL.
func WithMediaURL(u string) ClientOption {
	return func(c *Client) { c.mediaURL = strings.TrimRight(u, "/") }
}

// WithWSURL overrides the websocket origin. Defaults to the base URL with
// the scheme switched to ws/wss.
func WithWSURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithBreaker replaces the circuit breaker settings guarding the transport.
func WithBreaker(st gobreaker.Settings) ClientOption {
	return func(c *Client) { c.breaker = st }
}

// NewClient creates a backend client. token may be "" and set later.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
		breaker: gobreaker.Settings{
			Name:        "chat-backend",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	st := c.breaker
	log := c.log
	prev := st.OnStateChange
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		if prev != nil {
			prev(name, from, to)
		}
	}
	hc := *c.httpClient
	hc.Transport = breakerTransport{
		next: c.httpClient.Transport,
		cb:   gobreaker.NewCircuitBreaker(st),
	}
	c.httpClient = &hc
	return c
}

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RoomSocketURL returns the live event endpoint for a room.
func (c *Client) RoomSocketURL(roomID string) string {
	base := c.wsURL
	if base == "" {
		base = strings.Replace(c.baseURL, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
	}
	u := base + "/ws/chat/rooms/" + url.PathEscape(roomID) + "/"
	if tok := c.Token(); tok != "" {
		u += "?token=" + url.QueryEscape(tok)
	}
	return u
}

// AbsoluteURL resolves a relative media path against the media origin.
// Absolute URLs are returned unchanged.
func (c *Client) AbsoluteURL(p string) string {
	if p == "" || strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	base := c.mediaURL
	if base == "" {
		base = c.baseURL
	}
	bu, err := url.Parse(base + "/")
	if err != nil {
		return p
	}
	ref, err := url.Parse(p)
	if err != nil {
		return p
	}
	return bu.ResolveReference(ref).String()
}

// ============================================================================
// Transport
// ============================================================================

// breakerTransport counts transport failures and 5xx responses against the
// circuit breaker. 5xx bodies are decoded into *APIError.
type breakerTransport struct {
	next http.RoundTripper
	cb   *gobreaker.CircuitBreaker
}

func (rt breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := rt.next
	if next == nil {
		next = http.DefaultTransport
	}
	res, err := rt.cb.Execute(func() (interface{}, error) {
		resp, err := next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, newAPIError(resp.StatusCode, body)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if len(body) > 0 && json.Unmarshal(body, e) == nil && (e.Message != "" || e.Code != "") {
		return e
	}
	e.Message = strings.TrimSpace(string(body))
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = c.baseURL + path
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func roomPath(roomID string, suffix string) string {
	return "/api/chat/rooms/" + url.PathEscape(roomID) + "/" + suffix
}

func messagePath(messageID string, suffix string) string {
	return "/api/chat/messages/" + url.PathEscape(messageID) + "/" + suffix
}

// ============================================================================
// Rooms
// ============================================================================

// FetchRooms returns every room visible to the viewer.
func (c *Client) FetchRooms(ctx context.Context) ([]*Room, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/", nil)
	if err != nil {
		return nil, err
	}
	wire, err := decodeList[wireRoom](data)
	if err != nil {
		return nil, err
	}
	rooms := make([]*Room, 0, len(wire))
	for i := range wire {
		rooms = append(rooms, wire[i].toRoom())
	}
	return rooms, nil
}

// FetchRoom returns a single room.
func (c *Client) FetchRoom(ctx context.Context, roomID string) (*Room, error) {
	data, err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, ""), nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[wireRoom](data)
	if err != nil {
		return nil, err
	}
	return w.toRoom(), nil
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, roomPath(roomID, ""), nil)
	return err
}

// MarkRoomRead marks the room read and returns the server's read timestamp.
func (c *Client) MarkRoomRead(ctx context.Context, roomID string) (time.Time, error) {
	data, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "read/"), nil)
	if err != nil {
		return time.Time{}, err
	}
	res, err := decodeJSON[struct {
		LastReadAt *time.Time `json:"last_read_at"`
	}](data)
	if err != nil {
		return time.Time{}, err
	}
	if res.LastReadAt == nil {
		return time.Now().UTC(), nil
	}
	return *res.LastReadAt, nil
}

// PinTarget selects what TogglePin acts on.
type PinTarget string

const (
	PinConversation PinTarget = "conversation"
	PinMessage      PinTarget = "message"
)

// PinResult corroborates a pin toggle.
type PinResult struct {
	IsPinned        bool
	PinnedMessageID string
}

func (c *Client) TogglePin(ctx context.Context, roomID string, target PinTarget, messageID string) (*PinResult, error) {
	payload := map[string]interface{}{"target": target}
	if messageID != "" {
		payload["message_id"] = messageID
	}
	data, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "toggle-pin/"), payload)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		IsPinned      bool         `json:"is_pinned"`
		PinnedMessage *wireMessage `json:"pinned_message"`
	}](data)
	if err != nil {
		return nil, err
	}
	out := &PinResult{IsPinned: res.IsPinned}
	if res.PinnedMessage != nil {
		out.PinnedMessageID = string(res.PinnedMessage.ID)
	}
	return out, nil
}

// ============================================================================
// Messages
// ============================================================================

// FetchRoomMessages returns the newest page of a room's history, newest-first.
func (c *Client) FetchRoomMessages(ctx context.Context, roomID string) (*Page, error) {
	return c.fetchPage(ctx, roomPath(roomID, "messages/"))
}

// FetchRoomMessagesByCursor follows an opaque continuation cursor.
func (c *Client) FetchRoomMessagesByCursor(ctx context.Context, cursor string) (*Page, error) {
	return c.fetchPage(ctx, cursor)
}

func (c *Client) fetchPage(ctx context.Context, path string) (*Page, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	w, err := decodeJSON[wirePage](data)
	if err != nil {
		return nil, err
	}
	return w.toPage(), nil
}

// OutgoingMessage is the body of a send. At least one field must be set.
type OutgoingMessage struct {
	Body       string `json:"body,omitempty"`
	Attachment string `json:"attachment,omitempty"`
}

// SendRoomMessage posts a message. The created message is observed through
// the live channel, not from this response.
func (c *Client) SendRoomMessage(ctx context.Context, roomID string, msg OutgoingMessage) error {
	if msg.Body == "" && msg.Attachment == "" {
		return ErrEmptyMessage
	}
	_, err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "messages/"), msg)
	return err
}

func (c *Client) UpdateMessage(ctx context.Context, messageID, body string) error {
	_, err := c.doRequest(ctx, http.MethodPatch, messagePath(messageID, ""), map[string]string{"body": body})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, messagePath(messageID, ""), nil)
	return err
}

func (c *Client) ReactToMessage(ctx context.Context, messageID, emoji string) error {
	_, err := c.doRequest(ctx, http.MethodPost, messagePath(messageID, "react/"), map[string]string{"emoji": emoji})
	return err
}

// ============================================================================
// Members
// ============================================================================

// FetchParticipants returns the global chat participant directory.
func (c *Client) FetchParticipants(ctx context.Context) (map[string]Identity, error) {
	return c.fetchMembers(ctx, "/api/chat/participants/")
}

// FetchPharmacyMembers returns the members of one pharmacy.
func (c *Client) FetchPharmacyMembers(ctx context.Context, pharmacyID string) (map[string]Identity, error) {
	return c.fetchMembers(ctx, "/api/chat/pharmacies/"+url.PathEscape(pharmacyID)+"/members/")
}

func (c *Client) fetchMembers(ctx context.Context, path string) (map[string]Identity, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeList[wireMember](data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Identity, len(list))
	for _, m := range list {
		if m.MembershipID != "" {
			out[string(m.MembershipID)] = m.Identity
		}
	}
	return out, nil
}
