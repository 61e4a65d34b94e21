package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Types
// ============================================================================

// EventType names a real-time event, either received from the server or
// raised locally by the channel.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventReconnecting  EventType = "reconnecting"
	EventAuthenticated EventType = "authenticated"
	EventError         EventType = "error"
	EventMessageNew    EventType = "message.new"
	EventTyping        EventType = "typing.indicator"
	EventMessageRead   EventType = "message.read"
	EventPresence      EventType = "presence.changed"
	EventPeerJoined    EventType = "room.peer_joined"
	EventPeerLeft      EventType = "room.peer_left"

	eventPong EventType = "pong"
)

// Client-to-server command types.
const (
	cmdJoinRoom       = "room.join"
	cmdLeaveRoom      = "room.leave"
	cmdSendMessage    = "message.send"
	cmdTypingStart    = "typing.start"
	cmdTypingStop     = "typing.stop"
	cmdMarkRead       = "message.markRead"
	cmdUpdatePresence = "presence.update"
	cmdPing           = "ping"
)

// TypingPayload is sent when a participant starts or stops typing.
type TypingPayload struct {
	ConversationID string      `json:"conversationId"`
	Participant    Participant `json:"participant"`
	IsTyping       bool        `json:"isTyping"`
}

// ReadPayload is sent when a participant reads a message.
type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	ParticipantID  string    `json:"participantId"`
	ReadAt         time.Time `json:"readAt"`
}

// PresencePayload is sent when a participant goes online or offline.
type PresencePayload struct {
	Participant Participant `json:"participant"`
	Online      bool        `json:"online"`
	LastSeen    time.Time   `json:"lastSeen,omitempty"`
}

// RoomPayload is sent when a peer joins or leaves a conversation room.
type RoomPayload struct {
	ConversationID string      `json:"conversationId"`
	Participant    Participant `json:"participant"`
}

type authenticatedPayload struct {
	Identity Identity `json:"identity"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// Event is a decoded real-time event. Exactly one payload pointer is set for
// server events; meta events use the scalar fields.
type Event struct {
	Type     EventType
	Message  *Message
	Typing   *TypingPayload
	Read     *ReadPayload
	Presence *PresencePayload
	Room     *RoomPayload
	Identity *Identity

	// Reconnect is set on a connected event that follows a dropped link.
	Reconnect bool
	// Final is set on a disconnected event after which no retry follows.
	Final   bool
	Attempt int
	Delay   time.Duration
	Reason  string
}

// EventHandler receives events in arrival order on the channel's read
// goroutine.
type EventHandler func(Event)

// Envelope is the wire format for all real-time frames.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// DefaultMaxReconnectAttempts is used when RealtimeConfig leaves the limit
// unset.
const DefaultMaxReconnectAttempts = 10

// RealtimeConfig configures real-time channels.
type RealtimeConfig struct {
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
}

// ConnState represents the channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector yields exponentially growing, capped delays for a bounded
// number of attempts. A link that stayed up for stableAfter resets the count.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
	stableAfter time.Duration
	jitter      func(base time.Duration) time.Duration
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		stableAfter: 60 * time.Second,
		jitter: func(base time.Duration) time.Duration {
			return time.Duration(rand.Float64() * float64(base) * 0.5)
		},
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(r.jitter(r.baseDelay)),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Channel
// ============================================================================

// Channel is a WebSocket link bound to one identity kind, with automatic
// bounded reconnect and heartbeat.
type Channel struct {
	url     string
	kind    IdentityKind
	config  *RealtimeConfig
	handler EventHandler
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	closed           chan struct{}
	cancelFn         context.CancelFunc
	recon            *reconnector

	counter      atomic.Uint64
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

var _ Transport = (*Channel)(nil)

// ChannelURL builds the WebSocket URL for an identity kind from an HTTP base.
func ChannelURL(baseURL string, kind IdentityKind, token string) string {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	q := url.Values{"identity": {kind.String()}}
	if token != "" {
		q.Set("token", token)
	}
	return strings.TrimRight(wsURL, "/") + "/ws?" + q.Encode()
}

// NewChannel creates a channel. Call Connect to establish the link.
func NewChannel(baseURL string, kind IdentityKind, token string, handler EventHandler, config *RealtimeConfig) *Channel {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if handler == nil {
		handler = func(Event) {}
	}
	return &Channel{
		url:          ChannelURL(baseURL, kind, token),
		kind:         kind,
		config:       &cfg,
		handler:      handler,
		log:          cfg.Logger.With().Str("component", "channel").Stringer("kind", kind).Logger(),
		state:        StateDisconnected,
		closed:       make(chan struct{}),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan struct{}),
	}
}

// Kind returns the identity kind the channel is bound to.
func (c *Channel) Kind() IdentityKind {
	return c.kind
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Connect establishes the WebSocket link. ctx bounds the dial only; the link
// lives until Disconnect.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.intentionalClose {
		c.closed = make(chan struct{})
	}
	c.intentionalClose = false
	c.mu.Unlock()

	c.recon.reset()
	return c.dial(ctx, false)
}

func (c *Channel) dial(ctx context.Context, reconnect bool) error {
	c.setState(StateConnecting)

	var opts *websocket.DialOptions
	if c.config.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: c.config.HTTPClient}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != string(EventAuthenticated) {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	c.conn = conn
	c.state = StateConnected
	c.cancelFn = cancel
	c.recon.markConnected()
	c.mu.Unlock()

	c.log.Info().Bool("reconnect", reconnect).Msg("channel connected")
	c.dispatch(env)
	c.emit(Event{Type: EventConnected, Reconnect: reconnect})

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)
	return nil
}

// Disconnect closes the link and stops any pending reconnect.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if !c.intentionalClose {
		c.intentionalClose = true
		close(c.closed)
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.clearPendingPings()
	c.emit(Event{Type: EventDisconnected, Final: true, Reason: "client disconnect"})

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Commands ─────────────────────────────────────────────

func (c *Channel) JoinRoom(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &Command{Type: cmdJoinRoom, Payload: map[string]string{"conversationId": conversationID}})
}

func (c *Channel) LeaveRoom(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &Command{Type: cmdLeaveRoom, Payload: map[string]string{"conversationId": conversationID}})
}

func (c *Channel) SendMessage(ctx context.Context, conversationID, content string) error {
	return c.Send(ctx, &Command{
		Type: cmdSendMessage,
		Payload: map[string]string{
			"conversationId": conversationID,
			"content":        content,
		},
		RequestID: c.nextRequestID("msg"),
	})
}

func (c *Channel) StartTyping(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &Command{Type: cmdTypingStart, Payload: map[string]string{"conversationId": conversationID}})
}

func (c *Channel) StopTyping(ctx context.Context, conversationID string) error {
	return c.Send(ctx, &Command{Type: cmdTypingStop, Payload: map[string]string{"conversationId": conversationID}})
}

func (c *Channel) MarkRead(ctx context.Context, conversationID, messageID string) error {
	return c.Send(ctx, &Command{
		Type:    cmdMarkRead,
		Payload: map[string]string{"conversationId": conversationID, "messageId": messageID},
	})
}

func (c *Channel) UpdatePresence(ctx context.Context, status string) error {
	return c.Send(ctx, &Command{Type: cmdUpdatePresence, Payload: map[string]string{"status": status}})
}

// Send writes a raw command.
func (c *Channel) Send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (c *Channel) Ping(ctx context.Context) error {
	requestID := c.nextRequestID("ping")
	ch := make(chan struct{}, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}

	if err := c.Send(ctx, &Command{Type: cmdPing, Payload: map[string]string{"requestId": requestID}, RequestID: requestID}); err != nil {
		forget()
		return err
	}

	timer := time.NewTimer(c.config.PingTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		forget()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// ── Loops ────────────────────────────────────────────────

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if c.conn == conn {
				c.conn = nil
				c.state = StateDisconnected
			}
			if c.cancelFn != nil {
				c.cancelFn()
				c.cancelFn = nil
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			c.log.Warn().Err(err).Msg("channel dropped")
			retry := !c.config.DisableReconnect && c.recon.shouldReconnect()
			c.emit(Event{Type: EventDisconnected, Reason: err.Error(), Final: !retry})
			if retry {
				c.reconnectLoop()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			c.log.Debug().Int("bytes", len(data)).Msg("dropping undecodable frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			if err := c.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("heartbeat failed")
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (c *Channel) reconnectLoop() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.emit(Event{Type: EventReconnecting, Attempt: c.recon.attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ReconnectMaxDelay)
		err := c.dial(ctx, true)
		cancel()
		if err == nil {
			return
		}
		c.log.Warn().Err(err).Int("attempt", c.recon.attempt).Msg("reconnect failed")
	}

	c.setState(StateDisconnected)
	c.log.Error().Int("attempts", c.recon.attempt).Msg("giving up reconnecting")
	c.emit(Event{Type: EventDisconnected, Final: true, Reason: "reconnect attempts exhausted"})
}

// ── Dispatch ─────────────────────────────────────────────

func (c *Channel) dispatch(env Envelope) {
	ev := Event{Type: EventType(env.Type)}
	var err error
	switch ev.Type {
	case EventAuthenticated:
		var p authenticatedPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil && p.Identity.ID != "" {
			ev.Identity = &p.Identity
		}
	case EventMessageNew:
		ev.Message = &Message{}
		err = json.Unmarshal(env.Payload, ev.Message)
	case EventTyping:
		ev.Typing = &TypingPayload{}
		err = json.Unmarshal(env.Payload, ev.Typing)
	case EventMessageRead:
		ev.Read = &ReadPayload{}
		err = json.Unmarshal(env.Payload, ev.Read)
	case EventPresence:
		ev.Presence = &PresencePayload{}
		err = json.Unmarshal(env.Payload, ev.Presence)
	case EventPeerJoined, EventPeerLeft:
		ev.Room = &RoomPayload{}
		err = json.Unmarshal(env.Payload, ev.Room)
	case EventError:
		var p errorPayload
		if err = json.Unmarshal(env.Payload, &p); err == nil {
			ev.Reason = p.Message
		}
	case eventPong:
		var p pongPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			c.resolvePing(p.RequestID)
		}
		c.resolvePing(env.RequestID)
		return
	default:
		c.log.Debug().Str("type", env.Type).Msg("ignoring unknown event")
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("type", env.Type).Msg("bad event payload")
		return
	}
	c.emit(ev)
}

func (c *Channel) emit(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("type", string(ev.Type)).Msg("event handler panicked")
		}
	}()
	c.handler(ev)
}

func (c *Channel) resolvePing(requestID string) {
	if requestID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pendingPings[requestID]
	if ok {
		delete(c.pendingPings, requestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (c *Channel) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}

func (c *Channel) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) nextRequestID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.counter.Add(1))
}
