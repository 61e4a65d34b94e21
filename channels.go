package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Transport is a duplex real-time link bound to one identity kind.
type Transport interface {
	Connected() bool
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID, content string) error
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID, messageID string) error
	UpdatePresence(ctx context.Context, status string) error
	Disconnect() error
}

// Dialer opens a Transport for kind. handler must receive every event the
// transport produces, in order.
type Dialer func(ctx context.Context, kind IdentityKind, token string, handler EventHandler) (Transport, error)

// WebSocketDialer returns a Dialer that opens a Channel against baseURL.
func WebSocketDialer(baseURL string, config *RealtimeConfig) Dialer {
	return func(ctx context.Context, kind IdentityKind, token string, handler EventHandler) (Transport, error) {
		ch := NewChannel(baseURL, kind, token, handler, config)
		if err := ch.Connect(ctx); err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// KindEventHandler receives events tagged with the kind of channel they came
// from.
type KindEventHandler func(kind IdentityKind, ev Event)

// ChannelManager keeps one transport per identity kind and the rooms each
// one has joined.
type ChannelManager struct {
	dial Dialer
	sink KindEventHandler
	log  zerolog.Logger

	mu         sync.Mutex
	identities map[IdentityKind]Identity
	transports map[IdentityKind]Transport
	rooms      map[IdentityKind]map[string]struct{}
	// gen drops late events from a replaced transport.
	gen map[IdentityKind]uint64
}

func NewChannelManager(dial Dialer, sink KindEventHandler, log zerolog.Logger) *ChannelManager {
	if sink == nil {
		sink = func(IdentityKind, Event) {}
	}
	return &ChannelManager{
		dial:       dial,
		sink:       sink,
		log:        log.With().Str("component", "channels").Logger(),
		identities: make(map[IdentityKind]Identity),
		transports: make(map[IdentityKind]Transport),
		rooms:      make(map[IdentityKind]map[string]struct{}),
		gen:        make(map[IdentityKind]uint64),
	}
}

// Bind records the identity a channel of id.Kind acts as.
func (m *ChannelManager) Bind(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.identities[id.Kind]; ok && prev.ID != id.ID {
		m.rooms[id.Kind] = nil
	}
	m.identities[id.Kind] = id
}

// Unbind forgets the identity for kind and closes its channel.
func (m *ChannelManager) Unbind(kind IdentityKind) {
	m.mu.Lock()
	delete(m.identities, kind)
	m.mu.Unlock()
	m.Disconnect(kind)
}

// Identity returns the identity bound to kind.
func (m *ChannelManager) Identity(kind IdentityKind) (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[kind]
	return id, ok
}

// Connect opens the channel for kind, replacing any existing one.
func (m *ChannelManager) Connect(ctx context.Context, kind IdentityKind, token string) error {
	if m.dial == nil {
		return fmt.Errorf("connect %s: no dialer configured", kind)
	}
	if _, ok := m.Identity(kind); !ok {
		return fmt.Errorf("connect %s: %w", kind, ErrNoIdentity)
	}
	m.Disconnect(kind)

	m.mu.Lock()
	m.gen[kind]++
	gen := m.gen[kind]
	m.mu.Unlock()

	t, err := m.dial(ctx, kind, token, func(ev Event) { m.route(kind, gen, ev) })
	if err != nil {
		m.log.Warn().Err(err).Stringer("kind", kind).Msg("channel connect failed")
		return fmt.Errorf("connect %s: %w", kind, err)
	}

	m.mu.Lock()
	if m.gen[kind] != gen {
		m.mu.Unlock()
		_ = t.Disconnect()
		return fmt.Errorf("connect %s: superseded by a newer connect", kind)
	}
	m.transports[kind] = t
	m.rooms[kind] = make(map[string]struct{})
	m.mu.Unlock()
	m.log.Info().Stringer("kind", kind).Msg("channel ready")
	return nil
}

// Disconnect closes the channel for kind, if any.
func (m *ChannelManager) Disconnect(kind IdentityKind) {
	m.mu.Lock()
	t := m.transports[kind]
	delete(m.transports, kind)
	delete(m.rooms, kind)
	m.mu.Unlock()

	if t != nil {
		if err := t.Disconnect(); err != nil {
			m.log.Debug().Err(err).Stringer("kind", kind).Msg("disconnect")
		}
	}
}

func (m *ChannelManager) DisconnectAll() {
	for _, kind := range Kinds {
		m.Disconnect(kind)
	}
}

// Transport returns the channel for kind, connected or not.
func (m *ChannelManager) Transport(kind IdentityKind) (Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transports[kind]
	return t, ok
}

// Connected reports whether the channel for kind is up.
func (m *ChannelManager) Connected(kind IdentityKind) bool {
	t, ok := m.Transport(kind)
	return ok && t.Connected()
}

// JoinConversationRooms joins conv's room on every channel whose bound
// identity is one of conv's participants.
func (m *ChannelManager) JoinConversationRooms(ctx context.Context, conv *Conversation) {
	for _, kind := range Kinds {
		m.mu.Lock()
		id, bound := m.identities[kind]
		t := m.transports[kind]
		rooms := m.rooms[kind]
		_, joined := rooms[conv.ID]
		m.mu.Unlock()

		if !bound || t == nil || joined || !conv.Has(id.Participant()) {
			continue
		}
		if !t.Connected() {
			// Joined on the next connected event.
			m.trackRoom(kind, t, conv.ID)
			continue
		}
		if err := t.JoinRoom(ctx, conv.ID); err != nil {
			m.log.Warn().Err(err).Stringer("kind", kind).Str("conversation", conv.ID).Msg("join room failed")
			continue
		}
		m.trackRoom(kind, t, conv.ID)
	}
}

// LeaveConversationRooms leaves conversationID's room on every channel.
func (m *ChannelManager) LeaveConversationRooms(ctx context.Context, conversationID string) {
	for _, kind := range Kinds {
		m.mu.Lock()
		t := m.transports[kind]
		_, joined := m.rooms[kind][conversationID]
		delete(m.rooms[kind], conversationID)
		m.mu.Unlock()

		if t == nil || !joined || !t.Connected() {
			continue
		}
		if err := t.LeaveRoom(ctx, conversationID); err != nil {
			m.log.Debug().Err(err).Stringer("kind", kind).Str("conversation", conversationID).Msg("leave room failed")
		}
	}
}

// Rooms returns the conversation ids tracked for kind.
func (m *ChannelManager) Rooms(kind IdentityKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms[kind]))
	for id := range m.rooms[kind] {
		ids = append(ids, id)
	}
	return ids
}

func (m *ChannelManager) trackRoom(kind IdentityKind, t Transport, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transports[kind] != t {
		return
	}
	if m.rooms[kind] == nil {
		m.rooms[kind] = make(map[string]struct{})
	}
	m.rooms[kind][conversationID] = struct{}{}
}

func (m *ChannelManager) route(kind IdentityKind, gen uint64, ev Event) {
	m.mu.Lock()
	current := m.gen[kind] == gen
	m.mu.Unlock()
	if !current {
		return
	}
	if ev.Type == EventConnected && ev.Reconnect {
		m.rejoin(kind)
	}
	m.sink(kind, ev)
}

func (m *ChannelManager) rejoin(kind IdentityKind) {
	m.mu.Lock()
	t := m.transports[kind]
	if t == nil {
		m.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(m.rooms[kind]))
	for id := range m.rooms[kind] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		if err := t.JoinRoom(ctx, id); err != nil {
			m.log.Warn().Err(err).Stringer("kind", kind).Str("conversation", id).Msg("rejoin room failed")
		}
	}
	m.log.Info().Stringer("kind", kind).Int("rooms", len(ids)).Msg("rejoined rooms")
}
