package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

const (
	DefaultReconcileWindow = 5 * time.Second
	DefaultPageSize        = defaultPageSize

	// countedPerConversation bounds the counted-message memory of one
	// conversation. Duplicate deliveries arrive close together, so only the
	// most recent entries matter.
	countedPerConversation = 512
)

// EngineOptions tunes an Engine. Zero fields take defaults.
type EngineOptions struct {
	// TypingWindow is the inactivity after which local typing stops.
	TypingWindow time.Duration
	// RemoteTypingTimeout expires a peer's typing state when no stop arrives.
	RemoteTypingTimeout time.Duration
	// ReconcileWindow bounds the CreatedAt distance between a temp message
	// and the server copy that replaces it.
	ReconcileWindow time.Duration
	RequestTimeout  time.Duration
	PageSize        int
	ParticipantTTL  time.Duration
	Logger          zerolog.Logger
	Now             func() time.Time
}

func (o *EngineOptions) defaults() {
	if o.TypingWindow == 0 {
		o.TypingWindow = DefaultTypingWindow
	}
	if o.RemoteTypingTimeout == 0 {
		o.RemoteTypingTimeout = DefaultRemoteTypingTimeout
	}
	if o.ReconcileWindow == 0 {
		o.ReconcileWindow = DefaultReconcileWindow
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultTimeout
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.ParticipantTTL == 0 {
		o.ParticipantTTL = DefaultParticipantTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the collaborators an Engine talks to.
type Deps struct {
	Conversations ConversationAPI
	Messages      MessageAPI
	Resolver      ParticipantResolver
	// Overlay defaults to an in-memory one.
	Overlay *Overlay
	// Dialer opens real-time channels. Without one Connect fails and sends
	// go over REST.
	Dialer Dialer
}

// Presence is the last known online state of a participant.
type Presence struct {
	Online   bool
	LastSeen time.Time
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps the local view of conversations and messages in sync with the
// REST API and the real-time channels of both identities. It is safe for
// concurrent use.
type Engine struct {
	convAPI       ConversationAPI
	msgAPI        MessageAPI
	overlay       *Overlay
	participants  *ParticipantCache
	channels      *ChannelManager
	conversations *ConversationStore
	messages      *MessageStore
	typing        *TypingTracker
	creates       *coalescer[*Conversation]
	events        *changeEmitter

	opts   EngineOptions
	log    zerolog.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	session  SessionContext
	open     string
	presence map[string]Presence
	// hidden holds the participants of hidden conversations so their rooms
	// stay joined and an inbound message can unhide them.
	hidden map[string]*Conversation

	// counted holds "messageID:identityID" pairs already added to an unread
	// counter, per conversation.
	countedMu    sync.Mutex
	counted      map[string]*countedSet
	countedLimit int
}

// countedSet remembers the most recent keys, dropping the oldest past limit.
type countedSet struct {
	seen  map[string]struct{}
	order []string
}

func (c *countedSet) add(key string, limit int) bool {
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	for len(c.order) > limit {
		delete(c.seen, c.order[0])
		c.order = c.order[1:]
	}
	return true
}

func NewEngine(deps Deps, opts *EngineOptions) (*Engine, error) {
	if deps.Conversations == nil || deps.Messages == nil {
		return nil, errors.New("engine: conversation and message APIs are required")
	}
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	log := o.Logger.With().Str("component", "engine").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	overlay := deps.Overlay
	if overlay == nil {
		var err error
		if overlay, err = LoadOverlay(ctx, NewMemoryOverlayPort(), o.Logger); err != nil {
			cancel()
			return nil, err
		}
	}

	e := &Engine{
		convAPI:       deps.Conversations,
		msgAPI:        deps.Messages,
		overlay:       overlay,
		participants:  NewParticipantCache(ctx, deps.Resolver, o.ParticipantTTL, o.Logger),
		conversations: NewConversationStore(),
		messages:      NewMessageStore(),
		creates:       newCoalescer[*Conversation](),
		events:        newChangeEmitter(log),
		opts:          o,
		log:           log,
		cancel:        cancel,
		presence:      make(map[string]Presence),
		hidden:        make(map[string]*Conversation),
		counted:       make(map[string]*countedSet),
		countedLimit:  countedPerConversation,
	}
	e.channels = NewChannelManager(deps.Dialer, e.handleEvent, o.Logger)
	e.typing = NewTypingTracker(o.TypingWindow, o.RemoteTypingTimeout, e.sendTyping, func(id string) {
		e.events.emit(Change{Topic: TopicTyping, ConversationID: id})
	}, o.Logger)
	return e, nil
}

// On registers handler for topic. Handlers run on the goroutine that caused
// the change and must not block.
func (e *Engine) On(topic Topic, handler ChangeHandler) {
	e.events.On(topic, handler)
}

// Close disconnects every channel and stops background timers.
func (e *Engine) Close() {
	e.channels.DisconnectAll()
	e.typing.Close()
	e.events.removeAll()
	e.cancel()
}

func (e *Engine) now() time.Time {
	return e.opts.Now()
}

func (e *Engine) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.RequestTimeout)
}

// ── Session ──────────────────────────────────────────────

// Bind installs the principal's identities and binds each to its channel
// kind. A kind left empty is unbound and its channel closed.
func (e *Engine) Bind(session SessionContext) {
	e.mu.Lock()
	e.session = session
	e.mu.Unlock()

	for _, kind := range Kinds {
		if id, ok := session.Identity(kind); ok {
			e.channels.Bind(id)
		} else {
			e.channels.Unbind(kind)
		}
	}
	e.log.Info().Bool("personal", session.Personal != nil).Bool("company", session.Company != nil).
		Stringer("active", session.Active).Msg("session bound")
}

// SetActiveIdentity switches which identity the principal acts as.
func (e *Engine) SetActiveIdentity(kind IdentityKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.session.Identity(kind); !ok {
		return fmt.Errorf("activate %s: %w", kind, ErrNoIdentity)
	}
	e.session.Active = kind
	return nil
}

func (e *Engine) Session() SessionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) activeSelf() (Identity, error) {
	id, ok := e.Session().ActiveIdentity()
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func (e *Engine) selfIn(conv *Conversation) (Identity, error) {
	id, ok := e.Session().SelfIn(conv)
	if !ok {
		return Identity{}, fmt.Errorf("conversation %s: %w", conv.ID, ErrNotParticipant)
	}
	return id, nil
}

// ── Channels ─────────────────────────────────────────────

// Connect opens the real-time channel for kind and joins the room of every
// known conversation its identity takes part in, hidden ones included.
func (e *Engine) Connect(ctx context.Context, kind IdentityKind, token string) error {
	if err := e.channels.Connect(ctx, kind, token); err != nil {
		return err
	}
	for _, conv := range e.conversations.List(nil) {
		e.channels.JoinConversationRooms(ctx, conv)
	}
	for _, conv := range e.hiddenConversations() {
		e.channels.JoinConversationRooms(ctx, conv)
	}
	return nil
}

func (e *Engine) Disconnect(kind IdentityKind) {
	e.channels.Disconnect(kind)
}

// Connected reports whether the channel for kind is up.
func (e *Engine) Connected(kind IdentityKind) bool {
	return e.channels.Connected(kind)
}

// Rooms returns the conversation rooms joined on kind's channel.
func (e *Engine) Rooms(kind IdentityKind) []string {
	return e.channels.Rooms(kind)
}

// ============================================================================
// Conversations
// ============================================================================

// LoadConversations fetches every page of the active identity's
// conversations and merges them into the store. Nothing is merged if any
// page fails.
func (e *Engine) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	self, err := e.activeSelf()
	if err != nil {
		return nil, err
	}

	var fetched []*Conversation
	for page := 1; ; page++ {
		rctx, cancel := e.requestContext(ctx)
		convs, more, err := e.convAPI.List(rctx, self, PageOptions{Page: page, Limit: e.opts.PageSize})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		fetched = append(fetched, convs...)
		if !more || len(convs) < e.opts.PageSize {
			break
		}
	}

	for _, conv := range fetched {
		if conv == nil {
			continue
		}
		viewer := self
		if !conv.Has(self.Participant()) {
			if viewer, err = e.selfIn(conv); err != nil {
				e.log.Warn().Str("conversation", conv.ID).Msg("listed conversation has no owned participant")
				continue
			}
		}
		e.decorate(ctx, conv, viewer)
	}

	merged := e.conversations.Merge(fetched, e.overlay.IsHidden)
	for _, conv := range merged {
		e.channels.JoinConversationRooms(ctx, conv)
	}
	hidden := 0
	for _, conv := range fetched {
		if conv != nil && e.overlay.IsHidden(conv.ID) {
			e.trackHidden(conv)
			e.channels.JoinConversationRooms(ctx, conv)
			hidden++
		}
	}
	e.log.Debug().Int("fetched", len(fetched)).Int("merged", len(merged)).Int("hidden", hidden).Msg("conversations loaded")
	e.events.emit(Change{Topic: TopicConversations})
	return e.Conversations(), nil
}

// decorate fills conv.OtherParticipant as seen by self.
func (e *Engine) decorate(ctx context.Context, conv *Conversation, self Identity) {
	other, ok := conv.Other(self)
	if !ok {
		return
	}
	if conv.ParticipantDeleted(other) {
		conv.OtherParticipant = DeletedPlaceholder(other)
		return
	}
	conv.OtherParticipant = e.participants.Lookup(ctx, other)
}

// Conversations returns the visible conversations, most recent first. A last
// message at or before the conversation's cleared stamp is omitted.
func (e *Engine) Conversations() []*Conversation {
	convs := e.conversations.List(func(c *Conversation) bool {
		return !e.overlay.IsHidden(c.ID)
	})
	for _, c := range convs {
		e.applyCleared(c)
	}
	return convs
}

// Conversation returns one visible conversation.
func (e *Engine) Conversation(id string) (*Conversation, bool) {
	if e.overlay.IsHidden(id) {
		return nil, false
	}
	c, ok := e.conversations.Get(id)
	if !ok {
		return nil, false
	}
	e.applyCleared(c)
	return c, true
}

func (e *Engine) applyCleared(c *Conversation) {
	if c.LastMessage != nil && !e.overlay.Visible(c.LastMessage) {
		c.LastMessage = nil
	}
}

// Snapshot encodes the conversation store, hidden entries included.
func (e *Engine) Snapshot() ([]byte, error) {
	return e.conversations.Snapshot()
}

// CreateOrGetConversation returns the conversation between the active
// identity and the given participant, creating it on the server if needed.
// Concurrent calls for the same participant share one request.
func (e *Engine) CreateOrGetConversation(ctx context.Context, participantID string, kind IdentityKind) (*Conversation, error) {
	self, err := e.activeSelf()
	if err != nil {
		return nil, err
	}
	other := Participant{ID: participantID, Kind: kind}

	conv, shared, err := e.creates.Do(ctx, other.key(), func() (*Conversation, error) {
		rctx, cancel := e.requestContext(ctx)
		defer cancel()

		conv, err := e.convAPI.CreateOrGet(rctx, self, other)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		e.decorate(rctx, conv, self)

		if unhidden, err := e.overlay.Unhide(ctx, conv.ID); err != nil {
			e.log.Warn().Err(err).Str("conversation", conv.ID).Msg("unhide failed")
		} else if unhidden {
			e.untrackHidden(conv.ID)
			e.log.Info().Str("conversation", conv.ID).Msg("conversation unhidden by re-contact")
		}

		for _, merged := range e.conversations.Merge([]*Conversation{conv}, nil) {
			e.channels.JoinConversationRooms(ctx, merged)
		}
		e.events.emit(Change{Topic: TopicConversations, ConversationID: conv.ID})

		stored, ok := e.conversations.Get(conv.ID)
		if !ok {
			return conv, nil
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.log.Debug().Str("participant", other.key()).Msg("joined in-flight create")
	}
	return conv.clone(), nil
}

// OpenConversation marks conversationID as the one on screen and loads its
// history.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	e.mu.Lock()
	e.open = conversationID
	e.mu.Unlock()
	return e.LoadMessages(ctx, conversationID)
}

// CloseConversation clears the on-screen conversation and stops local
// typing in it.
func (e *Engine) CloseConversation(ctx context.Context) {
	e.mu.Lock()
	id := e.open
	e.open = ""
	e.mu.Unlock()
	if id != "" {
		if err := e.typing.StopTyping(ctx, id); err != nil {
			e.log.Debug().Err(err).Str("conversation", id).Msg("typing stop not sent")
		}
	}
}

// OpenConversationID returns the conversation on screen, if any.
func (e *Engine) OpenConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func (e *Engine) clearOpen(conversationID string) {
	e.mu.Lock()
	if e.open == conversationID {
		e.open = ""
	}
	e.mu.Unlock()
}

// Delete removes a conversation. When the other participant's account is
// gone the conversation is deleted on the server and purged locally.
// Otherwise it is only hidden and its history cleared on this client.
func (e *Engine) Delete(ctx context.Context, conversationID string) error {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		if e.overlay.IsHidden(conversationID) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", conversationID, ErrUnknownConversation)
	}
	self, err := e.selfIn(conv)
	if err != nil {
		return err
	}
	log := e.log.With().Str("conversation", conversationID).Logger()

	if e.otherDeleted(conv, self) {
		rctx, cancel := e.requestContext(ctx)
		err := e.convAPI.Delete(rctx, self, conversationID)
		cancel()
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		e.purge(conversationID)
		e.untrackHidden(conversationID)
		e.channels.LeaveConversationRooms(ctx, conversationID)
		if err := e.overlay.Forget(ctx, conversationID); err != nil {
			log.Warn().Err(err).Msg("overlay cleanup failed")
		}
		if other, ok := conv.Other(self); ok {
			e.participants.Forget(other)
		}
		log.Info().Msg("conversation hard-deleted")
	} else {
		if err := e.overlay.Hide(ctx, conversationID, e.now()); err != nil {
			return err
		}
		e.trackHidden(conv)
		e.purge(conversationID)
		log.Info().Msg("conversation hidden")
	}

	e.events.emit(Change{Topic: TopicConversations, ConversationID: conversationID})
	e.events.emit(Change{Topic: TopicMessages, ConversationID: conversationID})
	return nil
}

// otherDeleted reports whether the counterpart's account is gone: the server
// flags it, or the resolver answered that it does not exist. A failed lookup
// yields a placeholder without Deleted and never counts.
func (e *Engine) otherDeleted(conv *Conversation, self Identity) bool {
	if other, ok := conv.Other(self); ok && conv.ParticipantDeleted(other) {
		return true
	}
	return conv.OtherParticipant != nil && conv.OtherParticipant.Deleted
}

func (e *Engine) trackHidden(conv *Conversation) {
	e.mu.Lock()
	e.hidden[conv.ID] = &Conversation{ID: conv.ID, Participants: conv.Participants}
	e.mu.Unlock()
}

func (e *Engine) untrackHidden(conversationID string) {
	e.mu.Lock()
	delete(e.hidden, conversationID)
	e.mu.Unlock()
}

func (e *Engine) hiddenConversations() []*Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conversation, 0, len(e.hidden))
	for _, c := range e.hidden {
		out = append(out, c)
	}
	return out
}

// purge drops every in-memory trace of a conversation. Rooms are left as is.
func (e *Engine) purge(conversationID string) {
	e.conversations.Delete(conversationID)
	e.messages.Purge(conversationID)
	e.typing.Purge(conversationID)
	e.clearOpen(conversationID)

	e.countedMu.Lock()
	delete(e.counted, conversationID)
	e.countedMu.Unlock()
}

// ============================================================================
// Messages
// ============================================================================

// LoadMessages fetches every page of conversationID's history and merges it
// into the message store.
func (e *Engine) LoadMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("load messages %s: %w", conversationID, ErrUnknownConversation)
	}
	self, err := e.selfIn(conv)
	if err != nil {
		return nil, err
	}

	var fetched []*Message
	for page := 1; ; page++ {
		rctx, cancel := e.requestContext(ctx)
		msgs, more, err := e.msgAPI.List(rctx, self, conversationID, PageOptions{Page: page, Limit: e.opts.PageSize})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		fetched = append(fetched, msgs...)
		if !more || len(msgs) < e.opts.PageSize {
			break
		}
	}

	session := e.Session()
	changed := false
	for _, m := range fetched {
		if m == nil {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if !e.overlay.Visible(m) {
			continue
		}
		if e.messages.Insert(m, session.Owns(m.Sender), e.opts.ReconcileWindow) {
			changed = true
		}
	}
	if changed {
		e.events.emit(Change{Topic: TopicMessages, ConversationID: conversationID})
	}
	return e.Messages(conversationID), nil
}

// Messages returns conversationID's messages in order, without those at or
// before its cleared stamp.
func (e *Engine) Messages(conversationID string) []*Message {
	all := e.messages.Messages(conversationID)
	out := all[:0]
	for _, m := range all {
		if e.overlay.Visible(m) {
			out = append(out, m)
		}
	}
	return out
}

// Send appends an optimistic message and delivers content over the
// sender's channel, falling back to REST. The temp message is returned; it
// is replaced once the server copy arrives. On REST failure the temp
// message stays in the sending state.
func (e *Engine) Send(ctx context.Context, conversationID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("send to %s: %w", conversationID, ErrUnknownConversation)
	}
	self, err := e.selfIn(conv)
	if err != nil {
		return nil, err
	}
	log := e.log.With().Str("conversation", conversationID).Stringer("kind", self.Kind).Logger()

	temp := &Message{
		ID:             tempIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		Sender:         self.Participant(),
		Content:        content,
		Status:         StatusSending,
		CreatedAt:      e.now(),
	}
	e.messages.Insert(temp, false, 0)
	e.events.emit(Change{Topic: TopicMessages, ConversationID: conversationID})

	defer func() {
		if err := e.typing.StopTyping(ctx, conversationID); err != nil {
			log.Debug().Err(err).Msg("typing stop not sent")
		}
	}()

	if t, ok := e.channels.Transport(self.Kind); ok && t.Connected() {
		err := t.SendMessage(ctx, conversationID, content)
		if err == nil {
			log.Debug().Str("message", temp.ID).Msg("sent over channel")
			return temp.clone(), nil
		}
		log.Warn().Err(err).Msg("channel send failed, falling back to REST")
	}

	rctx, cancel := e.requestContext(ctx)
	msg, err := e.msgAPI.Send(rctx, self, conversationID, content)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("message", temp.ID).Msg("send failed")
		return temp.clone(), fmt.Errorf("send message: %w", err)
	}
	if msg != nil {
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = e.now()
		}
		e.ingest(msg, nil)
	}
	return temp.clone(), nil
}

// ingest records msg in the message store and updates its conversation.
// addressee is the identity bound to the channel msg arrived on; its unread
// counter is bumped when it did not send msg. It reports whether the
// conversation is known.
func (e *Engine) ingest(msg *Message, addressee *Identity) bool {
	if e.overlay.Visible(msg) {
		if e.messages.Insert(msg, e.Session().Owns(msg.Sender), e.opts.ReconcileWindow) {
			e.events.emit(Change{Topic: TopicMessages, ConversationID: msg.ConversationID})
		}
	}

	known := e.conversations.Has(msg.ConversationID)
	changed := e.conversations.Update(msg.ConversationID, func(c *Conversation) bool {
		changed := false
		if addressee != nil && c.Has(addressee.Participant()) && !addressee.Is(msg.Sender) &&
			e.markCounted(c.ID, msg.ID, addressee.ID) {
			c.UnreadCount[addressee.ID]++
			changed = true
		}
		if n, ok := c.UnreadCount[msg.Sender.ID]; c.Has(msg.Sender) && (!ok || n != 0) {
			c.UnreadCount[msg.Sender.ID] = 0
			changed = true
		}
		if c.LastMessageAt == nil || !msg.CreatedAt.Before(*c.LastMessageAt) {
			if c.LastMessage == nil || c.LastMessage.ID != msg.ID {
				at := msg.CreatedAt
				c.LastMessage = msg.clone()
				c.LastMessageAt = &at
				changed = true
			}
		}
		return changed
	})
	if changed {
		e.events.emit(Change{Topic: TopicConversations, ConversationID: msg.ConversationID})
	}
	return known
}

// markCounted records that messageID was counted for identityID and reports
// whether it was new.
func (e *Engine) markCounted(conversationID, messageID, identityID string) bool {
	e.countedMu.Lock()
	defer e.countedMu.Unlock()
	set := e.counted[conversationID]
	if set == nil {
		set = &countedSet{seen: make(map[string]struct{})}
		e.counted[conversationID] = set
	}
	return set.add(messageID+":"+identityID, e.countedLimit)
}

// MarkAllAsRead marks every message in conversationID read for the
// participating identity. A forbidden response is treated as success with
// no local change.
func (e *Engine) MarkAllAsRead(ctx context.Context, conversationID string) error {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return fmt.Errorf("mark read %s: %w", conversationID, ErrUnknownConversation)
	}
	self, err := e.selfIn(conv)
	if err != nil {
		return err
	}

	rctx, cancel := e.requestContext(ctx)
	err = e.convAPI.MarkAllRead(rctx, self, conversationID)
	cancel()
	if err != nil {
		if IsForbidden(err) {
			e.log.Debug().Err(err).Str("conversation", conversationID).Msg("mark all read forbidden, ignoring")
			return nil
		}
		return fmt.Errorf("mark all read: %w", err)
	}

	other, _ := conv.Other(self)
	convChanged := e.conversations.Update(conversationID, func(c *Conversation) bool {
		if c.UnreadCount[self.ID] == 0 {
			return false
		}
		c.UnreadCount[self.ID] = 0
		return true
	})
	n := e.messages.MarkRead(conversationID, self.ID, e.now(), func(m *Message) bool {
		return sameSender(m.Sender, other)
	})

	if convChanged {
		e.events.emit(Change{Topic: TopicConversations, ConversationID: conversationID})
	}
	if n > 0 {
		e.events.emit(Change{Topic: TopicMessages, ConversationID: conversationID})
	}
	return nil
}

// MarkMessageRead marks one message read for the participating identity.
func (e *Engine) MarkMessageRead(ctx context.Context, conversationID, messageID string) error {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return fmt.Errorf("mark read %s: %w", conversationID, ErrUnknownConversation)
	}
	self, err := e.selfIn(conv)
	if err != nil {
		return err
	}

	rctx, cancel := e.requestContext(ctx)
	err = e.msgAPI.MarkRead(rctx, self, messageID)
	cancel()
	if err != nil {
		if IsForbidden(err) {
			e.log.Debug().Err(err).Str("message", messageID).Msg("mark read forbidden, ignoring")
			return nil
		}
		return fmt.Errorf("mark read: %w", err)
	}
	if t, ok := e.channels.Transport(self.Kind); ok && t.Connected() {
		if err := t.MarkRead(ctx, conversationID, messageID); err != nil {
			e.log.Debug().Err(err).Str("message", messageID).Msg("read receipt not sent")
		}
	}

	var fromOther, wasUnread bool
	changed := e.messages.Update(conversationID, messageID, func(m *Message) bool {
		fromOther = !self.Is(m.Sender)
		wasUnread = !m.ReadByParticipant(self.ID)
		return m.markRead(self.ID, e.now())
	})
	if !changed {
		return nil
	}
	if fromOther && wasUnread {
		if e.conversations.Update(conversationID, func(c *Conversation) bool {
			if c.UnreadCount[self.ID] == 0 {
				return false
			}
			c.UnreadCount[self.ID]--
			return true
		}) {
			e.events.emit(Change{Topic: TopicConversations, ConversationID: conversationID})
		}
	}
	e.events.emit(Change{Topic: TopicMessages, ConversationID: conversationID})
	return nil
}

// ============================================================================
// Typing and presence
// ============================================================================

func (e *Engine) StartTyping(ctx context.Context, conversationID string) error {
	return e.typing.StartTyping(ctx, conversationID)
}

func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	return e.typing.StopTyping(ctx, conversationID)
}

// IsTyping reports whether anyone, the local composer included, is typing.
func (e *Engine) IsTyping(conversationID string) bool {
	return e.typing.IsTyping(conversationID)
}

func (e *Engine) IsPeerTyping(conversationID string) bool {
	return e.typing.IsPeerTyping(conversationID)
}

func (e *Engine) TypingParticipants(conversationID string) []Participant {
	return e.typing.TypingParticipants(conversationID)
}

// sendTyping emits a typing command on the channel of the identity that
// takes part in conversationID. A missing or closed channel is not an error.
func (e *Engine) sendTyping(ctx context.Context, conversationID string, typing bool) error {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return nil
	}
	self, err := e.selfIn(conv)
	if err != nil {
		return err
	}
	t, ok := e.channels.Transport(self.Kind)
	if !ok || !t.Connected() {
		return nil
	}
	if typing {
		return t.StartTyping(ctx, conversationID)
	}
	return t.StopTyping(ctx, conversationID)
}

// Presence returns the last known presence of participantID.
func (e *Engine) Presence(participantID string) (Presence, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.presence[participantID]
	return p, ok
}

// SetPresence announces status on every connected channel.
func (e *Engine) SetPresence(ctx context.Context, status string) error {
	var errs []error
	for _, kind := range Kinds {
		t, ok := e.channels.Transport(kind)
		if !ok || !t.Connected() {
			continue
		}
		if err := t.UpdatePresence(ctx, status); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) setPresence(participantID string, online bool, lastSeen time.Time) {
	e.mu.Lock()
	cur := e.presence[participantID]
	next := Presence{Online: online, LastSeen: cur.LastSeen}
	if !lastSeen.IsZero() {
		next.LastSeen = lastSeen
	}
	e.presence[participantID] = next
	e.mu.Unlock()
	if next != cur {
		e.events.emit(Change{Topic: TopicPresence, ParticipantID: participantID})
	}
}

// ============================================================================
// Event handling
// ============================================================================

// handleEvent is the single entry point for channel events. It runs on the
// read goroutine of the channel of the given kind.
func (e *Engine) handleEvent(kind IdentityKind, ev Event) {
	switch ev.Type {
	case EventMessageNew:
		if ev.Message != nil {
			e.handleMessage(kind, ev.Message)
		}
	case EventTyping:
		if ev.Typing != nil {
			e.handleTyping(kind, ev.Typing)
		}
	case EventMessageRead:
		if ev.Read != nil {
			e.handleRead(ev.Read)
		}
	case EventPresence:
		if ev.Presence != nil {
			e.setPresence(ev.Presence.Participant.ID, ev.Presence.Online, ev.Presence.LastSeen)
		}
	case EventPeerJoined:
		if ev.Room != nil {
			e.setPresence(ev.Room.Participant.ID, true, time.Time{})
		}
	case EventPeerLeft:
		if ev.Room != nil {
			e.setPresence(ev.Room.Participant.ID, false, e.now())
		}
	case EventConnected:
		e.log.Info().Stringer("kind", kind).Bool("reconnect", ev.Reconnect).Msg("channel connected")
		e.events.emit(Change{Topic: TopicChannelState, Kind: kind, State: StateConnected})
	case EventReconnecting:
		e.log.Info().Stringer("kind", kind).Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("channel reconnecting")
		e.events.emit(Change{Topic: TopicChannelState, Kind: kind, State: StateReconnecting})
	case EventDisconnected:
		level := zerolog.InfoLevel
		if ev.Final && ev.Reason != "client disconnect" {
			level = zerolog.ErrorLevel
		}
		e.log.WithLevel(level).Stringer("kind", kind).Bool("final", ev.Final).Str("reason", ev.Reason).Msg("channel disconnected")
		e.events.emit(Change{Topic: TopicChannelState, Kind: kind, State: StateDisconnected})
	case EventError:
		e.log.Warn().Stringer("kind", kind).Str("reason", ev.Reason).Msg("channel error")
	case EventAuthenticated:
		if ev.Identity != nil {
			if bound, ok := e.channels.Identity(kind); ok && bound.ID != ev.Identity.ID {
				e.log.Warn().Stringer("kind", kind).Str("bound", bound.ID).Str("server", ev.Identity.ID).
					Msg("channel authenticated as a different identity")
			}
		}
	}
}

func (e *Engine) handleMessage(kind IdentityKind, msg *Message) {
	if msg.ConversationID == "" || msg.ID == "" {
		return
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	var addressee *Identity
	if id, ok := e.channels.Identity(kind); ok {
		addressee = &id
	}
	log := e.log.With().Stringer("kind", kind).Str("conversation", msg.ConversationID).Str("message", msg.ID).Logger()

	if addressee == nil || !addressee.Is(msg.Sender) {
		e.typing.SetRemote(msg.ConversationID, msg.Sender, false)
	}

	if e.overlay.IsHidden(msg.ConversationID) {
		if addressee != nil && addressee.Is(msg.Sender) {
			log.Debug().Msg("own message in hidden conversation, staying hidden")
			return
		}
		if !e.overlay.Visible(msg) {
			log.Debug().Msg("stale message in hidden conversation")
			return
		}
		if _, err := e.overlay.Unhide(context.Background(), msg.ConversationID); err != nil {
			log.Warn().Err(err).Msg("unhide failed, staying hidden")
			return
		}
		e.untrackHidden(msg.ConversationID)
		log.Info().Msg("conversation unhidden by inbound message")
		e.fetchAndIngest(kind, addressee, msg, log)
		return
	}

	if !e.conversations.Has(msg.ConversationID) {
		log.Debug().Msg("message for unknown conversation, fetching")
		e.fetchAndIngest(kind, addressee, msg, log)
		return
	}
	e.ingest(msg, addressee)
}

// fetchAndIngest loads msg's conversation from the server, stores it and
// records msg without touching unread counters; the fetched counts already
// include msg.
func (e *Engine) fetchAndIngest(kind IdentityKind, addressee *Identity, msg *Message, log zerolog.Logger) {
	viewer := addressee
	if viewer == nil {
		self, err := e.activeSelf()
		if err != nil {
			log.Warn().Err(err).Msg("no identity to fetch conversation as")
			return
		}
		viewer = &self
	}

	ctx, cancel := e.requestContext(context.Background())
	defer cancel()
	conv, err := e.convAPI.Get(ctx, *viewer, msg.ConversationID)
	if err != nil {
		log.Warn().Err(err).Msg("conversation fetch failed, dropping message")
		return
	}
	self := *viewer
	if !conv.Has(self.Participant()) {
		if self, err = e.selfIn(conv); err != nil {
			log.Warn().Err(err).Msg("fetched conversation has no owned participant")
			return
		}
	}
	e.decorate(ctx, conv, self)

	// Counted before the conversation becomes visible to the other channel.
	for _, p := range conv.Participants {
		e.markCounted(conv.ID, msg.ID, p.ID)
	}
	e.conversations.Put(conv)
	e.channels.JoinConversationRooms(ctx, conv)
	e.ingest(msg, nil)
	e.events.emit(Change{Topic: TopicConversations, ConversationID: conv.ID})
}

func (e *Engine) handleTyping(kind IdentityKind, p *TypingPayload) {
	if id, ok := e.channels.Identity(kind); ok && id.Is(p.Participant) {
		return
	}
	e.typing.SetRemote(p.ConversationID, p.Participant, p.IsTyping)
}

func (e *Engine) handleRead(r *ReadPayload) {
	at := r.ReadAt
	if at.IsZero() {
		at = e.now()
	}
	if e.messages.Update(r.ConversationID, r.MessageID, func(m *Message) bool {
		return m.markRead(r.ParticipantID, at)
	}) {
		e.events.emit(Change{Topic: TopicMessages, ConversationID: r.ConversationID})
	}
}
