package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNoIdentity          = errors.New("no identity bound for kind")
	ErrNotParticipant      = errors.New("no bound identity participates in conversation")
	ErrEmptyContent        = errors.New("message content is empty")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotConnected        = errors.New("not connected")
)

// APIError represents an error returned by the chat REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// IsForbidden reports whether the server denied the request for the caller.
func (e *APIError) IsForbidden() bool {
	return e.Status == http.StatusForbidden || e.Code == "FORBIDDEN"
}

// IsForbidden reports whether err wraps a 403-class *APIError.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsForbidden()
}

// ============================================================================
// Identity
// ============================================================================

// IdentityKind tags which of the principal's roles an identity represents.
type IdentityKind uint8

const (
	KindPersonal IdentityKind = iota + 1
	KindCompany
)

// Kinds lists every identity kind in routing order.
var Kinds = []IdentityKind{KindPersonal, KindCompany}

func (k IdentityKind) String() string {
	switch k {
	case KindPersonal:
		return "user"
	case KindCompany:
		return "company"
	}
	return fmt.Sprintf("IdentityKind(%d)", uint8(k))
}

func (k IdentityKind) Valid() bool {
	return k == KindPersonal || k == KindCompany
}

func (k IdentityKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid identity kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *IdentityKind) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentityKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseIdentityKind accepts the wire names "user" and "company" (and the
// aliases "personal" and "employer").
func ParseIdentityKind(s string) (IdentityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "personal":
		return KindPersonal, nil
	case "company", "employer":
		return KindCompany, nil
	}
	return 0, fmt.Errorf("unknown identity kind %q", s)
}

// Identity is one of the principal's roles.
type Identity struct {
	ID   string       `json:"id"`
	Kind IdentityKind `json:"type"`
}

// Participant returns the identity as a conversation participant reference.
func (i Identity) Participant() Participant {
	return Participant{ID: i.ID, Kind: i.Kind}
}

// Is reports whether p refers to this identity.
func (i Identity) Is(p Participant) bool {
	return i.ID == p.ID && i.Kind == p.Kind
}

// SessionContext holds both identity bindings of the principal explicitly.
type SessionContext struct {
	Personal *Identity
	Company  *Identity
	Active   IdentityKind
}

// Identity returns the bound identity for kind.
func (s SessionContext) Identity(kind IdentityKind) (Identity, bool) {
	switch kind {
	case KindPersonal:
		if s.Personal != nil {
			return *s.Personal, true
		}
	case KindCompany:
		if s.Company != nil {
			return *s.Company, true
		}
	}
	return Identity{}, false
}

// ActiveIdentity returns the identity the principal is currently acting as.
// With no explicit Active kind the personal identity wins.
func (s SessionContext) ActiveIdentity() (Identity, bool) {
	if s.Active.Valid() {
		return s.Identity(s.Active)
	}
	if id, ok := s.Identity(KindPersonal); ok {
		return id, true
	}
	return s.Identity(KindCompany)
}

// Owns reports whether p is one of the bound identities.
func (s SessionContext) Owns(p Participant) bool {
	for _, kind := range Kinds {
		if id, ok := s.Identity(kind); ok && id.Is(p) {
			return true
		}
	}
	return false
}

// SelfIn returns the bound identity that participates in conv, preferring
// the active one.
func (s SessionContext) SelfIn(conv *Conversation) (Identity, bool) {
	if active, ok := s.ActiveIdentity(); ok && conv.Has(active.Participant()) {
		return active, true
	}
	for _, kind := range Kinds {
		if id, ok := s.Identity(kind); ok && conv.Has(id.Participant()) {
			return id, true
		}
	}
	return Identity{}, false
}

// ============================================================================
// Participants
// ============================================================================

// Participant references one side of a conversation.
type Participant struct {
	ID      string       `json:"id"`
	Kind    IdentityKind `json:"type"`
	Deleted bool         `json:"deleted,omitempty"`
}

func (p Participant) key() string {
	return p.Kind.String() + ":" + p.ID
}

// ParticipantInfo is display info for a participant.
type ParticipantInfo struct {
	ID      string       `json:"id"`
	Kind    IdentityKind `json:"type"`
	Name    string       `json:"name"`
	Email   string       `json:"email,omitempty"`
	Avatar  string       `json:"avatar,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
}

const (
	deletedDisplayName     = "Deleted account"
	unavailableDisplayName = "Unknown participant"
)

// DeletedPlaceholder is the record shown for a participant whose account no
// longer exists.
func DeletedPlaceholder(p Participant) *ParticipantInfo {
	return &ParticipantInfo{ID: p.ID, Kind: p.Kind, Name: deletedDisplayName, Deleted: true}
}

// UnavailablePlaceholder stands in for a participant whose info could not be
// fetched. It says nothing about whether the account exists.
func UnavailablePlaceholder(p Participant) *ParticipantInfo {
	return &ParticipantInfo{ID: p.ID, Kind: p.Kind, Name: unavailableDisplayName}
}

// ============================================================================
// Conversations and messages
// ============================================================================

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// ReadReceipt records when a participant read a message.
type ReadReceipt struct {
	ParticipantID string    `json:"participantId"`
	ReadAt        time.Time `json:"readAt"`
}

const tempIDPrefix = "temp-"

// Message is a single chat message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         Participant   `json:"sender"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// IsTemp reports whether the message is an optimistic local entry.
func (m *Message) IsTemp() bool {
	return strings.HasPrefix(m.ID, tempIDPrefix)
}

// ReadByParticipant reports whether participantID has a read receipt.
func (m *Message) ReadByParticipant(participantID string) bool {
	for _, r := range m.ReadBy {
		if r.ParticipantID == participantID {
			return true
		}
	}
	return false
}

func (m *Message) markRead(participantID string, at time.Time) bool {
	changed := false
	if m.Status != StatusRead {
		m.Status = StatusRead
		changed = true
	}
	if !m.ReadByParticipant(participantID) {
		m.ReadBy = append(m.ReadBy, ReadReceipt{ParticipantID: participantID, ReadAt: at})
		changed = true
	}
	return changed
}

func (m *Message) clone() *Message {
	c := *m
	if m.ReadBy != nil {
		c.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	}
	return &c
}

// Conversation is a one-to-one conversation between exactly two participants.
type Conversation struct {
	ID                  string               `json:"id"`
	Participants        [2]Participant       `json:"participants"`
	LastMessage         *Message             `json:"lastMessage,omitempty"`
	LastMessageAt       *time.Time           `json:"lastMessageAt,omitempty"`
	UnreadCount         map[string]int       `json:"unreadCount"`
	DeletedParticipants map[string]time.Time `json:"deletedParticipants,omitempty"`
	OtherParticipant    *ParticipantInfo     `json:"otherParticipant,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt,omitempty"`
}

// Has reports whether p is one of the two participants.
func (c *Conversation) Has(p Participant) bool {
	return c.Participants[0].ID == p.ID && c.Participants[0].Kind == p.Kind ||
		c.Participants[1].ID == p.ID && c.Participants[1].Kind == p.Kind
}

// Other returns the participant that is not self.
func (c *Conversation) Other(self Identity) (Participant, bool) {
	switch {
	case self.Is(c.Participants[0]):
		return c.Participants[1], true
	case self.Is(c.Participants[1]):
		return c.Participants[0], true
	}
	return Participant{}, false
}

// ParticipantDeleted reports whether p's account is gone, either through the
// deletedParticipants map or the participant flag.
func (c *Conversation) ParticipantDeleted(p Participant) bool {
	if p.Deleted {
		return true
	}
	_, ok := c.DeletedParticipants[p.ID]
	return ok
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	if c.LastMessage != nil {
		cp.LastMessage = c.LastMessage.clone()
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	cp.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		cp.UnreadCount[k] = v
	}
	if c.DeletedParticipants != nil {
		cp.DeletedParticipants = make(map[string]time.Time, len(c.DeletedParticipants))
		for k, v := range c.DeletedParticipants {
			cp.DeletedParticipants[k] = v
		}
	}
	if c.OtherParticipant != nil {
		info := *c.OtherParticipant
		cp.OtherParticipant = &info
	}
	return &cp
}

// ============================================================================
// REST envelope
// ============================================================================

// Result is the generic chat API response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *PageMeta       `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// PageMeta describes one page of a paginated listing.
type PageMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total,omitempty"`
	HasMore bool `json:"hasMore"`
}

// PageOptions selects a page of a paginated listing.
type PageOptions struct {
	Page  int
	Limit int
}
