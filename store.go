package chatsync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Conversation store
// ============================================================================

// ConversationStore holds conversations by id. Callers always get copies.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: make(map[string]*Conversation)}
}

func (s *ConversationStore) Get(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

func (s *ConversationStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[id]
	return ok
}

// Put inserts or replaces conv.
func (s *ConversationStore) Put(conv *Conversation) {
	c := conv.clone()
	s.mu.Lock()
	s.convs[c.ID] = c
	s.mu.Unlock()
}

// Delete removes id and reports whether it was present.
func (s *ConversationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[id]
	delete(s.convs, id)
	return ok
}

// Update runs fn on the stored conversation under the write lock. fn reports
// whether it changed anything. Update returns false for unknown ids.
func (s *ConversationStore) Update(id string, fn func(c *Conversation) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return false
	}
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	return fn(c)
}

// Merge folds a fetched list into the store:
//   - ids for which hidden returns true are skipped
//   - known ids keep their fields except OtherParticipant and UnreadCount
//   - unknown ids are inserted as fetched
//   - stored ids missing from fetched are left alone
//
// It returns copies of every merged conversation.
func (s *ConversationStore) Merge(fetched []*Conversation, hidden func(id string) bool) []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]*Conversation, 0, len(fetched))
	for _, f := range fetched {
		if f == nil || f.ID == "" || (hidden != nil && hidden(f.ID)) {
			continue
		}
		fresh := f.clone()
		if cur, ok := s.convs[f.ID]; ok {
			cur.OtherParticipant = fresh.OtherParticipant
			cur.UnreadCount = fresh.UnreadCount
			merged = append(merged, cur.clone())
			continue
		}
		s.convs[f.ID] = fresh
		merged = append(merged, fresh.clone())
	}
	return merged
}

// List returns copies of the conversations keep accepts, most recent
// activity first, ties broken by id.
func (s *ConversationStore) List(keep func(c *Conversation) bool) []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if keep == nil || keep(c) {
			out = append(out, c.clone())
		}
	}
	s.mu.RUnlock()

	sortConversations(out)
	return out
}

func sortConversations(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := lastActivity(convs[i]), lastActivity(convs[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return convs[i].ID < convs[j].ID
	})
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Snapshot encodes the whole store deterministically.
func (s *ConversationStore) Snapshot() ([]byte, error) {
	return json.Marshal(s.List(nil))
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// ============================================================================
// Message store
// ============================================================================

// MessageStore holds each conversation's messages ordered by CreatedAt, ties
// in arrival order.
type MessageStore struct {
	mu     sync.RWMutex
	byConv map[string][]*Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byConv: make(map[string][]*Message)}
}

// Insert adds msg unless its id is already stored. With fromSelf set, a
// non-temp msg replaces the first temp entry from the same sender with equal
// content created within window of it. Insert reports whether the list
// changed.
func (s *MessageStore) Insert(msg *Message, fromSelf bool, window time.Duration) bool {
	m := msg.clone()
	if m.Status == "" {
		m.Status = StatusSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.byConv[m.ConversationID]
	for _, existing := range list {
		if existing.ID == m.ID {
			return false
		}
	}

	if fromSelf && !m.IsTemp() {
		for i, existing := range list {
			if existing.IsTemp() && sameSender(existing.Sender, m.Sender) &&
				existing.Content == m.Content && within(existing.CreatedAt, m.CreatedAt, window) {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}

	s.byConv[m.ConversationID] = insertOrdered(list, m)
	return true
}

func sameSender(a, b Participant) bool {
	return a.ID == b.ID && a.Kind == b.Kind
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// insertOrdered places m after every entry not newer than it.
func insertOrdered(list []*Message, m *Message) []*Message {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(m.CreatedAt)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	return list
}

// Messages returns copies of conversationID's messages in order.
func (s *MessageStore) Messages(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[conversationID]
	out := make([]*Message, len(list))
	for i, m := range list {
		out[i] = m.clone()
	}
	return out
}

func (s *MessageStore) Get(conversationID, messageID string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byConv[conversationID] {
		if m.ID == messageID {
			return m.clone(), true
		}
	}
	return nil, false
}

// Update runs fn on one stored message and reports whether it changed it.
func (s *MessageStore) Update(conversationID, messageID string, fn func(m *Message) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byConv[conversationID] {
		if m.ID == messageID {
			return fn(m)
		}
	}
	return false
}

// MarkRead promotes every message match accepts to read with a receipt for
// participantID. It returns the number of messages changed.
func (s *MessageStore) MarkRead(conversationID, participantID string, at time.Time, match func(m *Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byConv[conversationID] {
		if match != nil && !match(m) {
			continue
		}
		if m.markRead(participantID, at) {
			n++
		}
	}
	return n
}

// Purge drops every message of conversationID.
func (s *MessageStore) Purge(conversationID string) {
	s.mu.Lock()
	delete(s.byConv, conversationID)
	s.mu.Unlock()
}

func (s *MessageStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConv[conversationID])
}
