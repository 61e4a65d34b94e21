package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Topic names a class of state change observers can subscribe to.
type Topic string

const (
	TopicConversations Topic = "conversations.changed"
	TopicMessages      Topic = "messages.changed"
	TopicTyping        Topic = "typing.changed"
	TopicPresence      Topic = "presence.changed"
	TopicChannelState  Topic = "channel.state"
)

// Change describes one state change. Only the fields relevant to Topic are
// set.
type Change struct {
	Topic          Topic
	ConversationID string
	ParticipantID  string
	Kind           IdentityKind
	State          ConnState
}

type ChangeHandler func(Change)

type changeEmitter struct {
	log zerolog.Logger

	mu        sync.RWMutex
	listeners map[Topic][]ChangeHandler
}

func newChangeEmitter(log zerolog.Logger) *changeEmitter {
	return &changeEmitter{log: log, listeners: make(map[Topic][]ChangeHandler)}
}

func (e *changeEmitter) On(topic Topic, handler ChangeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[topic] = append(e.listeners[topic], handler)
}

func (e *changeEmitter) emit(c Change) {
	e.mu.RLock()
	handlers := e.listeners[c.Topic]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Str("topic", string(c.Topic)).Msg("change handler panicked")
				}
			}()
			h(c)
		}()
	}
}

func (e *changeEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[Topic][]ChangeHandler)
}
