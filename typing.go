package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTypingWindow        = 3 * time.Second
	DefaultRemoteTypingTimeout = 10 * time.Second
)

// TypingEmitFunc sends a typing start or stop for conversationID.
type TypingEmitFunc func(ctx context.Context, conversationID string, typing bool) error

type localTyping struct {
	timer *time.Timer
}

type remoteTyping struct {
	participant Participant
	timer       *time.Timer
}

// TypingTracker tracks the local composer and the peers typing in each
// conversation. Local typing stops by itself after the window; peer entries
// expire after the remote timeout if no stop arrives.
type TypingTracker struct {
	window        time.Duration
	remoteTimeout time.Duration
	emit          TypingEmitFunc
	notify        func(conversationID string)
	log           zerolog.Logger

	mu     sync.Mutex
	local  map[string]*localTyping
	remote map[string]map[string]*remoteTyping
}

func NewTypingTracker(window, remoteTimeout time.Duration, emit TypingEmitFunc, notify func(string), log zerolog.Logger) *TypingTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if remoteTimeout <= 0 {
		remoteTimeout = DefaultRemoteTypingTimeout
	}
	if emit == nil {
		emit = func(context.Context, string, bool) error { return nil }
	}
	if notify == nil {
		notify = func(string) {}
	}
	return &TypingTracker{
		window:        window,
		remoteTimeout: remoteTimeout,
		emit:          emit,
		notify:        notify,
		log:           log.With().Str("component", "typing").Logger(),
		local:         make(map[string]*localTyping),
		remote:        make(map[string]map[string]*remoteTyping),
	}
}

// StartTyping (re)arms the local debounce timer and emits a typing start.
func (t *TypingTracker) StartTyping(ctx context.Context, conversationID string) error {
	entry := &localTyping{}
	t.mu.Lock()
	prev := t.local[conversationID]
	if prev != nil {
		prev.timer.Stop()
	}
	entry.timer = time.AfterFunc(t.window, func() { t.expireLocal(conversationID, entry) })
	t.local[conversationID] = entry
	t.mu.Unlock()

	if prev == nil {
		t.notify(conversationID)
	}
	return t.emit(ctx, conversationID, true)
}

// StopTyping cancels the debounce timer and emits a typing stop. It is a
// no-op when the local composer is not typing.
func (t *TypingTracker) StopTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	entry := t.local[conversationID]
	if entry != nil {
		entry.timer.Stop()
		delete(t.local, conversationID)
	}
	t.mu.Unlock()

	if entry == nil {
		return nil
	}
	t.notify(conversationID)
	return t.emit(ctx, conversationID, false)
}

func (t *TypingTracker) expireLocal(conversationID string, entry *localTyping) {
	t.mu.Lock()
	if t.local[conversationID] != entry {
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.notify(conversationID)
	if err := t.emit(context.Background(), conversationID, false); err != nil {
		t.log.Debug().Err(err).Str("conversation", conversationID).Msg("typing stop not sent")
	}
}

// SetRemote records whether a peer is typing in conversationID.
func (t *TypingTracker) SetRemote(conversationID string, p Participant, typing bool) {
	key := p.key()
	changed := false

	t.mu.Lock()
	peers := t.remote[conversationID]
	cur := peers[key]
	switch {
	case typing:
		if cur != nil {
			cur.timer.Stop()
		} else {
			changed = true
		}
		entry := &remoteTyping{participant: p}
		entry.timer = time.AfterFunc(t.remoteTimeout, func() { t.expireRemote(conversationID, key, entry) })
		if peers == nil {
			peers = make(map[string]*remoteTyping)
			t.remote[conversationID] = peers
		}
		peers[key] = entry
	case cur != nil:
		cur.timer.Stop()
		delete(peers, key)
		if len(peers) == 0 {
			delete(t.remote, conversationID)
		}
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.notify(conversationID)
	}
}

func (t *TypingTracker) expireRemote(conversationID, key string, entry *remoteTyping) {
	t.mu.Lock()
	peers := t.remote[conversationID]
	if peers[key] != entry {
		t.mu.Unlock()
		return
	}
	delete(peers, key)
	if len(peers) == 0 {
		delete(t.remote, conversationID)
	}
	t.mu.Unlock()
	t.notify(conversationID)
}

// IsTyping reports whether anyone, the local composer included, is typing in
// conversationID.
func (t *TypingTracker) IsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, local := t.local[conversationID]
	return local || len(t.remote[conversationID]) > 0
}

// IsPeerTyping reports whether any peer is typing in conversationID.
func (t *TypingTracker) IsPeerTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remote[conversationID]) > 0
}

// TypingParticipants returns the peers typing in conversationID.
func (t *TypingTracker) TypingParticipants(conversationID string) []Participant {
	t.mu.Lock()
	out := make([]Participant, 0, len(t.remote[conversationID]))
	for _, e := range t.remote[conversationID] {
		out = append(out, e.participant)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Purge drops all typing state for conversationID without emitting.
func (t *TypingTracker) Purge(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.local[conversationID]; e != nil {
		e.timer.Stop()
		delete(t.local, conversationID)
	}
	for _, e := range t.remote[conversationID] {
		e.timer.Stop()
	}
	delete(t.remote, conversationID)
}

// Close stops every timer.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.local {
		e.timer.Stop()
		delete(t.local, id)
	}
	for id, peers := range t.remote {
		for _, e := range peers {
			e.timer.Stop()
		}
		delete(t.remote, id)
	}
}
